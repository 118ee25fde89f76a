package inbox

import (
	"encoding/json"
	"fmt"
	"strconv"

	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/models"
)

// CloudWebhook is the payload posted by the managed Business API.
type CloudWebhook struct {
	Object string       `json:"object"`
	Entry  []CloudEntry `json:"entry"`
}

type CloudEntry struct {
	ID      string        `json:"id"`
	Changes []CloudChange `json:"changes"`
}

type CloudChange struct {
	Field string     `json:"field"`
	Value CloudValue `json:"value"`
}

type CloudValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts,omitempty"`
	Messages []CloudMessage `json:"messages,omitempty"`
	Statuses []CloudStatus  `json:"statuses,omitempty"`
}

// CloudMedia is a media attachment in a managed-api message.
type CloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// CloudInteractive is a button or list selection.
type CloudInteractive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"list_reply,omitempty"`
}

type CloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Context   *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context,omitempty"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *CloudMedia       `json:"image,omitempty"`
	Video       *CloudMedia       `json:"video,omitempty"`
	Audio       *CloudMedia       `json:"audio,omitempty"`
	Document    *CloudMedia       `json:"document,omitempty"`
	Sticker     *CloudMedia       `json:"sticker,omitempty"`
	Interactive *CloudInteractive `json:"interactive,omitempty"`
	Button      *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location,omitempty"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
		Phones []struct {
			Phone string `json:"phone"`
		} `json:"phones"`
	} `json:"contacts,omitempty"`
}

type CloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// CloudBatch groups what one change of a managed-api webhook carries for
// a single phone number.
type CloudBatch struct {
	PhoneNumberID string
	Messages      []*Inbound
	Receipts      []Receipt
}

// DecodeCloudWebhook flattens a managed-api webhook into per-number
// batches. Messages the inbox does not handle are skipped.
func DecodeCloudWebhook(body []byte) ([]CloudBatch, error) {
	var hook CloudWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("decode cloud webhook: %w", err)
	}

	var batches []CloudBatch
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if v.Metadata.PhoneNumberID == "" {
				continue
			}
			batch := CloudBatch{PhoneNumberID: v.Metadata.PhoneNumberID}

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for i := range v.Messages {
				in, err := v.Messages[i].inbound(names)
				if err != nil {
					continue
				}
				batch.Messages = append(batch.Messages, in)
			}
			for _, s := range v.Statuses {
				batch.Receipts = append(batch.Receipts, Receipt{
					MessageID: s.ID,
					RemoteJID: jid.Normalize(s.RecipientID),
					FromMe:    true,
					Status:    s.Status,
				})
			}

			if len(batch.Messages) > 0 || len(batch.Receipts) > 0 {
				batches = append(batches, batch)
			}
		}
	}
	return batches, nil
}

func (m *CloudMessage) inbound(names map[string]string) (*Inbound, error) {
	remote := jid.Normalize(m.From)
	if m.ID == "" || remote == "" || jid.IsIgnored(remote) {
		return nil, ErrIgnored
	}
	sec, _ := strconv.ParseInt(m.Timestamp, 10, 64)

	in := &Inbound{
		ID:        m.ID,
		RemoteJID: remote,
		PushName:  names[m.From],
		Timestamp: unixTime(sec),
	}

	switch {
	case m.Text != nil:
		in.Type = models.TypeText
		in.Text = m.Text.Body
	case m.Image != nil:
		in.Type = models.TypeImage
		m.Image.fill(in)
	case m.Video != nil:
		in.Type = models.TypeVideo
		m.Video.fill(in)
	case m.Audio != nil:
		in.Type = models.TypeAudio
		m.Audio.fill(in)
		in.PTT = m.Audio.Voice
	case m.Document != nil:
		in.Type = models.TypeDocument
		m.Document.fill(in)
		in.FileName = m.Document.Filename
	case m.Sticker != nil:
		in.Type = models.TypeSticker
		m.Sticker.fill(in)
	case m.Location != nil:
		lat, lng := m.Location.Latitude, m.Location.Longitude
		in.Type = models.TypeLocation
		in.Latitude, in.Longitude = &lat, &lng
		in.LocationName = firstNonEmpty(m.Location.Name, m.Location.Address)
	case len(m.Contacts) > 0:
		in.Type = models.TypeContact
		in.ContactName = m.Contacts[0].Name.FormattedName
	case m.Button != nil:
		in.Type = models.TypeButtonReply
		in.Text = m.Button.Text
		in.SelectionID = m.Button.Payload
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		in.Type = models.TypeButtonReply
		in.Text = m.Interactive.ButtonReply.Title
		in.SelectionID = m.Interactive.ButtonReply.ID
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		in.Type = models.TypeListReply
		in.Text = m.Interactive.ListReply.Title
		in.SelectionID = m.Interactive.ListReply.ID
	default:
		return nil, ErrIgnored
	}

	if m.Context != nil && m.Context.ID != "" {
		in.Quoted = &models.QuotedMessage{ID: m.Context.ID}
	}
	return in, nil
}

func (c *CloudMedia) fill(in *Inbound) {
	in.Caption = c.Caption
	in.MimeType = c.MimeType
	in.Media = &MediaSource{CloudMediaID: c.ID, MimeType: c.MimeType}
}

package inbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/models"
)

// Gateway webhook event names, as normalized by GatewayEvent.Name.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventContactsUpdate   = "contacts.update"
	EventChatsUpdate      = "chats.update"
	EventQRCodeUpdated    = "qrcode.updated"
	EventConnectionUpdate = "connection.update"
)

// GatewayEvent is the envelope posted by the self-hosted gateway.
type GatewayEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// Name returns the event in dotted lower case; the gateway uses both
// "messages.upsert" and "MESSAGES_UPSERT".
func (e GatewayEvent) Name() string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(e.Event)), "_", ".")
}

type gatewayKey struct {
	RemoteJID    string `json:"remoteJid"`
	RemoteJIDAlt string `json:"remoteJidAlt"`
	FromMe       bool   `json:"fromMe"`
	ID           string `json:"id"`
}

type gatewayMessage struct {
	Key              gatewayKey `json:"key"`
	PushName         string     `json:"pushName"`
	Message          *waContent `json:"message"`
	MessageType      string     `json:"messageType"`
	MessageTimestamp flexInt    `json:"messageTimestamp"`
	Base64           string     `json:"base64"`
	MediaURL         string     `json:"mediaUrl"`
}

type contextInfo struct {
	StanzaID      string     `json:"stanzaId"`
	Participant   string     `json:"participant"`
	QuotedMessage *waContent `json:"quotedMessage"`
}

type waMedia struct {
	Mimetype    string       `json:"mimetype"`
	Caption     string       `json:"caption"`
	FileLength  flexInt      `json:"fileLength"`
	Seconds     int          `json:"seconds"`
	PTT         bool         `json:"ptt"`
	FileName    string       `json:"fileName"`
	Title       string       `json:"title"`
	ContextInfo *contextInfo `json:"contextInfo"`
}

type waContact struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

type waContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text        string       `json:"text"`
		ContextInfo *contextInfo `json:"contextInfo"`
	} `json:"extendedTextMessage"`

	ImageMessage               *waMedia `json:"imageMessage"`
	VideoMessage               *waMedia `json:"videoMessage"`
	AudioMessage               *waMedia `json:"audioMessage"`
	DocumentMessage            *waMedia `json:"documentMessage"`
	StickerMessage             *waMedia `json:"stickerMessage"`
	DocumentWithCaptionMessage *struct {
		Message *waContent `json:"message"`
	} `json:"documentWithCaptionMessage"`

	ContactMessage       *waContact `json:"contactMessage"`
	ContactsArrayMessage *struct {
		Contacts []waContact `json:"contacts"`
	} `json:"contactsArrayMessage"`
	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
		Name             string  `json:"name"`
		Address          string  `json:"address"`
	} `json:"locationMessage"`

	TemplateMessage *struct {
		HydratedTemplate *struct {
			HydratedContentText string `json:"hydratedContentText"`
		} `json:"hydratedTemplate"`
	} `json:"templateMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		Title             string `json:"title"`
		SingleSelectReply *struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage"`
	TemplateButtonReplyMessage *struct {
		SelectedID          string `json:"selectedId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"templateButtonReplyMessage"`

	Base64   string `json:"base64"`
	MediaURL string `json:"mediaUrl"`
}

// fill copies the recognized content into in and reports whether any was
// found. Protocol, key distribution and reaction frames carry none.
func (c *waContent) fill(in *Inbound) bool {
	switch {
	case c.Conversation != "":
		in.Type = models.TypeText
		in.Text = c.Conversation
	case c.ExtendedTextMessage != nil:
		in.Type = models.TypeText
		in.Text = c.ExtendedTextMessage.Text
	case c.ImageMessage != nil:
		in.Type = models.TypeImage
		c.ImageMessage.fill(in)
	case c.VideoMessage != nil:
		in.Type = models.TypeVideo
		c.VideoMessage.fill(in)
	case c.AudioMessage != nil:
		in.Type = models.TypeAudio
		c.AudioMessage.fill(in)
	case c.DocumentMessage != nil:
		in.Type = models.TypeDocument
		c.DocumentMessage.fill(in)
		in.FileName = firstNonEmpty(c.DocumentMessage.FileName, c.DocumentMessage.Title)
	case c.DocumentWithCaptionMessage != nil && c.DocumentWithCaptionMessage.Message != nil:
		return c.DocumentWithCaptionMessage.Message.fill(in)
	case c.StickerMessage != nil:
		in.Type = models.TypeSticker
		c.StickerMessage.fill(in)
	case c.ContactMessage != nil:
		in.Type = models.TypeContact
		in.ContactName = c.ContactMessage.DisplayName
		in.ContactVCard = c.ContactMessage.Vcard
	case c.ContactsArrayMessage != nil && len(c.ContactsArrayMessage.Contacts) > 0:
		in.Type = models.TypeContact
		in.ContactName = c.ContactsArrayMessage.Contacts[0].DisplayName
		in.ContactVCard = c.ContactsArrayMessage.Contacts[0].Vcard
	case c.LocationMessage != nil:
		lat, lng := c.LocationMessage.DegreesLatitude, c.LocationMessage.DegreesLongitude
		in.Type = models.TypeLocation
		in.Latitude, in.Longitude = &lat, &lng
		in.LocationName = firstNonEmpty(c.LocationMessage.Name, c.LocationMessage.Address)
	case c.TemplateMessage != nil && c.TemplateMessage.HydratedTemplate != nil:
		in.Type = models.TypeTemplate
		in.Text = c.TemplateMessage.HydratedTemplate.HydratedContentText
	case c.ButtonsResponseMessage != nil:
		in.Type = models.TypeButtonReply
		in.Text = c.ButtonsResponseMessage.SelectedDisplayText
		in.SelectionID = c.ButtonsResponseMessage.SelectedButtonID
	case c.ListResponseMessage != nil:
		in.Type = models.TypeListReply
		in.Text = c.ListResponseMessage.Title
		if r := c.ListResponseMessage.SingleSelectReply; r != nil {
			in.SelectionID = r.SelectedRowID
		}
	case c.TemplateButtonReplyMessage != nil:
		in.Type = models.TypeButtonReply
		in.Text = c.TemplateButtonReplyMessage.SelectedDisplayText
		in.SelectionID = c.TemplateButtonReplyMessage.SelectedID
	default:
		return false
	}
	return true
}

func (m *waMedia) fill(in *Inbound) {
	in.Caption = m.Caption
	in.MimeType = m.Mimetype
	in.FileLength = int64(m.FileLength)
	in.Seconds = m.Seconds
	in.PTT = m.PTT
	in.Media = &MediaSource{MimeType: m.Mimetype, FromGateway: true}
}

func (c *waContent) context() *contextInfo {
	switch {
	case c.ExtendedTextMessage != nil:
		return c.ExtendedTextMessage.ContextInfo
	case c.ImageMessage != nil:
		return c.ImageMessage.ContextInfo
	case c.VideoMessage != nil:
		return c.VideoMessage.ContextInfo
	case c.AudioMessage != nil:
		return c.AudioMessage.ContextInfo
	case c.DocumentMessage != nil:
		return c.DocumentMessage.ContextInfo
	case c.StickerMessage != nil:
		return c.StickerMessage.ContextInfo
	}
	return nil
}

// DecodeGatewayMessage decodes one messages.upsert item. Ignorable items
// yield ErrIgnored.
func DecodeGatewayMessage(raw json.RawMessage) (*Inbound, error) {
	var m gatewayMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode gateway message: %w", err)
	}

	remote := m.Key.RemoteJID
	if strings.HasSuffix(remote, "@lid") && m.Key.RemoteJIDAlt != "" {
		remote = m.Key.RemoteJIDAlt
	}
	remote = jid.Normalize(remote)
	if m.Key.ID == "" || remote == "" || jid.IsIgnored(remote) || m.Message == nil {
		return nil, ErrIgnored
	}

	in := &Inbound{
		ID:        m.Key.ID,
		RemoteJID: remote,
		FromMe:    m.Key.FromMe,
		PushName:  m.PushName,
		Timestamp: unixTime(int64(m.MessageTimestamp)),
	}
	if !m.Message.fill(in) {
		return nil, ErrIgnored
	}

	if in.Media != nil {
		in.Media.Base64 = firstNonEmpty(m.Message.Base64, m.Base64)
		in.Media.URL = firstNonEmpty(m.Message.MediaURL, m.MediaURL)
	}

	if ctx := m.Message.context(); ctx != nil && ctx.StanzaID != "" {
		quoted := &models.QuotedMessage{ID: ctx.StanzaID}
		if ctx.QuotedMessage != nil {
			var q Inbound
			if ctx.QuotedMessage.fill(&q) {
				quoted.Type = q.Type
				quoted.Text = firstNonEmpty(q.Text, q.Caption)
			}
		}
		in.Quoted = quoted
	}
	return in, nil
}

type receiptStatus string

// the gateway sends receipt statuses as names or as numeric ack levels
func (s *receiptStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*s = receiptStatus(name)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return nil
	}
	levels := []string{"ERROR", "PENDING", "SERVER_ACK", "DELIVERY_ACK", "READ", "PLAYED"}
	if n >= 0 && n < len(levels) {
		*s = receiptStatus(levels[n])
	}
	return nil
}

type gatewayReceipt struct {
	KeyID     string        `json:"keyId"`
	MessageID string        `json:"messageId"`
	Key       *gatewayKey   `json:"key"`
	RemoteJID string        `json:"remoteJid"`
	FromMe    *bool         `json:"fromMe"`
	Status    receiptStatus `json:"status"`
	Update    *struct {
		Status receiptStatus `json:"status"`
	} `json:"update"`
}

// DecodeGatewayReceipts decodes a messages.update payload, single or batched.
func DecodeGatewayReceipts(raw json.RawMessage) ([]Receipt, error) {
	items, err := splitItems(raw)
	if err != nil {
		return nil, err
	}

	receipts := make([]Receipt, 0, len(items))
	for _, item := range items {
		var r gatewayReceipt
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("decode gateway receipt: %w", err)
		}

		rec := Receipt{
			MessageID: r.KeyID,
			RemoteJID: r.RemoteJID,
			Status:    string(r.Status),
		}
		if r.Key != nil {
			rec.MessageID = firstNonEmpty(rec.MessageID, r.Key.ID)
			rec.RemoteJID = firstNonEmpty(rec.RemoteJID, r.Key.RemoteJID)
			rec.FromMe = r.Key.FromMe
		}
		rec.MessageID = firstNonEmpty(rec.MessageID, r.MessageID)
		if r.FromMe != nil {
			rec.FromMe = *r.FromMe
		}
		if rec.Status == "" && r.Update != nil {
			rec.Status = string(r.Update.Status)
		}
		rec.RemoteJID = jid.Normalize(rec.RemoteJID)
		receipts = append(receipts, rec)
	}
	return receipts, nil
}

// DecodeGatewayProfiles extracts profile pictures from contacts.update
// and chats.update payloads.
func DecodeGatewayProfiles(raw json.RawMessage) ([]ProfileUpdate, error) {
	items, err := splitItems(raw)
	if err != nil {
		return nil, err
	}

	var updates []ProfileUpdate
	for _, item := range items {
		var p struct {
			RemoteJID         string `json:"remoteJid"`
			ID                string `json:"id"`
			ProfilePicURL     string `json:"profilePicUrl"`
			ProfilePictureURL string `json:"profilePictureUrl"`
			ImgURL            string `json:"imgUrl"`
		}
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("decode gateway profile: %w", err)
		}
		url := firstNonEmpty(p.ProfilePicURL, p.ProfilePictureURL, p.ImgURL)
		remote := jid.Normalize(firstNonEmpty(p.RemoteJID, p.ID))
		if url == "" || remote == "" || jid.IsIgnored(remote) {
			continue
		}
		updates = append(updates, ProfileUpdate{RemoteJID: remote, ProfilePicURL: url})
	}
	return updates, nil
}

// DecodeGatewayConnection returns the state of a connection.update event.
func DecodeGatewayConnection(raw json.RawMessage) (string, error) {
	var c struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", fmt.Errorf("decode connection update: %w", err)
	}
	return c.State, nil
}

// splitItems accepts either one JSON object or an array of them.
func splitItems(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return items, nil
	}
	return []json.RawMessage{raw}, nil
}

// SplitItems is splitItems for callers outside the package.
func SplitItems(raw json.RawMessage) ([]json.RawMessage, error) {
	return splitItems(raw)
}

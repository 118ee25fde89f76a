package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/ws"
)

// Kind is the logical content of an outbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindButtons  Kind = "buttons"
	KindList     Kind = "list"
)

const (
	maxButtons     = 3
	maxButtonTitle = 20
	maxListRows    = 10
	maxRowTitle    = 24
)

func (k Kind) Interactive() bool {
	return k == KindButtons || k == KindList
}

func (k Kind) Media() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Section struct {
	Title string `json:"title,omitempty"`
	Rows  []Row  `json:"rows"`
}

// Outbound is one message to send. Text is the body for text and
// interactive kinds and the caption for media.
type Outbound struct {
	Kind       Kind
	Text       string
	Media      []byte
	MimeType   string
	FileName   string
	Header     string
	Footer     string
	Buttons    []Button
	ListButton string
	Sections   []Section

	Automation  bool
	AIGenerated bool
}

// Dispatcher sends outbound content through the protocol of the chat's
// channel and records the result like an inbound message.
type Dispatcher struct {
	store   *database.Store
	gateway *GatewayClient
	cloud   *CloudClient
	media   media.Store
	pub     ws.Publisher
	log     *slog.Logger
	now     func() time.Time
}

func NewDispatcher(store *database.Store, gateway *GatewayClient, cloud *CloudClient, mediaStore media.Store, pub ws.Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		cloud:   cloud,
		media:   mediaStore,
		pub:     pub,
		log:     log.With(sl.Module("whatsapp.dispatcher")),
		now:     time.Now,
	}
}

// Send delivers out to the chat's peer. Interactive content on a channel
// without managed credentials fails with ErrNoManagedCredentials and sends
// nothing.
func (d *Dispatcher) Send(ctx context.Context, chat *models.Chat, out Outbound) (*models.Message, error) {
	ch, err := d.store.Channel(ctx, chat.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", chat.ChannelID, err)
	}
	number := jid.User(chat.RemoteJID)

	var id string
	switch {
	case out.Kind.Interactive():
		if !ch.HasManagedCredentials() {
			return nil, ErrNoManagedCredentials
		}
		id, err = d.cloud.Send(ctx, credentials(ch), interactive(number, out))
	case ch.Protocol == models.ProtocolManagedAPI:
		id, err = d.sendCloud(ctx, ch, number, out)
	default:
		id, err = d.sendGateway(ctx, ch, number, out)
	}
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", out.Kind, number, err)
	}

	return d.record(ctx, chat, id, out), nil
}

// SendText is a shortcut for a plain text message.
func (d *Dispatcher) SendText(ctx context.Context, chat *models.Chat, text string) (*models.Message, error) {
	return d.Send(ctx, chat, Outbound{Kind: KindText, Text: text})
}

func (d *Dispatcher) sendGateway(ctx context.Context, ch *models.Channel, number string, out Outbound) (string, error) {
	if out.Kind.Media() {
		mimeType := media.DetectType(out.MimeType, out.Media)
		return d.gateway.SendMedia(ctx, ch, number, string(out.Kind), out.Media, mimeType, out.Text, out.FileName)
	}
	return d.gateway.SendText(ctx, ch, number, out.Text)
}

func (d *Dispatcher) sendCloud(ctx context.Context, ch *models.Channel, number string, out Outbound) (string, error) {
	if !ch.HasManagedCredentials() {
		return "", ErrNoManagedCredentials
	}
	creds := credentials(ch)

	msg := GenericMessage{To: number, Type: string(out.Kind)}
	if !out.Kind.Media() {
		msg.Type = "text"
		msg.Text = &TextObj{Body: out.Text}
		return d.cloud.Send(ctx, creds, msg)
	}

	mimeType := media.DetectType(out.MimeType, out.Media)
	fileName := out.FileName
	if fileName == "" {
		fileName = "file." + media.Extension(mimeType, out.Media)
	}
	mediaID, err := d.cloud.UploadMedia(ctx, creds, out.Media, mimeType, fileName)
	if err != nil {
		return "", err
	}

	obj := &MediaObj{ID: mediaID}
	switch out.Kind {
	case KindImage:
		obj.Caption = out.Text
		msg.Image = obj
	case KindVideo:
		obj.Caption = out.Text
		msg.Video = obj
	case KindAudio:
		msg.Audio = obj
	case KindDocument:
		obj.Caption = out.Text
		obj.Filename = fileName
		msg.Document = obj
	}
	return d.cloud.Send(ctx, creds, msg)
}

func credentials(ch *models.Channel) Credentials {
	return Credentials{PhoneNumberID: ch.PhoneNumberID, AccessToken: ch.AccessToken}
}

func interactive(number string, out Outbound) GenericMessage {
	obj := &InteractiveObj{Body: BodyObj{Text: out.Text}}
	if out.Header != "" {
		obj.Header = &HeaderObj{Type: "text", Text: out.Header}
	}
	if out.Footer != "" {
		obj.Footer = &FooterObj{Text: out.Footer}
	}

	switch out.Kind {
	case KindButtons:
		obj.Type = "button"
		for i, b := range out.Buttons {
			if i == maxButtons {
				break
			}
			id := b.ID
			if id == "" {
				id = fmt.Sprintf("btn-%d", i)
			}
			obj.Action.Buttons = append(obj.Action.Buttons, ButtonObj{
				Type:  "reply",
				Reply: ReplyObj{ID: id, Title: clip(b.Title, maxButtonTitle)},
			})
		}
	case KindList:
		obj.Type = "list"
		obj.Action.Button = clip(firstNonEmpty(out.ListButton, "Options"), maxButtonTitle)
		remaining := maxListRows
		for _, s := range out.Sections {
			if remaining == 0 {
				break
			}
			section := SectionObj{Title: s.Title}
			for _, r := range s.Rows {
				if remaining == 0 {
					break
				}
				section.Rows = append(section.Rows, RowObj{ID: r.ID, Title: clip(r.Title, maxRowTitle), Description: r.Description})
				remaining--
			}
			obj.Action.Sections = append(obj.Action.Sections, section)
		}
	}

	return GenericMessage{To: number, Type: "interactive", Interactive: obj}
}

// record stores the sent message and mirrors the inbound side effects.
// Failures here are logged only: the message has already left.
func (d *Dispatcher) record(ctx context.Context, chat *models.Chat, id string, out Outbound) *models.Message {
	msg := &models.Message{
		ID:            id,
		FromMe:        true,
		Type:          messageType(out.Kind),
		Status:        models.StatusPending,
		IsAutomation:  out.Automation,
		IsAIGenerated: out.AIGenerated,
		Timestamp:     d.now().UTC(),
	}
	if out.Kind.Media() {
		msg.Caption = out.Text
		msg.MimeType = media.DetectType(out.MimeType, out.Media)
		msg.FileName = out.FileName
		msg.FileLength = int64(len(out.Media))
		msg.MediaURL = d.saveMedia(ctx, out.Media, msg.MimeType)
	} else {
		msg.Text = out.Text
	}

	log := d.log.With(slog.String("chat_id", chat.ID), slog.String("message_id", id))
	inserted, err := d.store.AppendMessage(ctx, chat, msg, models.Preview(msg))
	if err != nil {
		log.Error("record outbound message", sl.Err(err))
		return msg
	}
	if !inserted {
		log.Debug("outbound message already recorded")
		return msg
	}

	d.pub.Publish(chat.TeamID, ws.EventNewMessage, ws.NewMessageEvent(chat, msg))
	d.pub.Publish(chat.TeamID, ws.EventChatListUpdate, ws.NewChatSummary(chat))
	return msg
}

func (d *Dispatcher) saveMedia(ctx context.Context, data []byte, mimeType string) string {
	if d.media == nil || len(data) == 0 {
		return ""
	}
	ref, err := d.media.Save(ctx, data, mimeType)
	if err != nil {
		d.log.Warn("store outbound media", sl.Err(err))
		return ""
	}
	return ref
}

func messageType(k Kind) string {
	if k.Interactive() {
		return models.TypeInteractive
	}
	return string(k)
}

// IsNoop reports errors that mean "nothing was sent, by design".
func IsNoop(err error) bool {
	return errors.Is(err, ErrNoManagedCredentials)
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package inbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

// Normalizer persists decoded inbound messages and notifies the team.
type Normalizer struct {
	store   *database.Store
	media   media.Store
	fetcher *media.Fetcher
	gateway *whatsapp.GatewayClient
	cloud   *whatsapp.CloudClient
	pub     ws.Publisher
	log     *slog.Logger
}

func NewNormalizer(store *database.Store, mediaStore media.Store, fetcher *media.Fetcher, gateway *whatsapp.GatewayClient, cloud *whatsapp.CloudClient, pub ws.Publisher, log *slog.Logger) *Normalizer {
	return &Normalizer{
		store:   store,
		media:   mediaStore,
		fetcher: fetcher,
		gateway: gateway,
		cloud:   cloud,
		pub:     pub,
		log:     log.With(sl.Module("inbox.normalizer")),
	}
}

// Ingest stores in on the chat it belongs to. Realtime events are
// published once the transaction has committed and never for a message
// id that was already stored.
func (n *Normalizer) Ingest(ctx context.Context, ch *models.Channel, in *Inbound) (*database.IngestResult, error) {
	if in.RemoteJID == "" || jid.IsIgnored(in.RemoteJID) {
		return nil, ErrIgnored
	}
	log := n.log.With(slog.String("message_id", in.ID), slog.String("remote_jid", in.RemoteJID))

	msg := &models.Message{
		ID:           in.ID,
		FromMe:       in.FromMe,
		Type:         in.Type,
		Text:         in.Text,
		Caption:      in.Caption,
		MimeType:     in.MimeType,
		FileName:     in.FileName,
		FileLength:   in.FileLength,
		Seconds:      in.Seconds,
		PTT:          in.PTT,
		ContactName:  in.ContactName,
		ContactVCard: in.ContactVCard,
		Latitude:     in.Latitude,
		Longitude:    in.Longitude,
		LocationName: in.LocationName,
		Quoted:       n.quoted(ctx, in.Quoted),
		Timestamp:    in.Timestamp,
	}
	if in.FromMe {
		msg.Status = models.StatusSent
	}

	if in.Media != nil && !n.stored(ctx, in.ID) {
		ref, mimeType, err := n.storeMedia(ctx, ch, in)
		if err != nil {
			log.Warn("media unavailable, storing message without it", sl.Err(err))
		} else {
			msg.MediaURL = ref
			msg.MimeType = mimeType
		}
	}

	chat := &models.Chat{
		TeamID:    ch.TeamID,
		ChannelID: ch.ID,
		RemoteJID: in.RemoteJID,
		Name:      jid.User(in.RemoteJID),
	}
	if !in.FromMe && in.PushName != "" {
		chat.Name = in.PushName
	}

	res, err := n.store.IngestMessage(ctx, chat, msg, models.Preview(msg))
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		if msg.MediaURL != "" {
			// lost the insert race after saving media
			if err := n.media.Delete(ctx, msg.MediaURL); err != nil {
				log.Warn("remove orphaned media", sl.Err(err))
			}
		}
		log.Debug("duplicate delivery absorbed")
		return res, nil
	}

	n.pub.Publish(ch.TeamID, ws.EventNewMessage, ws.NewMessageEvent(res.Chat, res.Message))
	n.pub.Publish(ch.TeamID, ws.EventChatListUpdate, ws.NewChatSummary(res.Chat))
	return res, nil
}

// stored reports whether a message with id is already persisted, so a
// redelivery does not download its media again.
func (n *Normalizer) stored(ctx context.Context, id string) bool {
	_, err := n.store.Message(ctx, id)
	return err == nil
}

// UpdateProfilePicture applies a new picture to the peer's chats on ch.
func (n *Normalizer) UpdateProfilePicture(ctx context.Context, ch *models.Channel, upd ProfileUpdate) error {
	chats, err := n.store.UpdateProfilePicture(ctx, ch.ID, upd.RemoteJID, upd.ProfilePicURL)
	if err != nil {
		return err
	}
	for i := range chats {
		n.pub.Publish(chats[i].TeamID, ws.EventChatListUpdate, ws.NewChatSummary(&chats[i]))
	}
	return nil
}

// quoted completes the reply snapshot from the stored original when we
// have it.
func (n *Normalizer) quoted(ctx context.Context, q *models.QuotedMessage) *models.QuotedMessage {
	if q == nil {
		return nil
	}
	orig, err := n.store.Message(ctx, q.ID)
	if err != nil {
		return q
	}
	q.FromMe = orig.FromMe
	if q.Type == "" {
		q.Type = orig.Type
	}
	if q.Text == "" {
		q.Text = firstNonEmpty(orig.Text, orig.Caption)
	}
	return q
}

func (n *Normalizer) storeMedia(ctx context.Context, ch *models.Channel, in *Inbound) (string, string, error) {
	if n.media == nil {
		return "", "", errors.New("no media store configured")
	}
	data, declared, err := n.fetchMedia(ctx, ch, in)
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", errors.New("empty media payload")
	}

	mimeType := media.DetectType(firstNonEmpty(in.MimeType, in.Media.MimeType, declared), data)
	ref, err := n.media.Save(ctx, data, mimeType)
	if err != nil {
		return "", "", err
	}
	return ref, mimeType, nil
}

// fetchMedia tries inline base64, a plain URL, the managed-api media id
// and finally the gateway download endpoint.
func (n *Normalizer) fetchMedia(ctx context.Context, ch *models.Channel, in *Inbound) ([]byte, string, error) {
	src := in.Media
	switch {
	case src.Base64 != "":
		data, err := decodeBase64(src.Base64)
		return data, "", err
	case src.URL != "" && n.fetcher != nil:
		return n.fetcher.Get(ctx, src.URL, nil)
	case src.CloudMediaID != "":
		if !ch.HasManagedCredentials() || n.cloud == nil {
			return nil, "", whatsapp.ErrNoManagedCredentials
		}
		return n.cloud.DownloadMedia(ctx, ch.AccessToken, src.CloudMediaID)
	case src.FromGateway && n.gateway != nil:
		return n.gateway.MediaBase64(ctx, ch, in.ID)
	}
	return nil, "", fmt.Errorf("no source for %s media", in.Type)
}

func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode base64 media: %w", err)
	}
	return data, nil
}

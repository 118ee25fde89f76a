package inbox

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/database/databasetest"
	"whatsapp-inbox/internal/lib/logger"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
	"whatsapp-inbox/internal/ws/wstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "5511999990000@s.whatsapp.net"

type inboxFixture struct {
	store *database.Store
	ch    *models.Channel
	rec   *wstest.Recorder
	media *media.LocalStore
	dir   string
	norm  *Normalizer
	recon *Reconciler
}

func newInboxFixture(t *testing.T, handler http.Handler) *inboxFixture {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{HTTPClientTimeout: 5 * time.Second}
	cfg.Gateway.BaseURL = srv.URL
	cfg.Graph.BaseURL = srv.URL
	cfg.Graph.Version = "v19.0"

	store := databasetest.Open(t)
	rec := &wstest.Recorder{}
	dir := t.TempDir()
	local := media.NewLocalStore(dir)
	return &inboxFixture{
		dir:   dir,
		store: store,
		ch:    databasetest.Seed(t, store, models.ProtocolGateway),
		rec:   rec,
		media: local,
		norm: NewNormalizer(store, local, media.NewFetcher(5*time.Second),
			whatsapp.NewGatewayClient(cfg), whatsapp.NewCloudClient(cfg), rec, logger.Discard()),
		recon: NewReconciler(store, rec, logger.Discard()),
	}
}

func TestIngestPublishesAfterCommit(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()

	res, err := f.norm.Ingest(ctx, f.ch, &Inbound{ID: "M1", RemoteJID: alice, PushName: "Alice", Type: models.TypeText, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.FirstMessage)
	assert.Equal(t, "Alice", res.Chat.Name)
	assert.Equal(t, 1, res.Chat.UnreadCount)
	assert.Equal(t, []string{ws.EventNewMessage, ws.EventChatListUpdate}, f.rec.Names())

	summary, ok := f.rec.Events()[1].Payload.(ws.ChatSummary)
	require.True(t, ok)
	assert.Equal(t, "hi", summary.LastMessage)
	assert.Equal(t, 1, summary.UnreadCount)
}

func TestIngestDuplicatePublishesOnce(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()
	in := &Inbound{ID: "M1", RemoteJID: alice, Type: models.TypeText, Text: "hi"}

	_, err := f.norm.Ingest(ctx, f.ch, in)
	require.NoError(t, err)
	res, err := f.norm.Ingest(ctx, f.ch, in)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.Equal(t, 1, f.rec.Count(ws.EventNewMessage))
	chat, err := f.store.Chat(ctx, res.Chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, chat.UnreadCount)
}

func TestIngestChatNameFallsBackToNumber(t *testing.T) {
	f := newInboxFixture(t, nil)

	res, err := f.norm.Ingest(context.Background(), f.ch, &Inbound{ID: "OUT-1", RemoteJID: alice, FromMe: true, PushName: "Me", Type: models.TypeText, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", res.Chat.Name)
	assert.Equal(t, 0, res.Chat.UnreadCount)
	assert.Equal(t, models.StatusSent, res.Message.Status)
}

func TestIngestIgnoresGroups(t *testing.T) {
	f := newInboxFixture(t, nil)

	_, err := f.norm.Ingest(context.Background(), f.ch, &Inbound{ID: "G1", RemoteJID: "1203630@g.us", Type: models.TypeText, Text: "hi"})
	assert.ErrorIs(t, err, ErrIgnored)
	assert.Empty(t, f.rec.Names())
}

func TestIngestStoresInlineMedia(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	res, err := f.norm.Ingest(ctx, f.ch, &Inbound{
		ID:        "IMG-1",
		RemoteJID: alice,
		Type:      models.TypeImage,
		Caption:   "look",
		Media:     &MediaSource{Base64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)},
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.Message.MimeType)
	require.NotEmpty(t, res.Message.MediaURL)
	assert.Equal(t, "📷 look", res.Chat.LastMessage)

	stored, err := f.media.Load(ctx, res.Message.MediaURL)
	require.NoError(t, err)
	assert.Equal(t, png, stored)
}

func TestIngestFallsBackToGatewayDownload(t *testing.T) {
	pdf := []byte("%PDF-1.4 test")
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/getBase64FromMediaMessage/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gw-key", r.Header.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base64":"` + base64.StdEncoding.EncodeToString(pdf) + `","mimetype":"application/pdf"}`))
	})
	f := newInboxFixture(t, mux)

	res, err := f.norm.Ingest(context.Background(), f.ch, &Inbound{
		ID:        "DOC-1",
		RemoteJID: alice,
		Type:      models.TypeDocument,
		FileName:  "invoice.pdf",
		Media:     &MediaSource{FromGateway: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.Message.MimeType)
	assert.Contains(t, res.Message.MediaURL, ".pdf")
}

func TestIngestRedeliveryDoesNotRefetchMedia(t *testing.T) {
	pdf := []byte("%PDF-1.4 test")
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/getBase64FromMediaMessage/main", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base64":"` + base64.StdEncoding.EncodeToString(pdf) + `","mimetype":"application/pdf"}`))
	})
	f := newInboxFixture(t, mux)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.norm.Ingest(ctx, f.ch, &Inbound{
			ID:        "DOC-2",
			RemoteJID: alice,
			Type:      models.TypeDocument,
			FileName:  "invoice.pdf",
			Media:     &MediaSource{FromGateway: true},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), downloads.Load())
	assert.Equal(t, 1, countFiles(t, f.dir))
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestIngestDegradesWhenMediaUnavailable(t *testing.T) {
	f := newInboxFixture(t, nil)

	res, err := f.norm.Ingest(context.Background(), f.ch, &Inbound{
		ID:        "IMG-2",
		RemoteJID: alice,
		Type:      models.TypeImage,
		Caption:   "lost",
		MimeType:  "image/jpeg",
		Media:     &MediaSource{FromGateway: true},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Message.MediaURL)
	assert.Equal(t, "lost", res.Message.Caption)
}

func TestIngestEnrichesQuotedFromStore(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()

	_, err := f.norm.Ingest(ctx, f.ch, &Inbound{ID: "OUT-1", RemoteJID: alice, FromMe: true, Type: models.TypeText, Text: "pick one"})
	require.NoError(t, err)

	res, err := f.norm.Ingest(ctx, f.ch, &Inbound{
		ID:        "IN-2",
		RemoteJID: alice,
		Type:      models.TypeText,
		Text:      "this one",
		Quoted:    &models.QuotedMessage{ID: "OUT-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Message.Quoted)
	assert.True(t, res.Message.Quoted.FromMe)
	assert.Equal(t, "pick one", res.Message.Quoted.Text)

	stored, err := f.store.Message(ctx, "IN-2")
	require.NoError(t, err)
	require.NotNil(t, stored.Quoted)
	assert.Equal(t, "OUT-1", stored.Quoted.ID)
}

func TestUpdateProfilePicture(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()

	_, err := f.norm.Ingest(ctx, f.ch, &Inbound{ID: "M1", RemoteJID: alice, Type: models.TypeText, Text: "hi"})
	require.NoError(t, err)
	f.rec.Reset()

	require.NoError(t, f.norm.UpdateProfilePicture(ctx, f.ch, ProfileUpdate{RemoteJID: alice, ProfilePicURL: "https://pps/a.jpg"}))
	assert.Equal(t, []string{ws.EventChatListUpdate}, f.rec.Names())

	// same picture again changes nothing
	require.NoError(t, f.norm.UpdateProfilePicture(ctx, f.ch, ProfileUpdate{RemoteJID: alice, ProfilePicURL: "https://pps/a.jpg"}))
	assert.Equal(t, 1, f.rec.Count(ws.EventChatListUpdate))
}

func TestReconcilerAdvancesOnlyForward(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.IngestMessage(ctx, &models.Chat{TeamID: f.ch.TeamID, ChannelID: f.ch.ID, RemoteJID: alice},
		&models.Message{ID: "OUT-1", FromMe: true, Type: models.TypeText, Text: "hey", Status: models.StatusPending}, "hey")
	require.NoError(t, err)

	n, err := f.recon.Apply(ctx, []Receipt{
		{MessageID: "OUT-1", RemoteJID: alice, FromMe: true, Status: "SERVER_ACK"},
		{MessageID: "OUT-1", RemoteJID: alice, FromMe: true, Status: "READ"},
		{MessageID: "OUT-1", RemoteJID: alice, FromMe: true, Status: "DELIVERY_ACK"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msg, err := f.store.Message(ctx, "OUT-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, msg.Status)
	assert.Equal(t, 2, f.rec.Count(ws.EventMessageStatusUpdate))
	assert.Equal(t, 2, f.rec.Count(ws.EventChatListUpdate))
}

func TestReconcilerIgnoresInboundGroupsAndUnknown(t *testing.T) {
	f := newInboxFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.IngestMessage(ctx, &models.Chat{TeamID: f.ch.TeamID, ChannelID: f.ch.ID, RemoteJID: alice},
		&models.Message{ID: "OUT-1", FromMe: true, Type: models.TypeText, Text: "hey", Status: models.StatusPending}, "hey")
	require.NoError(t, err)

	n, err := f.recon.Apply(ctx, []Receipt{
		{MessageID: "OUT-1", RemoteJID: alice, FromMe: false, Status: "READ"},
		{MessageID: "OUT-1", RemoteJID: "1203630@g.us", FromMe: true, Status: "READ"},
		{MessageID: "OUT-1", RemoteJID: alice, FromMe: true, Status: "DELETED"},
		{MessageID: "missing", RemoteJID: alice, FromMe: true, Status: "READ"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.rec.Names())
}

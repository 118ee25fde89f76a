package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/database/databasetest"
	"whatsapp-inbox/internal/lib/logger"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/ws"
	"whatsapp-inbox/internal/ws/wstest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTextSender struct {
	texts []string
}

func (f *fakeTextSender) SendText(_ context.Context, chat *models.Chat, text string) (*models.Message, error) {
	f.texts = append(f.texts, text)
	return &models.Message{ID: "out-1", ChatID: chat.ID, FromMe: true, Type: models.TypeText, Text: text}, nil
}

type apiFixture struct {
	store  *database.Store
	rec    *wstest.Recorder
	sender *fakeTextSender
	router *gin.Engine
	chat   *models.Chat
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := databasetest.Open(t)
	ch := databasetest.Seed(t, store, models.ProtocolGateway)
	res, err := store.IngestMessage(context.Background(), &models.Chat{
		TeamID:    ch.TeamID,
		ChannelID: ch.ID,
		RemoteJID: "5511999990000@s.whatsapp.net",
		Name:      "Alice",
	}, &models.Message{ID: "in-1", Type: models.TypeText, Text: "hi"}, "hi")
	require.NoError(t, err)

	f := &apiFixture{
		store:  store,
		rec:    &wstest.Recorder{},
		sender: &fakeTextSender{},
		router: gin.New(),
		chat:   res.Chat,
	}
	Register(f.router,
		NewAutomationHandler(store, logger.Discard()),
		NewChatHandler(store, f.sender, f.rec, logger.Discard()),
		NewContactHandler(store))
	return f
}

func (f *apiFixture) do(method, path, team, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if team != "" {
		req.Header.Set(TeamHeader, team)
	}
	f.router.ServeHTTP(w, req)
	return w
}

const welcomeDefinition = `{
	"name": "welcome",
	"trigger_type": "contains",
	"keywords": ["hello"],
	"is_active": true,
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "message", "data": {"text": "Hi {{name}}"}}
	],
	"edges": [{"source": "start", "target": "greet"}]
}`

func TestTeamHeaderIsRequired(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(http.MethodGet, "/api/automations", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", "team-1", welcomeDefinition)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.AutomationDefinition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "team-1", created.TeamID)
	assert.Equal(t, []string{"hello"}, created.Keywords.Data())

	w = f.do(http.MethodGet, "/api/automations", "team-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []models.AutomationDefinition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	// other teams cannot see it
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/automations/"+created.ID, "team-2", "").Code)

	w = f.do(http.MethodPost, "/api/automations/"+created.ID+"/toggle", "team-1", `{"is_active": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	def, err := f.store.Definition(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	update := strings.Replace(welcomeDefinition, `"welcome"`, `"greeting"`, 1)
	w = f.do(http.MethodPut, "/api/automations/"+created.ID, "team-1", update)
	require.Equal(t, http.StatusOK, w.Code)
	def, err = f.store.Definition(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", def.Name)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/automations/"+created.ID, "team-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/automations/"+created.ID, "team-1", "").Code)
}

func TestAutomationRejectsInvalidGraph(t *testing.T) {
	f := newAPIFixture(t)

	noStart := `{"name": "x", "trigger_type": "fallback", "nodes": [{"id": "a", "type": "message", "data": {"text": "hi"}}]}`
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/automations", "team-1", noStart).Code)

	badTrigger := strings.Replace(welcomeDefinition, `"contains"`, `"sometimes"`, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/automations", "team-1", badTrigger).Code)
}

func TestSendMessage(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/chats/"+f.chat.ID+"/messages", "team-1", `{"text": "How can I help?"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"How can I help?"}, f.sender.texts)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/chats/"+f.chat.ID+"/messages", "team-1", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/chats/missing/messages", "team-1", `{"text": "x"}`).Code)
}

func TestSetAIStatusPublishes(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/chats/"+f.chat.ID+"/ai", "team-1", `{"status": "paused"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"chat_id":"`+f.chat.ID+`","status":"paused"}`, w.Body.String())

	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ws.EventChatStatusUpdate, events[0].Name)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/chats/"+f.chat.ID+"/ai", "team-1", `{"status": "off"}`).Code)
}

func TestListMessagesResetsUnread(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, 1, f.chat.UnreadCount)

	w := f.do(http.MethodGet, "/api/chats/"+f.chat.ID+"/messages", "team-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	chat, err := f.store.Chat(context.Background(), f.chat.ID)
	require.NoError(t, err)
	assert.Zero(t, chat.UnreadCount)
	assert.Equal(t, []string{ws.EventChatListUpdate}, f.rec.Names())
}

func TestContactsListAndExport(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	tag := &models.Tag{TeamID: "team-1", Name: "lead"}
	require.NoError(t, f.store.CreateTag(ctx, tag))
	_, err := f.store.SaveContact(ctx, f.chat, database.ContactUpdate{Phone: "5511999990000", Name: "Alice", TagID: &tag.ID})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/contacts", "team-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var contacts []models.Contact
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &contacts))
	require.Len(t, contacts, 1)
	require.Len(t, contacts[0].Tags, 1)

	w = f.do(http.MethodGet, "/api/contacts", "team-2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(http.MethodGet, "/api/contacts/export", "team-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "5511999990000,Alice,lead,"))
}

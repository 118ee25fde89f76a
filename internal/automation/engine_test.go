package automation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/database/databasetest"
	"whatsapp-inbox/internal/lib/logger"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
	"whatsapp-inbox/internal/ws/wstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []whatsapp.Outbound
	noManaged bool
}

func (f *fakeSender) Send(_ context.Context, _ *models.Chat, out whatsapp.Outbound) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out.Kind.Interactive() && f.noManaged {
		return nil, whatsapp.ErrNoManagedCredentials
	}
	f.sent = append(f.sent, out)
	return &models.Message{ID: fmt.Sprintf("out-%d", len(f.sent)), FromMe: true}, nil
}

func (f *fakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.sent))
	for i, out := range f.sent {
		texts[i] = out.Text
	}
	return texts
}

type captureScheduler struct {
	pending []Continuation
}

func (s *captureScheduler) Schedule(_ context.Context, c Continuation) error {
	s.pending = append(s.pending, c)
	return nil
}

type engineFixture struct {
	store  *database.Store
	sender *fakeSender
	rec    *wstest.Recorder
	engine *Engine
	chat   *models.Chat
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := databasetest.Open(t)
	ch := databasetest.Seed(t, store, models.ProtocolGateway)
	res, err := store.IngestMessage(context.Background(), &models.Chat{
		TeamID:    ch.TeamID,
		ChannelID: ch.ID,
		RemoteJID: "5511999990000@s.whatsapp.net",
		Name:      "Alice WA",
	}, &models.Message{ID: "in-0", Type: models.TypeText, Text: "hi"}, "hi")
	require.NoError(t, err)

	sender := &fakeSender{}
	rec := &wstest.Recorder{}
	e := NewEngine(store, sender, nil, rec, 0, logger.Discard())
	e.SetScheduler(NewInlineScheduler(e.Resume))
	return &engineFixture{store: store, sender: sender, rec: rec, engine: e, chat: res.Chat}
}

func (f *engineFixture) define(t *testing.T, name string, position int, trigger models.TriggerType, keywords []string, nodes []models.GraphNode, edges []models.GraphEdge) *models.AutomationDefinition {
	t.Helper()
	def := &models.AutomationDefinition{
		TeamID:      f.chat.TeamID,
		Name:        name,
		IsActive:    true,
		Position:    position,
		TriggerType: trigger,
		Keywords:    datatypes.NewJSONType(keywords),
		Nodes:       datatypes.NewJSONType(nodes),
		Edges:       datatypes.NewJSONType(edges),
	}
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))
	return def
}

func (f *engineFixture) inbound(t *testing.T, text string) bool {
	t.Helper()
	handled, err := f.engine.HandleInbound(context.Background(), f.chat, Input{Text: text})
	require.NoError(t, err)
	return handled
}

func (f *engineFixture) session(t *testing.T) *models.AutomationSession {
	t.Helper()
	var sess models.AutomationSession
	require.NoError(t, f.store.DB().Where("chat_id = ?", f.chat.ID).Order("created_at DESC").First(&sess).Error)
	return &sess
}

func welcomeGraph(text string) ([]models.GraphNode, []models.GraphEdge) {
	return []models.GraphNode{
			node("start", TypeStart, ""),
			node("welcome", TypeMessage, fmt.Sprintf(`{"text":%q}`, text)),
			node("end", TypeEnd, ""),
		}, []models.GraphEdge{
			edge("start", "", "welcome"),
			edge("welcome", "", "end"),
		}
}

func TestTriggerPrefersMatchOverFallback(t *testing.T) {
	f := newEngineFixture(t)
	fn, fe := welcomeGraph("from fallback")
	f.define(t, "F", 0, models.TriggerFallback, nil, fn, fe)
	cn, ce := welcomeGraph("from contains")
	c := f.define(t, "C", 1, models.TriggerContains, []string{"hi"}, cn, ce)

	assert.True(t, f.inbound(t, "Hi there"))

	assert.Equal(t, []string{"from contains"}, f.sender.Texts())
	sess := f.session(t)
	assert.Equal(t, c.ID, sess.DefinitionID)
	assert.Equal(t, models.SessionCompleted, sess.Status)
}

func TestFallbackWhenNothingMatches(t *testing.T) {
	f := newEngineFixture(t)
	cn, ce := welcomeGraph("from contains")
	f.define(t, "C", 0, models.TriggerContains, []string{"price"}, cn, ce)
	fn, fe := welcomeGraph("from fallback")
	f.define(t, "F", 1, models.TriggerFallback, nil, fn, fe)

	assert.True(t, f.inbound(t, "hello"))
	assert.Equal(t, []string{"from fallback"}, f.sender.Texts())
}

func TestNoMatchLeavesMessageUnhandled(t *testing.T) {
	f := newEngineFixture(t)
	n, e := welcomeGraph("x")
	f.define(t, "exact", 0, models.TriggerExactMatch, []string{"menu"}, n, e)
	f.define(t, "first", 1, models.TriggerFirstMessage, nil, n, e)

	assert.False(t, f.inbound(t, "the menu please"))
	assert.Empty(t, f.sender.Texts())

	handled, err := f.engine.HandleInbound(context.Background(), f.chat, Input{Text: "MENU "})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestFirstMessageTrigger(t *testing.T) {
	f := newEngineFixture(t)
	n, e := welcomeGraph("welcome aboard")
	f.define(t, "first", 0, models.TriggerFirstMessage, nil, n, e)

	handled, err := f.engine.HandleInbound(context.Background(), f.chat, Input{Text: "anything", FirstMessage: true})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"welcome aboard"}, f.sender.Texts())
}

func TestConditionFiltersSkipDefinitions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	n, e := welcomeGraph("vip")
	vip := f.define(t, "vip", 0, models.TriggerContains, []string{"hi"}, n, e)
	tag := &models.Tag{TeamID: f.chat.TeamID, Name: "vip"}
	require.NoError(t, f.store.CreateTag(ctx, tag))
	vip.TagID = &tag.ID
	require.NoError(t, f.store.SaveDefinition(ctx, vip))

	assert.False(t, f.inbound(t, "hi"), "chat has no contact yet")

	_, err := f.store.SaveContact(ctx, f.chat, database.ContactUpdate{Phone: "5511999990000", TagID: &tag.ID})
	require.NoError(t, err)
	assert.True(t, f.inbound(t, "hi"))
	assert.Equal(t, []string{"vip"}, f.sender.Texts())
}

func menuGraph() ([]models.GraphNode, []models.GraphEdge) {
	return []models.GraphNode{
			node("start", TypeStart, ""),
			node("menu", TypeOptions, `{"text":"How can we help?","options":["Sales","Support"]}`),
			node("sales", TypeMessage, `{"text":"Sales here"}`),
			node("support", TypeMessage, `{"text":"Support here"}`),
		}, []models.GraphEdge{
			edge("start", "", "menu"),
			edge("menu", "option-0", "sales"),
			edge("menu", "option-1", "support"),
		}
}

func TestOptionsInvalidChoiceReprompts(t *testing.T) {
	f := newEngineFixture(t)
	n, e := menuGraph()
	f.define(t, "menu", 0, models.TriggerContains, []string{"hi"}, n, e)

	f.inbound(t, "hi")
	assert.Equal(t, []string{"How can we help?\n\n1. Sales\n2. Support"}, f.sender.Texts())

	assert.True(t, f.inbound(t, "3"))
	texts := f.sender.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Invalid option. Please reply with one of the options below.\n\n1. Sales\n2. Support", texts[1])
	assert.Equal(t, "menu", f.session(t).CurrentNodeID)

	f.inbound(t, "support")
	assert.Equal(t, "Support here", f.sender.Texts()[2])
	assert.Equal(t, models.SessionCompleted, f.session(t).Status)
}

func TestCollectFeedsTemplate(t *testing.T) {
	f := newEngineFixture(t)
	f.define(t, "greet", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("ask", TypeCollect, `{"text":"What's your name?","variable":"name"}`),
		node("greet", TypeMessage, `{"text":"Hi {{name}}!"}`),
		node("end", TypeEnd, ""),
	}, []models.GraphEdge{
		edge("start", "", "ask"),
		edge("ask", "", "greet"),
		edge("greet", "", "end"),
	})

	f.inbound(t, "hi")
	f.inbound(t, "Alice")

	assert.Equal(t, []string{"What's your name?", "Hi Alice!"}, f.sender.Texts())
	sess := f.session(t)
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "Alice", sess.Vars()["name"])

	changes := 0
	for _, ev := range f.rec.Events() {
		if ev.Name == ws.EventChatStatusUpdate {
			changes++
		}
	}
	assert.Equal(t, 2, changes, "active then completed")
}

func TestStaleContinuationIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	sched := &captureScheduler{}
	f.engine.SetScheduler(sched)
	f.define(t, "chain", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("one", TypeMessage, `{"text":"one"}`),
		node("two", TypeMessage, `{"text":"two"}`),
		node("end", TypeEnd, ""),
	}, []models.GraphEdge{
		edge("start", "", "one"),
		edge("one", "", "two"),
		edge("two", "", "end"),
	})

	f.inbound(t, "hi")
	require.Len(t, sched.pending, 1)
	first := sched.pending[0]
	assert.Equal(t, "one", first.FromNodeID)
	assert.Equal(t, "two", first.ToNodeID)

	require.NoError(t, f.engine.Resume(context.Background(), first))
	require.NoError(t, f.engine.Resume(context.Background(), first))

	assert.Equal(t, []string{"one", "two"}, f.sender.Texts())
	require.Len(t, sched.pending, 2)
	assert.Equal(t, "two", sched.pending[1].FromNodeID)
}

func TestButtonWithoutManagedCredentialsStillWaits(t *testing.T) {
	f := newEngineFixture(t)
	f.sender.noManaged = true
	f.define(t, "buttons", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("ask", TypeButtonMessage, `{"text":"Continue?","buttons":[{"id":"yes","title":"Yes"},{"id":"no","title":"No"}]}`),
		node("ok", TypeMessage, `{"text":"Great"}`),
	}, []models.GraphEdge{
		edge("start", "", "ask"),
		edge("ask", "yes", "ok"),
	})

	assert.True(t, f.inbound(t, "hi"))
	assert.Empty(t, f.sender.Texts())
	sess := f.session(t)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, "ask", sess.CurrentNodeID)

	f.inbound(t, "maybe")
	assert.Equal(t, []string{defaultInvalidText}, f.sender.Texts())

	f.inbound(t, "yes")
	assert.Equal(t, []string{defaultInvalidText, "Great"}, f.sender.Texts())
}

func TestAIControlAndSaveContactNodes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.define(t, "handoff", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("ask", TypeCollect, `{"text":"Name?","variable":"name"}`),
		node("save", TypeSaveContact, `{"nameVariable":"name"}`),
		node("ai", TypeAIControl, `{"status":"paused"}`),
		node("end", TypeEnd, ""),
	}, []models.GraphEdge{
		edge("start", "", "ask"),
		edge("ask", "", "save"),
		edge("save", "", "ai"),
		edge("ai", "", "end"),
	})

	f.inbound(t, "hi")
	f.inbound(t, "Alice")

	chat, err := f.store.Chat(ctx, f.chat.ID)
	require.NoError(t, err)
	contact, err := f.store.ContactForChat(ctx, chat)
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "Alice", contact.Name)
	assert.Equal(t, "5511999990000", contact.Phone)

	ai, err := f.store.AISession(ctx, f.chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AIStatusPaused, ai.Status)

	var aiEvents []ws.StatusChange
	for _, ev := range f.rec.Events() {
		if sc, ok := ev.Payload.(ws.StatusChange); ok && sc.Type == "ai" {
			aiEvents = append(aiEvents, sc)
		}
	}
	require.Len(t, aiEvents, 1)
	assert.Equal(t, models.AIStatusPaused, aiEvents[0].Status)
	assert.Equal(t, models.SessionCompleted, f.session(t).Status)
}

func TestCollectWithoutNextNodeKeepsValue(t *testing.T) {
	f := newEngineFixture(t)
	f.define(t, "email", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("ask", TypeCollect, `{"text":"Your email?","variable":"email"}`),
	}, []models.GraphEdge{
		edge("start", "", "ask"),
	})

	f.inbound(t, "hi")
	f.inbound(t, "a@b.c")

	sess := f.session(t)
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, "a@b.c", sess.Vars()["email"])
}

func TestInteractiveInvalidChoiceResendsPayload(t *testing.T) {
	cases := []struct {
		name   string
		typ    NodeType
		data   string
		handle string
		kind   whatsapp.Kind
	}{
		{
			name:   "buttons",
			typ:    TypeButtonMessage,
			data:   `{"text":"Continue?","buttons":[{"id":"yes","title":"Yes"},{"id":"no","title":"No"}]}`,
			handle: "yes",
			kind:   whatsapp.KindButtons,
		},
		{
			name:   "list",
			typ:    TypeListMessage,
			data:   `{"text":"Pick a plan","buttonText":"Plans","sections":[{"title":"Plans","rows":[{"id":"yes","title":"Basic"},{"id":"pro","title":"Pro"}]}]}`,
			handle: "yes",
			kind:   whatsapp.KindList,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t)
			f.define(t, tc.name, 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
				node("start", TypeStart, ""),
				node("ask", tc.typ, tc.data),
				node("ok", TypeMessage, `{"text":"Great"}`),
			}, []models.GraphEdge{
				edge("start", "", "ask"),
				edge("ask", tc.handle, "ok"),
			})

			f.inbound(t, "hi")
			require.Len(t, f.sender.sent, 1)
			assert.Equal(t, tc.kind, f.sender.sent[0].Kind)

			assert.True(t, f.inbound(t, "maybe"))
			require.Len(t, f.sender.sent, 3)
			assert.Equal(t, whatsapp.KindText, f.sender.sent[1].Kind)
			assert.Equal(t, defaultInvalidText, f.sender.sent[1].Text)
			assert.Equal(t, tc.kind, f.sender.sent[2].Kind)
			assert.Equal(t, f.sender.sent[0].Text, f.sender.sent[2].Text)
			assert.Equal(t, "ask", f.session(t).CurrentNodeID)

			_, err := f.engine.HandleInbound(context.Background(), f.chat, Input{SelectionID: "yes"})
			require.NoError(t, err)
			assert.Equal(t, "Great", f.sender.Texts()[3])
		})
	}
}

func TestDelayNodeSchedulesItsOwnDelay(t *testing.T) {
	f := newEngineFixture(t)
	sched := &captureScheduler{}
	f.engine.SetScheduler(sched)
	f.define(t, "wait", 0, models.TriggerContains, []string{"hi"}, []models.GraphNode{
		node("start", TypeStart, ""),
		node("wait", TypeDelay, `{"seconds":5}`),
		node("after", TypeMessage, `{"text":"later"}`),
	}, []models.GraphEdge{
		edge("start", "", "wait"),
		edge("wait", "", "after"),
	})

	f.inbound(t, "hi")
	require.Len(t, sched.pending, 1)
	c := sched.pending[0]
	assert.Equal(t, "wait", c.FromNodeID)
	assert.Equal(t, "after", c.ToNodeID)
	assert.Equal(t, 5*time.Second, c.Delay)
	assert.Empty(t, f.sender.Texts())

	require.NoError(t, f.engine.Resume(context.Background(), c))
	assert.Equal(t, []string{"later"}, f.sender.Texts())
}

func TestContinueTaskRoundTrip(t *testing.T) {
	want := Continuation{SessionID: "s-1", ChatID: "c-1", FromNodeID: "a", ToNodeID: "b", Delay: 3 * time.Second}
	task, err := NewContinueTask(want)
	require.NoError(t, err)
	assert.Equal(t, TaskContinue, task.Type())

	var got Continuation
	handler := HandleContinue(func(_ context.Context, c Continuation) error {
		got = c
		return nil
	})
	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, want, got)

	err = handler(context.Background(), asynq.NewTask(TaskContinue, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

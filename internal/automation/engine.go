// Package automation runs chats through stored conversation graphs.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/jid"
	"whatsapp-inbox/internal/lib/keylock"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

const defaultInvalidText = "Invalid option. Please reply with one of the options below."

// Sender delivers outbound content to a chat.
type Sender interface {
	Send(ctx context.Context, chat *models.Chat, out whatsapp.Outbound) (*models.Message, error)
}

// Input is the part of an inbound message the engine looks at.
type Input struct {
	Text         string
	SelectionID  string
	FirstMessage bool
}

// Engine matches triggers, keeps session position and executes nodes.
// All work for one chat is serialized.
type Engine struct {
	store     *database.Store
	sender    Sender
	media     media.Store
	pub       ws.Publisher
	locks     *keylock.Locker
	sched     Scheduler
	stepDelay time.Duration
	log       *slog.Logger
}

func NewEngine(store *database.Store, sender Sender, mediaStore media.Store, pub ws.Publisher, stepDelay time.Duration, log *slog.Logger) *Engine {
	e := &Engine{
		store:     store,
		sender:    sender,
		media:     mediaStore,
		pub:       pub,
		locks:     keylock.New(),
		stepDelay: stepDelay,
		log:       log.With(sl.Module("automation.engine")),
	}
	e.sched = NewTimerScheduler(e.Resume, log)
	return e
}

func (e *Engine) SetScheduler(s Scheduler) {
	e.sched = s
}

// run is the state of one locked pass over a session.
type run struct {
	chat  *models.Chat
	sess  *models.AutomationSession
	graph *Graph
	vars  map[string]string
	log   *slog.Logger
}

// HandleInbound offers an inbound message to the automations of its chat.
// It reports whether an automation claimed the message; unclaimed
// messages are left to the AI agent.
func (e *Engine) HandleInbound(ctx context.Context, chat *models.Chat, in Input) (bool, error) {
	unlock := e.locks.Lock(chat.ID)
	handled, next, err := e.handleInbound(ctx, chat, in)
	unlock()

	e.schedule(ctx, next)
	return handled, err
}

func (e *Engine) handleInbound(ctx context.Context, chat *models.Chat, in Input) (bool, *Continuation, error) {
	sess, err := e.store.ActiveSession(ctx, chat.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return e.trigger(ctx, chat, in)
	case err != nil:
		return false, nil, err
	}

	r, err := e.load(ctx, chat, sess)
	if err != nil {
		// a definition that no longer parses must not hold the chat forever
		e.log.Error("abandon session with unusable definition", slog.String("session_id", sess.ID), sl.Err(err))
		if err := e.store.CompleteSession(ctx, sess, sess.CurrentNodeID, nil); err != nil {
			return false, nil, e.settle(err)
		}
		e.publishStatus(chat, "automation", models.SessionCompleted)
		return false, nil, nil
	}
	next, err := e.reply(ctx, r, in)
	return true, next, e.settle(err)
}

// Resume executes a scheduled continuation. Stale continuations, whose
// session has moved on or ended, are dropped.
func (e *Engine) Resume(ctx context.Context, c Continuation) error {
	unlock := e.locks.Lock(c.ChatID)
	next, err := e.resume(ctx, c)
	unlock()

	e.schedule(ctx, next)
	return err
}

func (e *Engine) resume(ctx context.Context, c Continuation) (*Continuation, error) {
	log := e.log.With(slog.String("session_id", c.SessionID), slog.String("from", c.FromNodeID))

	sess, err := e.store.Session(ctx, c.SessionID)
	if errors.Is(err, database.ErrNotFound) {
		log.Debug("continuation for missing session dropped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive || sess.CurrentNodeID != c.FromNodeID {
		log.Debug("stale continuation dropped", slog.String("at", sess.CurrentNodeID))
		return nil, nil
	}

	chat, err := e.store.Chat(ctx, c.ChatID)
	if err != nil {
		return nil, err
	}
	r, err := e.load(ctx, chat, sess)
	if err != nil {
		return nil, err
	}
	next, err := e.enter(ctx, r, c.FromNodeID, c.ToNodeID)
	return next, e.settle(err)
}

func (e *Engine) schedule(ctx context.Context, c *Continuation) {
	if c == nil {
		return
	}
	if err := e.sched.Schedule(context.WithoutCancel(ctx), *c); err != nil {
		e.log.Error("schedule continuation", slog.String("session_id", c.SessionID), sl.Err(err))
	}
}

// settle absorbs a lost compare-and-swap: another pass already moved the
// session.
func (e *Engine) settle(err error) error {
	if errors.Is(err, database.ErrStaleSession) {
		e.log.Debug("session moved concurrently")
		return nil
	}
	return err
}

func (e *Engine) load(ctx context.Context, chat *models.Chat, sess *models.AutomationSession) (*run, error) {
	def, err := e.store.Definition(ctx, sess.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", sess.DefinitionID, err)
	}
	g, err := ParseDefinition(def)
	if err != nil {
		return nil, err
	}
	return &run{
		chat:  chat,
		sess:  sess,
		graph: g,
		vars:  sess.Vars(),
		log:   e.log.With(slog.String("chat_id", chat.ID), slog.String("session_id", sess.ID)),
	}, nil
}

// trigger picks the definition to start for a chat without a session.
// The first non-fallback rule that matches wins, otherwise the first
// fallback.
func (e *Engine) trigger(ctx context.Context, chat *models.Chat, in Input) (bool, *Continuation, error) {
	defs, err := e.store.ActiveDefinitions(ctx, chat.TeamID, chat.ChannelID)
	if err != nil {
		return false, nil, err
	}
	if len(defs) == 0 {
		return false, nil, nil
	}

	contact, err := e.store.ContactForChat(ctx, chat)
	if err != nil {
		return false, nil, err
	}

	var winner, fallback *models.AutomationDefinition
	for i := range defs {
		def := &defs[i]
		if !conditionsMatch(def, contact) {
			continue
		}
		if def.TriggerType == models.TriggerFallback {
			if fallback == nil {
				fallback = def
			}
			continue
		}
		if triggerMatches(def, in) {
			winner = def
			break
		}
	}
	if winner == nil {
		winner = fallback
	}
	if winner == nil {
		return false, nil, nil
	}

	log := e.log.With(slog.String("chat_id", chat.ID), slog.String("definition", winner.Name))
	g, err := ParseDefinition(winner)
	if err != nil {
		log.Error("matched definition is invalid", sl.Err(err))
		return false, nil, nil
	}

	start := g.Start()
	sess := &models.AutomationSession{
		TeamID:        chat.TeamID,
		DefinitionID:  winner.ID,
		ChatID:        chat.ID,
		CurrentNodeID: start.ID(),
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, database.ErrSessionExists) {
			log.Debug("session created concurrently")
			return true, nil, nil
		}
		return false, nil, err
	}
	log.Info("automation started")
	e.publishStatus(chat, "automation", models.SessionActive)

	r := &run{chat: chat, sess: sess, graph: g, vars: sess.Vars(), log: log.With(slog.String("session_id", sess.ID))}
	next, ok := g.Next(start.ID())
	if !ok {
		return true, nil, e.complete(ctx, r, start.ID())
	}
	cont, err := e.enter(ctx, r, start.ID(), next)
	return true, cont, e.settle(err)
}

func conditionsMatch(def *models.AutomationDefinition, contact *models.Contact) bool {
	if def.PipelineStageID == nil && def.AssignedAgentID == nil && def.TagID == nil {
		return true
	}
	if contact == nil {
		return false
	}
	if def.PipelineStageID != nil && !equalPtr(contact.PipelineStageID, *def.PipelineStageID) {
		return false
	}
	if def.AssignedAgentID != nil && !equalPtr(contact.AssignedAgentID, *def.AssignedAgentID) {
		return false
	}
	if def.TagID != nil {
		for _, t := range contact.Tags {
			if t.ID == *def.TagID {
				return true
			}
		}
		return false
	}
	return true
}

func equalPtr(p *string, want string) bool {
	return p != nil && *p == want
}

func triggerMatches(def *models.AutomationDefinition, in Input) bool {
	text := strings.ToLower(strings.TrimSpace(in.Text))
	switch def.TriggerType {
	case models.TriggerExactMatch:
		for _, kw := range def.Keywords.Data() {
			if text == strings.ToLower(strings.TrimSpace(kw)) {
				return true
			}
		}
	case models.TriggerContains:
		for _, kw := range def.Keywords.Data() {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
	case models.TriggerFirstMessage:
		return in.FirstMessage
	}
	return false
}

// reply advances a session that is waiting at its current node.
func (e *Engine) reply(ctx context.Context, r *run, in Input) (*Continuation, error) {
	at := r.sess.CurrentNodeID
	node, ok := r.graph.Node(at)
	if !ok {
		r.log.Warn("session points at a missing node", slog.String("node", at))
		return nil, e.complete(ctx, r, at)
	}

	var (
		next  string
		found bool
	)
	switch n := node.(type) {
	case *CollectNode:
		r.vars[n.Variable] = in.Text
		next, found = r.graph.Next(at)
	case *OptionsNode:
		idx, ok := n.Choose(in.Text)
		if !ok {
			e.send(ctx, r, textOut(numbered(Render(firstNonEmpty(n.InvalidText, defaultInvalidText), r.vars), n.Options)))
			return nil, nil
		}
		next, found = r.graph.NextByOption(at, idx)
	case *ButtonNode:
		id, ok := n.Choose(in.SelectionID, in.Text)
		if !ok {
			e.send(ctx, r, textOut(Render(firstNonEmpty(n.InvalidText, defaultInvalidText), r.vars)))
			e.send(ctx, r, buttonsOut(n, r.vars))
			return nil, nil
		}
		next, found = r.graph.NextByHandle(at, id)
	case *ListNode:
		id, ok := n.Choose(in.SelectionID, in.Text)
		if !ok {
			e.send(ctx, r, textOut(Render(firstNonEmpty(n.InvalidText, defaultInvalidText), r.vars)))
			e.send(ctx, r, listOut(n, r.vars))
			return nil, nil
		}
		next, found = r.graph.NextByHandle(at, id)
	default:
		next, found = r.graph.Next(at)
	}

	if !found {
		return nil, e.complete(ctx, r, at)
	}
	return e.enter(ctx, r, at, next)
}

// enter moves the session from one node to the next and executes it.
func (e *Engine) enter(ctx context.Context, r *run, from, to string) (*Continuation, error) {
	node, ok := r.graph.Node(to)
	if !ok {
		return nil, e.complete(ctx, r, from)
	}
	if _, end := node.(*EndNode); end {
		return nil, e.complete(ctx, r, from)
	}
	if err := e.store.MoveSession(ctx, r.sess, from, to, r.vars); err != nil {
		return nil, err
	}
	return e.execute(ctx, r, node)
}

func (e *Engine) complete(ctx context.Context, r *run, at string) error {
	if err := e.store.CompleteSession(ctx, r.sess, at, r.vars); err != nil {
		return err
	}
	r.log.Info("automation completed")
	e.publishStatus(r.chat, "automation", models.SessionCompleted)
	return nil
}

func (e *Engine) publishStatus(chat *models.Chat, kind, status string) {
	e.pub.Publish(chat.TeamID, ws.EventChatStatusUpdate, ws.StatusChange{ChatID: chat.ID, Type: kind, Status: status})
}

// send dispatches out and swallows failures; nothing sent is not an
// error for the state machine.
func (e *Engine) send(ctx context.Context, r *run, out whatsapp.Outbound) {
	out.Automation = true
	_, err := e.sender.Send(ctx, r.chat, out)
	switch {
	case err == nil:
	case whatsapp.IsNoop(err):
		r.log.Debug("interactive send skipped", slog.String("kind", string(out.Kind)))
	default:
		r.log.Error("automation send failed", slog.String("kind", string(out.Kind)), sl.Err(err))
	}
}

// execute performs the node's effect. Nodes that wait for the contact
// return no continuation.
func (e *Engine) execute(ctx context.Context, r *run, node Node) (*Continuation, error) {
	switch n := node.(type) {
	case *MessageNode:
		e.send(ctx, r, textOut(Render(n.Text, r.vars)))
	case *OptionsNode:
		e.send(ctx, r, textOut(numbered(Render(n.Text, r.vars), n.Options)))
		return nil, nil
	case *CollectNode:
		if n.Text != "" {
			e.send(ctx, r, textOut(Render(n.Text, r.vars)))
		}
		return nil, nil
	case *ButtonNode:
		e.send(ctx, r, buttonsOut(n, r.vars))
		return nil, nil
	case *ListNode:
		e.send(ctx, r, listOut(n, r.vars))
		return nil, nil
	case *MediaNode:
		e.sendMedia(ctx, r, n)
	case *CallToActionNode:
		e.send(ctx, r, textOut(callToAction(n, r.vars)))
	case *SaveContactNode:
		if err := e.saveContact(ctx, r, n); err != nil {
			r.log.Error("save contact", sl.Err(err))
		}
	case *AIControlNode:
		if _, err := e.store.SetAIStatus(ctx, r.chat, n.Status); err != nil {
			r.log.Error("set ai status", sl.Err(err))
		} else {
			e.publishStatus(r.chat, "ai", n.Status)
		}
	case *DelayNode:
		return e.advanceAfter(ctx, r, n.ID(), time.Duration(n.Seconds)*time.Second)
	case *EndNode:
		return nil, e.complete(ctx, r, n.ID())
	}
	return e.advanceAfter(ctx, r, node.ID(), e.stepDelay)
}

func (e *Engine) advanceAfter(ctx context.Context, r *run, at string, delay time.Duration) (*Continuation, error) {
	next, ok := r.graph.Next(at)
	if !ok {
		return nil, e.complete(ctx, r, at)
	}
	return &Continuation{
		SessionID:  r.sess.ID,
		ChatID:     r.chat.ID,
		FromNodeID: at,
		ToNodeID:   next,
		Delay:      delay,
	}, nil
}

func (e *Engine) sendMedia(ctx context.Context, r *run, n *MediaNode) {
	if e.media == nil {
		r.log.Warn("media node without media store", slog.String("node", n.ID()))
		return
	}
	data, err := e.media.Load(ctx, n.MediaRef)
	if err != nil {
		r.log.Error("load node media", slog.String("ref", n.MediaRef), sl.Err(err))
		return
	}
	e.send(ctx, r, whatsapp.Outbound{
		Kind:     whatsapp.Kind(n.MediaType),
		Text:     Render(n.Caption, r.vars),
		Media:    data,
		MimeType: n.MimeType,
		FileName: n.FileName,
	})
}

func (e *Engine) saveContact(ctx context.Context, r *run, n *SaveContactNode) error {
	name := r.chat.Name
	if n.NameVariable != "" && r.vars[n.NameVariable] != "" {
		name = r.vars[n.NameVariable]
	}
	_, err := e.store.SaveContact(ctx, r.chat, database.ContactUpdate{
		Phone:           jid.User(r.chat.RemoteJID),
		Name:            name,
		AssignedAgentID: n.AssignedAgentID,
		PipelineStageID: n.PipelineStageID,
		TagID:           n.TagID,
	})
	return err
}

func textOut(text string) whatsapp.Outbound {
	return whatsapp.Outbound{Kind: whatsapp.KindText, Text: text}
}

func buttonsOut(n *ButtonNode, vars map[string]string) whatsapp.Outbound {
	buttons := make([]whatsapp.Button, len(n.Buttons))
	for i, b := range n.Buttons {
		buttons[i] = whatsapp.Button{ID: b.ID, Title: Render(b.Title, vars)}
	}
	return whatsapp.Outbound{
		Kind:    whatsapp.KindButtons,
		Header:  Render(n.Header, vars),
		Text:    Render(n.Text, vars),
		Footer:  Render(n.Footer, vars),
		Buttons: buttons,
	}
}

func listOut(n *ListNode, vars map[string]string) whatsapp.Outbound {
	sections := make([]whatsapp.Section, len(n.Sections))
	for i, s := range n.Sections {
		rows := make([]whatsapp.Row, len(s.Rows))
		for j, row := range s.Rows {
			rows[j] = whatsapp.Row{ID: row.ID, Title: Render(row.Title, vars), Description: row.Description}
		}
		sections[i] = whatsapp.Section{Title: s.Title, Rows: rows}
	}
	return whatsapp.Outbound{
		Kind:       whatsapp.KindList,
		Header:     Render(n.Header, vars),
		Text:       Render(n.Text, vars),
		Footer:     Render(n.Footer, vars),
		ListButton: n.ButtonText,
		Sections:   sections,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

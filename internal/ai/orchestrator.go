package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/keylock"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"

	"gorm.io/datatypes"
)

// MaxIterations bounds the generate/tool-call cycle of one reply.
const MaxIterations = 5

const audioPlaceholder = "[voice message]"

var (
	citationMarker = regexp.MustCompile(`【\d+:\d+†[^】]+】`)
	controlMarker  = regexp.MustCompile(`\[[A-Z][A-Z_]{2,}\]`)
)

// Sender delivers outbound content to a chat.
type Sender interface {
	Send(ctx context.Context, chat *models.Chat, out whatsapp.Outbound) (*models.Message, error)
}

// Orchestrator answers inbound messages with the team's LLM agent.
type Orchestrator struct {
	store        *database.Store
	sender       Sender
	media        media.Store
	pub          ws.Publisher
	factory      Factory
	historyLimit int
	locks        *keylock.Locker
	log          *slog.Logger
}

func NewOrchestrator(store *database.Store, sender Sender, mediaStore media.Store, pub ws.Publisher, factory Factory, historyLimit int, log *slog.Logger) *Orchestrator {
	if factory == nil {
		factory = NewProvider
	}
	return &Orchestrator{
		store:        store,
		sender:       sender,
		media:        mediaStore,
		pub:          pub,
		factory:      factory,
		historyLimit: historyLimit,
		locks:        keylock.New(),
		log:          log.With(sl.Module("ai.orchestrator")),
	}
}

// Handle runs the agent for msg and dispatches its reply. It returns the
// text sent, empty when the agent stayed silent.
func (o *Orchestrator) Handle(ctx context.Context, chat *models.Chat, msg *models.Message) (string, error) {
	text, err := o.Respond(ctx, chat, msg)
	if err != nil || text == "" {
		return "", err
	}
	_, err = o.sender.Send(ctx, chat, whatsapp.Outbound{
		Kind:        whatsapp.KindText,
		Text:        text,
		AIGenerated: true,
	})
	if err != nil {
		return "", fmt.Errorf("send ai reply: %w", err)
	}
	return text, nil
}

// Respond runs the agent for msg and returns its cleaned final text. Chats
// without an active team config or with a paused session get "".
func (o *Orchestrator) Respond(ctx context.Context, chat *models.Chat, msg *models.Message) (string, error) {
	if msg.FromMe {
		return "", nil
	}
	log := o.log.With(slog.String("chat", chat.ID), slog.String("message", msg.ID))

	cfg, err := o.store.AIConfig(ctx, chat.TeamID)
	if errors.Is(err, database.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !cfg.IsActive {
		return "", nil
	}

	unlock := o.locks.Lock(chat.ID)
	defer unlock()

	sess, err := o.store.AISession(ctx, chat.ID)
	if errors.Is(err, database.ErrNotFound) {
		sess, err = o.store.SetAIStatus(ctx, chat, models.AIStatusActive)
	}
	if err != nil {
		return "", err
	}
	if sess.Status != models.AIStatusActive {
		return "", nil
	}

	provider, err := o.factory(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("build %s provider: %w", cfg.Provider, err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.Warn("close provider", sl.Err(err))
		}
	}()

	turn, ok := o.inboundTurn(ctx, provider, msg, log)
	if !ok {
		return "", nil
	}

	tools, err := o.store.ActiveTools(ctx, chat.TeamID)
	if err != nil {
		return "", err
	}
	box := newToolbox(tools)

	req := Request{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		History:      append(Truncate(sess.History.Data(), o.historyLimit), turn),
		Tools:        box.specs,
	}
	if provider.Capabilities().Audio {
		req.Audio = o.loadAudio(ctx, req.History, log)
	}

	text := o.loop(ctx, provider, chat, box, &req, log)

	sess.History = datatypes.NewJSONType(Truncate(req.History, o.historyLimit))
	if err := o.store.SaveAIHistory(ctx, sess); err != nil {
		return "", err
	}
	return text, nil
}

// loop calls the provider until it answers without tool calls or the
// iteration cap is hit. Tool turns are appended to req.History.
func (o *Orchestrator) loop(ctx context.Context, p Provider, chat *models.Chat, box *toolbox, req *Request, log *slog.Logger) string {
	paused := false
	for i := 0; i < MaxIterations; i++ {
		resp, err := p.GenerateResponse(ctx, *req)
		if err != nil {
			log.Error("generate response", slog.Int("iteration", i), sl.Err(err))
			return ""
		}

		if len(resp.ToolCalls) == 0 {
			text := Clean(resp.Text)
			req.History = append(req.History, models.AITurn{Role: RoleAssistant, Content: text})
			return text
		}

		req.History = append(req.History, models.AITurn{
			Role:      RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, pause, err := o.runTool(ctx, chat, box, call, log)
			if err != nil {
				log.Warn("tool failed", slog.String("tool", call.Name), sl.Err(err))
				result = "Error: " + err.Error()
			}
			if pause && !paused {
				paused = true
				o.pause(ctx, chat, log)
			}
			req.History = append(req.History, models.AITurn{
				Role:       RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	log.Warn("tool loop limit reached", slog.Int("iterations", MaxIterations))
	return ""
}

func (o *Orchestrator) pause(ctx context.Context, chat *models.Chat, log *slog.Logger) {
	if _, err := o.store.SetAIStatus(ctx, chat, models.AIStatusPaused); err != nil {
		log.Error("pause ai session", sl.Err(err))
		return
	}
	o.pub.Publish(chat.TeamID, ws.EventChatStatusUpdate, ws.StatusChange{
		ChatID: chat.ID,
		Type:   "ai",
		Status: models.AIStatusPaused,
	})
}

// inboundTurn builds the user turn for msg. Audio is transcribed when the
// provider takes text only.
func (o *Orchestrator) inboundTurn(ctx context.Context, p Provider, msg *models.Message, log *slog.Logger) (models.AITurn, bool) {
	turn := models.AITurn{Role: RoleUser, Content: strings.TrimSpace(msg.Text)}
	if turn.Content == "" {
		turn.Content = strings.TrimSpace(msg.Caption)
	}

	if msg.Type != "audio" {
		if turn.Content == "" {
			turn.Content = models.Preview(msg)
		}
		return turn, turn.Content != ""
	}

	if msg.MediaURL == "" {
		if turn.Content == "" {
			turn.Content = audioPlaceholder
		}
		return turn, true
	}

	turn.AudioRef = msg.MediaURL
	turn.AudioMime = msg.MimeType
	if p.Capabilities().Audio {
		return turn, true
	}

	transcript, err := o.transcribe(ctx, p, msg)
	if err != nil {
		log.Warn("transcribe audio", sl.Err(err))
		transcript = audioPlaceholder
	}
	turn.Content = strings.TrimSpace(strings.Join([]string{turn.Content, transcript}, "\n"))
	return turn, true
}

func (o *Orchestrator) transcribe(ctx context.Context, p Provider, msg *models.Message) (string, error) {
	if o.media == nil {
		return "", errNoMediaStore
	}
	data, err := o.media.Load(ctx, msg.MediaURL)
	if err != nil {
		return "", fmt.Errorf("load audio: %w", err)
	}
	return p.TranscribeAudio(ctx, data, msg.MimeType)
}

func (o *Orchestrator) loadAudio(ctx context.Context, history []models.AITurn, log *slog.Logger) map[string][]byte {
	if o.media == nil {
		return nil
	}
	audio := make(map[string][]byte)
	for _, turn := range history {
		if turn.AudioRef == "" {
			continue
		}
		if _, ok := audio[turn.AudioRef]; ok {
			continue
		}
		data, err := o.media.Load(ctx, turn.AudioRef)
		if err != nil {
			log.Warn("load history audio", slog.String("ref", turn.AudioRef), sl.Err(err))
			continue
		}
		audio[turn.AudioRef] = data
	}
	return audio
}

// Truncate keeps the last limit turns. The window always opens on a user
// turn: leading assistant and tool turns are dropped, since providers
// reject a conversation that starts anywhere else.
func Truncate(history []models.AITurn, limit int) []models.AITurn {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	for len(history) > 0 && history[0].Role != RoleUser {
		history = history[1:]
	}
	out := make([]models.AITurn, len(history))
	copy(out, history)
	return out
}

// Clean strips control markers and retrieval citations from model output.
func Clean(text string) string {
	text = citationMarker.ReplaceAllString(text, "")
	text = controlMarker.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

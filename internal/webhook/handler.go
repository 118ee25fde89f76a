// Package webhook receives provider callbacks and feeds them to the inbox,
// the automation engine and the AI agent.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"whatsapp-inbox/internal/automation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/inbox"
	"whatsapp-inbox/internal/lib/keyqueue"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/ws"

	"github.com/gin-gonic/gin"
)

const (
	statusOK      = "ok"
	statusIgnored = "ignored"
)

// Automations claims inbound messages for running automation sessions.
type Automations interface {
	HandleInbound(ctx context.Context, chat *models.Chat, in automation.Input) (bool, error)
}

// Agent answers inbound messages no automation claimed.
type Agent interface {
	Handle(ctx context.Context, chat *models.Chat, msg *models.Message) (string, error)
}

type Handler struct {
	store       *database.Store
	norm        *inbox.Normalizer
	recon       *inbox.Reconciler
	automations Automations
	agent       Agent
	pub         ws.Publisher
	verifyToken string
	log         *slog.Logger

	chats *keyqueue.Queue
	wg    sync.WaitGroup
}

func NewHandler(store *database.Store, norm *inbox.Normalizer, recon *inbox.Reconciler, automations Automations, agent Agent, pub ws.Publisher, verifyToken string, log *slog.Logger) *Handler {
	return &Handler{
		store:       store,
		norm:        norm,
		recon:       recon,
		automations: automations,
		agent:       agent,
		pub:         pub,
		verifyToken: verifyToken,
		log:         log.With(sl.Module("webhook")),
		chats:       keyqueue.New(),
	}
}

// Register mounts the webhook routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/webhook", h.HandleGateway)
	r.GET("/webhook/meta", h.VerifyWebhook)
	r.POST("/webhook/meta", h.HandleCloud)
}

// Wait blocks until every queued inbound pipeline has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HandleGateway processes one event posted by the self-hosted gateway.
func (h *Handler) HandleGateway(c *gin.Context) {
	var ev inbox.GatewayEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		h.log.Warn("bad gateway payload", sl.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	ctx := c.Request.Context()
	log := h.log.With(slog.String("event", ev.Name()), slog.String("instance", ev.Instance))

	ch, err := h.store.ChannelByInstance(ctx, ev.Instance)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("unknown instance")
		c.JSON(http.StatusOK, gin.H{"status": statusIgnored})
		return
	}
	if err != nil {
		log.Error("load channel", sl.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var status string
	switch ev.Name() {
	case inbox.EventMessagesUpsert:
		status, err = h.gatewayMessages(ctx, ch, ev, log)
	case inbox.EventMessagesUpdate:
		status, err = h.gatewayReceipts(ctx, ev, log)
	case inbox.EventContactsUpdate, inbox.EventChatsUpdate:
		status, err = h.gatewayProfiles(ctx, ch, ev, log)
	case inbox.EventConnectionUpdate:
		status, err = h.connection(ctx, ch, ev)
	case inbox.EventQRCodeUpdated:
		h.pub.Publish(ch.TeamID, ws.EventQRUpdateNeeded, ws.QREvent{ChannelID: ch.ID})
		status = statusOK
	default:
		log.Debug("unhandled event")
		status = statusIgnored
	}
	if err != nil {
		log.Error("process event", sl.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) gatewayMessages(ctx context.Context, ch *models.Channel, ev inbox.GatewayEvent, log *slog.Logger) (string, error) {
	items, err := inbox.SplitItems(ev.Data)
	if err != nil {
		return "", err
	}
	status := statusIgnored
	for _, raw := range items {
		in, err := inbox.DecodeGatewayMessage(raw)
		if errors.Is(err, inbox.ErrIgnored) {
			continue
		}
		if err != nil {
			log.Warn("skip undecodable message", sl.Err(err))
			continue
		}
		if err := h.ingest(ctx, ch, in); err != nil {
			return "", err
		}
		status = statusOK
	}
	return status, nil
}

func (h *Handler) gatewayReceipts(ctx context.Context, ev inbox.GatewayEvent, log *slog.Logger) (string, error) {
	receipts, err := inbox.DecodeGatewayReceipts(ev.Data)
	if err != nil {
		log.Warn("skip undecodable receipts", sl.Err(err))
		return statusIgnored, nil
	}
	applied, err := h.recon.Apply(ctx, receipts)
	if err != nil {
		return "", err
	}
	if applied == 0 {
		return statusIgnored, nil
	}
	return statusOK, nil
}

func (h *Handler) gatewayProfiles(ctx context.Context, ch *models.Channel, ev inbox.GatewayEvent, log *slog.Logger) (string, error) {
	updates, err := inbox.DecodeGatewayProfiles(ev.Data)
	if err != nil {
		log.Warn("skip undecodable profiles", sl.Err(err))
		return statusIgnored, nil
	}
	if len(updates) == 0 {
		return statusIgnored, nil
	}
	for _, upd := range updates {
		if err := h.norm.UpdateProfilePicture(ctx, ch, upd); err != nil {
			return "", err
		}
	}
	return statusOK, nil
}

func (h *Handler) connection(ctx context.Context, ch *models.Channel, ev inbox.GatewayEvent) (string, error) {
	state, err := inbox.DecodeGatewayConnection(ev.Data)
	if err != nil || state == "" {
		return statusIgnored, nil
	}
	if err := h.store.SetConnectionState(ctx, ch.ID, state); err != nil {
		return "", err
	}
	h.pub.Publish(ch.TeamID, ws.EventConnectionStatus, ws.ConnectionEvent{ChannelID: ch.ID, State: state})
	return statusOK, nil
}

// ingest persists one message and, for new inbound ones, hands it to the
// automation engine and then the agent off the request path.
func (h *Handler) ingest(ctx context.Context, ch *models.Channel, in *inbox.Inbound) error {
	res, err := h.norm.Ingest(ctx, ch, in)
	if errors.Is(err, inbox.ErrIgnored) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Duplicate || res.Message.FromMe {
		return nil
	}
	h.react(context.WithoutCancel(ctx), res.Chat, res.Message, automation.Input{
		Text:         in.Text,
		SelectionID:  in.SelectionID,
		FirstMessage: res.FirstMessage,
	})
	return nil
}

// react queues the pipeline behind earlier messages of the same chat, so
// replies reach the engine in the order they were ingested.
func (h *Handler) react(ctx context.Context, chat *models.Chat, msg *models.Message, input automation.Input) {
	log := h.log.With(slog.String("chat", chat.ID), slog.String("message", msg.ID))
	h.wg.Add(1)
	h.chats.Submit(chat.ID, func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("inbound pipeline panicked", slog.Any("panic", r))
			}
		}()

		if h.automations != nil {
			handled, err := h.automations.HandleInbound(ctx, chat, input)
			if err != nil {
				log.Error("automation", sl.Err(err))
			}
			if handled {
				return
			}
		}
		if h.agent != nil {
			if _, err := h.agent.Handle(ctx, chat, msg); err != nil {
				log.Error("ai agent", sl.Err(err))
			}
		}
	})
}

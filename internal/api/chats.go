package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/ws"

	"github.com/gin-gonic/gin"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// TextSender sends agent-typed text to a chat.
type TextSender interface {
	SendText(ctx context.Context, chat *models.Chat, text string) (*models.Message, error)
}

type ChatHandler struct {
	store  *database.Store
	sender TextSender
	pub    ws.Publisher
	log    *slog.Logger
}

func NewChatHandler(store *database.Store, sender TextSender, pub ws.Publisher, log *slog.Logger) *ChatHandler {
	return &ChatHandler{
		store:  store,
		sender: sender,
		pub:    pub,
		log:    log.With(sl.Module("api.chats")),
	}
}

// ListMessages returns the newest messages of a chat, oldest first, and
// clears its unread counter.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	chat, ok := h.load(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultMessageLimit)))
	if err != nil || limit <= 0 {
		limit = defaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)

	ctx := c.Request.Context()
	msgs, err := h.store.ChatMessages(ctx, chat.ID, limit)
	if err != nil {
		internalError(c, err)
		return
	}
	if chat.UnreadCount > 0 {
		if err := h.store.ResetUnread(ctx, chat.ID); err != nil {
			h.log.Warn("reset unread", slog.String("chat", chat.ID), sl.Err(err))
		} else {
			chat.UnreadCount = 0
			h.pub.Publish(chat.TeamID, ws.EventChatListUpdate, ws.NewChatSummary(chat))
		}
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage sends a text typed by a human agent.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required,max=4096"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat, ok := h.load(c)
	if !ok {
		return
	}
	msg, err := h.sender.SendText(c.Request.Context(), chat, req.Text)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "send failed"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// SetAIStatus activates or pauses the AI agent on a chat.
func (h *ChatHandler) SetAIStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required,oneof=active paused"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat, ok := h.load(c)
	if !ok {
		return
	}
	sess, err := h.store.SetAIStatus(c.Request.Context(), chat, req.Status)
	if err != nil {
		internalError(c, err)
		return
	}
	h.pub.Publish(chat.TeamID, ws.EventChatStatusUpdate, ws.StatusChange{ChatID: chat.ID, Type: "ai", Status: sess.Status})
	c.JSON(http.StatusOK, gin.H{"chat_id": chat.ID, "status": sess.Status})
}

func (h *ChatHandler) load(c *gin.Context) (*models.Chat, bool) {
	chat, err := h.store.Chat(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return nil, false
	}
	if chat.TeamID != teamID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return chat, true
}

package ws

import (
	"time"

	"whatsapp-inbox/internal/models"
)

// Realtime event names delivered on a team channel.
const (
	EventNewMessage          = "new-message"
	EventMessageStatusUpdate = "message-status-update"
	EventChatListUpdate      = "chat-list-update"
	EventChatStatusUpdate    = "chat-status-update"
	EventQRUpdateNeeded      = "qr-update-needed"
	EventConnectionStatus    = "connection-status"
)

// Publisher fans domain events out to a team's realtime subscribers.
// Publish never blocks and never fails the caller.
type Publisher interface {
	Publish(teamID, event string, payload any)
}

// TeamChannel names the realtime channel of a team.
func TeamChannel(teamID string) string {
	return "team-" + teamID
}

// Frame is the JSON envelope written to websocket clients.
type Frame struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// StatusChange is the payload of chat-status-update.
type StatusChange struct {
	ChatID string `json:"chat_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// MessageEvent is the payload of new-message.
type MessageEvent struct {
	ChatID    string          `json:"chat_id"`
	ChannelID string          `json:"channel_id"`
	RemoteJID string          `json:"remote_jid"`
	Message   *models.Message `json:"message"`
}

// ChatSummary is the payload of chat-list-update.
type ChatSummary struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	RemoteJID         string               `json:"remote_jid"`
	ProfilePicURL     string               `json:"profile_pic_url,omitempty"`
	LastMessage       string               `json:"last_message"`
	LastMessageAt     *time.Time           `json:"last_message_at"`
	LastMessageFromMe bool                 `json:"last_message_from_me"`
	LastMessageStatus models.MessageStatus `json:"last_message_status"`
	UnreadCount       int                  `json:"unread_count"`
}

// MessageStatusEvent is the payload of message-status-update.
type MessageStatusEvent struct {
	ChatID    string               `json:"chat_id"`
	MessageID string               `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
}

// ConnectionEvent is the payload of connection-status.
type ConnectionEvent struct {
	ChannelID string `json:"channel_id"`
	State     string `json:"state"`
}

// QREvent is the payload of qr-update-needed.
type QREvent struct {
	ChannelID string `json:"channel_id"`
}

func NewMessageEvent(chat *models.Chat, msg *models.Message) MessageEvent {
	return MessageEvent{ChatID: chat.ID, ChannelID: chat.ChannelID, RemoteJID: chat.RemoteJID, Message: msg}
}

func NewChatSummary(chat *models.Chat) ChatSummary {
	return ChatSummary{
		ID:                chat.ID,
		Name:              chat.Name,
		RemoteJID:         chat.RemoteJID,
		ProfilePicURL:     chat.ProfilePicURL,
		LastMessage:       chat.LastMessage,
		LastMessageAt:     chat.LastMessageAt,
		LastMessageFromMe: chat.LastMessageFromMe,
		LastMessageStatus: chat.LastMessageStatus,
		UnreadCount:       chat.UnreadCount,
	}
}

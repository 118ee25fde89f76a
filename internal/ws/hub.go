package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"whatsapp-inbox/internal/lib/sl"
)

type outbound struct {
	channel string
	payload []byte
}

// Hub maintains the connected clients grouped by team channel and
// broadcasts frames to them.
type Hub struct {
	channels   map[string]map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		channels:   make(map[string]map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With(sl.Module("ws.hub")),
	}
}

// Run is the hub event loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			if h.channels[client.channel] == nil {
				h.channels[client.channel] = make(map[*Client]bool)
			}
			h.channels[client.channel][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", slog.String("channel", client.channel))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client unregistered", slog.String("channel", client.channel))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.channels[msg.channel] {
				select {
				case client.send <- msg.payload:
				default:
					close(client.send)
					delete(h.channels[msg.channel], client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for the team channel. When the queue is full
// the event is dropped.
func (h *Hub) Publish(teamID, event string, payload any) {
	channel := TeamChannel(teamID)
	data, err := json.Marshal(Frame{Channel: channel, Event: event, Data: payload})
	if err != nil {
		h.log.Error("marshal event", slog.String("event", event), sl.Err(err))
		return
	}

	select {
	case h.broadcast <- outbound{channel: channel, payload: data}:
	default:
		h.log.Warn("broadcast queue full, event dropped",
			slog.String("event", event),
			slog.String("channel", channel),
		)
	}
}

// Subscribers returns the number of clients on a team channel.
func (h *Hub) Subscribers(teamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[TeamChannel(teamID)])
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.channels[client.channel]
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.send)
	}
	if len(clients) == 0 {
		delete(h.channels, client.channel)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, clients := range h.channels {
		for client := range clients {
			close(client.send)
		}
		delete(h.channels, channel)
	}
}

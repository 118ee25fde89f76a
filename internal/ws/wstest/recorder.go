// Package wstest provides an in-memory realtime publisher for tests.
package wstest

import (
	"sync"

	"whatsapp-inbox/internal/ws"
)

// Event is one recorded publish.
type Event struct {
	TeamID  string
	Name    string
	Payload any
}

// Recorder implements ws.Publisher by remembering every event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ ws.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(teamID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{TeamID: teamID, Name: event, Payload: payload})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names lists recorded event names in publish order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

// Count returns how many events named name were published.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

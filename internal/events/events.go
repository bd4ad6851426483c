package events

import (
	"sync"
	"time"
)

// Event kinds published by the session controller.
const (
	KindState       = "state"
	KindTranscript  = "transcript"
	KindChat        = "chat"
	KindChatWatcher = "chat_watcher"
	KindError       = "error"
)

type Event struct {
	Kind     string    `json:"kind"`
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}

// Publisher fans session events out to observers. Publish must not block
// the caller on network I/O.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters Events by kind.
func (r *Recorder) OfKind(kind string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps entries in process, for local use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) error {
	entry = normalize(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ClientID] = append(s.entries[entry.ClientID], entry)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, clientID string, kind Kind, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.entries[clientID], kind, limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

func normalize(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Kind == "" {
		entry.Kind = KindTranscript
	}
	return entry
}

// tail returns the last limit entries of kind, oldest first.
func tail(entries []Entry, kind Kind, limit int) []Entry {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if kind == "" || entries[i].Kind == kind {
			out = append(out, entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

package transcript

import (
	"context"
	"time"
)

// Kind separates the assistant transcript from the relayed live-chat log.
type Kind string

const (
	KindTranscript Kind = "transcript"
	KindChat       Kind = "chat"
)

// Entry is one transcript fragment or chat-log line.
type Entry struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session text for later review.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries for clientID in chronological
	// order. An empty kind matches both kinds.
	Recent(ctx context.Context, clientID string, kind Kind, limit int) ([]Entry, error)
	Close() error
}

const defaultRecentLimit = 50

package session

import (
	"errors"

	"github.com/ent0n29/eva/internal/protocol"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotConnected   = errors.New("session not connected")
	ErrConfigLocked   = errors.New("configuration is locked while a session is active")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrStopped        = errors.New("controller stopped")
)

// Phase is the lifecycle of one session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
)

// ChatMode and VideoSource are coupled: ChatVideo always has a source.
type ChatMode string

const (
	ChatNone  ChatMode = "none"
	ChatAudio ChatMode = "audio"
	ChatVideo ChatMode = "video"
)

type VideoSource string

const (
	SourceNone   VideoSource = "none"
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// Line prefixes for relayed live-chat entries.
const (
	chatLinePrefix  = "[YouTube]"
	chatSkippedLine = chatLinePrefix + " (skipped by safety)"
	invalidVideoMsg = "Invalid YouTube URL or Video ID"
)

// State is a point-in-time view of the controller.
type State struct {
	ClientID          string                 `json:"client_id"`
	Phase             Phase                  `json:"phase"`
	ChatMode          ChatMode               `json:"chat_mode"`
	VideoSource       VideoSource            `json:"video_source"`
	VideoEnabled      bool                   `json:"video_enabled"`
	Connected         bool                   `json:"connected"`
	Streaming         bool                   `json:"streaming"`
	ChatWatcherActive bool                   `json:"chat_watcher_active"`
	Config            protocol.SessionConfig `json:"config"`
	Transcript        string                 `json:"transcript"`
	ChatLog           []string               `json:"chat_log"`
	Error             string                 `json:"error,omitempty"`
	PlaybackPending   int                    `json:"playback_pending"`
}

// ChatLogTail returns the last n chat-log lines.
func (s State) ChatLogTail(n int) []string {
	if n <= 0 || len(s.ChatLog) == 0 {
		return nil
	}
	if n > len(s.ChatLog) {
		n = len(s.ChatLog)
	}
	out := make([]string, n)
	copy(out, s.ChatLog[len(s.ChatLog)-n:])
	return out
}

func modeForSource(src VideoSource) protocol.Mode {
	switch src {
	case SourceCamera:
		return protocol.ModeCamera
	case SourceScreen:
		return protocol.ModeScreen
	default:
		return protocol.ModeAudio
	}
}

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Shared by both directions.
	TypeAudio MessageType = "audio"

	// Client -> backend.
	TypeConfig         MessageType = "config"
	TypeMode           MessageType = "mode"
	TypeUserActivity   MessageType = "user_activity"
	TypeImage          MessageType = "image"
	TypeChatWatchStart MessageType = "yt_chat_start"
	TypeChatWatchStop  MessageType = "yt_chat_stop"

	// Backend -> client.
	TypeText        MessageType = "text"
	TypeChatItem    MessageType = "yt_chat"
	TypeChatStatus  MessageType = "yt_chat_status"
	TypeChatSkipped MessageType = "yt_chat_skipped"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidVoice    = errors.New("invalid voice")
)

// Mode is the capture mode declared to the backend.
type Mode string

const (
	ModeAudio  Mode = "audio"
	ModeCamera Mode = "camera"
	ModeScreen Mode = "screen"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAudio, ModeCamera, ModeScreen:
		return true
	default:
		return false
	}
}

// Voices lists the synthesized voices the backend accepts.
var Voices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede"}

// SessionConfig is sent once per connection, before any media.
type SessionConfig struct {
	SystemPrompt       string `json:"systemPrompt" yaml:"systemPrompt"`
	Voice              string `json:"voice" yaml:"voice"`
	GoogleSearch       bool   `json:"googleSearch" yaml:"googleSearch"`
	AllowInterruptions bool   `json:"allowInterruptions" yaml:"allowInterruptions"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SystemPrompt: "You are a friendly assistant. Keep answers short and conversational.",
		Voice:        "Aoede",
		GoogleSearch: true,
	}
}

func (c SessionConfig) Validate() error {
	for _, v := range Voices {
		if c.Voice == v {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (want one of %s)", ErrInvalidVoice, c.Voice, strings.Join(Voices, ", "))
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ConfigMessage struct {
	Type   MessageType   `json:"type"`
	Config SessionConfig `json:"config"`
}

type ModeMessage struct {
	Type MessageType `json:"type"`
	Mode Mode        `json:"mode"`
}

// AudioMessage carries base64 PCM16 mono audio: 16 kHz outbound, 24 kHz inbound.
type AudioMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type UserActivity struct {
	Type     MessageType `json:"type"`
	Speaking bool        `json:"speaking"`
}

// ImageMessage carries one base64 JPEG frame.
type ImageMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ChatWatchStart struct {
	Type    MessageType `json:"type"`
	VideoID string      `json:"video_id"`
}

type ChatWatchStop struct {
	Type MessageType `json:"type"`
}

// TextMessage is a transcript fragment. Backends have been seen to put the
// fragment under either "text" or "data"; "text" wins when present.
type TextMessage struct {
	Type MessageType `json:"type"`
	Text *string     `json:"text,omitempty"`
	Data string      `json:"data,omitempty"`
}

func (m TextMessage) Content() string {
	if m.Text != nil {
		return *m.Text
	}
	return m.Data
}

type ChatEntry struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

type ChatItem struct {
	Type MessageType `json:"type"`
	Data ChatEntry   `json:"data"`
}

// ChatStatus reports the watcher state: "started" or "stopped".
type ChatStatus struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

const (
	ChatStarted = "started"
	ChatStopped = "stopped"
)

type ChatSkipped struct {
	Type MessageType `json:"type"`
}

func NewConfig(cfg SessionConfig) ConfigMessage {
	return ConfigMessage{Type: TypeConfig, Config: cfg}
}

func NewMode(mode Mode) ModeMessage {
	return ModeMessage{Type: TypeMode, Mode: mode}
}

func NewAudio(data string) AudioMessage {
	return AudioMessage{Type: TypeAudio, Data: data}
}

func NewUserActivity(speaking bool) UserActivity {
	return UserActivity{Type: TypeUserActivity, Speaking: speaking}
}

func NewImage(data string) ImageMessage {
	return ImageMessage{Type: TypeImage, Data: data}
}

func NewChatWatchStart(videoID string) ChatWatchStart {
	return ChatWatchStart{Type: TypeChatWatchStart, VideoID: videoID}
}

func NewChatWatchStop() ChatWatchStop {
	return ChatWatchStop{Type: TypeChatWatchStop}
}

func NewText(text string) TextMessage {
	return TextMessage{Type: TypeText, Text: &text}
}

func NewChatItem(user, message string) ChatItem {
	return ChatItem{Type: TypeChatItem, Data: ChatEntry{User: user, Message: message}}
}

func NewChatStatus(status string) ChatStatus {
	return ChatStatus{Type: TypeChatStatus, Data: status}
}

// Encode serializes any message variant.
func Encode(msg any) ([]byte, error) {
	return sonic.Marshal(msg)
}

// TypeOf reports the discriminator of a message value built by this package.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case ConfigMessage:
		return m.Type
	case ModeMessage:
		return m.Type
	case AudioMessage:
		return m.Type
	case UserActivity:
		return m.Type
	case ImageMessage:
		return m.Type
	case ChatWatchStart:
		return m.Type
	case ChatWatchStop:
		return m.Type
	case TextMessage:
		return m.Type
	case ChatItem:
		return m.Type
	case ChatStatus:
		return m.Type
	case ChatSkipped:
		return m.Type
	default:
		return ""
	}
}

func decodeEnvelope(raw []byte) (MessageType, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	return env.Type, nil
}

func decodeAs[T any](raw []byte) (T, error) {
	var msg T
	err := sonic.Unmarshal(raw, &msg)
	return msg, err
}

// ParseServerMessage decodes a backend frame. Unknown types return
// ErrUnsupportedType and are expected to be ignored by callers.
func ParseServerMessage(raw []byte) (any, error) {
	typ, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeAudio:
		msg, err := decodeAs[AudioMessage](raw)
		if err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio: empty data")
		}
		return msg, nil
	case TypeText:
		return decodeAs[TextMessage](raw)
	case TypeChatItem:
		return decodeAs[ChatItem](raw)
	case TypeChatStatus:
		return decodeAs[ChatStatus](raw)
	case TypeChatSkipped:
		return ChatSkipped{Type: TypeChatSkipped}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}
}

// ParseClientMessage decodes a frame sent by a client. The loopback backend
// uses it.
func ParseClientMessage(raw []byte) (any, error) {
	typ, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeConfig:
		return decodeAs[ConfigMessage](raw)
	case TypeMode:
		msg, err := decodeAs[ModeMessage](raw)
		if err != nil {
			return nil, err
		}
		if !msg.Mode.Valid() {
			return nil, fmt.Errorf("invalid mode %q", msg.Mode)
		}
		return msg, nil
	case TypeAudio:
		msg, err := decodeAs[AudioMessage](raw)
		if err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio: empty data")
		}
		return msg, nil
	case TypeUserActivity:
		return decodeAs[UserActivity](raw)
	case TypeImage:
		msg, err := decodeAs[ImageMessage](raw)
		if err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid image: empty data")
		}
		return msg, nil
	case TypeChatWatchStart:
		msg, err := decodeAs[ChatWatchStart](raw)
		if err != nil {
			return nil, err
		}
		if _, err := ExtractVideoID(msg.VideoID); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeChatWatchStop:
		return ChatWatchStop{Type: TypeChatWatchStop}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
	}
}

package loopback

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/protocol"
)

const writeTimeout = 5 * time.Second

var ErrNoClient = errors.New("client not connected")

type Options struct {
	// EchoAudio sends every audio frame back resampled to the playback rate.
	EchoAudio bool
	// ChatUser is the author of the chat item sent after yt_chat_start.
	ChatUser string
}

// Server is a minimal backend for the client protocol. It records every
// client message and answers the ones that expect a reply.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received map[string][]any
	peers    map[string]*peer
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func New(opts Options) *Server {
	if opts.ChatUser == "" {
		opts.ChatUser = "loopback"
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		received: make(map[string][]any),
		peers:    make(map[string]*peer),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws/{clientID}", s.handleWebsocket)
	return r
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("loopback: upgrade failed: %v", err)
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	if old := s.peers[clientID]; old != nil {
		_ = old.conn.Close()
	}
	s.peers[clientID] = p
	s.mu.Unlock()
	log.Printf("loopback: client %s connected", clientID)

	defer func() {
		s.mu.Lock()
		if s.peers[clientID] == p {
			delete(s.peers, clientID)
		}
		s.mu.Unlock()
		_ = conn.Close()
		log.Printf("loopback: client %s disconnected", clientID)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			log.Printf("loopback: client %s sent invalid frame: %v", clientID, err)
			continue
		}
		s.record(clientID, msg)
		if err := s.reply(p, msg); err != nil {
			log.Printf("loopback: reply to %s failed: %v", clientID, err)
			return
		}
	}
}

func (s *Server) reply(p *peer, msg any) error {
	switch m := msg.(type) {
	case protocol.ConfigMessage:
		return p.write(protocol.NewText(fmt.Sprintf("Session configured with voice %s.", m.Config.Voice)))
	case protocol.AudioMessage:
		if !s.opts.EchoAudio {
			return nil
		}
		samples, err := audio.DecodeFrame(m.Data)
		if err != nil {
			return nil
		}
		echo := audio.Resample(samples, audio.CaptureSampleRate, audio.PlaybackSampleRate)
		return p.write(protocol.NewAudio(audio.EncodeFrame(echo)))
	case protocol.ChatWatchStart:
		if err := p.write(protocol.NewChatStatus(protocol.ChatStarted)); err != nil {
			return err
		}
		return p.write(protocol.NewChatItem(s.opts.ChatUser, "watching "+m.VideoID))
	case protocol.ChatWatchStop:
		return p.write(protocol.NewChatStatus(protocol.ChatStopped))
	}
	return nil
}

func (s *Server) record(clientID string, msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[clientID] = append(s.received[clientID], msg)
}

// Messages returns what clientID has sent, in arrival order.
func (s *Server) Messages(clientID string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.received[clientID]...)
}

// Types returns the type tags of Messages(clientID).
func (s *Server) Types(clientID string) []protocol.MessageType {
	msgs := s.Messages(clientID)
	out := make([]protocol.MessageType, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, protocol.TypeOf(msg))
	}
	return out
}

func (s *Server) Connected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[clientID]
	return ok
}

// Send pushes a server message to a connected client.
func (s *Server) Send(clientID string, msg any) error {
	s.mu.Lock()
	p := s.peers[clientID]
	s.mu.Unlock()
	if p == nil {
		return ErrNoClient
	}
	return p.write(msg)
}

// Disconnect ends a client's connection. A graceful disconnect sends a
// normal close frame and lets the client finish the handshake; otherwise
// the socket is dropped.
func (s *Server) Disconnect(clientID string, graceful bool) error {
	s.mu.Lock()
	p := s.peers[clientID]
	s.mu.Unlock()
	if p == nil {
		return ErrNoClient
	}
	if graceful {
		return p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
	return p.conn.UnderlyingConn().Close()
}

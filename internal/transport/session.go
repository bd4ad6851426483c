package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
)

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	readLimit      = 2 << 20
)

var (
	ErrNotOpen          = errors.New("connection not open")
	ErrAlreadyConnected = errors.New("session already used")
	ErrQueueFull        = errors.New("write queue full")
	ErrClosed           = errors.New("session closed")
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Options struct {
	Endpoint string
	ClientID string
	Metrics  *observability.Metrics
	Dialer   *websocket.Dialer
	// OnMessage receives every recognised inbound message on the read
	// goroutine, in arrival order.
	OnMessage func(msg any)
	// OnClose fires once when the connection ends for any reason other than
	// a local Close. err is nil for a normal closure by the peer.
	OnClose func(err error)
}

// Session is a single-use client connection: Closed -> Connecting -> Open ->
// Closed. Outbound frames go through one write goroutine so they leave in
// the order Send accepted them.
type Session struct {
	url       string
	dialer    *websocket.Dialer
	metrics   *observability.Metrics
	onMessage func(any)
	onClose   func(error)

	mu         sync.Mutex
	state      State
	used       bool
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	writeChan  chan []byte
	done       chan struct{}
}

func New(opts Options) *Session {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Session{
		url:       EndpointURL(opts.Endpoint, opts.ClientID),
		dialer:    dialer,
		metrics:   opts.Metrics,
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
		writeChan: make(chan []byte, writeQueueSize),
		done:      make(chan struct{}),
	}
}

// EndpointURL appends the client identity as the last path segment.
func EndpointURL(endpoint, clientID string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(clientID)
}

func (s *Session) URL() string { return s.url }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the backend and starts the read and write goroutines. It
// blocks until the connection is open, the dial fails or Close is called.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.used = true
	s.state = StateConnecting
	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, err := s.dial(dialCtx)
	cancel()

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.state = StateClosed
		close(s.done)
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(readLimit)
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// dial runs the handshake so that cancelling ctx aborts it at any point.
// The websocket dialer only honours the context while connecting the socket;
// afterwards the raw conn's deadline is forced into the past instead.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	d := *s.dialer
	netDial := d.NetDialContext
	if netDial == nil {
		if d.NetDial != nil {
			plain := d.NetDial
			netDial = func(_ context.Context, network, addr string) (net.Conn, error) {
				return plain(network, addr)
			}
		} else {
			netDial = (&net.Dialer{}).DialContext
		}
	}

	var (
		mu      sync.Mutex
		stops   []func() bool
		aborted bool
	)
	d.NetDial = nil
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
		mu.Lock()
		stops = append(stops, stop)
		mu.Unlock()
		return nc, nil
	}

	conn, _, err := d.DialContext(ctx, s.url, nil)

	mu.Lock()
	for _, stop := range stops {
		if !stop() {
			aborted = true
		}
	}
	mu.Unlock()
	if err == nil && aborted {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	return conn, err
}

// Send queues msg and reports whether it was accepted. Frames are dropped,
// never queued for later, while the connection is not open.
func (s *Session) Send(msg any) bool {
	if err := s.Enqueue(msg); err != nil {
		typ := string(protocol.TypeOf(msg))
		s.metrics.FrameDropped(typ)
		if !errors.Is(err, ErrNotOpen) {
			log.Printf("transport: drop %s frame: %v", typ, err)
		}
		return false
	}
	return true
}

// Enqueue is Send with the reason for a drop.
func (s *Session) Enqueue(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrNotOpen
	}
	select {
	case s.writeChan <- data:
		s.metrics.WSMessage("outbound", string(protocol.TypeOf(msg)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.writeChan:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (s *Session) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(nil)
			} else {
				s.fail(fmt.Errorf("read: %w", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				s.metrics.WSMessage("inbound", "unknown")
				continue
			}
			log.Printf("transport: invalid inbound frame: %v", err)
			continue
		}
		s.metrics.WSMessage("inbound", string(protocol.TypeOf(msg)))
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

// fail moves an open session to Closed after a remote closure or I/O error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if err != nil {
		log.Printf("transport: connection to %s lost: %v", s.url, err)
	}
	if s.onClose != nil {
		s.onClose(err)
	}
}

// Close releases the connection, or abandons a dial in progress. It is
// idempotent and does not invoke OnClose.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.used = true
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateClosed
	s.used = true
	close(s.done)
	conn := s.conn
	cancel := s.cancelDial
	s.mu.Unlock()

	if prev == StateConnecting && cancel != nil {
		cancel()
		return nil
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/capture"
	"github.com/ent0n29/eva/internal/events"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/playback"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/reliability"
	"github.com/ent0n29/eva/internal/transcript"
	"github.com/ent0n29/eva/internal/transport"
)

const (
	inboxSize       = 256
	persistQueue    = 256
	persistTimeout  = 5 * time.Second
	persistAttempts = 3
)

var persistBackoff = reliability.Backoff{Base: 100 * time.Millisecond, Max: time.Second}

// NewClientID returns a fresh client identity for the backend URL path.
func NewClientID() string { return uuid.NewString() }

type Options struct {
	ClientID string
	Endpoint string
	Config   protocol.SessionConfig
	Devices  capture.Devices
	Audio    capture.AudioConfig
	Video    capture.VideoConfig
	// NewPlayer opens the output device for one session.
	NewPlayer func() (playback.Player, error)
	Store     transcript.Store
	Events    events.Publisher
	Metrics   *observability.Metrics
	Stages    *observability.StageWindow
	Dialer    *websocket.Dialer
}

// Controller drives one client's session lifecycle. All state is owned by
// the goroutine running Run; device acquisitions, the dial and inbound
// frames report back to it as closures tagged with the session epoch, and
// anything from an older epoch is discarded.
type Controller struct {
	opts      Options
	inbox     chan func()
	done      chan struct{}
	running   atomic.Bool
	persistCh chan transcript.Entry

	// loop-owned
	ctx           context.Context
	st            State
	epoch         uint64
	videoGen      uint64
	pendingSource VideoSource
	lastSource    VideoSource
	conn          *transport.Session
	seq           *playback.Sequencer
	audioPipe     *capture.AudioPipeline
	videoPipe     *capture.VideoPipeline
	cancelAcquire context.CancelFunc
	cancelVideo   context.CancelFunc
	startedAt     time.Time
	openedAt      time.Time
	modeAt        time.Time
	heardAudio    bool
	lastStatus    string

	mu  sync.RWMutex
	pub State
}

func New(opts Options) *Controller {
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	if opts.Config.Voice == "" {
		opts.Config = protocol.DefaultSessionConfig()
	}
	if opts.Devices == nil {
		opts.Devices = capture.BuiltinDevices{Microphone: "silence", Camera: "pattern", Screen: "pattern"}
	}
	if opts.NewPlayer == nil {
		opts.NewPlayer = func() (playback.Player, error) {
			return playback.OpenPlayer("discard", audio.PlaybackSampleRate)
		}
	}
	if opts.Store == nil {
		opts.Store = transcript.NewInMemoryStore()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	c := &Controller{
		opts:      opts,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		persistCh: make(chan transcript.Entry, persistQueue),
		st: State{
			ClientID:    opts.ClientID,
			Phase:       PhaseIdle,
			ChatMode:    ChatNone,
			VideoSource: SourceNone,
			Config:      opts.Config,
		},
		lastSource: SourceCamera,
	}
	c.pub = c.st
	return c
}

func (c *Controller) ClientID() string { return c.opts.ClientID }

// Run processes commands and session events until ctx is done, then tears
// down any live session. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: controller already running")
	}
	c.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.persistLoop()
	}()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.publish()
			close(c.done)
			close(c.persistCh)
			wg.Wait()
			return nil
		case fn := <-c.inbox:
			fn()
			c.publish()
		}
	}
}

// post hands fn to the loop. It is dropped once the loop has exited.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// do runs fn on the loop and waits for its result. The snapshot is
// current by the time do returns.
func (c *Controller) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- func() {
		err := fn()
		c.publish()
		reply <- err
	}:
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// Snapshot returns the state as of the last processed event.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	s := c.pub
	c.mu.RUnlock()
	s.ChatLog = append([]string(nil), s.ChatLog...)
	return s
}

// ChatLogTail returns the last n chat-log lines.
func (c *Controller) ChatLogTail(n int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pub.ChatLogTail(n)
}

// Recent reads persisted transcript and chat entries for this client.
func (c *Controller) Recent(ctx context.Context, kind transcript.Kind, limit int) ([]transcript.Entry, error) {
	return c.opts.Store.Recent(ctx, c.opts.ClientID, kind, limit)
}

// publish copies loop state to the snapshot and reports status changes.
// ChatLog is append-only between clears, so sharing its backing array with
// the snapshot is safe.
func (c *Controller) publish() {
	if c.seq != nil {
		c.st.PlaybackPending = c.seq.Pending()
	} else {
		c.st.PlaybackPending = 0
	}
	c.mu.Lock()
	c.pub = c.st
	c.mu.Unlock()

	status := fmt.Sprintf("%s/%s/%s/%t/%t", c.st.Phase, c.st.ChatMode, c.st.VideoSource, c.st.Streaming, c.st.ChatWatcherActive)
	if status == c.lastStatus {
		return
	}
	c.lastStatus = status
	c.emit(events.KindState, map[string]any{
		"phase":               c.st.Phase,
		"chat_mode":           c.st.ChatMode,
		"video_source":        c.st.VideoSource,
		"streaming":           c.st.Streaming,
		"chat_watcher_active": c.st.ChatWatcherActive,
	})
}

func (c *Controller) emit(kind string, data any) {
	c.opts.Events.Publish(events.Event{
		Kind:     kind,
		ClientID: c.opts.ClientID,
		At:       time.Now().UTC(),
		Data:     data,
	})
}

func (c *Controller) setError(msg string) {
	c.st.Error = msg
	log.Printf("session: %s: %s", c.opts.ClientID, msg)
	c.emit(events.KindError, msg)
}

// Start opens a session in the given mode. It returns once the dial has
// begun; progress is visible through Snapshot.
func (c *Controller) Start(mode protocol.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return c.do(func() error { return c.start(mode) })
}

func (c *Controller) start(mode protocol.Mode) error {
	if c.st.Phase != PhaseIdle {
		return ErrAlreadyStarted
	}
	c.epoch++
	epoch := c.epoch
	c.st.Phase = PhaseConnecting
	c.st.Error = ""
	c.pendingSource = sourceForMode(mode)
	c.startedAt = time.Now()
	c.heardAudio = false

	conn := transport.New(transport.Options{
		Endpoint: c.opts.Endpoint,
		ClientID: c.opts.ClientID,
		Metrics:  c.opts.Metrics,
		Dialer:   c.opts.Dialer,
		OnMessage: func(msg any) {
			c.post(func() { c.handleMessage(epoch, msg) })
		},
		OnClose: func(err error) {
			c.post(func() { c.connectionClosed(epoch, err) })
		},
	})
	c.conn = conn

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAcquire = cancel
	go func() {
		err := conn.Connect(ctx)
		c.post(func() { c.connected(epoch, err) })
	}()

	log.Printf("session: %s connecting to %s (mode=%s epoch=%d)", c.opts.ClientID, conn.URL(), mode, epoch)
	c.opts.Metrics.SessionEvent("start")
	return nil
}

func (c *Controller) connected(epoch uint64, err error) {
	if epoch != c.epoch || c.st.Phase != PhaseConnecting {
		return
	}
	if err != nil {
		c.teardown()
		c.setError(fmt.Sprintf("WebSocket error: %v", err))
		c.opts.Metrics.SessionEvent("connect_failed")
		return
	}

	c.openedAt = time.Now()
	latency := c.openedAt.Sub(c.startedAt)
	c.opts.Metrics.ObserveConnectLatency(latency)
	c.opts.Stages.Observe(observability.StageConnect, latency)
	c.st.Phase = PhaseActive
	c.st.Connected = true
	log.Printf("session: %s connected in %s", c.opts.ClientID, latency.Round(time.Millisecond))

	c.conn.Send(protocol.NewConfig(c.st.Config))

	player, err := c.opts.NewPlayer()
	if err != nil {
		log.Printf("session: %s audio output unavailable, discarding playback: %v", c.opts.ClientID, err)
		player, _ = playback.OpenPlayer("discard", audio.PlaybackSampleRate)
	}
	c.seq = playback.NewSequencer(player, audio.PlaybackSampleRate, c.opts.Metrics)

	if c.cancelAcquire != nil {
		c.cancelAcquire()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAcquire = cancel
	devices := c.opts.Devices
	go func() {
		src, err := devices.OpenMicrophone(ctx, audio.CaptureSampleRate)
		c.post(func() { c.audioReady(epoch, src, err) })
	}()
}

func (c *Controller) audioReady(epoch uint64, src capture.AudioSource, err error) {
	if epoch != c.epoch || c.st.Phase != PhaseActive {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	c.cancelAcquire = nil
	c.opts.Stages.Observe(observability.StageAudioReady, time.Since(c.openedAt))

	if err != nil {
		// The session stays up without a microphone.
		c.setError(deviceErrorText(capture.Microphone, err))
	}

	source := c.pendingSource
	if source == SourceNone {
		c.st.ChatMode = ChatAudio
	} else {
		c.st.ChatMode = ChatVideo
		c.st.VideoEnabled = true
		c.st.VideoSource = source
		c.lastSource = source
	}
	c.modeAt = time.Now()
	c.conn.Send(protocol.NewMode(modeForSource(source)))

	if src != nil {
		c.startAudio(epoch, src)
	}
	c.st.Streaming = true

	if source != SourceNone {
		c.acquireVideo(epoch, source)
	}
}

func (c *Controller) startAudio(epoch uint64, src capture.AudioSource) {
	pipe := capture.StartAudio(src, c.conn, c.opts.Audio, c.opts.Metrics)
	c.audioPipe = pipe
	go func() {
		<-pipe.Done()
		c.post(func() { c.audioEnded(epoch, pipe) })
	}()
}

func (c *Controller) audioEnded(epoch uint64, pipe *capture.AudioPipeline) {
	if epoch != c.epoch || c.audioPipe != pipe {
		return
	}
	c.audioPipe = nil
	if err := pipe.Err(); err != nil {
		c.setError(fmt.Sprintf("Microphone stopped: %v", err))
	}
	pipe.Stop()
}

func (c *Controller) acquireVideo(epoch uint64, source VideoSource) {
	c.stopVideo()
	c.videoGen++
	gen := c.videoGen
	kind := deviceKind(source)
	w, h := capture.PreferredSize(kind)

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelVideo = cancel
	devices := c.opts.Devices
	go func() {
		src, err := devices.OpenVideo(ctx, kind, w, h)
		c.post(func() { c.videoReady(epoch, gen, source, src, err) })
	}()
}

func (c *Controller) videoReady(epoch, gen uint64, source VideoSource, src capture.VideoSource, err error) {
	if epoch != c.epoch || gen != c.videoGen || !c.st.VideoEnabled || c.st.VideoSource != source {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	c.cancelVideo = nil
	if err != nil {
		c.setError(deviceErrorText(deviceKind(source), err))
		// A screen session is invalid without its screen, however the
		// driver reports the failure.
		if source == SourceScreen {
			c.teardown()
			c.opts.Metrics.SessionEvent("screen_failed")
			return
		}
		c.st.VideoEnabled = false
		c.st.VideoSource = SourceNone
		c.st.ChatMode = ChatAudio
		c.conn.Send(protocol.NewMode(protocol.ModeAudio))
		return
	}
	c.opts.Stages.Observe(observability.StageVideoReady, time.Since(c.modeAt))
	c.videoPipe = capture.StartVideo(deviceKind(source), src, c.conn, c.opts.Video)
}

func (c *Controller) stopVideo() {
	if c.cancelVideo != nil {
		c.cancelVideo()
		c.cancelVideo = nil
	}
	if c.videoPipe != nil {
		c.videoPipe.Stop()
		c.videoPipe = nil
	}
}

// Stop ends the session. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	return c.do(func() error {
		if c.st.Phase != PhaseIdle {
			c.teardown()
			c.opts.Metrics.SessionEvent("stop")
		}
		return nil
	})
}

// teardown releases everything the session holds, in a fixed order:
// microphone, video, playback, connection. Results still in flight belong
// to the old epoch afterwards.
func (c *Controller) teardown() {
	if c.st.Phase == PhaseIdle && c.conn == nil {
		return
	}
	began := time.Now()
	c.epoch++

	if c.cancelAcquire != nil {
		c.cancelAcquire()
		c.cancelAcquire = nil
	}
	if c.audioPipe != nil {
		c.audioPipe.Stop()
		c.audioPipe = nil
	}
	c.stopVideo()
	if c.seq != nil {
		if err := c.seq.Close(); err != nil {
			log.Printf("session: %s close playback: %v", c.opts.ClientID, err)
		}
		c.seq = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if c.st.ChatWatcherActive {
		c.opts.Metrics.SetChatWatcherActive(false)
	}
	c.st.Phase = PhaseIdle
	c.st.ChatMode = ChatNone
	c.st.VideoSource = SourceNone
	c.st.VideoEnabled = false
	c.st.Connected = false
	c.st.Streaming = false
	c.st.ChatWatcherActive = false
	c.opts.Stages.Observe(observability.StageTeardown, time.Since(began))
	log.Printf("session: %s closed", c.opts.ClientID)
}

func (c *Controller) connectionClosed(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	c.teardown()
	if err != nil {
		c.setError(fmt.Sprintf("WebSocket error: %v", err))
		c.opts.Metrics.SessionEvent("connection_lost")
		return
	}
	c.opts.Metrics.SessionEvent("remote_closed")
}

// ToggleVideo turns video capture off, or back on with the last used source.
func (c *Controller) ToggleVideo() error {
	return c.do(func() error {
		if c.st.Phase != PhaseActive || !c.st.Streaming {
			return ErrNotConnected
		}
		if c.st.VideoEnabled {
			c.stopVideo()
			c.st.VideoEnabled = false
			c.st.VideoSource = SourceNone
			c.st.ChatMode = ChatAudio
			c.conn.Send(protocol.NewMode(protocol.ModeAudio))
			return nil
		}
		source := c.lastSource
		if source == SourceNone {
			source = SourceCamera
		}
		c.st.VideoEnabled = true
		c.st.VideoSource = source
		c.st.ChatMode = ChatVideo
		c.modeAt = time.Now()
		c.conn.Send(protocol.NewMode(modeForSource(source)))
		c.acquireVideo(c.epoch, source)
		return nil
	})
}

// SetConfig replaces the session configuration. It is only accepted while
// no session is running.
func (c *Controller) SetConfig(cfg protocol.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return c.do(func() error {
		if c.st.Phase != PhaseIdle {
			return ErrConfigLocked
		}
		c.st.Config = cfg
		return nil
	})
}

// StartChatWatcher asks the backend to relay a YouTube live chat. input may
// be a bare video ID or a watch, youtu.be or live URL.
func (c *Controller) StartChatWatcher(input string) error {
	return c.do(func() error {
		if c.conn == nil || c.conn.State() != transport.StateOpen {
			return ErrNotConnected
		}
		id, err := protocol.ExtractVideoID(input)
		if err != nil {
			c.setError(invalidVideoMsg)
			return err
		}
		c.st.ChatLog = nil
		c.conn.Send(protocol.NewChatWatchStart(id))
		log.Printf("session: %s chat watcher requested for %s", c.opts.ClientID, id)
		return nil
	})
}

func (c *Controller) StopChatWatcher() error {
	return c.do(func() error {
		if c.conn == nil || c.conn.State() != transport.StateOpen {
			return ErrNotConnected
		}
		c.conn.Send(protocol.NewChatWatchStop())
		return nil
	})
}

func (c *Controller) handleMessage(epoch uint64, msg any) {
	if epoch != c.epoch {
		return
	}
	switch m := msg.(type) {
	case protocol.AudioMessage:
		if c.seq == nil {
			return
		}
		if err := c.seq.PushFrame(m.Data); err != nil {
			log.Printf("session: %s bad audio frame: %v", c.opts.ClientID, err)
			return
		}
		if !c.heardAudio {
			c.heardAudio = true
			c.opts.Stages.Observe(observability.StageFirstAudio, time.Since(c.openedAt))
		}
	case protocol.TextMessage:
		text := m.Content()
		if text == "" {
			return
		}
		c.st.Transcript += text + "\n"
		c.record(transcript.KindTranscript, text)
		c.emit(events.KindTranscript, text)
	case protocol.ChatItem:
		c.appendChat(fmt.Sprintf("%s %s: %s", chatLinePrefix, m.Data.User, m.Data.Message))
	case protocol.ChatSkipped:
		c.appendChat(chatSkippedLine)
	case protocol.ChatStatus:
		switch strings.TrimSpace(m.Data) {
		case protocol.ChatStarted:
			c.st.ChatWatcherActive = true
		case protocol.ChatStopped:
			c.st.ChatWatcherActive = false
		default:
			return
		}
		c.opts.Metrics.SetChatWatcherActive(c.st.ChatWatcherActive)
		c.emit(events.KindChatWatcher, m.Data)
	}
}

func (c *Controller) appendChat(line string) {
	c.st.ChatLog = append(c.st.ChatLog, line)
	c.record(transcript.KindChat, line)
	c.emit(events.KindChat, line)
}

// record queues an entry for the store without blocking the loop.
func (c *Controller) record(kind transcript.Kind, text string) {
	entry := transcript.Entry{ClientID: c.opts.ClientID, Kind: kind, Text: text, CreatedAt: time.Now().UTC()}
	select {
	case c.persistCh <- entry:
	default:
		c.opts.Metrics.TranscriptAppendFailed()
		log.Printf("transcript: queue full, dropped %s entry for %s", kind, c.opts.ClientID)
	}
}

func (c *Controller) persistLoop() {
	for entry := range c.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := reliability.Retry(ctx, persistAttempts, persistBackoff, func(ctx context.Context) error {
			return c.opts.Store.Append(ctx, entry)
		})
		cancel()
		if err != nil {
			c.opts.Metrics.TranscriptAppendFailed()
			log.Printf("transcript: append for %s failed: %v", entry.ClientID, err)
		}
	}
}

func deviceErrorText(kind capture.DeviceKind, err error) string {
	var de *capture.DeviceError
	if errors.As(err, &de) {
		err = de.Err
	}
	return fmt.Sprintf("Failed to access %s: %v", kind, err)
}

func deviceKind(source VideoSource) capture.DeviceKind {
	if source == SourceScreen {
		return capture.Screen
	}
	return capture.Camera
}

func sourceForMode(mode protocol.Mode) VideoSource {
	switch mode {
	case protocol.ModeCamera:
		return SourceCamera
	case protocol.ModeScreen:
		return SourceScreen
	default:
		return SourceNone
	}
}

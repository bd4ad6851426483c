package playback

import (
	"log"
	"sync"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/observability"
)

// Player renders one buffer at a time.
type Player interface {
	// Play starts buf and returns without waiting for it. onEnded must be
	// called asynchronously, once, when buf finishes on its own. It is not
	// called for playback cut short by Stop.
	Play(buf []float32, sampleRate int, onEnded func()) error
	// Stop cuts off whatever is playing.
	Stop()
	Close() error
}

// Sequencer plays inbound buffers strictly in arrival order, starting each
// one as soon as the previous one ends. At most one buffer is with the
// player at any time.
type Sequencer struct {
	player     Player
	sampleRate int
	metrics    *observability.Metrics

	mu      sync.Mutex
	queue   [][]float32
	playing bool
	gen     uint64
	closed  bool
	started int
	idle    chan struct{}
}

func NewSequencer(player Player, sampleRate int, metrics *observability.Metrics) *Sequencer {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	idle := make(chan struct{})
	close(idle)
	return &Sequencer{player: player, sampleRate: sampleRate, metrics: metrics, idle: idle}
}

// PushFrame decodes a base64 PCM16 payload and queues it.
func (s *Sequencer) PushFrame(data string) error {
	buf, err := audio.DecodeFrame(data)
	if err != nil {
		return err
	}
	s.Push(buf)
	return nil
}

// Push queues buf. If nothing is playing, playback starts immediately.
func (s *Sequencer) Push(buf []float32) {
	if len(buf) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, buf)
	s.metrics.SetPlaybackQueueDepth(len(s.queue))
	start := !s.playing
	if start {
		s.playing = true
		s.idle = make(chan struct{})
	}
	gen := s.gen
	s.mu.Unlock()

	if start {
		s.advance(gen)
	}
}

func (s *Sequencer) advance(gen uint64) {
	for {
		s.mu.Lock()
		if s.closed || gen != s.gen {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.playing = false
			close(s.idle)
			s.mu.Unlock()
			return
		}
		buf := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.started++
		s.metrics.SetPlaybackQueueDepth(len(s.queue))
		s.mu.Unlock()

		s.metrics.PlaybackStarted()
		err := s.player.Play(buf, s.sampleRate, func() { s.advance(gen) })
		if err == nil {
			return
		}
		log.Printf("playback: buffer skipped: %v", err)
	}
}

func (s *Sequencer) resetLocked() {
	s.gen++
	s.queue = nil
	if s.playing {
		s.playing = false
		close(s.idle)
	}
	s.metrics.SetPlaybackQueueDepth(0)
}

// Close drops queued buffers and releases the player. Later pushes are
// ignored. Safe to call more than once.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.resetLocked()
	s.mu.Unlock()

	s.player.Stop()
	return s.player.Close()
}

// Pending reports how many buffers wait behind the current one.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Started reports how many buffers have been handed to the player.
func (s *Sequencer) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Idle returns a channel closed once nothing is playing or queued.
func (s *Sequencer) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

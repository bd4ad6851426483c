package playback

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/eva/internal/audio"
)

// manualPlayer records buffers and lets the test decide when each ends.
type manualPlayer struct {
	mu      sync.Mutex
	played  []float32 // first sample of each buffer, as an identity tag
	ends    []func()
	active  int
	maxSeen int
	stops   int
	closed  bool
	failOn  float32
}

func (p *manualPlayer) Play(buf []float32, _ int, onEnded func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != 0 && buf[0] == p.failOn {
		return errors.New("device busy")
	}
	p.played = append(p.played, buf[0])
	p.active++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	p.ends = append(p.ends, func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		go onEnded()
	})
	return nil
}

func (p *manualPlayer) Stop() {
	p.mu.Lock()
	p.stops++
	p.active = 0
	p.mu.Unlock()
}

func (p *manualPlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *manualPlayer) finishNext(t *testing.T, wantPlayed int) {
	t.Helper()
	waitUntil(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.ends) >= wantPlayed
	})
	p.mu.Lock()
	end := p.ends[wantPlayed-1]
	p.mu.Unlock()
	end()
}

func (p *manualPlayer) order() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.played...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func tag(v float32) []float32 { return []float32{v, 0, 0, 0} }

func TestSequencerPlaysInArrivalOrderOneAtATime(t *testing.T) {
	p := &manualPlayer{}
	s := NewSequencer(p, audio.PlaybackSampleRate, nil)

	s.Push(tag(0.1))
	s.Push(tag(0.2))
	s.Push(tag(0.3))
	if got := s.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}
	s.Push(tag(0.4)) // arrives while A is playing

	for i := 1; i <= 4; i++ {
		p.finishNext(t, i)
	}
	<-s.Idle()

	got := p.order()
	want := []float32{0.1, 0.2, 0.3, 0.4}
	if len(got) != len(want) {
		t.Fatalf("played %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("played %v, want %v", got, want)
		}
	}
	p.mu.Lock()
	maxSeen := p.maxSeen
	p.mu.Unlock()
	if maxSeen != 1 {
		t.Fatalf("max concurrent buffers = %d, want 1", maxSeen)
	}
	if s.Playing() {
		t.Fatalf("Playing() = true after queue drained")
	}
	if s.Started() != 4 {
		t.Fatalf("Started() = %d, want 4", s.Started())
	}
}

func TestSequencerRearmsAfterIdle(t *testing.T) {
	p := &manualPlayer{}
	s := NewSequencer(p, 0, nil)
	s.Push(tag(0.1))
	p.finishNext(t, 1)
	<-s.Idle()

	s.Push(tag(0.2))
	if !s.Playing() {
		t.Fatalf("Playing() = false after push on idle sequencer")
	}
	if got := p.order(); len(got) != 2 || got[1] != 0.2 {
		t.Fatalf("played %v, want second buffer started", got)
	}
}

func TestSequencerSkipsBufferThePlayerRejects(t *testing.T) {
	p := &manualPlayer{failOn: 0.2}
	s := NewSequencer(p, 0, nil)
	s.Push(tag(0.1))
	s.Push(tag(0.2))
	s.Push(tag(0.3))
	p.finishNext(t, 1)
	p.finishNext(t, 2)
	<-s.Idle()
	if got := p.order(); len(got) != 2 || got[1] != 0.3 {
		t.Fatalf("played %v, want [0.1 0.3]", got)
	}
}

func TestSequencerCloseIgnoresLateCompletion(t *testing.T) {
	p := &manualPlayer{}
	s := NewSequencer(p, 0, nil)
	s.Push(tag(0.1))
	s.Push(tag(0.2))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.Pending() != 0 || s.Playing() {
		t.Fatalf("after Close() pending=%d playing=%v, want 0 false", s.Pending(), s.Playing())
	}
	p.finishNext(t, 1) // completion of the buffer playing before Close
	time.Sleep(20 * time.Millisecond)

	if got := p.order(); len(got) != 1 {
		t.Fatalf("played %v, want only [0.1]", got)
	}
}

func TestSequencerCloseIsIdempotent(t *testing.T) {
	p := &manualPlayer{}
	s := NewSequencer(p, 0, nil)
	s.Push(tag(0.1))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	s.Push(tag(0.2))
	if got := len(p.order()); got != 1 {
		t.Fatalf("played %d buffers, want 1 (push after Close ignored)", got)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		t.Fatalf("player not closed")
	}
}

func TestSequencerPushFrame(t *testing.T) {
	p := &manualPlayer{}
	s := NewSequencer(p, 0, nil)
	if err := s.PushFrame(audio.EncodeFrame([]float32{0.5, 0.25})); err != nil {
		t.Fatalf("PushFrame() error = %v", err)
	}
	if got := p.order(); len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("played %v, want [0.5]", got)
	}
	if err := s.PushFrame("%%%"); err == nil {
		t.Fatalf("PushFrame(garbage) error = nil, want error")
	}
}

func TestPacedPlayerChainsWithoutGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	player, err := OpenPlayer("wav:"+path, 1000)
	if err != nil {
		t.Fatalf("OpenPlayer() error = %v", err)
	}
	s := NewSequencer(player, 1000, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		s.Push(make([]float32, 20)) // 20ms at 1 kHz
	}
	select {
	case <-s.Idle():
	case <-time.After(2 * time.Second):
		t.Fatalf("sequencer never went idle")
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("three 20ms buffers finished in %v, want >= 55ms", elapsed)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile() error = %v", err)
	}
	if rate != 1000 || len(samples) != 60 {
		t.Fatalf("wav rate=%d samples=%d, want 1000 and 60", rate, len(samples))
	}
}

// slowSink holds every write open until released and flags writes that
// overlap or follow Close.
type slowSink struct {
	mu        sync.Mutex
	writing   bool
	closed    bool
	late      bool
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (s *slowSink) WriteSamples([]float32) error {
	s.mu.Lock()
	if s.closed {
		s.late = true
	}
	s.writing = true
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })
	<-s.release
	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()
	return nil
}

func (s *slowSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writing {
		s.late = true
	}
	s.closed = true
	return nil
}

func TestPacedPlayerCloseWaitsForInFlightWrite(t *testing.T) {
	sink := &slowSink{started: make(chan struct{}), release: make(chan struct{})}
	p := NewPacedPlayer(sink)

	played := make(chan error, 1)
	go func() { played <- p.Play(make([]float32, 10), 1000, func() {}) }()
	<-sink.started

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case <-closed:
		t.Fatalf("Close() returned while a write was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(sink.release)

	if err := <-played; err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Play(make([]float32, 10), 1000, func() {}); err == nil {
		t.Fatalf("Play() after Close() error = nil, want error")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.late {
		t.Fatalf("sink written while or after closing")
	}
}

func TestValidatePlayerSpec(t *testing.T) {
	for _, spec := range []string{"discard", "sox", "ffplay", "wav:/tmp/x.wav", ""} {
		if err := ValidatePlayerSpec(spec); err != nil {
			t.Fatalf("ValidatePlayerSpec(%q) error = %v", spec, err)
		}
	}
	for _, spec := range []string{"wav:", "speaker"} {
		if err := ValidatePlayerSpec(spec); err == nil {
			t.Fatalf("ValidatePlayerSpec(%q) error = nil, want error", spec)
		}
	}
}

package playback

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/audio"
)

// Sink receives rendered PCM.
type Sink interface {
	WriteSamples(samples []float32) error
	Close() error
}

// PacedPlayer writes each buffer to a sink and reports it finished after the
// buffer's real-time duration.
type PacedPlayer struct {
	sink Sink
	// sinkMu serializes writes with closing the sink; taken before mu.
	sinkMu sync.Mutex

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
}

func NewPacedPlayer(sink Sink) *PacedPlayer {
	return &PacedPlayer{sink: sink}
}

func (p *PacedPlayer) Play(buf []float32, sampleRate int, onEnded func()) error {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	if err := p.sink.WriteSamples(buf); err != nil {
		return err
	}
	go func() {
		t := time.NewTimer(audio.Duration(len(buf), sampleRate))
		defer t.Stop()
		select {
		case <-stop:
		case <-t.C:
			onEnded()
		}
	}()
	return nil
}

func (p *PacedPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *PacedPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()

	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	return p.sink.Close()
}

// writerSink streams PCM16LE to a writer, typically a subprocess stdin.
type writerSink struct {
	w     io.WriteCloser
	after func() error
}

func (s *writerSink) WriteSamples(samples []float32) error {
	_, err := s.w.Write(audio.PCM16Bytes(audio.FloatToPCM16(samples)))
	return err
}

func (s *writerSink) Close() error {
	err := s.w.Close()
	if s.after != nil {
		if aerr := s.after(); err == nil {
			err = aerr
		}
	}
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewDiscardSink accepts and drops audio.
func NewDiscardSink() Sink {
	return &writerSink{w: nopWriteCloser{io.Discard}}
}

// NewCommandSink pipes raw PCM16LE mono into the stdin of an external player.
func NewCommandSink(name string, args ...string) (Sink, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &writerSink{
		w: stdin,
		after: func() error {
			if err := cmd.Wait(); err != nil {
				log.Printf("playback: %s exited: %v", name, err)
			}
			return nil
		},
	}, nil
}

func soxArgs(sampleRate int) []string {
	return []string{"-q", "-t", "raw", "-r", strconv.Itoa(sampleRate), "-e", "signed", "-b", "16", "-c", "1", "-"}
}

func ffplayArgs(sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(sampleRate),
		"-i", "-",
	}
}

// ValidatePlayerSpec checks a player spec without starting anything.
func ValidatePlayerSpec(spec string) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(name) {
	case "", "discard", "sox", "ffplay":
		return nil
	case "wav":
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("wav player needs a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown player %q", spec)
	}
}

// OpenPlayer builds a player from a player string: discard | wav:<path> | sox | ffplay.
func OpenPlayer(spec string, sampleRate int) (Player, error) {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	var (
		sink Sink
		err  error
	)
	switch strings.ToLower(name) {
	case "", "discard":
		sink = NewDiscardSink()
	case "wav":
		sink, err = audio.CreateWAVFile(strings.TrimSpace(arg), sampleRate)
	case "sox":
		sink, err = NewCommandSink("play", soxArgs(sampleRate)...)
	case "ffplay":
		sink, err = NewCommandSink("ffplay", ffplayArgs(sampleRate)...)
	default:
		err = fmt.Errorf("unknown player %q", spec)
	}
	if err != nil {
		return nil, err
	}
	return NewPacedPlayer(sink), nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/transport"
	"github.com/ent0n29/eva/internal/vad"
)

const stageTurnFirstAudio = "turn_start_to_first_audio"

type options struct {
	backendURL     string
	clientID       string
	wavPath        string
	mode           string
	turns          int
	chunkMS        int
	realtime       float64
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	verbose        bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	snap, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaprobe: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, snap)
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS, interTurnMS int

	flag.StringVar(&cfg.backendURL, "backend", "ws://127.0.0.1:8000/ws", "backend websocket base URL")
	flag.StringVar(&cfg.clientID, "client-id", "evaprobe", "client identity appended to the backend URL")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV to replay (default: synthetic tone)")
	flag.StringVar(&cfg.mode, "mode", "audio", "mode announced to the backend")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 32, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for reply audio per turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 300, "delay between turns in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	return cfg, cfg.validate()
}

func (o options) validate() error {
	if strings.TrimSpace(o.backendURL) == "" {
		return fmt.Errorf("backend is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("realtime must be > 0")
	}
	if !protocol.Mode(o.mode).Valid() {
		return fmt.Errorf("mode must be audio, camera or screen")
	}
	if o.turnTimeout < 100*time.Millisecond {
		return fmt.Errorf("turn-timeout-ms must be >= 100")
	}
	return nil
}

// run replays a clip once per turn and records how long each turn waits
// for the first reply audio.
func run(ctx context.Context, cfg options, out io.Writer) (observability.StageSnapshot, error) {
	clip, err := loadClip(cfg.wavPath)
	if err != nil {
		return observability.StageSnapshot{}, fmt.Errorf("prepare clip: %w", err)
	}

	out = &lockedWriter{w: out}
	replies := make(chan time.Time, 256)
	closed := make(chan error, 1)
	conn := transport.New(transport.Options{
		Endpoint: cfg.backendURL,
		ClientID: cfg.clientID,
		OnMessage: func(msg any) {
			switch m := msg.(type) {
			case protocol.AudioMessage:
				select {
				case replies <- time.Now():
				default:
				}
			case protocol.TextMessage:
				if cfg.verbose {
					fmt.Fprintf(out, "evaprobe: text %q\n", m.Content())
				}
			}
		},
		OnClose: func(err error) { closed <- err },
	})
	if err := conn.Connect(ctx); err != nil {
		return observability.StageSnapshot{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	conn.Send(protocol.NewConfig(protocol.DefaultSessionConfig()))
	conn.Send(protocol.NewMode(protocol.Mode(cfg.mode)))

	window := observability.NewStageWindow(cfg.turns)
	chunks := splitChunks(clip, audio.CaptureSampleRate, cfg.chunkMS)
	monitor := vad.NewMonitor(vad.DefaultThreshold, vad.DefaultKeepAlive)

	for i := 0; i < cfg.turns; i++ {
		drain(replies)
		start := time.Now()
		if cfg.verbose {
			fmt.Fprintf(out, "evaprobe: turn %d/%d chunks=%d\n", i+1, cfg.turns, len(chunks))
		}
		for _, chunk := range chunks {
			select {
			case err := <-closed:
				return window.Snapshot(), fmt.Errorf("turn %d: connection closed: %v", i+1, err)
			case <-ctx.Done():
				return window.Snapshot(), ctx.Err()
			default:
			}
			if !conn.Send(protocol.NewAudio(audio.EncodeFrame(chunk))) {
				window.Count("audio_dropped")
			}
			now := time.Now()
			if d := monitor.Evaluate(chunk, now); d.Emit && conn.Send(protocol.NewUserActivity(d.Speaking)) {
				monitor.MarkSent(d.Speaking, now)
			}
			time.Sleep(chunkPace(len(chunk), audio.CaptureSampleRate, cfg.realtime))
		}

		select {
		case at := <-replies:
			window.Observe(stageTurnFirstAudio, at.Sub(start))
			if cfg.verbose {
				fmt.Fprintf(out, "evaprobe: turn %d first audio after %s\n", i+1, at.Sub(start).Round(time.Millisecond))
			}
		case err := <-closed:
			return window.Snapshot(), fmt.Errorf("turn %d: connection closed: %v", i+1, err)
		case <-time.After(cfg.turnTimeout):
			window.Count("turn_timeout")
			if cfg.verbose {
				fmt.Fprintf(out, "evaprobe: turn %d no reply audio within %s\n", i+1, cfg.turnTimeout)
			}
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}
	return window.Snapshot(), nil
}

func loadClip(path string) ([]float32, error) {
	if path == "" {
		return toneClip(440, time.Second), nil
	}
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	return audio.Resample(samples, rate, audio.CaptureSampleRate), nil
}

func toneClip(hz float64, d time.Duration) []float32 {
	n := int(d.Seconds() * audio.CaptureSampleRate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*hz*float64(i)/audio.CaptureSampleRate))
	}
	return out
}

func splitChunks(samples []float32, sampleRate, chunkMS int) [][]float32 {
	size := sampleRate * chunkMS / 1000
	if size <= 0 {
		size = 1
	}
	var chunks [][]float32
	for off := 0; off < len(samples); off += size {
		end := min(off+size, len(samples))
		chunks = append(chunks, samples[off:end])
	}
	return chunks
}

func chunkPace(n, sampleRate int, realtime float64) time.Duration {
	d := time.Duration(float64(audio.Duration(n, sampleRate)) / realtime)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func drain(ch <-chan time.Time) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// lockedWriter serializes progress lines from the read goroutine and the
// replay loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func printSummary(out io.Writer, snap observability.StageSnapshot) {
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "evaprobe: %s samples=%d avg=%.1fms p50=%.1fms p95=%.1fms\n",
			st.Stage, st.Samples, st.AvgMS, st.P50MS, st.P95MS)
	}
	for _, c := range snap.Counters {
		fmt.Fprintf(out, "evaprobe: %s=%d\n", c.Name, c.Count)
	}
}

package capture

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/audio"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/vad"
)

const DefaultBlockSize = 512

type AudioConfig struct {
	BlockSize int
	Threshold float64
	KeepAlive time.Duration
}

// AudioPipeline reads fixed-size blocks from a microphone, sends each as an
// audio frame and sends user_activity notifications as the voice activity
// monitor decides. The monitor belongs to the pipeline goroutine.
type AudioPipeline struct {
	src     AudioSource
	out     Sender
	monitor *vad.Monitor
	block   int
	metrics *observability.Metrics
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
	blocks   int
}

// StartAudio begins streaming src to out. The pipeline owns src and closes it
// on Stop.
func StartAudio(src AudioSource, out Sender, cfg AudioConfig, metrics *observability.Metrics) *AudioPipeline {
	block := cfg.BlockSize
	if block <= 0 {
		block = DefaultBlockSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AudioPipeline{
		src:     src,
		out:     out,
		monitor: vad.NewMonitor(cfg.Threshold, cfg.KeepAlive),
		block:   block,
		metrics: metrics,
		now:     time.Now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *AudioPipeline) run(ctx context.Context) {
	defer close(p.done)
	buf := make([]float32, p.block)
	for {
		n, err := p.src.Read(ctx, buf)
		if n > 0 {
			p.process(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Printf("capture: microphone read failed: %v", err)
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *AudioPipeline) process(samples []float32) {
	p.mu.Lock()
	p.blocks++
	p.mu.Unlock()

	// Activity is only tracked while frames actually reach the backend.
	if !p.out.Send(protocol.NewAudio(audio.EncodeFrame(samples))) {
		return
	}
	now := p.now()
	d := p.monitor.Evaluate(samples, now)
	if !d.Emit {
		return
	}
	if p.out.Send(protocol.NewUserActivity(d.Speaking)) {
		p.monitor.MarkSent(d.Speaking, now)
		p.metrics.ActivityNotice(d.Speaking)
	}
}

// Stop cancels reading, waits for the pipeline goroutine and releases the
// device. Safe to call more than once.
func (p *AudioPipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
		if err := p.src.Close(); err != nil {
			log.Printf("capture: microphone close failed: %v", err)
		}
	})
}

// Done is closed when the pipeline goroutine exits.
func (p *AudioPipeline) Done() <-chan struct{} { return p.done }

// Err returns the read error that ended the pipeline, if any.
func (p *AudioPipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Blocks reports how many blocks have been read.
func (p *AudioPipeline) Blocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks
}

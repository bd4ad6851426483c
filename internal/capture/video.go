package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/protocol"
)

const (
	DefaultFrameInterval = time.Second
	DefaultJPEGQuality   = 92
)

type VideoConfig struct {
	Interval time.Duration
	Quality  int
}

// VideoPipeline samples a video source on a fixed interval and sends each
// frame as a base64 JPEG image message.
type VideoPipeline struct {
	kind     DeviceKind
	src      VideoSource
	out      Sender
	interval time.Duration
	quality  int

	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	frames   int
}

// StartVideo begins sampling src. The first frame is sent one interval after
// start. The pipeline owns src and closes it on Stop.
func StartVideo(kind DeviceKind, src VideoSource, out Sender, cfg VideoConfig) *VideoPipeline {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	quality := cfg.Quality
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &VideoPipeline{
		kind:     kind,
		src:      src,
		out:      out,
		interval: interval,
		quality:  quality,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *VideoPipeline) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.captureFrame(ctx)
		}
	}
}

func (p *VideoPipeline) captureFrame(ctx context.Context) {
	img, err := p.src.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("capture: %s frame failed: %v", p.kind, err)
		}
		return
	}
	if img == nil || img.Bounds().Empty() {
		return
	}
	data, err := EncodeJPEG(img, p.quality)
	if err != nil {
		log.Printf("capture: %s jpeg encode failed: %v", p.kind, err)
		return
	}
	if p.out.Send(protocol.NewImage(data)) {
		p.mu.Lock()
		p.frames++
		p.mu.Unlock()
	}
}

// EncodeJPEG renders img as JPEG and returns its base64 form.
func EncodeJPEG(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (p *VideoPipeline) Kind() DeviceKind { return p.kind }

// Frames reports how many frames were handed to the transport.
func (p *VideoPipeline) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Stop cancels the sampling timer, waits for an in-flight frame and releases
// the device. Safe to call more than once.
func (p *VideoPipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
		if err := p.src.Close(); err != nil {
			log.Printf("capture: %s close failed: %v", p.kind, err)
		}
	})
}

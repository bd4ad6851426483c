package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/eva/internal/audio"
)

// Built-in device specs:
//
//	microphone: silence | tone:<hz> | wav:<path> | denied | unavailable
//	camera/screen: pattern | image:<path> | denied | cancel | unavailable
type BuiltinDevices struct {
	Microphone string
	Camera     string
	Screen     string
	// AcquireDelay simulates the time spent acquiring a device.
	AcquireDelay time.Duration
}

func (d BuiltinDevices) OpenMicrophone(ctx context.Context, sampleRate int) (AudioSource, error) {
	if err := d.wait(ctx, Microphone); err != nil {
		return nil, err
	}
	src, err := newAudioSource(d.Microphone, sampleRate)
	if err != nil {
		return nil, &DeviceError{Kind: Microphone, Err: err}
	}
	return src, nil
}

func (d BuiltinDevices) OpenVideo(ctx context.Context, kind DeviceKind, width, height int) (VideoSource, error) {
	if err := d.wait(ctx, kind); err != nil {
		return nil, err
	}
	spec := d.Camera
	if kind == Screen {
		spec = d.Screen
	}
	src, err := newVideoSource(spec, width, height)
	if err != nil {
		return nil, &DeviceError{Kind: kind, Err: err}
	}
	return src, nil
}

func (d BuiltinDevices) wait(ctx context.Context, kind DeviceKind) error {
	if d.AcquireDelay <= 0 {
		return nil
	}
	t := time.NewTimer(d.AcquireDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &DeviceError{Kind: kind, Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

// ValidateAudioSpec checks a microphone spec without opening anything.
func ValidateAudioSpec(spec string) error {
	name, arg := splitSpec(spec)
	switch name {
	case "silence", "denied", "unavailable":
		return nil
	case "tone":
		_, err := parseToneHz(arg)
		return err
	case "wav":
		if arg == "" {
			return fmt.Errorf("wav source needs a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown microphone source %q", spec)
	}
}

// ValidateVideoSpec checks a camera or screen spec without opening anything.
func ValidateVideoSpec(spec string) error {
	name, arg := splitSpec(spec)
	switch name {
	case "pattern", "denied", "cancel", "unavailable":
		return nil
	case "image":
		if arg == "" {
			return fmt.Errorf("image source needs a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown video source %q", spec)
	}
}

func splitSpec(spec string) (string, string) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(arg)
}

func parseToneHz(arg string) (float64, error) {
	hz, err := strconv.ParseFloat(arg, 64)
	if err != nil || hz <= 0 {
		return 0, fmt.Errorf("invalid tone frequency %q", arg)
	}
	return hz, nil
}

func newAudioSource(spec string, rate int) (AudioSource, error) {
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	name, arg := splitSpec(spec)
	switch name {
	case "", "silence":
		return newPacedSource(rate, func() float32 { return 0 }), nil
	case "tone":
		hz, err := parseToneHz(arg)
		if err != nil {
			return nil, err
		}
		var n int64
		return newPacedSource(rate, func() float32 {
			v := 0.3 * math.Sin(2*math.Pi*hz*float64(n)/float64(rate))
			n++
			return float32(v)
		}), nil
	case "wav":
		samples, srcRate, err := audio.ReadWAVFile(arg)
		if err != nil {
			return nil, err
		}
		samples = audio.Resample(samples, srcRate, rate)
		if len(samples) == 0 {
			return nil, fmt.Errorf("%s: no audio", arg)
		}
		i := 0
		return newPacedSource(rate, func() float32 {
			v := samples[i]
			i = (i + 1) % len(samples)
			return v
		}), nil
	case "denied":
		return nil, ErrPermissionDenied
	case "unavailable":
		return nil, ErrNoDevice
	default:
		return nil, fmt.Errorf("unknown microphone source %q", spec)
	}
}

// pacedSource generates samples and releases them no faster than real time.
type pacedSource struct {
	rate int
	next func() float32

	started  time.Time
	produced int

	closeOnce sync.Once
	closed    chan struct{}
}

func newPacedSource(rate int, next func() float32) *pacedSource {
	return &pacedSource{rate: rate, next: next, closed: make(chan struct{})}
}

func (s *pacedSource) SampleRate() int { return s.rate }

func (s *pacedSource) Read(ctx context.Context, buf []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	for i := range buf {
		buf[i] = s.next()
	}
	s.produced += len(buf)

	wait := time.Until(s.started.Add(audio.Duration(s.produced, s.rate)))
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.closed:
			return 0, io.EOF
		case <-t.C:
		}
	}
	return len(buf), nil
}

func (s *pacedSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func newVideoSource(spec string, width, height int) (VideoSource, error) {
	name, arg := splitSpec(spec)
	switch name {
	case "", "pattern":
		return &patternSource{width: width, height: height}, nil
	case "image":
		f, err := os.Open(arg)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		return &stillSource{img: img}, nil
	case "denied":
		return nil, ErrPermissionDenied
	case "cancel":
		return nil, ErrCancelled
	case "unavailable":
		return nil, ErrNoDevice
	default:
		return nil, fmt.Errorf("unknown video source %q", spec)
	}
}

// patternSource renders a moving colour gradient.
type patternSource struct {
	mu     sync.Mutex
	width  int
	height int
	frame  int
	closed bool
}

func (s *patternSource) Frame(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	w, h := s.width, s.height
	if w <= 0 || h <= 0 {
		w, h = CameraWidth, CameraHeight
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shift := s.frame * 16
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(shift),
				A: 0xFF,
			})
		}
	}
	s.frame++
	return img, nil
}

func (s *patternSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type stillSource struct {
	img image.Image
}

func (s *stillSource) Frame(context.Context) (image.Image, error) { return s.img, nil }

func (s *stillSource) Close() error { return nil }

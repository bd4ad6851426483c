package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// DeviceKind names a capture device class.
type DeviceKind string

const (
	Microphone DeviceKind = "microphone"
	Camera     DeviceKind = "camera"
	Screen     DeviceKind = "screen"
)

// Preferred frame sizes requested from video devices.
const (
	CameraWidth  = 320
	CameraHeight = 240
	ScreenWidth  = 1920
	ScreenHeight = 1080
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no device available")
	ErrCancelled        = errors.New("capture cancelled by user")
)

// DeviceError reports a failed device acquisition.
type DeviceError struct {
	Kind DeviceKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("failed to access %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// AudioSource yields mono float samples in real time.
type AudioSource interface {
	// Read blocks until len(buf) samples are available or ctx is done.
	Read(ctx context.Context, buf []float32) (int, error)
	SampleRate() int
	Close() error
}

// VideoSource returns the current frame on demand.
type VideoSource interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// Devices acquires capture devices. Acquisition may block, for example while
// a user answers a permission prompt.
type Devices interface {
	OpenMicrophone(ctx context.Context, sampleRate int) (AudioSource, error)
	OpenVideo(ctx context.Context, kind DeviceKind, width, height int) (VideoSource, error)
}

// Sender is the outbound side of the transport. Send reports false when the
// frame was dropped because the connection is not open.
type Sender interface {
	Send(msg any) bool
}

// PreferredSize returns the frame size requested for kind.
func PreferredSize(kind DeviceKind) (int, int) {
	if kind == Screen {
		return ScreenWidth, ScreenHeight
	}
	return CameraWidth, CameraHeight
}

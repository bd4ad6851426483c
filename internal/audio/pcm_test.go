package audio

import (
	"math"
	"testing"
	"time"
)

func TestFloatToPCM16Endpoints(t *testing.T) {
	got := FloatToPCM16([]float32{0, 1, -1, 0.5, 2, -3})
	want := []int16{0, 32767, -32768, 16384, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FloatToPCM16()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloatToPCM16NaNIsSilence(t *testing.T) {
	got := FloatToPCM16([]float32{float32(math.NaN())})
	if got[0] != 0 {
		t.Fatalf("FloatToPCM16(NaN) = %d, want 0", got[0])
	}
}

func TestPCM16ToFloatLittleEndian(t *testing.T) {
	got := PCM16ToFloat([]byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00, 0x01})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != -1 {
		t.Fatalf("sample[0] = %v, want -1", got[0])
	}
	if want := float32(32767) / 32768; got[1] != want {
		t.Fatalf("sample[1] = %v, want %v", got[1], want)
	}
	if got[2] != 0 {
		t.Fatalf("sample[2] = %v, want 0", got[2])
	}
}

func TestFrameRoundTripStaysWithinQuantization(t *testing.T) {
	in := make([]float32, 512)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.05))
	}
	out, err := DecodeFrame(EncodeFrame(in))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	// Positive values scale by 32767 but decode by 32768, so the worst case
	// is one and a half steps near full scale.
	tol := 1.5/32768 + 1e-9
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > tol {
			t.Fatalf("sample %d drift = %g, want <= %g", i, d, tol)
		}
	}
}

func TestBase64RoundTripIsExact(t *testing.T) {
	raw := []byte{0, 1, 2, 250, 251, 252, 253, 254, 255}
	got, err := DecodeBase64(EncodeBase64(raw))
	if err != nil {
		t.Fatalf("DecodeBase64() error = %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("DecodeBase64() = %v, want %v", got, raw)
	}
	if _, err := DecodeBase64("not base64!"); err == nil {
		t.Fatalf("DecodeBase64() error = nil, want error")
	}
}

func TestResampleLength(t *testing.T) {
	in := make([]float32, 1600)
	if got := len(Resample(in, CaptureSampleRate, PlaybackSampleRate)); got != 2400 {
		t.Fatalf("len(Resample()) = %d, want 2400", got)
	}
	if got := len(Resample(in, 16000, 16000)); got != 1600 {
		t.Fatalf("len(Resample(same rate)) = %d, want 1600", got)
	}
}

func TestResampleInterpolates(t *testing.T) {
	got := Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Resample()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(24000, PlaybackSampleRate); got != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
	if got := Duration(512, 0); got != 0 {
		t.Fatalf("Duration(rate 0) = %v, want 0", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS() = %v, want 0.5", got)
	}
}

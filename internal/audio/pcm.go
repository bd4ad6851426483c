package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate the backend expects.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of synthesized audio sent by the backend.
	PlaybackSampleRate = 24000
)

// FloatToPCM16 converts float samples to signed 16-bit PCM. Input is clamped
// to [-1, 1]; positive values scale by 32767 and negative values by 32768.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 || math.IsInf(v, 1) {
			v = 1
		} else if v < -1 || math.IsInf(v, -1) {
			v = -1
		} else if math.IsNaN(v) {
			v = 0
		}
		if v < 0 {
			out[i] = int16(math.Round(v * 0x8000))
		} else {
			out[i] = int16(math.Round(v * 0x7FFF))
		}
	}
	return out
}

// PCM16ToFloat interprets pcm as little-endian signed 16-bit samples and
// scales them by 1/32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// PCM16Bytes serializes samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeBase64 returns the standard base64 transport form of b.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 is the exact inverse of EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeFrame converts a block of float samples to base64 PCM16.
func EncodeFrame(samples []float32) string {
	return EncodeBase64(PCM16Bytes(FloatToPCM16(samples)))
}

// DecodeFrame decodes a base64 PCM16 payload into float samples.
func DecodeFrame(data string) ([]float32, error) {
	raw, err := DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat(raw), nil
}

// Duration reports how long n mono samples last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// RMS returns the root-mean-square energy of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

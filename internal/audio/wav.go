package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

var ErrWAVFormat = errors.New("unsupported wav")

// EncodeWAV wraps raw PCM16LE audio in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeWAVHeader(w, uint32(len(pcm)), sampleRate, channels); err != nil {
		return nil, err
	}
	if _, err := w.Write(pcm); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeWAVHeader(w io.Writer, dataSize uint32, sampleRate, channels int) error {
	const bitsPerSample = 16
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(1), uint16(channels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// DecodeWAVPCM16 extracts mono PCM16LE samples from a WAV file. Multichannel
// input is downmixed by averaging.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("%w: too short", ErrWAVFormat)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: header", ErrWAVFormat)
	}

	var (
		haveFmt     bool
		format      uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcm         []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q size %d", ErrWAVFormat, id, size)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: fmt chunk", ErrWAVFormat)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = append(pcm[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrWAVFormat)
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrWAVFormat)
	case format != 1:
		return nil, 0, fmt.Errorf("%w: audio format %d", ErrWAVFormat, format)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("%w: bits_per_sample %d", ErrWAVFormat, bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("%w: channels=0", ErrWAVFormat)
	}
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	if channels == 1 {
		return pcm[:len(pcm)&^1], sampleRate, nil
	}

	frameBytes := int(channels) * 2
	frames := len(pcm) / frameBytes
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}

// ReadWAVFile loads a WAV file as mono float samples.
func ReadWAVFile(path string) ([]float32, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	pcm, rate, err := DecodeWAVPCM16(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return PCM16ToFloat(pcm), rate, nil
}

// WAVWriter streams mono PCM16 into a seekable sink and patches the RIFF
// sizes on Close.
type WAVWriter struct {
	mu         sync.Mutex
	out        io.WriteSeeker
	sampleRate int
	written    uint32
	closed     bool
}

// NewWAVWriter writes a provisional header to out.
func NewWAVWriter(out io.WriteSeeker, sampleRate int) (*WAVWriter, error) {
	if err := writeWAVHeader(out, 0, sampleRate, 1); err != nil {
		return nil, err
	}
	return &WAVWriter{out: out, sampleRate: sampleRate}, nil
}

// CreateWAVFile opens path and returns a writer over it.
func CreateWAVFile(path string, sampleRate int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWAVWriter(f, sampleRate)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// WriteSamples appends float samples as PCM16.
func (w *WAVWriter) WriteSamples(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	n, err := w.out.Write(PCM16Bytes(FloatToPCM16(samples)))
	w.written += uint32(n)
	return err
}

// Samples reports how many samples have been written so far.
func (w *WAVWriter) Samples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.written / 2)
}

func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if _, serr := w.out.Seek(0, io.SeekStart); serr != nil {
		err = serr
	} else {
		err = writeWAVHeader(w.out, w.written, w.sampleRate, 1)
	}
	if c, ok := w.out.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

package vad

import (
	"time"

	"github.com/ent0n29/eva/internal/audio"
)

const (
	DefaultThreshold = 0.02
	DefaultKeepAlive = time.Second
)

// Decision is the outcome of observing one audio block.
type Decision struct {
	RMS      float64
	Speaking bool
	// Emit is true when a user_activity notification should go out now.
	Emit bool
}

// Monitor classifies audio blocks as speech or silence by RMS energy and
// rate-limits activity notifications. It is not safe for concurrent use; the
// capture goroutine owns it.
type Monitor struct {
	threshold float64
	keepAlive time.Duration

	sent       bool
	speaking   bool
	lastSentAt time.Time
}

func NewMonitor(threshold float64, keepAlive time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Monitor{threshold: threshold, keepAlive: keepAlive}
}

// Evaluate classifies samples without changing state. A notification is due
// on the first block, when the classification flips, or once keepAlive has
// passed since the last one.
func (m *Monitor) Evaluate(samples []float32, now time.Time) Decision {
	level := audio.RMS(samples)
	d := Decision{RMS: level, Speaking: level > m.threshold}
	switch {
	case !m.sent:
		d.Emit = true
	case d.Speaking != m.speaking:
		d.Emit = true
	case now.Sub(m.lastSentAt) >= m.keepAlive:
		d.Emit = true
	}
	return d
}

// MarkSent records a notification that actually went out.
func (m *Monitor) MarkSent(speaking bool, at time.Time) {
	m.sent = true
	m.speaking = speaking
	m.lastSentAt = at
}


package observability

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stages timed from the start of a session.
const (
	StageConnect      = "start_to_open"
	StageAudioReady   = "open_to_audio_ready"
	StageVideoReady   = "mode_to_video_ready"
	StageFirstAudio   = "open_to_first_audio"
	StageTeardown     = "teardown"
	stageWindowLength = 128
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type Counter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Counters    []Counter    `json:"counters,omitempty"`
}

// StageWindow keeps the most recent latencies per stage plus plain counters,
// for the diagnostics endpoint. Prometheus histograms cover long-term trends.
type StageWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string][]time.Duration
	counters map[string]int
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = stageWindowLength
	}
	return &StageWindow{
		size:     size,
		samples:  make(map[string][]time.Duration),
		counters: make(map[string]int),
	}
}

// Observe records one latency for stage, evicting the oldest once the
// window is full.
func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[stage]
	if len(s) == w.size {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	w.samples[stage] = append(s, d)
}

func (w *StageWindow) Count(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for stage, s := range w.samples {
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   stage,
			Samples: len(sorted),
			AvgMS:   millis(sum / time.Duration(len(sorted))),
			P50MS:   millis(nearestRank(sorted, 50)),
			P95MS:   millis(nearestRank(sorted, 95)),
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, n := range w.counters {
		snap.Counters = append(snap.Counters, Counter{Name: name, Count: n})
	}
	sort.Slice(snap.Counters, func(i, j int) bool { return snap.Counters[i].Name < snap.Counters[j].Name })
	return snap
}

// nearestRank returns the pct-th percentile of a non-empty sorted slice.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	idx := (pct*len(sorted)+99)/100 - 1
	return sorted[max(idx, 0)]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

package pipeline

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// recentWindow is the number of most recent filter durations kept for percentiles.
const recentWindow = 128

// StatsSnapshot summarises filter timing since startup.
// Durations in seconds are float64 so they publish directly as DoubleValue.
type StatsSnapshot struct {
	Frames          uint64        `json:"frames"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	AverageDuration float64       `json:"average_duration_s"`
	AverageRate     float64       `json:"average_rate_hz"` // 0 until the average is non-zero
	P50Duration     float64       `json:"p50_duration_s"`
	P95Duration     float64       `json:"p95_duration_s"`
}

// Stats accumulates filter durations. Record is called by the worker, Snapshot
// by any reader.
type Stats struct {
	mu     sync.Mutex
	frames uint64
	total  time.Duration
	last   time.Duration
	recent []float64 // ring of seconds
	next   int
}

// NewStats returns an empty accumulator.
func NewStats() *Stats {
	return &Stats{recent: make([]float64, 0, recentWindow)}
}

// Record adds one filter duration and returns the updated snapshot.
func (s *Stats) Record(d time.Duration) StatsSnapshot {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.total += d
	s.last = d

	if len(s.recent) < recentWindow {
		s.recent = append(s.recent, d.Seconds())
	} else {
		s.recent[s.next] = d.Seconds()
	}
	s.next = (s.next + 1) % recentWindow

	return s.snapshotLocked()
}

// Snapshot returns the current statistics without recording anything.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Recent returns the retained filter durations in seconds, oldest first.
func (s *Stats) Recent() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, 0, len(s.recent))
	if len(s.recent) < recentWindow {
		return append(out, s.recent...)
	}
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}

func (s *Stats) snapshotLocked() StatsSnapshot {
	snap := StatsSnapshot{
		Frames:        s.frames,
		TotalDuration: s.total,
		LastDuration:  s.last,
	}
	if s.frames == 0 {
		return snap
	}

	snap.AverageDuration = s.total.Seconds() / float64(s.frames)
	if snap.AverageDuration > 0 {
		snap.AverageRate = 1 / snap.AverageDuration
	}

	sorted := append([]float64(nil), s.recent...)
	sort.Float64s(sorted)
	snap.P50Duration = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	snap.P95Duration = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return snap
}

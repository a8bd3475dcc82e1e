package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dror/internal/lidar/dror"
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/monitoring"
	"github.com/banshee-data/dror/internal/timeutil"
)

// ErrStopped is returned by Run once the pipeline has been stopped.
var ErrStopped = errors.New("pipeline: stopped")

// FrameResult is everything produced for one processed frame.
type FrameResult struct {
	// Index is the zero-based processing order of the frame.
	Index          uint64
	Header         l2frames.Header
	InputPoints    int
	Filtered       *l2frames.FilteredCloud
	Recovered      *l2frames.RecoveredCloud
	FilterDuration time.Duration
	Stats          StatsSnapshot
}

// Sink receives every processed frame on the worker goroutine. Consume must
// not retain the result's slices beyond the call unless it treats them as
// read-only.
type Sink interface {
	Consume(res *FrameResult) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(res *FrameResult) error

// Consume calls f(res).
func (f SinkFunc) Consume(res *FrameResult) error { return f(res) }

// Recorder keeps a per-frame capture log that is persisted once at shutdown.
type Recorder interface {
	Record(index uint64, header l2frames.Header, filtered []l2frames.PointXYZI)
	Flush() error
}

// Config configures a Pipeline.
type Config struct {
	// Filter is required.
	Filter dror.Filter
	// Clock times the filter call; defaults to timeutil.RealClock.
	Clock          timeutil.Clock
	QueueCapacity  int
	OverflowPolicy OverflowPolicy
	Sinks          []Sink
	// Recorder is optional; nil disables capture.
	Recorder Recorder
}

// Pipeline owns the queue, statistics and worker lifecycle for one input topic.
type Pipeline struct {
	filter   dror.Filter
	clock    timeutil.Clock
	queue    *FrameQueue
	stats    *Stats
	sinks    []Sink
	recorder Recorder
	logf     func(format string, v ...interface{})

	stopping  atomic.Bool
	processed atomic.Uint64

	mu        sync.Mutex
	started   bool
	stopped   bool
	doneCh    chan struct{}
	flushOnce sync.Once
}

// New creates a pipeline. The worker does not start until Run is called.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Filter == nil {
		return nil, fmt.Errorf("pipeline: filter is required")
	}
	policy := cfg.OverflowPolicy
	if _, err := ParseOverflowPolicy(string(policy)); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pipeline{
		filter:   cfg.Filter,
		clock:    clock,
		queue:    NewFrameQueue(cfg.QueueCapacity, policy),
		stats:    NewStats(),
		sinks:    append([]Sink(nil), cfg.Sinks...),
		recorder: cfg.Recorder,
		logf:     monitoring.Prefixed("[Worker]"),
		doneCh:   make(chan struct{}),
	}, nil
}

// HandleFrame enqueues f for processing. It is safe for concurrent use by
// delivery goroutines and never runs the filter itself.
func (p *Pipeline) HandleFrame(f *l2frames.Frame) error {
	if err := p.queue.Push(f); err != nil {
		if errors.Is(err, ErrQueueFull) {
			p.logf("Queue full, rejected frame %s", f.Header)
		}
		return err
	}
	return nil
}

// Run processes frames until Stop is called or ctx is cancelled, then flushes
// the recorder. It returns nil on clean shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return nil // already running
	}
	p.started = true
	p.mu.Unlock()

	defer close(p.doneCh)

	stopOnCancel := context.AfterFunc(ctx, p.requestStop)
	defer stopOnCancel()

	p.logf("Started: queue capacity=%d policy=%s", p.queue.Stats().Capacity, p.queue.Stats().Policy)

	for !p.stopping.Load() {
		f, ok := p.queue.Pop()
		if !ok {
			break
		}
		p.process(f)
	}

	p.shutdown()
	return nil
}

// Stop requests a cooperative stop and waits for the worker to finish its
// current frame and flush the recorder. It is safe to call multiple times.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.requestStop()
	if started {
		<-p.doneCh
		return
	}
	p.shutdown()
}

func (p *Pipeline) requestStop() {
	if p.stopping.Swap(true) {
		return
	}
	if n := p.queue.Close(); n > 0 {
		p.logf("Discarding %d queued frames on shutdown", n)
	}
}

// shutdown persists the recorder exactly once, after the worker has stopped
// appending to it.
func (p *Pipeline) shutdown() {
	p.flushOnce.Do(func() {
		if p.recorder == nil {
			return
		}
		if err := p.recorder.Flush(); err != nil {
			p.logf("Failed to flush capture log: %v", err)
			return
		}
		p.logf("Capture log flushed after %d frames", p.processed.Load())
	})
}

// Stats returns the current filter timing statistics.
func (p *Pipeline) Stats() StatsSnapshot { return p.stats.Snapshot() }

// RecentDurations returns the most recent filter durations in seconds, oldest first.
func (p *Pipeline) RecentDurations() []float64 { return p.stats.Recent() }

// QueueStats returns the current queue counters.
func (p *Pipeline) QueueStats() QueueStats { return p.queue.Stats() }

// Processed returns the number of frames that completed processing.
func (p *Pipeline) Processed() uint64 { return p.processed.Load() }

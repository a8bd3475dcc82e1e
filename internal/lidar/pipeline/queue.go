package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
)

// DefaultQueueCapacity is used when a non-positive capacity is requested.
const DefaultQueueCapacity = 64

var (
	// ErrQueueClosed is returned by Push once the queue has been closed.
	ErrQueueClosed = errors.New("pipeline: frame queue closed")
	// ErrQueueFull is returned by Push when the queue is full under OverflowRejectNew.
	ErrQueueFull = errors.New("pipeline: frame queue full")

	errNilFrame = errors.New("pipeline: nil frame")
)

// OverflowPolicy selects what Push does when the queue is at capacity.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the head frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowRejectNew refuses the incoming frame with ErrQueueFull.
	OverflowRejectNew OverflowPolicy = "reject_new"
	// OverflowBlockProducer blocks the caller until space frees up or the queue closes.
	OverflowBlockProducer OverflowPolicy = "block_producer"
)

// ParseOverflowPolicy maps a configuration string onto an OverflowPolicy.
// The empty string selects OverflowDropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case "":
		return OverflowDropOldest, nil
	case OverflowDropOldest, OverflowRejectNew, OverflowBlockProducer:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// QueueStats is a point-in-time view of queue counters.
type QueueStats struct {
	Depth    int            `json:"depth"`
	Capacity int            `json:"capacity"`
	Policy   OverflowPolicy `json:"policy"`
	Pushed   uint64         `json:"pushed"`
	Dropped  uint64         `json:"dropped"`
	Rejected uint64         `json:"rejected"`
	Closed   bool           `json:"closed"`
}

// FrameQueue is a bounded FIFO of frames shared by delivery goroutines and the
// worker. Frames are stored by pointer and never copied or modified.
type FrameQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []*l2frames.Frame // ring buffer
	head   int
	count  int
	policy OverflowPolicy
	closed bool

	pushed   uint64
	dropped  uint64
	rejected uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	q := &FrameQueue{
		buf:    make([]*l2frames.Frame, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends f to the tail. It never blocks unless the policy is
// OverflowBlockProducer and the queue is full.
func (q *FrameQueue) Push(f *l2frames.Frame) error {
	if f == nil {
		return errNilFrame
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if q.count == len(q.buf) {
		switch q.policy {
		case OverflowRejectNew:
			q.rejected++
			return ErrQueueFull
		case OverflowBlockProducer:
			for q.count == len(q.buf) && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return ErrQueueClosed
			}
		default:
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.dropped++
		}
	}

	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	q.pushed++
	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the head frame, waiting while the queue is empty.
// It returns false once the queue is closed, even if frames remain.
func (q *FrameQueue) Pop() (*l2frames.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}

	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return f, true
}

// Close wakes every waiter and discards the queued frames, returning how many
// were discarded. Calls after the first return 0.
func (q *FrameQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true

	discarded := q.count
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head, q.count = 0, 0

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	return discarded
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns the current queue counters.
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:    q.count,
		Capacity: len(q.buf),
		Policy:   q.policy,
		Pushed:   q.pushed,
		Dropped:  q.dropped,
		Rejected: q.rejected,
		Closed:   q.closed,
	}
}

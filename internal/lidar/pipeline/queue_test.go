package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFrame(seq uint32) *l2frames.Frame {
	return &l2frames.Frame{Header: l2frames.Header{Seq: seq}}
}

func popSeqs(t *testing.T, q *FrameQueue, n int) []uint32 {
	t.Helper()
	var seqs []uint32
	for i := 0; i < n; i++ {
		f, ok := q.Pop()
		require.True(t, ok, "pop %d", i)
		seqs = append(seqs, f.Header.Seq)
	}
	return seqs
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", OverflowDropOldest, false},
		{"drop_oldest", OverflowDropOldest, false},
		{"reject_new", OverflowRejectNew, false},
		{"block_producer", OverflowBlockProducer, false},
		{"drop_newest", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOverflowPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseOverflowPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(8, OverflowDropOldest)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, q.Push(seqFrame(i)))
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, popSeqs(t, q, 5))
	assert.Equal(t, 0, q.Len())
}

func TestFrameQueue_WrapsAround(t *testing.T) {
	q := NewFrameQueue(3, OverflowRejectNew)
	var got []uint32
	for i := uint32(1); i <= 10; i++ {
		require.NoError(t, q.Push(seqFrame(i)))
		if i%2 == 0 {
			got = append(got, popSeqs(t, q, 2)...)
		}
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestFrameQueue_DefaultCapacity(t *testing.T) {
	q := NewFrameQueue(0, "")
	st := q.Stats()
	assert.Equal(t, DefaultQueueCapacity, st.Capacity)
	assert.Equal(t, OverflowDropOldest, st.Policy)
}

func TestFrameQueue_NilFrame(t *testing.T) {
	q := NewFrameQueue(1, OverflowDropOldest)
	assert.Error(t, q.Push(nil))
	assert.Equal(t, 0, q.Len())
}

func TestFrameQueue_DropOldest(t *testing.T) {
	q := NewFrameQueue(3, OverflowDropOldest)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, q.Push(seqFrame(i)))
	}

	st := q.Stats()
	assert.Equal(t, 3, st.Depth)
	assert.Equal(t, uint64(5), st.Pushed)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, []uint32{3, 4, 5}, popSeqs(t, q, 3))
}

func TestFrameQueue_RejectNew(t *testing.T) {
	q := NewFrameQueue(2, OverflowRejectNew)
	require.NoError(t, q.Push(seqFrame(1)))
	require.NoError(t, q.Push(seqFrame(2)))

	err := q.Push(seqFrame(3))
	assert.ErrorIs(t, err, ErrQueueFull)

	st := q.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(2), st.Pushed)
	assert.Equal(t, []uint32{1, 2}, popSeqs(t, q, 2))
}

func TestFrameQueue_BlockProducer(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlockProducer)
	require.NoError(t, q.Push(seqFrame(1)))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(seqFrame(2)) }()

	select {
	case err := <-pushed:
		t.Fatalf("Push returned early with %v while the queue was full", err)
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, []uint32{1}, popSeqs(t, q, 1))

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released by Pop")
	}
	assert.Equal(t, []uint32{2}, popSeqs(t, q, 1))
}

func TestFrameQueue_BlockedProducerReleasedByClose(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlockProducer)
	require.NoError(t, q.Push(seqFrame(1)))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(seqFrame(2)) }()
	time.Sleep(10 * time.Millisecond)

	q.Close()
	select {
	case err := <-pushed:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released by Close")
	}
}

func TestFrameQueue_PopWaitsForPush(t *testing.T) {
	q := NewFrameQueue(4, OverflowDropOldest)

	got := make(chan uint32, 1)
	go func() {
		f, ok := q.Pop()
		if ok {
			got <- f.Header.Seq
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(seqFrame(7)))

	select {
	case seq := <-got:
		assert.Equal(t, uint32(7), seq)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestFrameQueue_CloseDiscardsAndWakes(t *testing.T) {
	q := NewFrameQueue(4, OverflowDropOldest)
	require.NoError(t, q.Push(seqFrame(1)))
	require.NoError(t, q.Push(seqFrame(2)))

	assert.Equal(t, 2, q.Close())
	assert.Equal(t, 0, q.Close(), "second close reports nothing")

	f, ok := q.Pop()
	assert.False(t, ok)
	assert.Nil(t, f)

	assert.True(t, errors.Is(q.Push(seqFrame(3)), ErrQueueClosed))
	assert.True(t, q.Stats().Closed)
	assert.Equal(t, 0, q.Len())
}

func TestFrameQueue_CloseWakesWaitingPop(t *testing.T) {
	q := NewFrameQueue(4, OverflowDropOldest)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Close")
	}
}

func TestFrameQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers, perProducer = 4, 250
	q := NewFrameQueue(producers*perProducer, OverflowRejectNew)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f := &l2frames.Frame{Header: l2frames.Header{Seq: uint32(i), FrameID: string(rune('a' + p))}}
				if err := q.Push(f); err != nil {
					t.Errorf("Push: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	for i := 0; i < producers*perProducer; i++ {
		f, ok := q.Pop()
		require.True(t, ok)
		prev, seen := last[f.Header.FrameID]
		if seen {
			assert.Equal(t, prev+1, int(f.Header.Seq), "producer %s out of order", f.Header.FrameID)
		}
		last[f.Header.FrameID] = int(f.Header.Seq)
	}
	assert.Len(t, last, producers)
}

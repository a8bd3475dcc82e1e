package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/dror/internal/lidar/dror"
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/lidar/pipeline"
	"github.com/banshee-data/dror/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	pipe   *pipeline.Pipeline
	bus    *Bus
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	filter, err := dror.New(dror.DefaultParams())
	require.NoError(t, err)

	h := &harness{}
	h.bus = NewBus(Config{InputTopic: "/velodyne_points"}, func(f *l2frames.Frame) error {
		return h.pipe.HandleFrame(f)
	})
	h.pipe, err = pipeline.New(pipeline.Config{Filter: filter, Sinks: []pipeline.Sink{h.bus}})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	require.NoError(t, h.bus.Serve(lis))

	h.client, err = Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- h.pipe.Run(context.Background()) }()

	t.Cleanup(func() {
		h.client.Close()
		h.pipe.Stop()
		<-runErr
		h.bus.Stop()
	})
	return h
}

func (h *harness) subscribe(t *testing.T, ctx context.Context, topics ...string) map[string]*Subscription {
	t.Helper()
	before := h.bus.Stats().Subscribers
	subs := make(map[string]*Subscription, len(topics))
	for _, topic := range topics {
		sub, err := h.client.Subscribe(ctx, topic)
		require.NoError(t, err)
		subs[topic] = sub
	}
	require.Eventually(t, func() bool {
		return h.bus.Stats().Subscribers == before+int32(len(topics))
	}, 2*time.Second, 5*time.Millisecond)
	return subs
}

func clusterFrame(seq uint32) *l2frames.Frame {
	f := &l2frames.Frame{
		Header: l2frames.Header{Seq: seq, Stamp: l2frames.Stamp{Sec: 1700000000, Nsec: 42}, FrameID: "velodyne"},
		Fields: l2frames.FieldTime | l2frames.FieldRing,
	}
	for i := 0; i < 8; i++ {
		f.Points = append(f.Points, l2frames.Point{
			X: 5 + float32(i%2)*0.01, Y: 2 + float32(i/2)*0.01, Z: 0, Intensity: 9,
			Time: float32(i) * 1e-4, Ring: uint16(i),
		})
	}
	f.Points = append(f.Points, l2frames.Point{X: -8, Y: 3, Z: 1, Intensity: 1, Ring: 15})
	return f
}

func TestBus_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subs := h.subscribe(t, ctx, Topics...)

	in, err := h.client.Ingest(ctx, "/velodyne_points")
	require.NoError(t, err)
	frame := clusterFrame(11)
	require.NoError(t, in.Send(frame))
	require.NoError(t, in.CloseAndWait())

	filtered, err := subs[TopicFiltered].RecvCloud()
	require.NoError(t, err)
	assert.Equal(t, frame.Header, filtered.Header)
	assert.Equal(t, l2frames.Fields(0), filtered.Fields)
	assert.Len(t, filtered.Points, 8, "isolated return removed")

	recovered, err := subs[TopicRecovered].RecvCloud()
	require.NoError(t, err)
	assert.Equal(t, frame.Header, recovered.Header)
	assert.Equal(t, frame.Fields, recovered.Fields)
	assert.Equal(t, frame.Points[:8], recovered.Points)

	avg, err := subs[TopicAverageTime].RecvValue()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, avg, 0.0)

	rate, err := subs[TopicAverageRate].RecvValue()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rate, 0.0)

	assert.Equal(t, uint64(1), h.bus.Stats().Ingested)
	assert.Eventually(t, func() bool { return h.bus.Stats().Published == 4 }, time.Second, 5*time.Millisecond)
}

func TestBus_MalformedFramesSkipped(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subs := h.subscribe(t, ctx, TopicFiltered)

	in, err := h.client.Ingest(ctx, "")
	require.NoError(t, err)
	require.NoError(t, in.SendRaw([]byte("not a frame")))
	require.NoError(t, in.Send(clusterFrame(2)))
	require.NoError(t, in.CloseAndWait())

	got, err := subs[TopicFiltered].RecvCloud()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Header.Seq)

	st := h.bus.Stats()
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.Ingested)
}

func TestBus_FramesPublishedInOrder(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subs := h.subscribe(t, ctx, TopicRecovered)

	in, err := h.client.Ingest(ctx, "/velodyne_points")
	require.NoError(t, err)
	for seq := uint32(1); seq <= 5; seq++ {
		require.NoError(t, in.Send(clusterFrame(seq)))
	}
	require.NoError(t, in.CloseAndWait())

	for seq := uint32(1); seq <= 5; seq++ {
		got, err := subs[TopicRecovered].RecvCloud()
		require.NoError(t, err)
		assert.Equal(t, seq, got.Header.Seq)
	}
}

func TestBus_UnknownSubscribeTopic(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := h.client.Subscribe(ctx, "/DROR/nope")
	require.NoError(t, err)

	_, err = sub.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBus_WrongInputTopic(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := h.client.Ingest(ctx, "/ouster_points")
	require.NoError(t, err)

	err = in.CloseAndWait()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBus_ConsumeWhenStoppedIsNoop(t *testing.T) {
	bus := NewBus(Config{}, func(*l2frames.Frame) error { return nil })
	res := &pipeline.FrameResult{
		Filtered:  &l2frames.FilteredCloud{},
		Recovered: &l2frames.RecoveredCloud{},
	}
	assert.NoError(t, bus.Consume(res))
	assert.Zero(t, bus.Stats().Published)
	bus.Stop()
}

func TestBus_StopDeliversPublishedMessages(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := h.subscribe(t, ctx, TopicAverageRate)[TopicAverageRate]

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, h.bus.Consume(&pipeline.FrameResult{
			Header:    l2frames.Header{Seq: uint32(i)},
			Filtered:  &l2frames.FilteredCloud{},
			Recovered: &l2frames.RecoveredCloud{},
			Stats:     pipeline.StatsSnapshot{AverageRate: float64(i + 1)},
		}))
	}
	h.bus.Stop()

	var got []float64
	for {
		v, err := sub.RecvValue()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.Zero(t, h.bus.Stats().Dropped)
}

func TestValidTopic(t *testing.T) {
	for _, topic := range Topics {
		assert.True(t, validTopic(topic), topic)
	}
	assert.False(t, validTopic("/velodyne_points"))
	assert.False(t, validTopic(""))
}

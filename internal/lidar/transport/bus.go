// Package transport carries point clouds in and out of the denoising service
// over gRPC.
//
// The PointCloudBus service has two streaming methods. Ingest is client
// streaming: every message is a codec-encoded frame for the configured input
// topic. Subscribe is server streaming: the caller names one output topic and
// receives every message published on it from then on.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/lidar/pipeline"
	"github.com/banshee-data/dror/internal/monitoring"
)

// Output topics.
const (
	TopicFiltered       = "/DROR/output"
	TopicRecovered      = "/DROR/converted"
	TopicAverageTime    = "/DROR/AverageProcessTime"
	TopicAverageRate    = "/DROR/AverageProcessRate"
	topicMetadataKey    = "dror-topic"
	defaultSubscriberCh = 16
	maxMsgSize          = 16 * 1024 * 1024 // full-resolution frames exceed the 4 MB default
)

// Topics lists every output topic.
var Topics = []string{TopicFiltered, TopicRecovered, TopicAverageTime, TopicAverageRate}

// FrameHandler receives decoded ingest frames. pipeline.Pipeline.HandleFrame
// satisfies it.
type FrameHandler func(f *l2frames.Frame) error

// Config holds configuration for the bus.
type Config struct {
	// ListenAddr is used by Start, e.g. "localhost:50061".
	ListenAddr string
	// InputTopic is the only topic Ingest accepts. Streams that do not name a
	// topic are accepted as well.
	InputTopic string
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int
}

// BusStats contains bus counters.
type BusStats struct {
	Ingested    uint64 `json:"ingested"`
	Malformed   uint64 `json:"malformed"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int32  `json:"subscribers"`
	Running     bool   `json:"running"`
}

type message struct {
	topic string
	body  *anypb.Any
}

type subscriber struct {
	id    uint64
	topic string
	ch    chan *anypb.Any
}

// Bus serves the PointCloudBus service and is a pipeline.Sink for its outputs.
type Bus struct {
	cfg    Config
	handle FrameHandler
	logf   func(format string, v ...interface{})

	server   *grpc.Server
	listener net.Listener

	msgCh  chan *message
	subs   map[uint64]*subscriber
	subsMu sync.RWMutex
	nextID atomic.Uint64

	ingested    atomic.Uint64
	malformed   atomic.Uint64
	published   atomic.Uint64
	dropped     atomic.Uint64
	subscribers atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	drained chan struct{} // closed once msgCh is empty after stop
	wg      sync.WaitGroup
}

var _ pipeline.Sink = (*Bus)(nil)

// NewBus creates a bus that hands ingested frames to handle.
func NewBus(cfg Config, handle FrameHandler) *Bus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberCh
	}
	return &Bus{
		cfg:    cfg,
		handle: handle,
		logf:   monitoring.Prefixed("[Bus]"),
		msgCh:  make(chan *message, 4*cfg.SubscriberBuffer),
		subs:   make(map[uint64]*subscriber),
		stopCh:  make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Start listens on cfg.ListenAddr and serves in the background.
func (b *Bus) Start() error {
	b.logf("Attempting to bind to %s...", b.cfg.ListenAddr)
	lis, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return b.Serve(lis)
}

// Serve serves on lis in the background until Stop.
func (b *Bus) Serve(lis net.Listener) error {
	if b.running.Swap(true) {
		return fmt.Errorf("bus already running")
	}
	b.listener = lis
	b.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	b.server.RegisterService(&busServiceDesc, b)

	b.wg.Add(2)
	go b.broadcastLoop()
	go func() {
		defer b.wg.Done()
		b.logf("gRPC server listening on %s", lis.Addr())
		if err := b.server.Serve(lis); err != nil && b.running.Load() {
			b.logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server. Messages published before Stop
// still reach the subscribers connected at that point. Ingest streams that do
// not close within a second are cut off.
func (b *Bus) Stop() {
	if !b.running.Swap(false) {
		return
	}
	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		b.server.Stop()
		<-done
	}

	b.wg.Wait()
	b.logf("gRPC server stopped")
}

// Consume publishes the filtered and recovered clouds and both averages for
// one processed frame. Messages are dropped, not queued, when subscribers
// cannot keep up.
func (b *Bus) Consume(res *pipeline.FrameResult) error {
	if !b.running.Load() {
		return nil
	}

	filtered, err := l2frames.EncodeFiltered(res.Filtered)
	if err != nil {
		return fmt.Errorf("encode filtered cloud: %w", err)
	}
	recovered, err := l2frames.Encode(res.Recovered.AsFrame())
	if err != nil {
		return fmt.Errorf("encode recovered cloud: %w", err)
	}

	outputs := []struct {
		topic string
		msg   proto.Message
	}{
		{TopicFiltered, wrapperspb.Bytes(filtered)},
		{TopicRecovered, wrapperspb.Bytes(recovered)},
		{TopicAverageTime, wrapperspb.Double(res.Stats.AverageDuration)},
		{TopicAverageRate, wrapperspb.Double(res.Stats.AverageRate)},
	}
	for _, out := range outputs {
		body, err := anypb.New(out.msg)
		if err != nil {
			return fmt.Errorf("wrap %s: %w", out.topic, err)
		}
		select {
		case b.msgCh <- &message{topic: out.topic, body: body}:
			b.published.Add(1)
		default:
			dropped := b.dropped.Add(1)
			b.logf("DROPPED %s for %s (total dropped: %d), channel full", out.topic, res.Header, dropped)
		}
	}
	return nil
}

// broadcastLoop distributes published messages to matching subscribers.
// On stop it hands out whatever is still queued before returning.
func (b *Bus) broadcastLoop() {
	defer b.wg.Done()
	defer close(b.drained)

	for {
		select {
		case <-b.stopCh:
			for {
				select {
				case msg := <-b.msgCh:
					b.deliver(msg)
				default:
					return
				}
			}
		case msg := <-b.msgCh:
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg *message) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for _, sub := range b.subs {
		if sub.topic != msg.topic {
			continue
		}
		select {
		case sub.ch <- msg.body:
		default:
			// slow subscriber; drop for this one only
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) addSubscriber(topic string) *subscriber {
	sub := &subscriber{
		id:    b.nextID.Add(1),
		topic: topic,
		ch:    make(chan *anypb.Any, b.cfg.SubscriberBuffer),
	}
	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.subsMu.Unlock()

	n := b.subscribers.Add(1)
	b.logf("Subscriber %d connected to %s (total: %d)", sub.id, topic, n)
	return sub
}

func (b *Bus) removeSubscriber(id uint64) {
	b.subsMu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.subsMu.Unlock()

	if ok {
		n := b.subscribers.Add(-1)
		b.logf("Subscriber %d disconnected (remaining: %d)", id, n)
	}
}

// Stats returns current bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Ingested:    b.ingested.Load(),
		Malformed:   b.malformed.Load(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.subscribers.Load(),
		Running:     b.running.Load(),
	}
}

func validTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ingest decodes every message on the stream and hands it to the pipeline.
// Malformed frames are skipped; the stream ends when the pipeline stops.
func (b *Bus) ingest(stream grpc.ServerStream) error {
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if topics := md.Get(topicMetadataKey); len(topics) > 0 && b.cfg.InputTopic != "" && topics[0] != b.cfg.InputTopic {
			return status.Errorf(codes.InvalidArgument, "unknown input topic %q, subscribed to %q", topics[0], b.cfg.InputTopic)
		}
	}

	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return stream.SendMsg(&emptypb.Empty{})
			}
			return err
		}

		frame, err := l2frames.Decode(msg.GetValue())
		if err != nil {
			n := b.malformed.Add(1)
			b.logf("Skipping malformed frame (%d so far): %v", n, err)
			continue
		}
		b.ingested.Add(1)

		if err := b.handle(frame); err != nil {
			if errors.Is(err, pipeline.ErrQueueClosed) {
				return status.Error(codes.Unavailable, "pipeline stopped")
			}
			b.logf("Frame %s not queued: %v", frame.Header, err)
		}
	}
}

// subscribe streams one output topic until the client leaves or the bus stops.
func (b *Bus) subscribe(stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	topic := req.GetValue()
	if !validTopic(topic) {
		return status.Errorf(codes.InvalidArgument, "unknown topic %q", topic)
	}

	sub := b.addSubscriber(topic)
	defer b.removeSubscriber(sub.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return b.flush(stream, sub)
		case body := <-sub.ch:
			if err := stream.SendMsg(body); err != nil {
				return err
			}
		}
	}
}

// flush sends what was published before stop and is still buffered for sub.
func (b *Bus) flush(stream grpc.ServerStream, sub *subscriber) error {
	<-b.drained
	for {
		select {
		case body := <-sub.ch:
			if err := stream.SendMsg(body); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
)

// Client talks to a PointCloudBus server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the connection is insecure and
// allows full-resolution frames.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMsgSize),
				grpc.MaxCallSendMsgSize(maxMsgSize),
			),
		}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// IngestStream sends frames to the service.
type IngestStream struct {
	stream grpc.ClientStream
}

// Ingest opens an ingest stream for topic. An empty topic skips the check.
func (c *Client) Ingest(ctx context.Context, topic string) (*IngestStream, error) {
	if topic != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, topicMetadataKey, topic)
	}
	stream, err := c.conn.NewStream(ctx, &busServiceDesc.Streams[0], ingestMethod)
	if err != nil {
		return nil, err
	}
	return &IngestStream{stream: stream}, nil
}

// Send encodes and sends one frame.
func (s *IngestStream) Send(f *l2frames.Frame) error {
	data, err := l2frames.Encode(f)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw sends an already encoded payload.
func (s *IngestStream) SendRaw(data []byte) error {
	return s.stream.SendMsg(wrapperspb.Bytes(data))
}

// CloseAndWait closes the sending side and waits for the server to accept
// the end of the stream.
func (s *IngestStream) CloseAndWait() error {
	if err := s.stream.CloseSend(); err != nil {
		return err
	}
	return s.stream.RecvMsg(new(emptypb.Empty))
}

// Subscription receives messages for one topic.
type Subscription struct {
	Topic  string
	stream grpc.ClientStream
}

// Subscribe opens a subscription to topic. An unknown topic is reported by the
// first Recv call.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	stream, err := c.conn.NewStream(ctx, &busServiceDesc.Streams[1], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(topic)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{Topic: topic, stream: stream}, nil
}

// Recv returns the next raw message.
func (s *Subscription) Recv() (*anypb.Any, error) {
	msg := new(anypb.Any)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecvCloud returns the next cloud on a cloud topic. Filtered clouds decode
// as frames without optional fields.
func (s *Subscription) RecvCloud() (*l2frames.Frame, error) {
	msg, err := s.Recv()
	if err != nil {
		return nil, err
	}
	var body wrapperspb.BytesValue
	if err := msg.UnmarshalTo(&body); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Topic, err)
	}
	return l2frames.Decode(body.GetValue())
}

// RecvValue returns the next value on a metric topic.
func (s *Subscription) RecvValue() (float64, error) {
	msg, err := s.Recv()
	if err != nil {
		return 0, err
	}
	var body wrapperspb.DoubleValue
	if err := msg.UnmarshalTo(&body); err != nil {
		return 0, fmt.Errorf("%s: %w", s.Topic, err)
	}
	return body.GetValue(), nil
}

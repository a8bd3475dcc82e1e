package transport

import (
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dror.v1.PointCloudBus"

const (
	ingestMethod    = "/" + ServiceName + "/Ingest"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// busServer is the handler type registered with grpc.Server.
//
//	service PointCloudBus {
//	  rpc Ingest(stream google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	  rpc Subscribe(google.protobuf.StringValue) returns (stream google.protobuf.Any);
//	}
type busServer interface {
	ingest(stream grpc.ServerStream) error
	subscribe(stream grpc.ServerStream) error
}

var busServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*busServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Ingest",
			Handler:       ingestHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dror/v1/bus.proto",
}

func ingestHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(busServer).ingest(stream)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(busServer).subscribe(stream)
}

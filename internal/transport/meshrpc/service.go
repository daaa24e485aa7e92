// Package meshrpc serves a simulated router mesh over gRPC and provides the
// matching transport.Network client. Each client connection is one Attach
// stream; frames are google.protobuf.Struct values so no generated code is
// needed on either side.
package meshrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "meshcheck.v1.Mesh"

// AttachMethod is the full method name of the Attach stream.
const AttachMethod = "/" + ServiceName + "/Attach"

// Metadata keys sent when a stream opens.
const (
	nodeMetadataKey      = "x-mesh-node"
	requestIDMetadataKey = "x-request-id"
)

// AttachStream is the server side of an Attach stream.
type AttachStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// MeshServer is the service implemented by Server.
type MeshServer interface {
	Attach(AttachStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeshServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "meshcheck/v1/mesh.proto",
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MeshServer).Attach(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterMeshServer registers srv on s.
func RegisterMeshServer(s grpc.ServiceRegistrar, srv MeshServer) {
	s.RegisterService(&serviceDesc, srv)
}

type attachClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

func newAttachClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (attachClient, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], AttachMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names of the segment detection API.
const (
	ServiceName              = "nupi.vad.segmenter.v1.SegmentDetection"
	FullMethodDetectSegments = "/" + ServiceName + "/DetectSegments"
)

// Stream metadata keys read by DetectSegments.
const (
	MetadataSampleRate = "x-vad-sample-rate"
	MetadataSessionID  = "x-vad-session-id"
	MetadataStreamID   = "x-vad-stream-id"
	MetadataConfig     = "x-vad-config"
)

// DetectSegmentsServer is the server side of a DetectSegments stream: PCM
// chunks in, segment events out.
type DetectSegmentsServer = grpc.BidiStreamingServer[wrapperspb.BytesValue, structpb.Struct]

// DetectSegmentsClient is the client side of a DetectSegments stream.
type DetectSegmentsClient = grpc.BidiStreamingClient[wrapperspb.BytesValue, structpb.Struct]

// SegmentDetectionServer is implemented by Server.
type SegmentDetectionServer interface {
	DetectSegments(DetectSegmentsServer) error
}

// SegmentDetectionServiceDesc describes the service for grpc.Server. The
// messages are well-known protobuf types, so no generated code is needed.
var SegmentDetectionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmentDetectionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "DetectSegments",
			Handler:       detectSegmentsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nupi/vad/segmenter/v1/segmenter.proto",
}

func detectSegmentsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SegmentDetectionServer).DetectSegments(
		&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream},
	)
}

// RegisterSegmentDetectionServer registers srv on s.
func RegisterSegmentDetectionServer(s grpc.ServiceRegistrar, srv SegmentDetectionServer) {
	s.RegisterService(&SegmentDetectionServiceDesc, srv)
}

// SegmentDetectionClient opens DetectSegments streams on a connection.
type SegmentDetectionClient struct {
	cc grpc.ClientConnInterface
}

// NewSegmentDetectionClient returns a client using cc.
func NewSegmentDetectionClient(cc grpc.ClientConnInterface) *SegmentDetectionClient {
	return &SegmentDetectionClient{cc: cc}
}

// DetectSegments opens a stream. Stream parameters travel as outgoing
// metadata on ctx (see the Metadata* keys).
func (c *SegmentDetectionClient) DetectSegments(ctx context.Context, opts ...grpc.CallOption) (DetectSegmentsClient, error) {
	stream, err := c.cc.NewStream(ctx, &SegmentDetectionServiceDesc.Streams[0], FullMethodDetectSegments, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: stream}, nil
}

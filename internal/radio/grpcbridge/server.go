package grpcbridge

import (
	"context"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TransportServer serves any transport.Transport as a radio daemon.
// It lets a host without hardware expose the mock radio to remote sessions.
type TransportServer struct {
	radio transport.Transport

	// OnConfigure, when set, receives the parameters of each Configure call
	OnConfigure func(params map[string]interface{})
}

// NewTransportServer wraps radio
func NewTransportServer(radio transport.Transport) *TransportServer {
	return &TransportServer{radio: radio}
}

// Configure initializes the wrapped transport
func (s *TransportServer) Configure(ctx context.Context, params *structpb.Struct) (*emptypb.Empty, error) {
	if s.OnConfigure != nil {
		s.OnConfigure(params.AsMap())
	}
	if err := s.radio.Initialize(ctx); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Transmit sends one frame
func (s *TransportServer) Transmit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	ack, err := s.radio.Send(ctx, in.GetValue())
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return wrapperspb.Bool(ack.Delivered), nil
}

// Receive streams frames until the client goes away or the radio fails
func (s *TransportServer) Receive(_ *emptypb.Empty, stream ReceiveServer) error {
	ctx := stream.Context()
	frames, errs := s.radio.Receive(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return status.Error(codes.Unavailable, err.Error())
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := stream.Send(wrapperspb.Bytes(EncodeEnvelope(f))); err != nil {
				return err
			}
		}
	}
}

var _ RadioServer = (*TransportServer)(nil)

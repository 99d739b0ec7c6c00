// Package grpcbridge connects a session to a radio daemon over gRPC.
//
// The daemon owns the physical SX1262 hardware and speaks the
// meshcore.radio.v1.Radio service. Messages are protobuf well-known types so
// no generated code is needed:
//
//	Configure(google.protobuf.Struct) returns (google.protobuf.Empty)
//	Transmit(google.protobuf.BytesValue) returns (google.protobuf.BoolValue)
//	Receive(google.protobuf.Empty) returns (stream google.protobuf.BytesValue)
//
// Each received BytesValue carries an envelope encoded with protowire:
// field 1 frame bytes, field 2 RSSI (zigzag varint), field 3 SNR (fixed64 float).
package grpcbridge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "meshcore.radio.v1.Radio"

const (
	configureMethod = "/" + ServiceName + "/Configure"
	transmitMethod  = "/" + ServiceName + "/Transmit"
	receiveMethod   = "/" + ServiceName + "/Receive"
)

// RadioServer is implemented by radio daemons
type RadioServer interface {
	Configure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Transmit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	Receive(*emptypb.Empty, ReceiveServer) error
}

// ReceiveServer is the server side of the Receive stream
type ReceiveServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type receiveServer struct {
	grpc.ServerStream
}

func (s *receiveServer) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

// ServiceDesc describes the Radio service for grpc.Server registration
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RadioServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Configure", Handler: configureHandler},
		{MethodName: "Transmit", Handler: transmitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Receive", Handler: receiveHandler, ServerStreams: true},
	},
	Metadata: "meshcore/radio/v1/radio.proto",
}

// RegisterRadioServer registers srv on s
func RegisterRadioServer(s grpc.ServiceRegistrar, srv RadioServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func configureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RadioServer).Configure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: configureMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RadioServer).Configure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func transmitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RadioServer).Transmit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RadioServer).Transmit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func receiveHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RadioServer).Receive(in, &receiveServer{stream})
}

const (
	envelopeData protowire.Number = 1
	envelopeRSSI protowire.Number = 2
	envelopeSNR  protowire.Number = 3
)

// EncodeEnvelope packs a received frame and its signal quality
func EncodeEnvelope(f transport.Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Data)
	b = protowire.AppendTag(b, envelopeRSSI, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.RSSI)))
	b = protowire.AppendTag(b, envelopeSNR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.SNR))
	return b
}

// DecodeEnvelope unpacks an envelope. ReceivedAt is set to now.
func DecodeEnvelope(data []byte) (transport.Frame, error) {
	f := transport.Frame{ReceivedAt: time.Now()}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return transport.Frame{}, fmt.Errorf("invalid envelope: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envelopeData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return transport.Frame{}, fmt.Errorf("invalid envelope data: %w", protowire.ParseError(n))
			}
			f.Data = append([]byte(nil), v...)
			data = data[n:]
		case num == envelopeRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return transport.Frame{}, fmt.Errorf("invalid envelope rssi: %w", protowire.ParseError(n))
			}
			f.RSSI = int(protowire.DecodeZigZag(v))
			data = data[n:]
		case num == envelopeSNR && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return transport.Frame{}, fmt.Errorf("invalid envelope snr: %w", protowire.ParseError(n))
			}
			f.SNR = math.Float64frombits(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return transport.Frame{}, fmt.Errorf("invalid envelope: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if len(f.Data) == 0 {
		return transport.Frame{}, fmt.Errorf("invalid envelope: no frame data")
	}
	return f, nil
}

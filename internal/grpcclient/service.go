package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/style-transfer/internal/stylizer"
	"github.com/example/style-transfer/internal/tensor"
)

// StylizeMethod is the full gRPC method name served by a model sidecar.
// Requests carry "content" and "style" tensors, responses a "stylized"
// tensor; each tensor is a struct with a numeric "shape" list and base64
// little-endian float32 "data".
const StylizeMethod = "/stylize.v1.StyleTransfer/Stylize"

// StyleTransferServer is implemented by model sidecars.
type StyleTransferServer interface {
	Stylize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the sidecar service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "stylize.v1.StyleTransfer",
	HandlerType: (*StyleTransferServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stylize",
			Handler:    stylizeHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterStyleTransferServer registers srv on s.
func RegisterStyleTransferServer(s grpc.ServiceRegistrar, srv StyleTransferServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func stylizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StyleTransferServer).Stylize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StylizeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StyleTransferServer).Stylize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// NewModelServer exposes a stylizer.Model over the sidecar protocol.
func NewModelServer(model stylizer.Model) StyleTransferServer {
	return &modelServer{model: model}
}

type modelServer struct {
	model stylizer.Model
}

func (s *modelServer) Stylize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	content, err := decodeTensor(req.GetFields()["content"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "content: %v", err)
	}
	style, err := decodeTensor(req.GetFields()["style"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "style: %v", err)
	}

	out, err := s.model.Stylize(ctx, content, style)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "stylize: %v", err)
	}

	encoded, err := encodeTensor(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode output: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"stylized": encoded}}, nil
}

func encodeTensor(t *tensor.Tensor) (*structpb.Value, error) {
	raw, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	shape := make([]*structpb.Value, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = structpb.NewNumberValue(float64(d))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"shape": structpb.NewListValue(&structpb.ListValue{Values: shape}),
		"data":  structpb.NewStringValue(base64.StdEncoding.EncodeToString(raw)),
	}}), nil
}

func decodeTensor(v *structpb.Value) (*tensor.Tensor, error) {
	fields := v.GetStructValue().GetFields()
	if fields == nil {
		return nil, errors.New("tensor missing")
	}

	dims := fields["shape"].GetListValue().GetValues()
	if len(dims) == 0 {
		return nil, errors.New("tensor shape missing")
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		n := d.GetNumberValue()
		if n != math.Trunc(n) || n <= 0 || n > math.MaxInt32 {
			return nil, fmt.Errorf("invalid dimension %v", n)
		}
		shape[i] = int(n)
	}

	raw, err := base64.StdEncoding.DecodeString(fields["data"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode tensor data: %w", err)
	}
	return tensor.FromBinary(shape, raw)
}

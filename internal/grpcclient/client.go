// Package grpcclient invokes a style-transfer model sidecar over gRPC.
package grpcclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/tensor"
)

// MaxMessageSize covers two 512x512 float32 tensors after base64 encoding.
const MaxMessageSize = 64 << 20

// DialStylizer returns a ready-to-use client for the model sidecar.
func DialStylizer(ctx context.Context, addr string, logger *zap.Logger) (*Stylizer, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_stylizer", "", err)
		logger.Error("failed to dial model sidecar", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewStylizer(conn, addr, logger), conn, nil
}

// NewStylizer wraps an existing connection.
func NewStylizer(conn grpc.ClientConnInterface, addr string, logger *zap.Logger) *Stylizer {
	return &Stylizer{conn: conn, addr: addr, logger: logger.Named("grpcclient")}
}

// Stylizer implements stylizer.Model over gRPC.
type Stylizer struct {
	conn   grpc.ClientConnInterface
	addr   string
	logger *zap.Logger
}

// Name identifies the backend in logs and transfer records.
func (g *Stylizer) Name() string {
	return "grpc/" + g.addr
}

func (g *Stylizer) Stylize(ctx context.Context, content, style *tensor.Tensor) (*tensor.Tensor, error) {
	contentValue, err := encodeTensor(content)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_content", "", err)
	}
	styleValue, err := encodeTensor(style)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_style", "", err)
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"content": contentValue,
		"style":   styleValue,
	}}
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, StylizeMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.stylize", "", err)
		g.logger.Error("model sidecar call failed", zap.Error(wrapped), zap.String("addr", g.addr))
		return nil, wrapped
	}

	stylized, ok := resp.GetFields()["stylized"]
	if !ok {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", errors.New("response has no stylized tensor"))
	}
	out, err := decodeTensor(stylized)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return out, nil
}

package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its Unix socket.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	cc, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{cc: cc}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

// Call invokes a unary method with args as the request struct.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams events under namespace until ctx ends or fn returns an
// error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}

// Healthy reports whether the daemon's health service answers SERVING.
func (c *Client) Healthy(ctx context.Context) bool {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

package taskservice

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin hand-written stub for the task service, mirroring what
// protoc-gen-go-grpc would generate for a two-method unary service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn, which must have been dialed with
// grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})) to match the
// server's wire codec.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) EnqueueTasks(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	resp := new(EnqueueResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/EnqueueTasks", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) QueryTasks(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	resp := new(QueryResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/QueryTasks", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DialOptions returns the grpc.DialOption needed to speak this service's
// wire codec.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	}
}

// ServerOptions returns the grpc.ServerOption needed for a *grpc.Server to
// serve this service's wire codec.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(gobCodec{}),
	}
}

package router

import (
	"context"
	"fmt"

	"github.com/siderolabs/grpc-proxy/proxy"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var _ proxy.Backend = (*LocalBackend)(nil)

// LocalBackend proxies to the in-process gRPC server handling taskservice
// RPCs directly, addressed over loopback rather than the network.
type LocalBackend struct {
	addr   string
	logger *zap.Logger

	conn *grpc.ClientConn
}

// NewLocalBackend returns a LocalBackend that lazily dials the local gRPC
// server listening on addr.
func NewLocalBackend(addr string, logger *zap.Logger) *LocalBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBackend{addr: addr, logger: logger}
}

func (b *LocalBackend) String() string {
	return "local"
}

// GetConnection returns a gRPC connection to the local server, dialing it
// lazily on first use.
func (b *LocalBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	if b.conn != nil {
		return ctx, b.conn, nil
	}

	conn, err := grpc.NewClient(
		b.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.ForceCodecV2(proxy.Codec())),
	)
	if err != nil {
		return ctx, nil, fmt.Errorf("dialing local backend %s: %w", b.addr, err)
	}
	b.conn = conn
	b.logger.Debug("local backend connected", zap.String("addr", b.addr))
	return ctx, conn, nil
}

// Close closes the local connection, if one was established.
func (b *LocalBackend) Close() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// AppendInfo no-ops: the spec requires local responses be returned verbatim
// with no injected metadata.
func (b *LocalBackend) AppendInfo(_ bool, _ []byte) ([]byte, error) {
	return nil, nil
}

// BuildError wraps the original error unmodified.
func (b *LocalBackend) BuildError(_ bool, err error) ([]byte, error) {
	return nil, err
}

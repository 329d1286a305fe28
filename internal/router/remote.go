package router

import (
	"context"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var _ proxy.Backend = (*remoteBackend)(nil)

// remoteBackend proxies to a peer's connection already held open by the
// channel store; it never dials, it only forwards.
type remoteBackend struct {
	conn   *grpc.ClientConn
	nodeID string
}

func newRemoteBackend(conn *grpc.ClientConn, nodeID string) *remoteBackend {
	return &remoteBackend{conn: conn, nodeID: nodeID}
}

func (b *remoteBackend) String() string {
	return b.nodeID
}

// GetConnection strips the routing header before handing the request to
// the peer: the owning node must not re-route what was already resolved.
func (b *remoteBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	delete(md, partitionKeyHeader)
	outCtx := metadata.NewOutgoingContext(ctx, md)
	return outCtx, b.conn, nil
}

// AppendInfo no-ops: the spec requires the forwarded response be returned
// verbatim, with no injected trailer metadata.
func (b *remoteBackend) AppendInfo(_ bool, _ []byte) ([]byte, error) {
	return nil, nil
}

// BuildError wraps the original stream error as-is: a completion/trailer
// error from a forwarded call is not a transport-level panic.
func (b *remoteBackend) BuildError(_ bool, err error) ([]byte, error) {
	return nil, err
}

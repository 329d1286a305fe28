// Package router implements the routing middleware: it intercepts every
// inbound RPC, resolves the request's partition key against the ring, and
// either forwards the call verbatim to the owning peer or falls through to
// the local handler.
package router

import (
	"context"

	"github.com/siderolabs/grpc-proxy/proxy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/mcastellin/taskmesh/internal/channelstore"
	"github.com/mcastellin/taskmesh/internal/resolver"
)

// partitionKeyHeader is the incoming metadata key carrying the routing key.
const partitionKeyHeader = "partition_key"

var tracer = otel.Tracer("github.com/mcastellin/taskmesh/internal/router")

// Director implements proxy.StreamDirector, selecting between the local
// backend and a remote peer backend based on the partition_key header.
type Director struct {
	selfID   string
	local    proxy.Backend
	resolver *resolver.Resolver
	store    *channelstore.Store
	logger   *zap.Logger
}

// NewDirector constructs a Director. local is the backend invoked whenever
// a request has no partition_key, resolves to no node, resolves to self,
// or resolves to a node absent from the channel store.
func NewDirector(selfID string, local proxy.Backend, res *resolver.Resolver, store *channelstore.Store, logger *zap.Logger) *Director {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Director{selfID: selfID, local: local, resolver: res, store: store, logger: logger}
}

// Director implements proxy.StreamDirector for grpc-proxy.
func (d *Director) Director(ctx context.Context, fullMethodName string) (proxy.Mode, []proxy.Backend, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return d.localMode(ctx, fullMethodName)
	}

	keys := md.Get(partitionKeyHeader)
	if len(keys) == 0 {
		return d.localMode(ctx, fullMethodName)
	}
	key := []byte(keys[0])

	nodeID, ok := d.resolver.Resolve(key)
	if !ok {
		return d.localMode(ctx, fullMethodName)
	}
	if nodeID == d.selfID {
		return d.localMode(ctx, fullMethodName)
	}

	conn, ok := d.store.Get(nodeID)
	if !ok {
		return d.localMode(ctx, fullMethodName)
	}

	_, span := tracer.Start(ctx, "external_rpc", trace.WithAttributes(
		attribute.String("partition_key", string(key)),
		attribute.String("node_id", nodeID),
	))
	defer span.End()

	return proxy.One2One, []proxy.Backend{newRemoteBackend(conn, nodeID)}, nil
}

func (d *Director) localMode(ctx context.Context, fullMethodName string) (proxy.Mode, []proxy.Backend, error) {
	_, span := tracer.Start(ctx, "internal_rpc", trace.WithAttributes(
		attribute.String("method", fullMethodName),
	))
	defer span.End()
	return proxy.One2One, []proxy.Backend{d.local}, nil
}

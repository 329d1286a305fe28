package router

import (
	"context"
	"testing"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc/metadata"

	"github.com/mcastellin/taskmesh/internal/channelstore"
	"github.com/mcastellin/taskmesh/internal/membership"
	"github.com/mcastellin/taskmesh/internal/resolver"
)

func newTestDirector(t *testing.T, selfID string) (*Director, *resolver.Resolver, *channelstore.Store) {
	t.Helper()
	res := resolver.New(nil, selfID, 10, nil)
	store := channelstore.New(selfID, nil)
	local := NewLocalBackend("127.0.0.1:0", nil)
	return NewDirector(selfID, local, res, store, nil), res, store
}

func TestDirectorFallsThroughWithoutMetadata(t *testing.T) {
	d, _, _ := newTestDirector(t, "self")
	mode, backends, err := d.Director(context.Background(), "/svc/Method")
	if err != nil || mode != proxy.One2One || len(backends) != 1 {
		t.Fatalf("expected local fallthrough, got mode=%v backends=%v err=%v", mode, backends, err)
	}
	if _, ok := backends[0].(*LocalBackend); !ok {
		t.Fatalf("expected LocalBackend, got %T", backends[0])
	}
}

func TestDirectorFallsThroughWithoutPartitionKey(t *testing.T) {
	d, _, _ := newTestDirector(t, "self")
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("other-header", "v"))
	_, backends, err := d.Director(ctx, "/svc/Method")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backends[0].(*LocalBackend); !ok {
		t.Fatalf("expected LocalBackend, got %T", backends[0])
	}
}

func TestDirectorFallsThroughWhenRingEmpty(t *testing.T) {
	d, _, _ := newTestDirector(t, "self")
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(partitionKeyHeader, "k1"))
	_, backends, err := d.Director(ctx, "/svc/Method")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backends[0].(*LocalBackend); !ok {
		t.Fatalf("expected LocalBackend on empty ring, got %T", backends[0])
	}
}

func TestDirectorFallsThroughWhenKeyResolvesToSelf(t *testing.T) {
	d, res, _ := newTestDirector(t, "self")
	res.Apply(membership.Changeset{
		{Type: membership.Added, Node: membership.NodeInfo{ID: "self"}},
	})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(partitionKeyHeader, "k1"))
	_, backends, err := d.Director(ctx, "/svc/Method")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backends[0].(*LocalBackend); !ok {
		t.Fatalf("expected LocalBackend when key resolves to self, got %T", backends[0])
	}
}

func TestDirectorFallsThroughWhenNodeNotInChannelStore(t *testing.T) {
	d, res, _ := newTestDirector(t, "self")
	res.Apply(membership.Changeset{
		{Type: membership.Added, Node: membership.NodeInfo{ID: "peer"}},
	})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(partitionKeyHeader, "k1"))
	_, backends, err := d.Director(ctx, "/svc/Method")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backends[0].(*LocalBackend); !ok {
		t.Fatalf("expected LocalBackend fallthrough when peer has no channel, got %T", backends[0])
	}
}

func TestDirectorForwardsWhenPeerResolved(t *testing.T) {
	d, res, store := newTestDirector(t, "self")
	res.Apply(membership.Changeset{
		{Type: membership.Added, Node: membership.NodeInfo{ID: "peer"}},
	})
	store.Apply(membership.Changeset{
		{Type: membership.Added, Node: membership.NodeInfo{
			ID: "peer", KV: map[string]string{"grpc_endpoint": "127.0.0.1:9001"},
		}},
	})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(partitionKeyHeader, "k1"))
	mode, backends, err := d.Director(ctx, "/svc/Method")
	if err != nil {
		t.Fatal(err)
	}
	if mode != proxy.One2One || len(backends) != 1 {
		t.Fatalf("expected a single forwarded backend, got mode=%v backends=%v", mode, backends)
	}
	rb, ok := backends[0].(*remoteBackend)
	if !ok {
		t.Fatalf("expected remoteBackend, got %T", backends[0])
	}
	if rb.nodeID != "peer" {
		t.Fatalf("expected remoteBackend targeting peer, got %s", rb.nodeID)
	}
}

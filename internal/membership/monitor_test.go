package membership

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mcastellin/taskmesh/internal/membership/gossip"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor(Config{
		BindAddr:   gossip.NodeAddr("127.0.0.1:0"),
		SelfID:     gossip.NodeID("self"),
		Generation: 1,
		Logger:     zaptest.NewLogger(t),
	})
}

func seed(m *Monitor, id, addr string, gen, ver uint64, kv map[string]string) {
	m.g.Store().Seed(gossip.EndpointState{
		Addr:      gossip.NodeAddr(addr),
		ID:        gossip.NodeID(id),
		HeartBeat: gossip.HeartBeatState{Generation: gen, Version: ver},
		KV:        kv,
	})
}

func TestMonitorEmitsAddedOnFirstSighting(t *testing.T) {
	m := newTestMonitor(t)
	ch, unsub := m.Watch()
	defer unsub()

	seed(m, "n1", "127.0.0.1:9001", 1, 0, map[string]string{"grpc_endpoint": "127.0.0.1:9101"})
	m.tick()

	select {
	case cs := <-ch:
		if len(cs) != 1 || cs[0].Type != Added || cs[0].Node.ID != "n1" {
			t.Fatalf("expected single Added(n1), got %+v", cs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for changeset")
	}
}

func TestMonitorRejectsResurrectionOfLowerGeneration(t *testing.T) {
	m := newTestMonitor(t)
	ch, unsub := m.Watch()
	defer unsub()

	seed(m, "n1", "127.0.0.1:9001", 5, 0, nil)
	m.tick()
	<-ch // drain the initial Added

	// n1 goes away.
	m.g.Store().Seed(gossip.EndpointState{Addr: "127.0.0.1:9001", ID: "n1",
		HeartBeat: gossip.HeartBeatState{Generation: 5, Tainted: 3}})
	m.tick()
	select {
	case cs := <-ch:
		if len(cs) != 1 || cs[0].Type != Removed {
			t.Fatalf("expected Removed, got %+v", cs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Removed")
	}

	// A stale incarnation of n1 (lower generation) resurrects.
	seed(m, "n1", "127.0.0.1:9001", 2, 0, nil)
	m.tick()

	select {
	case cs := <-ch:
		t.Fatalf("expected no changeset for rejected resurrection, got %+v", cs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorUpdatedOnAddressChangeOnly(t *testing.T) {
	m := newTestMonitor(t)
	ch, unsub := m.Watch()
	defer unsub()

	seed(m, "n1", "127.0.0.1:9001", 1, 0, map[string]string{"grpc_endpoint": "127.0.0.1:9101"})
	m.tick()
	<-ch

	// Same node, same generation, but dial address and grpc_endpoint moved.
	seed(m, "n1", "127.0.0.1:9002", 1, 1, map[string]string{"grpc_endpoint": "127.0.0.1:9102"})
	m.tick()

	select {
	case cs := <-ch:
		if len(cs) != 1 || cs[0].Type != Updated || cs[0].Node.Addr != "127.0.0.1:9002" {
			t.Fatalf("expected Updated with new address, got %+v", cs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Updated")
	}
}

func TestMonitorSkipsUnidentifiedSeeds(t *testing.T) {
	m := newTestMonitor(t)
	ch, unsub := m.Watch()
	defer unsub()

	m.g.Store().Seed(gossip.EndpointState{Addr: "127.0.0.1:9005"})
	m.tick()

	select {
	case cs := <-ch:
		t.Fatalf("expected no changeset for a not-yet-identified seed, got %+v", cs)
	case <-time.After(100 * time.Millisecond):
	}
}

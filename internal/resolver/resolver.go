// Package resolver keeps a consistent-hash ring in sync with cluster
// membership and exposes a key-to-node lookup for the routing middleware.
package resolver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mcastellin/taskmesh/internal/membership"
	"github.com/mcastellin/taskmesh/internal/ring"
)

// DefaultReplicas is the virtual-replica count used per node unless
// overridden.
const DefaultReplicas = 50

// New constructs a Resolver subscribed to mon's changeset stream. Call Run
// to start applying changesets.
func New(mon *membership.Monitor, selfID string, replicas int, logger *zap.Logger) *Resolver {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		mon:      mon,
		selfID:   selfID,
		replicas: replicas,
		ring:     ring.New(ring.NewSipHasher(0, 0)),
		logger:   logger,
		shutdown: make(chan chan error),
	}
}

// Resolver maps arbitrary byte keys onto live cluster nodes via a
// consistent-hash ring kept in sync with membership changesets.
type Resolver struct {
	mon      *membership.Monitor
	selfID   string
	replicas int
	logger   *zap.Logger

	// mu makes a whole changeset's application atomic with respect to
	// Resolve.
	mu   sync.RWMutex
	ring *ring.Ring

	shutdown chan chan error
}

// ringNode adapts a membership.NodeID to the ring.Node interface.
type ringNode string

func (n ringNode) Name() string { return string(n) }

// Resolve returns the node_id owning key, or false if the ring is empty.
func (r *Resolver) Resolve(key []byte) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.ring.Get(key)
	if !ok {
		return "", false
	}
	return n.Name(), true
}

// Apply applies one changeset to the ring under the write lock, atomically.
func (r *Resolver) Apply(cs membership.Changeset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range cs {
		switch ch.Type {
		case membership.Added:
			if string(ch.Node.ID) == r.selfID {
				continue
			}
			r.ring.Add(ringNode(ch.Node.ID), r.replicas)
		case membership.Removed:
			r.ring.Remove(string(ch.Node.ID))
		case membership.Updated:
			// Address updates don't reshuffle partitions.
		}
	}
}

// Run spawns the background loop that subscribes to the monitor's
// changeset stream and applies every changeset to the ring, then returns
// immediately. Call Stop to end the loop and block until it has exited.
func (r *Resolver) Run() error {
	go r.applyLoop()
	return nil
}

func (r *Resolver) applyLoop() {
	ch, unsubscribe := r.mon.Watch()
	defer unsubscribe()

	for {
		select {
		case errCh := <-r.shutdown:
			errCh <- nil
			return

		case cs, ok := <-ch:
			if !ok {
				return
			}
			r.Apply(cs)
		}
	}
}

// Stop signals the apply loop to exit. It returns promptly even if a
// changeset application is pending.
func (r *Resolver) Stop() error {
	errCh := make(chan error)
	r.shutdown <- errCh
	return <-errCh
}

// Package channelstore maintains one lazy gRPC channel per live peer,
// keyed by node_id, reconciled on every membership changeset.
package channelstore

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mcastellin/taskmesh/internal/membership"
)

// kvEndpointKey is the KV key a node must publish for others to dial it.
const kvEndpointKey = "grpc_endpoint"

// entry pairs an advertised address with the lazily-dialed connection to
// it, so a reconnect-on-address-change only happens when the address
// actually moved.
type entry struct {
	addr string
	conn *grpc.ClientConn
}

// New constructs an empty Store for selfID; selfID is never inserted even
// if it appears in an Added/Updated changeset entry.
func New(selfID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		selfID:   selfID,
		entries:  map[string]entry{},
		logger:   logger,
		shutdown: make(chan chan error),
	}
}

// Store holds one lazy *grpc.ClientConn per live peer, keyed by node_id.
type Store struct {
	selfID string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry

	shutdown chan chan error
}

// Get returns a cheap handle to the channel for nodeID, or false if the
// node is unknown, excluded as self, or not yet reconciled.
func (s *Store) Get(nodeID string) (*grpc.ClientConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[nodeID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Apply reconciles one changeset under the write lock.
func (s *Store) Apply(cs membership.Changeset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range cs {
		switch ch.Type {
		case membership.Added, membership.Updated:
			if string(ch.Node.ID) == s.selfID {
				continue
			}
			s.upsert(ch.Node)
		case membership.Removed:
			s.drop(string(ch.Node.ID))
		}
	}
}

func (s *Store) upsert(node membership.NodeInfo) {
	addr, ok := node.KV[kvEndpointKey]
	if !ok || addr == "" {
		s.logger.Warn("node missing grpc_endpoint, skipping",
			zap.String("node_id", string(node.ID)))
		return
	}

	id := string(node.ID)
	if existing, ok := s.entries[id]; ok {
		if existing.addr == addr {
			return
		}
		existing.conn.Close()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		s.logger.Error("failed to create channel",
			zap.String("node_id", id), zap.String("addr", addr), zap.Error(err))
		return
	}
	s.entries[id] = entry{addr: addr, conn: conn}
}

func (s *Store) drop(nodeID string) {
	e, ok := s.entries[nodeID]
	if !ok {
		return
	}
	e.conn.Close()
	delete(s.entries, nodeID)
}

// Run spawns the background loop that subscribes to mon's changeset stream
// and reconciles the store, then returns immediately. Call Stop to end the
// loop and block until it has exited.
func (s *Store) Run(mon *membership.Monitor) error {
	go s.reconcileLoop(mon)
	return nil
}

func (s *Store) reconcileLoop(mon *membership.Monitor) {
	ch, unsubscribe := mon.Watch()
	defer unsubscribe()

	for {
		select {
		case errCh := <-s.shutdown:
			errCh <- nil
			return

		case cs, ok := <-ch:
			if !ok {
				return
			}
			s.Apply(cs)
		}
	}
}

// Stop signals the apply loop to exit and closes every open channel.
func (s *Store) Stop() error {
	errCh := make(chan error)
	s.shutdown <- errCh
	err := <-errCh

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.conn.Close()
		delete(s.entries, id)
	}
	return err
}

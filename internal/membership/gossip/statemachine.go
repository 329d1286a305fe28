// Package gossip implements an epidemic-style (SWIM-like) membership
// transport: nodes exchange their known state with randomly selected peers
// over net/rpc and merge whichever side holds fresher information.
//
// Identity here is split in two layers on purpose: the StateMachine is keyed
// by the node's dial address (NodeAddr), because that's the only thing a
// node knows about a seed before ever hearing from it. The stable cluster
// identity (NodeID) travels inside EndpointState itself, announced by each
// node about itself, and is what the membership monitor built on top of
// this package uses to derive Added/Updated/Removed changesets.
package gossip

import (
	"slices"
	"sync"
)

// taintedThreshold is the number of consecutive failed gossip interactions
// with a peer after which it is considered offline.
const taintedThreshold = 3

// NodeAddr is the network dial address (host:port) of a gossip peer.
type NodeAddr string

// NodeID is the stable cluster identity of a node, independent of its dial
// address or incarnation.
type NodeID string

// HeartBeatState carries the liveness bookkeeping for one node.
// Generation distinguishes successive incarnations (process restarts);
// Version increases on every self-beat or state change within the same
// incarnation; Tainted counts consecutive failed gossip attempts.
type HeartBeatState struct {
	Generation, Version, Tainted uint64
}

// Active reports whether this HeartBeatState should still be considered
// part of the live set.
func (hb HeartBeatState) Active() bool {
	return hb.Tainted < taintedThreshold
}

// EndpointState is everything one node knows, and gossips, about another.
type EndpointState struct {
	Addr      NodeAddr
	ID        NodeID
	HeartBeat HeartBeatState
	KV        map[string]string
}

// clone returns a deep copy safe to hand outside the state machine's lock.
func (s EndpointState) clone() EndpointState {
	out := s
	if s.KV != nil {
		out.KV = make(map[string]string, len(s.KV))
		for k, v := range s.KV {
			out.KV[k] = v
		}
	}
	return out
}

// NewStateMachine creates an empty StateMachine.
func NewStateMachine() *StateMachine {
	return &StateMachine{store: map[NodeAddr]EndpointState{}}
}

// StateMachine holds the local view of cluster membership, keyed by dial
// address. Safe for concurrent use.
type StateMachine struct {
	mu    sync.RWMutex
	store map[NodeAddr]EndpointState
}

// Peers returns the known EndpointStates. When onlineOnly is true, only
// addresses whose heartbeat is still Active are returned.
func (s *StateMachine) Peers(onlineOnly bool) map[NodeAddr]EndpointState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[NodeAddr]EndpointState, len(s.store))
	for addr, st := range s.store {
		if onlineOnly && !st.HeartBeat.Active() {
			continue
		}
		out[addr] = st.clone()
	}
	return out
}

// RandomPeers returns up to num distinct addresses from the online peer set,
// excluding any address in exclude.
func (s *StateMachine) RandomPeers(num int, exclude []NodeAddr) []NodeAddr {
	online := s.Peers(true)

	candidates := make([]NodeAddr, 0, len(online))
	for addr := range online {
		if !slices.Contains(exclude, addr) {
			candidates = append(candidates, addr)
		}
	}

	idxs := randIndexes(len(candidates), num)
	out := make([]NodeAddr, len(idxs))
	for i, idx := range idxs {
		out[i] = candidates[idx]
	}
	return out
}

// Beat increases the Version of addr's own heartbeat and clears its taint
// counter. Used by a node to advertise its own liveness.
func (s *StateMachine) Beat(addr NodeAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.store[addr]
	if !ok {
		return
	}
	elem.HeartBeat.Version++
	elem.HeartBeat.Tainted = 0
	s.store[addr] = elem
}

// Taint increases addr's taint counter after a failed gossip attempt.
func (s *StateMachine) Taint(addr NodeAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.store[addr]
	if !ok {
		return
	}
	elem.HeartBeat.Version++
	elem.HeartBeat.Tainted++
	s.store[addr] = elem
}

// Seed inserts or overwrites the state for addr unconditionally. Used only
// to bootstrap initial knowledge of self and configured seeds.
func (s *StateMachine) Seed(state EndpointState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[state.Addr] = state.clone()
}

// Update merges an incoming EndpointState into local storage. If the local
// copy is strictly fresher than the incoming one (higher generation, or the
// same generation and a higher version), the local copy is returned so the
// caller can share it back with whoever sent the stale data. Otherwise,
// including on an equal generation and version, local storage is replaced
// and nil is returned.
func (s *StateMachine) Update(incoming EndpointState) *EndpointState {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := incoming.Addr
	local, exists := s.store[key]
	if !exists {
		s.store[key] = incoming.clone()
		return nil
	}

	switch {
	case local.HeartBeat.Generation > incoming.HeartBeat.Generation:
		out := local.clone()
		return &out
	case local.HeartBeat.Generation < incoming.HeartBeat.Generation:
		s.store[key] = incoming.clone()
		return nil
	}
	if local.HeartBeat.Version <= incoming.HeartBeat.Version {
		s.store[key] = incoming.clone()
		return nil
	}
	out := local.clone()
	return &out
}

// Package ring implements a consistent hash ring used to map partition keys
// to the cluster node that owns them.
package ring

import (
	"fmt"
	"sort"
	"sync"
)

// Node is the capability the ring needs from anything it stores: a stable
// string name used both as the map key and as the seed for virtual points.
type Node interface {
	Name() string
}

// StringNode is a convenience Node implementation for plain node ids.
type StringNode string

// Name returns the node id as a string.
func (n StringNode) Name() string { return string(n) }

type point struct {
	hash uint64
	node Node
}

// New creates an empty Ring using hasher to place nodes and keys.
func New(hasher Hasher) *Ring {
	return &Ring{hasher: hasher, replicas: map[string]int{}}
}

// Ring maps arbitrary byte keys to one of its registered nodes using
// consistent hashing with virtual replicas. Safe for concurrent use.
type Ring struct {
	mu     sync.RWMutex
	hasher Hasher

	points   []point
	replicas map[string]int
}

// Add inserts r virtual points for node. Idempotent: if the node is already
// present it is removed and reinserted, so a repeated Add with the same
// replica count is a no-op on the resulting ring shape.
func (r *Ring) Add(node Node, replicas int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := node.Name()
	if _, ok := r.replicas[name]; ok {
		r.removeLocked(name)
	}

	for i := 0; i < replicas; i++ {
		key := fmt.Sprintf("%s:%d", name, i)
		r.points = append(r.points, point{hash: r.hasher.Hash([]byte(key)), node: node})
	}
	r.replicas[name] = replicas

	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
}

// Remove deletes all virtual points owned by the node with the given name.
// No-op if the node is not present.
func (r *Ring) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
}

func (r *Ring) removeLocked(name string) {
	if _, ok := r.replicas[name]; !ok {
		return
	}
	filtered := r.points[:0]
	for _, p := range r.points {
		if p.node.Name() != name {
			filtered = append(filtered, p)
		}
	}
	r.points = filtered
	delete(r.replicas, name)
}

// Get returns the node owning key: the first virtual point with hash >=
// H(key), wrapping around to the lowest point if key hashes past the end.
// The second return value is false iff the ring is empty.
func (r *Ring) Get(key []byte) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return nil, false
	}

	h := r.hasher.Hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].node, true
}

// Len returns the total number of virtual points currently in the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// IsEmpty reports whether the ring has no nodes.
func (r *Ring) IsEmpty() bool {
	return r.Len() == 0
}

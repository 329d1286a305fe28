// Package membership turns the low-level gossip transport into a stream of
// semantic cluster membership changes, keyed by the stable NodeID each node
// announces about itself rather than by its transient dial address.
package membership

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/taskmesh/internal/membership/gossip"
)

// ChangeType classifies one entry of a Changeset.
type ChangeType int

const (
	Added ChangeType = iota
	Updated
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// NodeInfo is the semantic, NodeID-keyed view of a cluster member.
type NodeInfo struct {
	ID         gossip.NodeID
	Addr       gossip.NodeAddr
	Generation uint64
	KV         map[string]string
}

// Change is a single membership transition carried in a Changeset.
type Change struct {
	Type ChangeType
	Node NodeInfo
}

// Changeset is one atomically-derived batch of membership transitions,
// applied by subscribers in the order the entries appear.
type Changeset []Change

// Config bundles the parameters needed to construct a Monitor.
type Config struct {
	BindAddr      gossip.NodeAddr
	SelfID        gossip.NodeID
	SeedDialAddrs []gossip.NodeAddr
	Generation    uint64
	InitialKV     map[string]string
	PollInterval  time.Duration
	Logger        *zap.Logger
}

// NewMonitor constructs a Monitor. Call Run to start gossiping and
// publishing changesets.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	g := gossip.NewGossiper(gossip.Config{
		BindAddr:      cfg.BindAddr,
		SelfID:        cfg.SelfID,
		SeedDialAddrs: cfg.SeedDialAddrs,
		Generation:    cfg.Generation,
		InitialKV:     cfg.InitialKV,
		RoundInterval: poll,
		Logger:        logger,
	})

	return &Monitor{
		g:          g,
		selfID:     cfg.SelfID,
		poll:       poll,
		logger:     logger,
		trackedGen: map[gossip.NodeID]uint64{},
		prevLive:   map[gossip.NodeID]NodeInfo{},
		subs:       map[int]chan Changeset{},
		closing:    make(chan chan error),
	}
}

// Monitor derives NodeID-keyed Added/Updated/Removed changesets from the
// gossip transport's address-keyed snapshots and publishes them to any
// number of subscribers.
type Monitor struct {
	g      *gossip.Gossiper
	selfID gossip.NodeID
	poll   time.Duration
	logger *zap.Logger

	mu sync.Mutex
	// trackedGen remembers the highest generation ever observed for a
	// NodeID, including after it is removed, so a stale resurrection of a
	// previous incarnation can be rejected.
	trackedGen map[gossip.NodeID]uint64
	prevLive   map[gossip.NodeID]NodeInfo

	subMu  sync.Mutex
	subs   map[int]chan Changeset
	nextID int

	closing  chan chan error
	shutdown sync.Once
}

// SelfID returns this node's own cluster identity.
func (m *Monitor) SelfID() gossip.NodeID {
	return m.selfID
}

// Run starts the underlying gossip transport and the background
// changeset-derivation loop, then returns immediately. Call Shutdown (or
// Stop) to stop the loop and block until it has exited.
func (m *Monitor) Run() error {
	if err := m.g.Serve(); err != nil {
		return fmt.Errorf("starting gossip transport: %w", err)
	}

	go m.tickLoop()
	return nil
}

func (m *Monitor) tickLoop() {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case errCh := <-m.closing:
			errCh <- m.g.Shutdown()
			return

		case <-ticker.C:
			m.tick()
		}
	}
}

// Shutdown stops the monitor and the gossip transport beneath it. Safe to
// call once; calling it again returns an error.
func (m *Monitor) Shutdown() error {
	var err error
	called := false
	m.shutdown.Do(func() {
		called = true
		errCh := make(chan error)
		m.closing <- errCh
		err = <-errCh
	})
	if !called {
		return fmt.Errorf("monitor already shutdown")
	}
	return err
}

// Stop is an alias for Shutdown, satisfying the application's uniform
// worker lifecycle interface.
func (m *Monitor) Stop() error {
	return m.Shutdown()
}

// Watch registers a new subscriber for membership changesets. If nodes are
// already live, the first changeset received is a synthetic snapshot with
// one Added entry per live node. The returned channel is closed when
// unsubscribe is called. A subscriber that falls behind has changesets
// dropped for it rather than blocking the monitor; the drop is logged as a
// warning.
func (m *Monitor) Watch() (ch <-chan Changeset, unsubscribe func()) {
	m.mu.Lock()
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	c := make(chan Changeset, 16)
	if len(m.prevLive) > 0 {
		initial := make(Changeset, 0, len(m.prevLive))
		for _, info := range m.prevLive {
			initial = append(initial, Change{Type: Added, Node: info})
		}
		c <- initial
	}
	m.subs[id] = c
	m.subMu.Unlock()
	m.mu.Unlock()

	return c, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if existing, ok := m.subs[id]; ok {
			close(existing)
			delete(m.subs, id)
		}
	}
}

func (m *Monitor) publish(cs Changeset) {
	if len(cs) == 0 {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, c := range m.subs {
		select {
		case c <- cs:
		default:
			m.logger.Warn("dropping changeset for slow subscriber", zap.Int("subscriber", id))
		}
	}
}

func (m *Monitor) tick() {
	snapshot := m.g.Store().Peers(true)

	nextLive := make(map[gossip.NodeID]NodeInfo, len(snapshot))
	for _, st := range snapshot {
		if st.ID == "" {
			// Not-yet-identified seed entry: we dialed it from config but
			// have never heard it announce itself.
			continue
		}
		nextLive[st.ID] = NodeInfo{
			ID:         st.ID,
			Addr:       st.Addr,
			Generation: st.HeartBeat.Generation,
			KV:         st.KV,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cs Changeset

	for id, info := range nextLive {
		prev, wasLive := m.prevLive[id]
		switch {
		case !wasLive:
			if tracked, known := m.trackedGen[id]; known && info.Generation < tracked {
				m.logger.Warn("dead_node_resurrected",
					zap.String("node_id", string(id)),
					zap.Uint64("incoming_generation", info.Generation),
					zap.Uint64("tracked_generation", tracked))
				continue
			}
			m.trackedGen[id] = info.Generation
			cs = append(cs, Change{Type: Added, Node: info})

		case info.Generation != prev.Generation || !kvEqual(info, prev):
			m.trackedGen[id] = info.Generation
			cs = append(cs, Change{Type: Updated, Node: info})
		}
	}

	for id, prev := range m.prevLive {
		if _, stillLive := nextLive[id]; stillLive {
			continue
		}
		if m.trackedGen[id] != prev.Generation {
			// Generation moved on without us observing it as Updated
			// first; the Removed for the now-stale incarnation doesn't
			// apply here. Keep trackedGen memory intact regardless.
			continue
		}
		cs = append(cs, Change{Type: Removed, Node: prev})
	}

	m.prevLive = nextLive
	m.publish(cs)
}

func kvEqual(a, b NodeInfo) bool {
	if len(a.KV) != len(b.KV) {
		return false
	}
	for k, v := range a.KV {
		if bv, ok := b.KV[k]; !ok || bv != v {
			return false
		}
	}
	return a.Addr == b.Addr
}

package gossip

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// numGossipRoundPeers is the number of peers contacted on every round.
	numGossipRoundPeers = 2
	// gossipReceiverRPC is the name the Receiver is registered under.
	gossipReceiverRPC = "GossReceiver"
)

// Config bundles the parameters needed to start a Gossiper.
type Config struct {
	BindAddr      NodeAddr
	SelfID        NodeID
	SeedDialAddrs []NodeAddr
	Generation    uint64
	InitialKV     map[string]string
	RoundInterval time.Duration
	Logger        *zap.Logger
}

// NewGossiper creates a Gossiper from cfg. Call Serve to start it.
func NewGossiper(cfg Config) *Gossiper {
	store := NewStateMachine()
	engine := rpc.NewServer()
	engine.RegisterName(gossipReceiverRPC, NewReceiver(store))

	interval := cfg.RoundInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &Gossiper{
		cfg:      cfg,
		closing:  make(chan chan error),
		engine:   engine,
		store:    store,
		interval: interval,
		logger:   cfg.Logger,
	}
}

// Gossiper is a hand-rolled epidemic-style membership transport: on every
// round it exchanges its full known state with a handful of random peers
// over net/rpc, merging whichever side holds fresher information.
type Gossiper struct {
	cfg      Config
	interval time.Duration
	logger   *zap.Logger

	closing    chan chan error
	engine     *rpc.Server
	store      *StateMachine
	shutdown   bool
	muShutdown sync.RWMutex
}

// Store exposes the underlying StateMachine so a membership monitor can
// poll snapshots from it.
func (g *Gossiper) Store() *StateMachine {
	return g.store
}

// Serve binds the gossip transport's TCP listener and starts the
// background heartbeat and gossip-round goroutines, then returns.
func (g *Gossiper) Serve() error {
	g.initState()

	g.muShutdown.Lock()
	g.shutdown = false
	g.muShutdown.Unlock()

	l, err := net.Listen("tcp", string(g.cfg.BindAddr))
	if err != nil {
		return fmt.Errorf("gossip listen %s: %w", g.cfg.BindAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go g.serveLoop(l, cancel)
	go g.heartBeatLoop(ctx)
	go g.gossipRound(ctx)

	return nil
}

// Shutdown stops the gossip loops and releases the listener.
func (g *Gossiper) Shutdown() error {
	g.muShutdown.RLock()
	already := g.shutdown
	g.muShutdown.RUnlock()
	if already {
		return fmt.Errorf("gossiper already shutdown")
	}

	g.muShutdown.Lock()
	g.shutdown = true
	g.muShutdown.Unlock()

	errCh := make(chan error)
	g.closing <- errCh
	return <-errCh
}

func (g *Gossiper) initState() {
	g.store.Seed(EndpointState{
		Addr:      g.cfg.BindAddr,
		ID:        g.cfg.SelfID,
		HeartBeat: HeartBeatState{Generation: g.cfg.Generation, Version: 0},
		KV:        g.cfg.InitialKV,
	})
	for _, seed := range g.cfg.SeedDialAddrs {
		if seed == g.cfg.BindAddr {
			continue
		}
		g.store.Seed(EndpointState{
			Addr:      seed,
			HeartBeat: HeartBeatState{Generation: 0, Version: 0},
		})
	}
	g.store.Beat(g.cfg.BindAddr)
}

// heartBeatLoop beats this node's own heartbeat once per round interval,
// so liveness tracks round cadence.
func (g *Gossiper) heartBeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.interval):
			g.store.Beat(g.cfg.BindAddr)
		}
	}
}

func (g *Gossiper) gossipRound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.interval):
			g.runRound()
		}
	}
}

func (g *Gossiper) runRound() {
	peers := g.store.RandomPeers(numGossipRoundPeers, []NodeAddr{g.cfg.BindAddr})
	if len(peers) == 0 {
		return
	}

	for _, peer := range peers {
		client, err := rpc.Dial("tcp", string(peer))
		if err != nil {
			if g.logger != nil {
				g.logger.Debug("gossip dial failed", zap.String("peer", string(peer)), zap.Error(err))
			}
			g.store.Taint(peer)
			continue
		}

		known := g.store.Peers(false)
		states := make([]EndpointState, 0, len(known))
		for _, st := range known {
			states = append(states, st)
		}

		req := Envelope{States: states}
		var reply Envelope
		if err := client.Call(fmt.Sprintf("%s.Gossip", gossipReceiverRPC), &req, &reply); err != nil {
			if g.logger != nil {
				g.logger.Debug("gossip call failed", zap.String("peer", string(peer)), zap.Error(err))
			}
			g.store.Taint(peer)
			client.Close()
			continue
		}

		for _, st := range reply.States {
			g.store.Update(st)
		}
		client.Close()
	}
}

// serveLoop accepts incoming gossip RPC connections until shutdown is
// signaled. Accept and serve are split into two select cases so a pending
// Accept never delays responding to a shutdown request.
func (g *Gossiper) serveLoop(l net.Listener, cancel context.CancelFunc) {
	defer l.Close()
	defer cancel()

	accepting := make(chan struct{}, 1)
	serving := make(chan net.Conn, 1)
	accepting <- struct{}{}

	for {
		select {
		case <-accepting:
			go func() {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				serving <- conn
			}()

		case conn, ok := <-serving:
			if !ok {
				return
			}
			go g.engine.ServeConn(conn)
			accepting <- struct{}{}

		case errCh := <-g.closing:
			errCh <- nil
			return
		}
	}
}

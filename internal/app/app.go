// Package app composes the membership monitor, partition resolver, channel
// store, and routing middleware into one running node, following the
// startup and shutdown order the spec mandates.
package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/siderolabs/grpc-proxy/proxy"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/mcastellin/taskmesh/internal/channelstore"
	"github.com/mcastellin/taskmesh/internal/dnsresolve"
	"github.com/mcastellin/taskmesh/internal/membership"
	"github.com/mcastellin/taskmesh/internal/membership/gossip"
	"github.com/mcastellin/taskmesh/internal/resolver"
	"github.com/mcastellin/taskmesh/internal/router"
	"github.com/mcastellin/taskmesh/internal/store"
	"github.com/mcastellin/taskmesh/internal/taskservice"
)

// Config bundles the CLI-exposed startup parameters.
type Config struct {
	Hostname         string
	GossipListenAddr string
	GossipPort       int
	GossipIntervalMs int
	GRPCListenAddr   string
	GRPCPort         int
	NodeID           string
	Seeds            []string
	Backing          store.Store
	Logger           *zap.Logger
}

// workerStarterStopper is the uniform lifecycle every long-running
// component of the node exposes.
type workerStarterStopper interface {
	Run() error
	Stop() error
}

// App owns every component's lifecycle and enforces the startup/shutdown
// order the spec mandates.
type App struct {
	logger  *zap.Logger
	workers []workerStarterStopper
	cleanup func()

	grpcListener net.Listener
	grpcServer   *grpc.Server
	internalSrv  *grpc.Server
	internalLn   net.Listener
}

// AddWorker registers w to be started (in registration order) and stopped
// (in reverse order) by Run.
func (a *App) AddWorker(w workerStarterStopper) {
	a.logger.Debug("registering background worker", zap.String("type", fmt.Sprintf("%T", w)))
	a.workers = append(a.workers, w)
}

// SetCleanupFn registers a best-effort cleanup invoked after Run returns.
func (a *App) SetCleanupFn(cleanup func()) {
	a.cleanup = cleanup
}

// monitorWorker adapts membership.Monitor to workerStarterStopper: Run and
// Stop already match the shape, this just narrows the type.
type monitorWorker struct{ *membership.Monitor }

// storeWorker adapts channelstore.Store's Run(mon)/Stop() shape to the
// uniform, no-argument interface the other workers use.
type storeWorker struct {
	store *channelstore.Store
	mon   *membership.Monitor
}

func (w storeWorker) Run() error  { return w.store.Run(w.mon) }
func (w storeWorker) Stop() error { return w.store.Stop() }

// New resolves cfg's public address, builds every component, and wires
// them together. Components are not started until Run is called.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	publicAddr, err := dnsresolve.PublicAddr(ctx, cfg.Hostname, strconv.Itoa(cfg.GossipPort))
	if err != nil {
		return nil, fmt.Errorf("resolving public gossip address: %w", err)
	}
	logger.Info("resolved public gossip address", zap.String("addr", publicAddr))

	seedAddrs := make([]gossip.NodeAddr, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		addr, err := dnsresolve.PublicAddr(ctx, seed, strconv.Itoa(cfg.GossipPort))
		if err != nil {
			return nil, fmt.Errorf("resolving seed %q: %w", seed, err)
		}
		seedAddrs = append(seedAddrs, gossip.NodeAddr(addr))
	}

	grpcEndpoint := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.GRPCPort)

	mon := membership.NewMonitor(membership.Config{
		BindAddr:      gossip.NodeAddr(cfg.GossipListenAddr),
		SelfID:        gossip.NodeID(cfg.NodeID),
		SeedDialAddrs: seedAddrs,
		Generation:    uint64(time.Now().Unix()),
		InitialKV:     map[string]string{"grpc_endpoint": grpcEndpoint},
		PollInterval:  time.Duration(cfg.GossipIntervalMs) * time.Millisecond,
		Logger:        logger,
	})

	res := resolver.New(mon, cfg.NodeID, resolver.DefaultReplicas, logger)
	chStore := channelstore.New(cfg.NodeID, logger)

	internalLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding internal task service listener: %w", err)
	}
	internalSrv := grpc.NewServer(taskservice.ServerOptions()...)
	taskservice.Register(internalSrv, taskservice.NewServer(cfg.Backing, logger))

	localBackend := router.NewLocalBackend(internalLn.Addr().String(), logger)
	director := router.NewDirector(cfg.NodeID, localBackend, res, chStore, logger)

	grpcLn, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		internalLn.Close()
		return nil, fmt.Errorf("binding grpc listener %s: %w", cfg.GRPCListenAddr, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ForceServerCodecV2(proxy.Codec()),
		grpc.UnknownServiceHandler(proxy.TransparentHandler(director.Director)),
	)
	reflection.Register(grpcServer)

	a := &App{
		logger:       logger,
		grpcListener: grpcLn,
		grpcServer:   grpcServer,
		internalSrv:  internalSrv,
		internalLn:   internalLn,
	}

	a.AddWorker(monitorWorker{mon})
	a.AddWorker(res)
	a.AddWorker(storeWorker{store: chStore, mon: mon})

	a.SetCleanupFn(func() {
		localBackend.Close()
	})

	return a, nil
}

// Run starts every registered worker in order, starts both gRPC servers,
// then blocks until an interrupt/TERM signal arrives or either gRPC server
// stops serving. Shutdown proceeds in reverse: gRPC servers drain first,
// then workers stop in the reverse of their start order; a worker's Stop
// error is logged and the remaining workers are still stopped.
func (a *App) Run() error {
	if a.cleanup != nil {
		defer a.cleanup()
	}

	for _, w := range a.workers {
		if err := w.Run(); err != nil {
			return fmt.Errorf("starting worker %T: %w", w, err)
		}
		a.logger.Info("background worker started", zap.String("type", fmt.Sprintf("%T", w)))
		defer func(w workerStarterStopper) {
			if err := w.Stop(); err != nil {
				a.logger.Error("worker stop failed", zap.String("type", fmt.Sprintf("%T", w)), zap.Error(err))
			}
		}(w)
	}

	serveErrs := make(chan error, 2)
	go func() { serveErrs <- a.internalSrv.Serve(a.internalLn) }()
	go func() { serveErrs <- a.grpcServer.Serve(a.grpcListener) }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		runErr = err
	}

	a.grpcServer.GracefulStop()
	a.internalSrv.GracefulStop()

	return runErr
}

// Shutdown triggers the same graceful shutdown path as an interrupt signal
// would, for callers driving the App programmatically (tests, embedding):
// it drains both gRPC servers, which makes Run return and stop the workers
// in reverse order. Wait for Run to return to know the workers are stopped.
func (a *App) Shutdown() error {
	a.grpcServer.GracefulStop()
	a.internalSrv.GracefulStop()
	return nil
}

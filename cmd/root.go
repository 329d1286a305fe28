// Package cmd wires the spec's CLI flags into application composition,
// following the teacher's cobra root-command pattern.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/taskmesh/internal/app"
	"github.com/mcastellin/taskmesh/internal/store"
	"github.com/mcastellin/taskmesh/internal/store/memory"
	"github.com/mcastellin/taskmesh/internal/store/postgres"
)

const usage = `taskmesh runs one node of a clustered task routing mesh.

Nodes discover each other via gossip, derive a consistent-hash partition map
from cluster membership, and route incoming gRPC calls to whichever node
currently owns the caller-supplied partition key.

EXAMPLES:
  Start a seed node:
    taskmesh --node-id n1

  Start a second node, joining the first:
    taskmesh --node-id n2 --gossip-listen-addr 127.0.0.1:8930 \
      --grpc-listen-addr 127.0.0.1:8931 --grpc-port 8931 --seeds localhost`

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "A clustered task routing mesh node",
	Long:  usage,
	RunE:  runNode,
}

var (
	hostname         string
	gossipListenAddr string
	gossipPort       int
	gossipIntervalMs int
	grpcListenAddr   string
	grpcPort         int
	nodeID           string
	seeds            string
	storeDSN         string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&hostname, "hostname", "localhost", "hostname advertised to the rest of the cluster")
	flags.StringVar(&gossipListenAddr, "gossip-listen-addr", "127.0.0.1:8920", "local address the gossip transport binds to")
	flags.IntVar(&gossipPort, "gossip-port", 8920, "port appended to the resolved public gossip address")
	flags.IntVar(&gossipIntervalMs, "gossip-intvl", 500, "gossip round interval, in milliseconds")
	flags.StringVar(&grpcListenAddr, "grpc-listen-addr", "127.0.0.1:8921", "local address the gRPC server binds to")
	flags.IntVar(&grpcPort, "grpc-port", 8921, "port gossiped as part of this node's grpc_endpoint")
	flags.StringVar(&nodeID, "node-id", "", "unique identity for this node (required)")
	flags.StringVar(&seeds, "seeds", "", "comma-separated list of gossip seed hostnames")
	flags.StringVar(&storeDSN, "store-dsn", "", "Postgres connection string for the demo task store; in-memory when unset")

	_ = rootCmd.MarkFlagRequired("node-id")
}

func runNode(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	backing, err := openBacking(logger)
	if err != nil {
		return err
	}

	seedList := splitSeeds(seeds)

	a, err := app.New(cmd.Context(), app.Config{
		Hostname:         hostname,
		GossipListenAddr: gossipListenAddr,
		GossipPort:       gossipPort,
		GossipIntervalMs: gossipIntervalMs,
		GRPCListenAddr:   grpcListenAddr,
		GRPCPort:         grpcPort,
		NodeID:           nodeID,
		Seeds:            seedList,
		Backing:          backing,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("composing node: %w", err)
	}

	return a.Run()
}

func openBacking(logger *zap.Logger) (store.Store, error) {
	if storeDSN == "" {
		logger.Info("no --store-dsn given, running the demo task store in memory")
		return memory.New(), nil
	}
	s, err := postgres.Open(storeDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return s, nil
}

func splitSeeds(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Execute runs the root command, using the background context as its base.
func Execute() {
	rootCmd.SetContext(context.Background())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

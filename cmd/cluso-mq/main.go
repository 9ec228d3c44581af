package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/admin"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/metrics"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/server"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "cluso-mq.yaml", "Path to the node configuration")
	logLevel := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	transportKind := flag.String("transport", "mangos", "Cluster transport: mangos or zmq")
	flag.Parse()

	if err := run(*configPath, *logLevel, *transportKind); err != nil {
		fmt.Fprintf(os.Stderr, "cluso-mq: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel, transportKind string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.NewZapLogger(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	defer func() { _ = logger.Sync() }()

	reg := metrics.NewRegistry()

	codec := protocol.NewCodec(cfg.Replication.CompressThreshold)
	topts := transport.MangosOptions{
		Codec:       &codec,
		Logger:      logger,
		CallTimeout: cfg.Cluster.CallTimeout,
	}
	var tr transport.Transport
	switch transportKind {
	case "mangos":
		tr = transport.NewMangos(topts)
	case "zmq":
		if tr, err = newZMQ(topts); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q", transportKind)
	}
	defer func() { _ = tr.Close() }()

	node, err := server.New(cfg, server.Deps{
		Logger:    logger,
		Metrics:   reg,
		Transport: tr,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting node",
		logging.String("name", cfg.Node.Name),
		logging.Addr(cfg.Node.ClusterAddr),
		logging.String("policy", string(cfg.HA.Type)),
		logging.String("strategy", string(cfg.HA.Strategy)))
	if err := node.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.New(cfg.Admin.Addr, node, admin.Options{Logger: logger})
		if err := adminServer.Start(); err != nil {
			_ = node.Halt()
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-node.Done():
		logger.Warn("node stopped", logging.String("role", node.Role()))
	}

	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownTimeout)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(stopCtx); err != nil && !errors.Is(err, server.ErrNotStarted) {
		return err
	}
	if node.Fenced() {
		return errors.New("node fenced after losing quorum")
	}
	return nil
}

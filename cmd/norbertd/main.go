package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepaksubu/norbert/internal/admin"
	"github.com/deepaksubu/norbert/pkg/cluster"
	"github.com/deepaksubu/norbert/pkg/codec"
	"github.com/deepaksubu/norbert/pkg/executor"
	"github.com/deepaksubu/norbert/pkg/filter"
	"github.com/deepaksubu/norbert/pkg/netserver"
	"github.com/deepaksubu/norbert/pkg/protocol"
	"github.com/deepaksubu/norbert/pkg/stats"
)

type sumRequest struct {
	Values []int64 `json:"values"`
}

type sumResponse struct {
	Total int64 `json:"total"`
}

func main() {
	configPath := flag.String("config", "norbert.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if zkServers := os.Getenv("ZK_SERVERS"); zkServers != "" {
		cfg.Coordinator.ConnectString = zkServers
	}

	sessionTimeout := time.Duration(cfg.Coordinator.SessionTimeoutMs) * time.Millisecond
	coordinator := cluster.NewZooKeeperCoordinator(cfg.Coordinator.ConnectString, cfg.Service.ServiceName, sessionTimeout)
	if err := coordinator.Start(); err != nil {
		slog.Error("failed to start coordinator", "err", err)
		os.Exit(1)
	}
	defer coordinator.Shutdown()

	if err := coordinator.AwaitConnection(10 * time.Second); err != nil {
		slog.Error("coordinator connection", "err", err)
		os.Exit(1)
	}

	registry := netserver.NewHandlerRegistry()
	statistics := stats.New(time.Duration(cfg.Request.StatisticsWindow) * time.Millisecond)
	exec := executor.New(executor.Config{
		CorePoolSize:              cfg.Request.CorePoolSize,
		MaxPoolSize:               cfg.Request.MaxPoolSize,
		KeepAlive:                 time.Duration(cfg.Request.KeepAliveSec) * time.Second,
		QueueCapacity:             cfg.Request.QueueSize,
		RequestTimeout:            time.Duration(cfg.Request.RequestTimeoutMs) * time.Millisecond,
		ResponseGenerationTimeout: time.Duration(cfg.Request.ResponseGenerationTimeoutMs) * time.Millisecond,
	}, registry, statistics)

	exec.AddFilters(filter.NewLoggingFilter(slog.Default()))
	if compression, err := filter.NewCompressionFilter(); err != nil {
		slog.Warn("compression filter disabled", "err", err)
	} else {
		exec.AddFilters(compression)
	}

	registry.Register("echo", func(ctx *protocol.RequestContext) ([]byte, error) {
		return ctx.Envelope.Payload, nil
	}, codec.BytesCodec{}, codec.BytesCodec{})

	registry.Register("sum", netserver.TypedHandler(codec.JSONCodec{},
		func(_ *protocol.RequestContext, req sumRequest) (sumResponse, error) {
			var total int64
			for _, v := range req.Values {
				total += v
			}
			return sumResponse{Total: total}, nil
		}), codec.JSONCodec{}, codec.JSONCodec{})

	server := netserver.NewServer(netserver.Options{
		Coordinator:             coordinator,
		Executor:                exec,
		Registry:                registry,
		SessionTimeout:          sessionTimeout,
		ShutdownPauseMultiplier: cfg.Request.ShutdownPauseMultiplier,
		AvoidPayloadCopy:        cfg.Request.AvoidPayloadCopy,
	})

	if err := server.Bind(cfg.Service.NodeID, true, 0); err != nil {
		slog.Error("bind failed", "node", cfg.Service.NodeID, "err", err)
		os.Exit(1)
	}

	adminServer := admin.NewServer(cfg.Service.ServiceName, statistics, cfg.Admin.Port)
	if err := adminServer.Start(); err != nil {
		slog.Error("admin server start", "err", err)
		os.Exit(1)
	}

	slog.Info("norbert node running",
		"service", cfg.Service.ServiceName,
		"client", cfg.Service.ClientName,
		"node", cfg.Service.NodeID,
		"addr", server.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return adminServer.Stop()
	})
	if err := g.Wait(); err != nil {
		slog.Error("shutdown", "err", err)
	}

	slog.Info("norbert node stopped")
}

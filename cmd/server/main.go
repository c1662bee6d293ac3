package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/config"
	"github.com/flowpool/flowpool/internal/discovery"
	"github.com/flowpool/flowpool/internal/logger"
	"github.com/flowpool/flowpool/internal/pool"
	"github.com/flowpool/flowpool/internal/server"
	"github.com/flowpool/flowpool/internal/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Pick the worker discovery source: an explicit address list wins, then
	// redis announcements, then the host/basePort pattern.
	var source discovery.Source
	switch {
	case len(cfg.WorkerAddrs) > 0:
		source = discovery.NewStatic(cfg.WorkerAddrs)
		logger.Info("flowpool: using static worker addresses", zap.Strings("addrs", cfg.WorkerAddrs))
	case cfg.RedisURL != "":
		rs, err := discovery.NewRedisSource(cfg.RedisURL, cfg.PoolSize, logger)
		if err != nil {
			logger.Fatal("flowpool: failed to connect to redis", zap.Error(err))
		}
		defer rs.Close()
		source = rs
		logger.Info("flowpool: using redis worker discovery", zap.Int("limit", cfg.PoolSize))
	default:
		source = discovery.NewPattern(cfg.WorkerHost, cfg.WorkerBasePort, cfg.PoolSize)
		logger.Info("flowpool: using patterned worker addresses",
			zap.String("host", cfg.WorkerHost),
			zap.Int("basePort", cfg.WorkerBasePort),
			zap.Int("poolSize", cfg.PoolSize))
	}

	mgr := pool.NewManager(pool.Config{
		WorkTimeout:   cfg.WorkTimeout(),
		ProbeInterval: cfg.ProbeInterval(),
		ProbeTimeout:  cfg.ProbeTimeout(),
	}, source, logger)

	if err := mgr.Initialize(context.Background()); err != nil {
		logger.Fatal("flowpool: failed to initialize pool", zap.Error(err))
	}

	// Execution trace events are optional; the pool runs fine without NATS.
	var recorder server.TraceRecorder
	if cfg.NATSURL != "" {
		pub, err := trace.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("flowpool: NATS not available, continuing without execution trace", zap.Error(err))
		} else {
			defer pub.Close()
			recorder = pub
			logger.Info("flowpool: NATS execution trace connected")
		}
	}

	srv := server.NewServer(mgr, recorder, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("flowpool: starting server", zap.String("addr", addr), zap.Int("poolSize", cfg.PoolSize))

	go func() {
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("flowpool: server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("flowpool: shutting down")
	if err := srv.Close(); err != nil {
		logger.Error("flowpool: error closing server", zap.Error(err))
	}
	mgr.Shutdown()
}

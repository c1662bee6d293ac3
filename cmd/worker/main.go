package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/config"
	"github.com/flowpool/flowpool/internal/discovery"
	"github.com/flowpool/flowpool/internal/logger"
	"github.com/flowpool/flowpool/internal/metrics"
	"github.com/flowpool/flowpool/internal/runner"
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

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger.Info("flowpool-worker: starting", zap.String("id", workerID))

	engine := runner.NewEngine(cfg.ExecTimeout(), logger)
	srv := runner.NewServer(engine, logger)

	// Standalone metrics listener; an empty addr disables it.
	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		logger.Info("flowpool-worker: metrics server started", zap.String("addr", cfg.MetricsAddr))
	}

	// Announce this worker to redis so the pool can discover it.
	if cfg.RedisURL != "" {
		advertise := cfg.AdvertiseURL
		if advertise == "" {
			advertise = fmt.Sprintf("http://localhost:%d", cfg.WorkerPort)
		}
		ann, err := discovery.NewAnnouncer(cfg.RedisURL, discovery.Endpoint{
			ID:   workerID,
			Name: workerID,
			Addr: advertise,
		}, logger)
		if err != nil {
			logger.Warn("flowpool-worker: redis announce not available", zap.Error(err))
		} else {
			ann.Start()
			defer ann.Stop()
			logger.Info("flowpool-worker: announcing to redis",
				zap.String("id", workerID), zap.String("addr", advertise))
		}
	}

	addr := fmt.Sprintf(":%d", cfg.WorkerPort)
	logger.Info("flowpool-worker: starting HTTP server", zap.String("addr", addr))

	go func() {
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("flowpool-worker: server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("flowpool-worker: shutting down")
	if err := srv.Close(); err != nil {
		logger.Error("flowpool-worker: error closing server", zap.Error(err))
	}
}

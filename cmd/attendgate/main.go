package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/essl-labs/attendgate/internal/attend/service"
	"github.com/essl-labs/attendgate/internal/attend/store"
	memstore "github.com/essl-labs/attendgate/internal/attend/store/memory"
	sqlstore "github.com/essl-labs/attendgate/internal/attend/store/sqlite"
	"github.com/essl-labs/attendgate/internal/config"
	"github.com/essl-labs/attendgate/internal/db"
	"github.com/essl-labs/attendgate/internal/httpapi"
	"github.com/essl-labs/attendgate/internal/logging"
)

func main() {
	cfg := config.FromEnv()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores.
	var (
		recordStore store.RecordStore
		deviceStore store.DeviceStore
		logStore    store.LogStore
		worker      *db.Worker
	)
	switch cfg.Backend {
	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer conn.Close()

		worker = db.NewWorker(conn)
		defer worker.Close()

		recordStore = sqlstore.NewRecordStore(conn, worker)
		deviceStore = sqlstore.NewDeviceStore(conn, worker)
		logStore = sqlstore.NewLogStore(conn, worker)
	default:
		recordStore = memstore.NewRecordStore()
		deviceStore = memstore.NewDeviceStore()
		logStore = memstore.NewLogStore()
	}

	// Services.
	sink := service.NewLogSink(logger, logStore)
	registry := service.NewDeviceRegistry(deviceStore, sink,
		time.Duration(cfg.OfflineAfterSeconds)*time.Second)
	dispatcher := service.NewCommandDispatcher(sink)
	ingest := service.NewIngestService(recordStore, registry, dispatcher, sink, cfg.BurstThreshold)
	poller := service.NewAutonomousPoller(registry, dispatcher, sink, service.PollerConfig{
		Interval:         time.Duration(cfg.PollerIntervalSeconds) * time.Second,
		FetchGrace:       time.Duration(cfg.FetchGraceSeconds) * time.Second,
		FetchMaxAttempts: cfg.FetchMaxAttempts,
	})
	sweeper := service.NewLivenessSweeper(registry, sink,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	retention := service.NewLogRetention(logStore, service.RetentionConfig{
		RetentionDays: cfg.LogRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)

	poller.Start(ctx)
	defer poller.Stop()
	sweeper.Start(ctx)
	defer sweeper.Stop()
	retention.Start(ctx)
	defer retention.Stop()

	// HTTP.
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger,
		Addr:        cfg.HTTPAddr,
		Sink:        sink,
		Registry:    registry,
		Ingest:      ingest,
		Dispatcher:  dispatcher,
		Poller:      poller,
		RecordStore: recordStore,
		LogStore:    logStore,
	})

	go func() {
		logger.Info("attendgate listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("backend", cfg.Backend))
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

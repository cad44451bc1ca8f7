// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/dispatcher"
	"github.com/jamesross/ollama-job-queue/internal/httpapi"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
	"github.com/jamesross/ollama-job-queue/internal/obs"
	"github.com/jamesross/ollama-job-queue/internal/redisclient"
	"github.com/jamesross/ollama-job-queue/internal/scheduler"
	"github.com/jamesross/ollama-job-queue/internal/selector"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to open database", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if cfg.Database.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	store, err := jobstore.New(db, cfg.Database.Driver)
	if err != nil {
		logger.Fatal("failed to init job store", obs.Err(err))
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	metrics := backendmetrics.New(rdb, cfg, logger)
	disp := dispatcher.New(store, metrics, rdb, cfg, logger)
	sel := selector.New(metrics, rdb, cfg)
	// The HTTP tier never dispatches jobs itself; the scheduler handle here
	// only serves CancelJob/RunArchiveNow/InFlightCount on behalf of handlers,
	// the dispatch/starvation/archive/snapshot loops are never started.
	sched := scheduler.New(cfg, store, disp, sel, metrics, nil, logger)

	srv := httpapi.NewServer(cfg, store, disp, sched, sel, metrics, rdb, logger)

	readyCheck := func(c context.Context) error {
		return db.PingContext(c)
	}
	obsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = obsSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.AdminAPI.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown error", obs.Err(err))
		}
	case err := <-errCh:
		logger.Fatal("api server stopped", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()
	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

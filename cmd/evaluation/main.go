package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/evaluation"
	"github.com/cms-dev/cms-sub006/internal/logging"
	"github.com/cms-dev/cms-sub006/internal/logservice"
	"github.com/cms-dev/cms-sub006/internal/metrics"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/internal/store"
)

func main() {
	configPath := flag.String("config", "cms.yaml", "Cluster address file")
	addr := flag.String("addr", ":8080", "Status API listen address")
	dbPath := flag.String("db", "", "Database path (default ~/.cms/cms.db)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	baseLogger := logging.NewServiceLogger(logging.ParseLevel(*logLevel), *logFormat, evaluation.Coord.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Resolve database path.
	path := *dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".cms")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "cms.db")
	}

	st, err := store.NewSQLiteStore(path, baseLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	baseLogger.Info("database ready", "path", path)

	collector := metrics.NewCollector()
	rpcSvc := rpc.New(evaluation.Coord, cfg, baseLogger, rpc.Options{Stats: collector})

	// Logs at warn and above are teed to LogService, best effort. The RPC
	// machinery itself keeps the plain logger so that a broken connection
	// cannot feed its own errors back into the wire.
	logger := baseLogger
	if lsRemote, err := rpcSvc.ConnectTo(logservice.Coord); err == nil {
		fw := logservice.NewClient(lsRemote, evaluation.Coord.String())
		logger = slog.New(logging.NewForwardHandler(baseLogger.Handler(), fw, slog.LevelWarn))
	} else {
		baseLogger.Warn("LogService not configured, keeping logs local", "error", err)
	}

	svc, err := evaluation.New(rpcSvc, st, cfg, logger, evaluation.Options{Stats: collector})
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluation service: %v\n", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: evaluation.NewAPI(svc, logger).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("status API starting", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status API failed", "error", err)
			os.Exit(1)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			logger.Error("evaluation service failed", "error", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
	svc.Stop()
	logger.Info("stopped")
}

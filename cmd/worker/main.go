package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/evaluation"
	"github.com/cms-dev/cms-sub006/internal/filestorage"
	"github.com/cms-dev/cms-sub006/internal/logging"
	"github.com/cms-dev/cms-sub006/internal/logservice"
	"github.com/cms-dev/cms-sub006/internal/rpc"
	"github.com/cms-dev/cms-sub006/internal/worker"
)

func main() {
	configPath := flag.String("config", "cms.yaml", "Cluster address file")
	shard := flag.Int("shard", 0, "Worker shard number")
	cacheDir := flag.String("cache-dir", "", "Source file cache directory (default $TMPDIR/cms-worker-<shard>)")
	compileTime := flag.Duration("compile-time", 2*time.Second, "Simulated compilation duration")
	evaluateTime := flag.Duration("evaluate-time", 5*time.Second, "Simulated evaluation duration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	coord := config.ServiceCoord{Name: "Worker", Shard: *shard}
	baseLogger := logging.NewServiceLogger(logging.ParseLevel(*logLevel), *logFormat, coord.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	rpcSvc := rpc.New(coord, cfg, baseLogger, rpc.Options{})

	esRemote, err := rpcSvc.ConnectTo(evaluation.Coord)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to evaluation service: %v\n", err)
		os.Exit(1)
	}

	logger := baseLogger
	if lsRemote, err := rpcSvc.ConnectTo(logservice.Coord); err == nil {
		fw := logservice.NewClient(lsRemote, coord.String())
		logger = slog.New(logging.NewForwardHandler(baseLogger.Handler(), fw, slog.LevelWarn))
	}

	var files *filestorage.FileClient
	if fsRemote, err := rpcSvc.ConnectTo(filestorage.Coord); err == nil {
		dir := *cacheDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), fmt.Sprintf("cms-worker-%d", *shard))
		}
		files, err = filestorage.NewFileClient(fsRemote, dir, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "file cache: %v\n", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("FileStorage not configured, sources will not be fetched", "error", err)
	}

	runner := &worker.SimulatedRunner{
		CompileTime:  *compileTime,
		EvaluateTime: *evaluateTime,
	}
	worker.New(rpcSvc, runner, files, esRemote, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "shard", *shard)
	if err := rpcSvc.Start(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

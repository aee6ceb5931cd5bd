package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/logging"
	"github.com/cms-dev/cms-sub006/internal/logservice"
	"github.com/cms-dev/cms-sub006/internal/rpc"
)

func main() {
	configPath := flag.String("config", "cms.yaml", "Cluster address file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	logger := logging.NewServiceLogger(logging.ParseLevel(*logLevel), *logFormat, logservice.Coord.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	rpcSvc := rpc.New(logservice.Coord, cfg, logger, rpc.Options{})
	logservice.New(rpcSvc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("log service starting")
	if err := rpcSvc.Start(ctx); err != nil {
		logger.Error("log service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

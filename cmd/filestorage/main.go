package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/filestorage"
	"github.com/cms-dev/cms-sub006/internal/logging"
	"github.com/cms-dev/cms-sub006/internal/rpc"
)

func main() {
	configPath := flag.String("config", "cms.yaml", "Cluster address file")
	dir := flag.String("dir", "", "Storage directory (default ~/.cms/files)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	logger := logging.NewServiceLogger(logging.ParseLevel(*logLevel), *logFormat, filestorage.Coord.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	path := *dir
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(home, ".cms", "files")
	}

	rpcSvc := rpc.New(filestorage.Coord, cfg, logger, rpc.Options{})
	if _, err := filestorage.New(rpcSvc, path, logger); err != nil {
		fmt.Fprintf(os.Stderr, "file storage: %v\n", err)
		os.Exit(1)
	}
	logger.Info("storage ready", "dir", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("file storage starting")
	if err := rpcSvc.Start(ctx); err != nil {
		logger.Error("file storage failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

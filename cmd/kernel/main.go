package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/config"
	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/infrastructure/monitoring"
	"github.com/tokuhirom/sabos/internal/kernel"
	"github.com/tokuhirom/sabos/internal/server"
)

func main() {
	bootFile := flag.String("boot", "", "boot manifest path (overrides SABOS_BOOT_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *bootFile != "" {
		cfg.Kernel.BootFile = *bootFile
	}

	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}
	defer logger.Sync() //nolint:errcheck

	var manifest *config.BootManifest
	if cfg.Kernel.BootFile != "" {
		manifest, err = config.LoadBootManifest(cfg.Kernel.BootFile)
		if err != nil {
			logger.Fatal("boot manifest", zap.Error(err))
		}
	}

	metrics := monitoring.NewMetrics()
	k := kernel.New(cfg, logger, metrics)
	if err := k.Boot(manifest); err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	k.Start()
	logger.Info("kernel up", zap.String("boot_id", k.BootID()))

	srv := server.New(cfg, k, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	if err := k.Shutdown(ctx); err != nil {
		logger.Warn("kernel shutdown", zap.Error(err))
	}
}

// Package main runs one SVI collection pass and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/app"
	"github.com/JakeFAU/svi-collector/internal/config"
	"github.com/JakeFAU/svi-collector/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		return 1
	}
	defer a.Close(context.WithoutCancel(ctx))

	summary, err := a.Run(ctx)
	if err != nil {
		logger.Error("collection failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return 1
	}
	return 0
}

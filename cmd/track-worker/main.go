package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/parceltrack/config"
	"github.com/BearBump/parceltrack/internal/logger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	log := logger.New(cfg.Logging.Level)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunTrackWorker(ctx, cfg, defaultWorkerFactories(log), log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "track worker stopped", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/app"
	"github.com/acme/lead-call-queue/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to configuration file")
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	cfg := container.Config
	lg := container.Logger.Named("scheduler")

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, "scheduler", cfg.App.Version)
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	svc := container.Scheduler()
	if *once {
		if err := svc.Tick(ctx); err != nil {
			lg.Error("tick failed", zap.Error(err))
		}
		return
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("scheduler terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

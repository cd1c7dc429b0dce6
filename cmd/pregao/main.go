package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/config"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/telemetry"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/pkg/pregao"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaultPath := os.Getenv("PREGAO_CONFIG")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	configPath := flag.String("config", defaultPath, "path to config.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	srv, err := pregao.New(
		pregao.WithLogger(logger),
		pregao.WithFileConfig(*configPath),
	)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping dispute service")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

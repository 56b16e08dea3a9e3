package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/openform/assist/internal/assist"
	"github.com/openform/assist/internal/completion"
	"github.com/openform/assist/internal/config"
	"github.com/openform/assist/internal/ratelimit"
	"github.com/openform/assist/internal/relevancy"
	"github.com/openform/assist/internal/retry"
	"github.com/openform/assist/internal/server"
	"github.com/openform/assist/internal/storage"
	"github.com/openform/assist/internal/storage/sqlite"
	"github.com/openform/assist/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("assistd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	// Optional assist event recording
	var recorder storage.Recorder
	if cfg.Storage.Type == "sqlite" {
		path := cfg.Storage.SQLite.Path
		if path == "" {
			path = "./data/assist.db"
		}
		store, err := sqlite.New(path)
		if err != nil {
			log.Fatalf("Failed to open storage: %v", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("assist event recording enabled", slog.String("path", path))
	}

	client := completion.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model,
		completion.WithBaseURL(cfg.OpenAI.BaseURL),
		completion.WithTimeout(cfg.ClientTimeout()),
		completion.WithEnabled(cfg.Assist.Enabled),
		completion.WithLogger(logger),
	)

	gate := relevancy.NewGate(client, logger)

	limiter := ratelimit.New(
		ratelimit.WithCapacity(cfg.RateLimit.Capacity),
		ratelimit.WithRefillRate(cfg.RateLimit.RefillRate),
	)

	ctrl := assist.NewController(client, gate,
		assist.WithConfig(assist.Config{
			RelevancyThreshold: cfg.Assist.RelevancyThreshold,
			MaxTokens:          cfg.Assist.MaxTokens,
			ExamplesMaxTokens:  cfg.Assist.ExamplesMaxTokens,
			Temperature:        cfg.Assist.Temperature,
			PromptBudget:       cfg.Assist.PromptBudget,
			Stream:             cfg.Assist.Stream,
			Retry: retry.Options{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay(),
				MaxDelay:    cfg.RetryMaxDelay(),
			},
		}),
		assist.WithLimiter(limiter),
		assist.WithRecorder(recorder),
		assist.WithLogger(logger),
	)

	srv := server.New(cfg.Server.Port, logger, cfg.ClientTimeout()*2)
	handler := server.NewHandler(ctrl, int(cfg.RateLimit.Capacity), logger)
	handler.Mount(srv.Router)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/atlasvet/clinical-ai-gateway/internal/api"
	"github.com/atlasvet/clinical-ai-gateway/internal/auth"
	"github.com/atlasvet/clinical-ai-gateway/internal/cache"
	"github.com/atlasvet/clinical-ai-gateway/internal/config"
	"github.com/atlasvet/clinical-ai-gateway/internal/gateway"
	"github.com/atlasvet/clinical-ai-gateway/internal/pipeline"
	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
	ratelimitdb "github.com/atlasvet/clinical-ai-gateway/internal/ratelimit/sqldb"
	"github.com/atlasvet/clinical-ai-gateway/internal/server"
	storagedb "github.com/atlasvet/clinical-ai-gateway/internal/storage/sqldb"
	"github.com/atlasvet/clinical-ai-gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("VETAI_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("clinical-ai-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	// Persistence
	resultStore, err := storagedb.New(storagedb.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		log.Fatalf("Failed to open result store: %v", err)
	}
	defer resultStore.Close()

	limitStore, err := ratelimitdb.New(ratelimitdb.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		log.Fatalf("Failed to open rate-limit store: %v", err)
	}
	defer limitStore.Close()

	// Medication cache is optional; without Redis every lookup hits the
	// gateway.
	var medCache *cache.MedicationCache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, medication cache disabled", slog.String("error", err.Error()))
		} else {
			defer rdb.Close()
			medCache = cache.New(rdb)
		}
	}

	limiter := ratelimit.NewLimiter(limitStore, map[string]ratelimit.Policy{
		api.ActionAnalyze: {
			MaxAttempts:      cfg.RateLimit.AnalyzeMaxAttempts,
			Window:           cfg.RateLimit.AnalyzeWindow(),
			LockoutThreshold: cfg.RateLimit.LockoutThreshold,
			LockoutDuration:  cfg.RateLimit.LockoutDuration(),
		},
		api.ActionDischarge:  {MaxAttempts: 30, Window: time.Hour},
		api.ActionMedication: {MaxAttempts: 30, Window: time.Hour},
	}, logger)

	// Upstream gateway client
	gwOpts := []gateway.Option{gateway.WithModel(cfg.OpenAI.Model)}
	if cfg.OpenAI.BaseURL != "" {
		gwOpts = append(gwOpts, gateway.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.FallbackModel != "" {
		gwOpts = append(gwOpts, gateway.WithFallbackModel(cfg.OpenAI.FallbackModel))
	}
	gwClient := gateway.NewClient(cfg.OpenAI.APIKey, gwOpts...)

	orchestrator := pipeline.New(gwClient, resultStore, logger,
		pipeline.WithModel(cfg.OpenAI.Model))

	// Clinic authentication
	var authenticator *auth.Authenticator
	pairs, err := cfg.Auth.Pairs()
	if err != nil {
		log.Fatalf("Failed to parse auth keys: %v", err)
	}
	if len(pairs) > 0 {
		credentials := make([]auth.Credential, 0, len(pairs))
		for _, pair := range pairs {
			credentials = append(credentials, auth.Credential{
				ClinicID: pair[0],
				KeyHash:  auth.HashAPIKey(pair[1]),
			})
		}
		authenticator = auth.NewAuthenticator(credentials)
	} else {
		logger.Warn("no clinic API keys configured, authentication disabled")
	}

	srv := server.New(cfg.Server.Port, logger, authenticator)

	handler := api.New(orchestrator, medCache, resultStore, limiter, logger)
	handler.RegisterRoutes(srv.Router)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

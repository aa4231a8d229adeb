// Command researchd runs the research agent service: REST and websocket
// edges over the turn engine, with Redis-backed sessions and optional
// Postgres archiving.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/config"
	"github.com/Kocoro-lab/Meridian/internal/db"
	"github.com/Kocoro-lab/Meridian/internal/engine"
	"github.com/Kocoro-lab/Meridian/internal/httpapi"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/policy"
	"github.com/Kocoro-lab/Meridian/internal/search"
	"github.com/Kocoro-lab/Meridian/internal/session"
	"github.com/Kocoro-lab/Meridian/internal/streaming"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	sessions, err := session.NewManager(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = sessions.Close() }()

	client := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
	}, logger)

	provider := search.NewSerperClient(cfg.Search.APIKeys, logger,
		search.WithSerperURL(cfg.Search.SerperURL),
		search.WithNumResults(cfg.Search.NumResults),
	)
	fetcher := search.NewHTTPFetcher(logger)

	prompts := engine.DefaultPrompts()
	if cfg.Engine.PromptsPath != "" {
		prompts, err = engine.LoadPrompts(cfg.Engine.PromptsPath)
		if err != nil {
			logger.Fatal("Failed to load prompts", zap.Error(err))
		}
	}

	engineCfg := engine.Config{
		PollInterval: time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
		Limits: policy.Limits{
			MaxRawBeforeSynthesis: cfg.Policy.MaxRawBeforeSynthesis,
			MaxNotesBeforeSummary: cfg.Policy.MaxNotesBeforeSummary,
		},
		Prompts: &prompts,
	}

	stream := streaming.NewManager(cfg.Streaming.ReplayCapacity)
	srv := httpapi.NewServer(sessions, stream, client, provider, fetcher, engineCfg, logger)

	if cfg.Database.DSN != "" {
		archiver, err := db.NewArchiver(cfg.Database.DSN, logger)
		if err != nil {
			logger.Fatal("Failed to connect to archive database", zap.Error(err))
		}
		defer func() { _ = archiver.Close() }()
		srv.SetArchiver(archiver)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	apiServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

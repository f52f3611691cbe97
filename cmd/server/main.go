package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sergv76/imagegate/internal/cache"
	"github.com/sergv76/imagegate/internal/config"
	"github.com/sergv76/imagegate/internal/keypool"
	"github.com/sergv76/imagegate/internal/logger"
	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/orchestrator"
	"github.com/sergv76/imagegate/internal/provider"
	"github.com/sergv76/imagegate/internal/router"
	"github.com/sergv76/imagegate/internal/security"
	"github.com/sergv76/imagegate/internal/usagelog"
)

func buildLogger(cfg *config.Config) *slog.Logger {
	if cfg.Server.LogFormat == "json" {
		return logger.NewJSON(cfg.Server.LoggingLevel)
	}
	return logger.New(cfg.Server.LoggingLevel)
}

func buildProvider(cfg *config.Config, log *slog.Logger) provider.Provider {
	switch cfg.Provider.Name {
	case "ark":
		return provider.NewArk(cfg.Provider.Model, cfg.Provider.BaseURL, cfg.Provider.RequestTimeout, log)
	default:
		return provider.NewGemini(cfg.Provider.Model, cfg.Provider.BaseURL, cfg.Provider.RequestTimeout, log)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := buildLogger(cfg)

	log.Info("Starting imagegate",
		"logging_level", cfg.Server.LoggingLevel,
		"log_format", cfg.Server.LogFormat,
		"port", cfg.Server.Port,
		"provider", cfg.Provider.Name,
	)

	keys := cfg.CollectAPIKeys()
	if len(keys) == 0 {
		log.Error("No API keys configured; set api_keys in the config file, GEMINI_API_KEYS or GEMINI_API_KEY_N")
		os.Exit(1)
	}
	log.Info("Loaded API keys", "count", len(keys))
	for i, key := range keys {
		log.Info("Key configured", "ordinal", i+1, "key", security.MaskAPIKey(key))
	}

	pool := keypool.New(keys, keypool.Options{
		CapacityPerKey:     cfg.Pool.CapacityPerKey,
		ResetSuccessCounts: cfg.Pool.ResetSuccessCounts,
		Logger:             log,
	})

	prov := buildProvider(cfg, log)
	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	var resultCache *cache.ResultCache
	if cfg.Cache.TTL > 0 {
		resultCache, err = cache.New(cfg.Cache.Size, cfg.Cache.TTL)
		if err != nil {
			log.Error("Failed to create result cache", "error", err)
			os.Exit(1)
		}
		log.Info("Result cache enabled", "size", cfg.Cache.Size, "ttl", cfg.Cache.TTL)
	}

	var journal *usagelog.Logger
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		journal, err = usagelog.New(ctx, cfg.DatabaseURL, 1024, log)
		cancel()
		if err != nil {
			log.Error("Failed to connect usage log database",
				"database_url", security.MaskDatabaseURL(cfg.DatabaseURL),
				"error", err,
			)
			os.Exit(1)
		}
		journal.Start()
		log.Info("Usage log enabled", "database_url", security.MaskDatabaseURL(cfg.DatabaseURL))
	}

	orch := orchestrator.New(pool, prov, orchestrator.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffStep: cfg.Retry.BackoffStep,
		Cooldown:    cfg.Pool.Cooldown,
		Cache:       resultCache,
		Journal:     journal,
		Metrics:     metrics,
		Logger:      log,
	})

	// Background pool gauge updater
	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				st := pool.Status()
				metrics.UpdatePoolGauges(st.HealthySlots, st.RemainingCapacity)
				for _, s := range pool.Snapshot() {
					metrics.UpdateSlotUsage(s.Ordinal, s.UsageCount)
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	// A nil *ResultCache is a valid no-op cache; Purge is nil-receiver-safe.
	rtr := router.New(orch, pool, router.Options{
		MasterKey:  cfg.Server.MasterKey,
		HealthPath: cfg.Monitoring.HealthCheckPath,
		Cache:      resultCache,
		Metrics:    metrics,
		Logger:     log,
	})

	mux := http.NewServeMux()
	mux.Handle("/", rtr)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Drain the usage log queue after the listener stops accepting work.
	journal.Close()

	log.Info("Server shutdown complete")
}

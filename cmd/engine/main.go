package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/config"
	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
	"github.com/p-blackswan/dialectic-engine/internal/draftstore"
	"github.com/p-blackswan/dialectic-engine/internal/engine"
	"github.com/p-blackswan/dialectic-engine/internal/health"
	"github.com/p-blackswan/dialectic-engine/internal/metrics"
	"github.com/p-blackswan/dialectic-engine/internal/mgmt"
	"github.com/p-blackswan/dialectic-engine/internal/notify"
	"github.com/p-blackswan/dialectic-engine/internal/retry"
	"github.com/p-blackswan/dialectic-engine/internal/stream"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("feed_enabled", cfg.FeedEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting dialectic engine")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Metrics
	collector := metrics.New()

	// Health checker
	checker := health.NewChecker(logger)

	// Durable feedback-draft storage
	drafts, err := draftstore.New(cfg.DraftDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DraftDBPath).Msg("failed to open draft store")
	}
	defer drafts.Close()
	checker.Register("draft_store", func(ctx context.Context) health.Status {
		if err := drafts.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Content-resource API client
	var auth api.Authenticator
	if cfg.APIToken != "" {
		auth = &api.BearerAuth{Token: cfg.APIToken}
	}
	apiClient := api.NewClient(cfg.APIBaseURL, auth, logger)

	// Recipe resolution: static YAML file or remote API
	var recipeSource dialectic.RecipeSource
	if cfg.StaticRecipesEnabled() {
		static, rerr := dialectic.LoadStaticRecipes(cfg.RecipesPath)
		if rerr != nil {
			logger.Fatal().Err(rerr).Str("path", cfg.RecipesPath).Msg("failed to load recipes")
		}
		recipeSource = static
		logger.Info().Str("path", cfg.RecipesPath).Msg("using static recipes")
	} else {
		recipeSource = &dialectic.APIRecipeSource{Client: apiClient}
	}
	recipes := dialectic.NewResolver(recipeSource, logger)

	// Core state
	state := dialectic.NewState(logger)
	collector.TrackBucketCount(state.BucketCount)

	// Slack failure notifications (optional)
	var failures dialectic.FailureSink
	if cfg.SlackEnabled() {
		slackClient := slack.New(cfg.SlackToken)
		failures = notify.NewSlackNotifier(slackClient, cfg.SlackFailureChannel, logger)
		logger.Info().Str("channel", cfg.SlackFailureChannel).Msg("Slack failure notifications enabled")
	} else {
		logger.Info().Msg("Slack not configured — skipping failure notifications")
	}

	retryCfg := retry.Config{
		MaxAttempts: cfg.FetchMaxAttempts,
		BaseDelay:   cfg.FetchBaseDelay,
		MaxDelay:    cfg.FetchMaxDelay,
		Jitter:      true,
	}

	processor := dialectic.NewProcessor(state, recipes, apiClient, collector, failures, retryCfg, logger)
	hydrator := dialectic.NewHydrator(state, recipes, apiClient, collector, logger)
	feedback := dialectic.NewFeedbackDrafts(state, drafts, apiClient, collector, cfg.UserID, logger)

	// Event loop
	eng := engine.New(engine.Config{EventBufferSize: cfg.EventBufferSize}, state, recipes, processor, logger)

	if cfg.FeedEnabled() {
		feed := stream.New(stream.Config{
			FeedURL:              cfg.FeedURL,
			Token:                cfg.FeedToken,
			ReconnectInterval:    cfg.FeedReconnectInterval,
			MaxReconnectInterval: cfg.FeedMaxReconnect,
		}, func() { collector.FeedReconnectsTotal.Inc() }, logger)
		eng.AddSource(feed)
	} else {
		logger.Info().Msg("lifecycle feed not configured — hydration-only mode")
	}

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	// HTTP server for probes and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Management API ---
	rtCfg := mgmt.RuntimeConfig{
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
		HTTPPort:       cfg.HTTPPort,
		MgmtListenAddr: cfg.MgmtListenAddr,
		AuthMode:       cfg.MgmtAuthMode,
		FeedEnabled:    cfg.FeedEnabled(),
		SlackEnabled:   cfg.SlackEnabled(),
		UserID:         cfg.UserID,
		ProjectID:      cfg.ProjectID,
	}
	handlers := mgmt.NewHandlers(state, eng, processor, hydrator, feedback, checker, rtCfg, logger)

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, handlers, logger)

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Start Management API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Start event loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("event loop error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	// Shutdown servers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("dialectic engine stopped")
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/voice-bridge/internal/bridge"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/notify"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/store"
	"github.com/lexiqai/voice-bridge/internal/tenant"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("realtime_model", cfg.RealtimeModel).
		Str("database_driver", cfg.DatabaseDriver).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("realtime_configured", cfg.OpenAIAPIKey != "").
		Msg("Voice Bridge Service starting")

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(startCtx, cfg.DatabaseDriver, cfg.DatabaseURL, store.DefaultSQLConfig())
	if err != nil {
		startCancel()
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.Migrate(startCtx); err != nil {
		startCancel()
		logger.Fatal().Err(err).Msg("Failed to migrate database")
	}

	tenants := tenant.NewSQLStore(db.DB(), db.Driver())
	if cfg.TenantsFile != "" {
		if err := seedTenants(startCtx, tenants, cfg.TenantsFile, logger); err != nil {
			startCancel()
			logger.Fatal().Err(err).Str("file", cfg.TenantsFile).Msg("Failed to load tenants")
		}
	}
	startCancel()

	hub := notify.NewHub(logger)

	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	bookingBreaker := resilience.NewCircuitBreaker("bookings", cfg.CircuitBreakerMaxFailures, resetTimeout)
	realtimeBreaker := resilience.NewCircuitBreaker("realtime", cfg.CircuitBreakerMaxFailures, resetTimeout)

	registry, err := tools.NewDefaultRegistry(db, tools.NewPublishNotifier(hub, logger), bookingBreaker)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register tools")
	}
	orchestrator := tools.NewOrchestrator(registry, logger,
		tools.WithTimeout(cfg.ToolTimeoutDuration()),
		tools.WithPublisher(hub),
	)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	dialer := &realtime.Dialer{
		URL:     cfg.RealtimeURL,
		Model:   cfg.RealtimeModel,
		APIKey:  cfg.OpenAIAPIKey,
		Timeout: time.Duration(cfg.DialTimeout) * time.Second,
		Retry:   retry,
		Breaker: realtimeBreaker,
	}

	writer := store.NewAsyncWriter(cfg.TranscriptQueueSize, logger)
	manager := bridge.NewManager(bridge.Deps{
		Dial:        bridge.RealtimeDialer(dialer),
		Resolver:    tenant.NewResolver(tenants, logger),
		Tools:       orchestrator,
		Calls:       db,
		Transcripts: db,
		Writer:      writer,
		Publisher:   hub,
		Logger:      logger,
	}, bridge.OptionsFromConfig(cfg))
	if err := manager.StartReaper(); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.ReaperSchedule).Msg("Invalid reaper schedule")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register Twilio WebSocket handler
	mux.HandleFunc("/streams/twilio", manager.HandleTwilioWS())

	// Dashboard event stream
	mux.HandleFunc("/events", hub.ServeWS)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"database": func(ctx context.Context) (bool, error) {
			if err := db.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"realtime": func(ctx context.Context) (bool, error) {
			if err := cfg.RequireRealtimeCredentials(); err != nil {
				return false, err
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Media streams are long-lived, so only the header read is bounded.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/streams/twilio"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	grpcServer, healthServer := startGRPCHealth(cfg.GRPCHealthPort, logger)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if healthServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not close in time")
	}
	if err := writer.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Pending writes were not flushed")
	}
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database")
	}

	logger.Info().Msg("Server exited gracefully")
}

// seedTenants upserts the tenants file into the database.
func seedTenants(ctx context.Context, dst *tenant.SQLStore, path string, logger zerolog.Logger) error {
	src, err := tenant.LoadFile(path)
	if err != nil {
		return err
	}
	all := src.All()
	for _, t := range all {
		if err := dst.Upsert(ctx, t); err != nil {
			return err
		}
	}
	logger.Info().Int("tenants", len(all)).Str("file", path).Msg("Tenants loaded")
	return nil
}

func startGRPCHealth(port string, logger zerolog.Logger) (*grpc.Server, *health.Server) {
	if port == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal().Err(err).Str("port", port).Msg("Failed to listen for gRPC health")
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("voice-bridge", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info().Str("port", port).Msg("gRPC health service listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC health service stopped")
		}
	}()
	return grpcServer, healthServer
}

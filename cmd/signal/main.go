package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	ossignal "os/signal"
	"syscall"
	"time"

	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/repositories"
	"livecast/internal/infrastructure/signal"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	paths := []string{"configs/livecast.yaml", "/etc/livecast/livecast.yaml"}
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	directory := repoFactory.CreateStreamDirectory()

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	relay := signal.NewRelayServer(signal.RelayConfigFrom(cfg), directory, collector, log.Named("relay"))

	checker := monitoring.NewHealthChecker(log)
	checker.AddDirectoryCheck(directory, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}
	if guarded, ok := directory.(interface{ Check(context.Context) error }); ok {
		checker.AddCheck("directory_circuit", guarded.Check, 0)
	}
	go checker.StartBackgroundChecks(ctx, 30*time.Second)

	var tokens *services.TokenService
	var authHandler *httphandlers.AuthHandler
	if cfg.Auth.JWTSecret != "" {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		authHandler = httphandlers.NewAuthHandler(tokens, relay, cfg.Auth.TokenTTL)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:          cfg,
		Signal:          httphandlers.NewSignalHandler(relay),
		Streams:         httphandlers.NewStreamHandler(directory, time.Second),
		Health:          httphandlers.NewHealthHandler(checker, relay),
		Auth:            authHandler,
		ParticipantAuth: middleware.ParticipantAuth(tokens, cfg.Auth.Required),
		Gatherer:        gatherer,
		Logger:          log,
	})

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting livecast relay", "address", cfg.Signal.Address, "auth_required", cfg.Auth.Required)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Websockets are hijacked, so Shutdown does not wait for them.
	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	log.Info("livecast relay stopped")
}

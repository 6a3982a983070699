package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"omnichat/internal/config"
	"omnichat/internal/discovery"
	"omnichat/internal/httpapi"
	"omnichat/internal/metrics"
	"omnichat/internal/orchestrator"
	"omnichat/internal/queue"
	"omnichat/internal/secrets"
	"omnichat/internal/speech"
	"omnichat/internal/storage"
	"omnichat/internal/store"
	"omnichat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_concurrency", cfg.Worker.Concurrency).
		Msg("starting omnichat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	keyring, err := secrets.NewKeyring(cfg.Secret.CurrentKeyID, cfg.Secret.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	db, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, keyring, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	configs := store.New(db, log.Logger)
	if err := configs.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load provider configs")
	}

	disc := discovery.New(discovery.Config{
		HTTPClient:  httpClient,
		Redis:       rdb,
		CacheTTL:    cfg.Redis.ModelTTL,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		Metrics:     m,
		Logger:      log.Logger,
	})

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	marker := queue.NewRefreshMarker(rdb, cfg.Redis.RefreshTTL)

	orch := orchestrator.New(orchestrator.Config{
		Configs:      configs,
		Sessions:     db,
		RateLimiter:  queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		HTTPClient:   httpClient,
		SystemPrompt: cfg.SystemPrompt,
		Metrics:      m,
		Logger:       log.Logger,
	})

	var speaker func(sink speech.Sink) *speech.Player
	if cfg.Speech.Endpoint != "" {
		speaker = func(sink speech.Sink) *speech.Player {
			return speech.NewPlayer(speech.Config{
				Endpoint: cfg.Speech.Endpoint,
				Voice:    cfg.Speech.Voice,
				Sink:     sink,
				Logger:   log.Logger,
			})
		}
	}

	api := httpapi.New(httpapi.Config{
		Store:        configs,
		Orchestrator: orch,
		Discovery:    disc,
		Queue:        jobQueue,
		Marker:       marker,
		Sessions:     db,
		Speaker:      speaker,
		Logger:       log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	api.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	refreshWorker := worker.New(worker.Config{
		Store:         configs,
		Queue:         jobQueue,
		Discovery:     disc,
		Marker:        marker,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       m,
	})
	go func() {
		if err := refreshWorker.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("refresh worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("refresh worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/config"
	"github.com/bryan-buckman/microsub/internal/database"
	"github.com/bryan-buckman/microsub/internal/fetcher"
	"github.com/bryan-buckman/microsub/internal/logging"
	"github.com/bryan-buckman/microsub/internal/media"
	"github.com/bryan-buckman/microsub/internal/metrics"
	"github.com/bryan-buckman/microsub/internal/polling"
	"github.com/bryan-buckman/microsub/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.AppEnv)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("microsub stopped")
	}
}

func run(cfg config.AppConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	var db *database.DB
	if err := connect(ctx, log, "database", func() error {
		var err error
		db, err = openStore(cfg)
		return err
	}); err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("database", db.DatabaseType()).Msg("storage ready")

	var broker cache.Cache = cache.NewMemory()
	if cfg.RedisAddr != "" {
		var r *cache.Redis
		if err := connect(ctx, log, "redis", func() error {
			var err error
			r, err = cache.Dial(ctx, cfg.RedisAddr)
			return err
		}); err != nil {
			return err
		}
		defer r.Close()
		broker = r
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis cache enabled")
	}

	f := fetcher.New(broker, log.With().Str("component", "fetcher").Logger(), fetcher.Config{
		UserAgent: cfg.Polling.UserAgent,
		Timeout:   cfg.Polling.FetchTimeout,
		CacheTTL:  cfg.Polling.FeedCacheTTL,
	})
	processor := polling.NewProcessor(db, f, broker, log.With().Str("component", "processor").Logger())

	concurrency := cfg.Polling.Concurrency
	if !db.SupportsHighConcurrency() {
		concurrency = min(concurrency, polling.DefaultConcurrency)
	}
	scheduler := polling.NewScheduler(db, processor, polling.SchedulerConfig{
		Interval:    cfg.Polling.Interval,
		Concurrency: concurrency,
	}, log.With().Str("component", "scheduler").Logger())

	refresher := polling.NewRefresher(db, processor, cfg.Polling.RefreshWorker, log.With().Str("component", "refresher").Logger())
	refresher.Start(ctx)
	go func() {
		for err := range refresher.Errors() {
			log.Warn().Err(err).Msg("background refresh failed")
		}
	}()

	opts := server.Options{
		Store:         db,
		Fetcher:       f,
		Cache:         broker,
		Refresher:     refresher,
		PublicationMe: cfg.PublicationMe,
		Log:           log.With().Str("component", "http").Logger(),
	}
	if cfg.MediaBaseURL != "" {
		opts.Media = media.NewProxy(nil, broker, []byte(cfg.MediaSecret), cfg.Polling.UserAgent, log.With().Str("component", "media").Logger())
		opts.MediaBaseURL = cfg.MediaBaseURL
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.New(opts).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			scheduler.Stop()
			refresher.Close()
			return err
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	scheduler.Stop()
	refresher.Close()
	return nil
}

// connect retries op with exponential backoff for up to a minute.
func connect(ctx context.Context, log zerolog.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Dur("retry_in", d).Str("target", what).Msg("connection failed, retrying")
	})
}

func openStore(cfg config.AppConfig) (*database.DB, error) {
	if cfg.Database.Driver == "postgres" {
		return database.NewPostgres(cfg.Database.PGDSN)
	}
	return database.New(cfg.Database.SQLitePath)
}

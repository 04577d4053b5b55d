package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"soilmap/core-go/internal/config"
	"soilmap/core-go/internal/db"
	"soilmap/core-go/internal/httpapi"
	"soilmap/core-go/internal/locations"
	"soilmap/core-go/internal/mapsurface"
	"soilmap/core-go/internal/mapview"
	"soilmap/core-go/internal/metrics"
	"soilmap/core-go/internal/readingcache"
	"soilmap/core-go/internal/refreshworker"
	"soilmap/core-go/internal/soilapi"
	"soilmap/core-go/internal/sqlitedb"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		bootLog := httpapi.NewLogger(os.Stderr, "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := httpapi.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		source mapview.Source
		ready  httpapi.Pinger
	)
	switch {
	case cfg.DatabaseURL != "":
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		source = db.NewSource(pool.Queries(), cfg.ReadingsLimit)
		ready = pool
		logger.Info().Msg("reading devices from postgres")
	case cfg.SQLitePath != "":
		local, err := sqlitedb.Open(ctx, component(logger, "sqlitedb"), cfg.SQLitePath, cfg.ReadingsLimit)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open sqlite database")
		}
		defer func() { _ = local.Close() }()
		source = local
		ready = local
		logger.Info().Str("path", cfg.SQLitePath).Msg("reading devices from sqlite")
	case cfg.SoilAPIURL != "":
		client, err := soilapi.New(soilapi.Config{
			BaseURL: cfg.SoilAPIURL,
			Token:   cfg.SoilAPIToken,
			Timeout: cfg.Cache.FetchTimeout,
			Logger:  logger.With().Str("component", "soilapi").Logger(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid soil api configuration")
		}
		source = client
		logger.Info().Str("base_url", cfg.SoilAPIURL).Msg("reading devices from soil api")
	default:
		logger.Fatal().Msg("no backend configured: set DATABASE_URL, SQLITE_PATH or SOIL_API_URL")
	}

	m := metrics.New()

	cache := readingcache.New(component(logger, "readingcache"), source, readingcache.Options{
		FreshTTL:     cfg.Cache.FreshTTL,
		StaleTTL:     cfg.Cache.StaleTTL,
		FetchTimeout: cfg.Cache.FetchTimeout,
	}, m)
	store := locations.New(component(logger, "locations"), cache, locations.Options{
		BatchSize:  cfg.Map.BatchSize,
		BatchDelay: cfg.Map.BatchDelay,
	})
	view := mapview.New(component(logger, "mapview"), source, cache, store, mapview.Options{}, m)

	surface := mapsurface.New()
	view.Mount(surface)
	defer view.Unmount()

	hub := httpapi.NewHub(component(logger, "stream"))
	view.AddListener(hub)

	schedule, err := refreshworker.ParseSchedule(cfg.Refresh.Schedule)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid refresh schedule")
	}
	worker := refreshworker.New(component(logger, "refreshworker"), view, refreshworker.Options{
		Interval:   cfg.Refresh.Interval,
		MaxBackoff: cfg.Refresh.MaxBackoff,
		Schedule:   schedule,
	}, m)
	go worker.Run(ctx)

	h := httpapi.NewHandler(logger, httpapi.Options{
		View:           view,
		Readings:       cache,
		Bounds:         surface,
		Ready:          ready,
		Hub:            hub,
		Metrics:        m,
		OfflineAfter:   cfg.Map.OfflineAfter,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("soilmap core listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	view.Unmount()
	cache.Wait()
	logger.Info().Msg("shutdown complete")
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"votesync/api/internal/archive"
	"votesync/api/internal/config"
	"votesync/api/internal/jobs"
	"votesync/api/internal/kv"
	"votesync/api/internal/logging"
	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
	"votesync/api/internal/votes"
)

// Runtime owns the connections behind a Service.
type Runtime struct {
	Service *Service
	closers []func() error
}

// Build connects to Postgres, applies migrations and assembles the jobs.
// Redis and MinIO are wired in only when configured. Without the required
// credentials it returns a runtime whose service rejects every run.
func Build(ctx context.Context, cfg config.Config) (*Runtime, error) {
	logger := logging.New("runtime", cfg.LogLevel)
	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("Required settings are missing; function runs will fail")
		return &Runtime{Service: NewUnconfiguredService(missing)}, nil
	}

	rt := &Runtime{}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, db.Close)

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("Migrations applied")
	}
	pg := store.NewPostgresStore(db)

	var cache openstates.Cache = openstates.NewMemoryCache(cfg.BillCacheSize, cfg.BillCacheTTL)
	var locker jobs.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := kv.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, redisStore.Close)
		cache = redisStore.BillVotesCache(cfg.BillCacheTTL)
		locker = redisStore
		logger.Info().Msg("Using Redis for the bill cache and daily lock")
	}

	var archiver jobs.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioArchive, err := archive.NewMinioArchive(archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		if err := minioArchive.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("Payload archive unavailable; continuing without it")
		} else {
			archiver = minioArchive
		}
	}

	clientLogger := logging.New("openstates", cfg.LogLevel)
	client := openstates.NewClient(openstates.Options{
		Endpoint:       cfg.OpenStatesURL,
		APIKey:         cfg.OpenStatesAPIKey,
		AttemptTimeout: cfg.ProviderTimeout,
		MaxAttempts:    cfg.ProviderMaxAttempts,
		BaseDelay:      cfg.ProviderBaseDelay,
		Cache:          cache,
		Logger:         &clientLogger,
	})
	syncer := votes.NewSynchronizer(pg, logging.New("votes", cfg.LogLevel))

	backfill := jobs.NewBackfill(pg, client, syncer, jobs.BackfillOptions{
		PageSize:       cfg.BackfillPageSize,
		RateLimitDelay: cfg.RateLimitDelay,
		LeaseTTL:       cfg.LeaseTTL,
		Logger:         logging.New("votes-backfill", cfg.LogLevel),
	})
	daily := jobs.NewDaily(pg, client, syncer, jobs.DailyOptions{
		PageSize: cfg.DailyPageSize,
		Fallback: cfg.DailyFallback,
		Locker:   locker,
		LockTTL:  cfg.DailyLockTTL,
		Archiver: archiver,
		Logger:   logging.New("votes-daily", cfg.LogLevel),
	})

	rt.Service = NewService(pg, backfill, daily)
	return rt, nil
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}


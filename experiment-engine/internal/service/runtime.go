// Package service assembles the experiment engine and its optional
// integrations from configuration.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/archive"
	"github.com/fieldtofork/platform/experiment-engine/internal/assignment"
	"github.com/fieldtofork/platform/experiment-engine/internal/auth"
	"github.com/fieldtofork/platform/experiment-engine/internal/config"
	"github.com/fieldtofork/platform/experiment-engine/internal/engine"
	"github.com/fieldtofork/platform/experiment-engine/internal/events"
	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

// Runtime owns the process-wide resources behind an Engine.
type Runtime struct {
	DB       *sql.DB
	Engine   *engine.Engine
	Registry *prometheus.Registry
	Verifier *auth.Verifier

	closers []func() error
	logger  *zap.Logger
}

func OpenDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Build connects to Postgres and wires whichever of Redis, Kafka, S3 and admin
// token verification are configured.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	rt.DB = db
	rt.closers = append(rt.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(rt.Registry)
	opts := engine.Options{
		Logger:  logger,
		Metrics: m,
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; assignment cache will fall back to postgres", zap.Error(err))
		}
		opts.Cache = assignment.NewRedisCache(rdb, cfg.CacheTTL())
	}

	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: brokers,
			Topic:   cfg.EventsTopic,
			OnError: func(ev events.Event, err error) {
				m.PublishFailed()
				logger.Warn("event delivery failed",
					zap.Error(err),
					zap.String("event_type", ev.Type),
					zap.String("experiment_id", ev.ExperimentID.String()),
				)
			},
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pub.Close)
		opts.Publisher = pub
	}

	if cfg.ArchiveBucket != "" {
		arch, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			rt.Close()
			return nil, err
		}
		opts.Archiver = arch
	}

	if cfg.AdminKeysFile != "" {
		v, err := auth.NewVerifier(auth.Config{
			PublicKeysFile: cfg.AdminKeysFile,
			Issuer:         cfg.AdminIssuer,
			Scope:          cfg.AdminScope,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Verifier = v
	}

	rt.Engine = engine.New(store.NewPGStore(db), opts)
	return rt, nil
}

// Close releases resources in reverse order of acquisition and then flushes
// the logger.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && rt.logger != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
}

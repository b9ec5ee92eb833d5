package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/domain/account"
	"github.com/dentdesk/dentdesk/internal/platform/db"
	"github.com/dentdesk/dentdesk/internal/platform/metrics"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
	"github.com/dentdesk/dentdesk/internal/platform/remote/gotrue"
	"github.com/dentdesk/dentdesk/internal/platform/remote/memory"
	"github.com/dentdesk/dentdesk/internal/platform/remote/postgrest"
)

// backends holds the process-wide connections and builds the remote client
// of each workspace from them.
type backends struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	pool   *pgxpool.Pool
	shared remote.Tables
	dir    *memory.Directory
	redis  *redis.Client
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector *metrics.Collector) (*backends, error) {
	b := &backends{cfg: cfg, logger: logger, metrics: collector}

	switch cfg.DataBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.DBMaxConns,
			MinConns:       cfg.DBMinConns,
			ConnectTimeout: cfg.RemoteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.pool = pool
		b.shared = db.NewTables(pool, db.DentalSchema(), logger)
		logger.Info().Msg("connected to database")
	case config.BackendMemory:
		b.shared = memory.NewDB(db.DentalSchema())
		logger.Warn().Msg("using in-memory tables, data is lost on exit")
	}

	if cfg.AuthBackend == config.BackendMemory {
		b.dir = memory.NewDirectory(cfg.SupabaseJWTSecret)
		logger.Warn().Msg("using in-memory auth directory")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		b.redis = redis.NewClient(opts)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("connected to redis")
	}
	return b, nil
}

func (b *backends) instrument(t remote.Tables) remote.Tables {
	if b.metrics == nil {
		return t
	}
	return b.metrics.Tables(t)
}

// NewClient builds an isolated remote client: its own auth session and, for
// the rest backend, its own PostgREST client authorized by that session.
func (b *backends) NewClient() (*remote.Client, error) {
	var (
		auth   remote.Auth
		tokens remote.TokenSource
	)
	switch b.cfg.AuthBackend {
	case config.BackendGoTrue:
		gc := gotrue.New(gotrue.Config{
			URL:     b.cfg.SupabaseURL,
			APIKey:  b.cfg.SupabaseAnonKey,
			Timeout: b.cfg.RemoteTimeout,
			Retries: b.cfg.RemoteRetries,
		}, b.logger)
		auth, tokens = gc, gc
	case config.BackendMemory:
		if b.dir == nil {
			return nil, fmt.Errorf("memory auth directory not open")
		}
		ma := b.dir.NewAuth()
		auth, tokens = ma, ma
	default:
		return nil, fmt.Errorf("unknown auth backend %q", b.cfg.AuthBackend)
	}

	var tables remote.Tables
	switch b.cfg.DataBackend {
	case config.BackendREST:
		tables = postgrest.New(postgrest.Config{
			URL:     b.cfg.SupabaseURL,
			APIKey:  b.cfg.SupabaseAnonKey,
			Timeout: b.cfg.RemoteTimeout,
			Retries: b.cfg.RemoteRetries,
		}, tokens, b.logger)
	case config.BackendPostgres, config.BackendMemory:
		tables = b.shared
	default:
		return nil, fmt.Errorf("unknown data backend %q", b.cfg.DataBackend)
	}
	return &remote.Client{Tables: b.instrument(tables), Auth: auth}, nil
}

// ServiceTables is the table backend used outside any session, by the
// pending profile reconciler. The rest backend authorizes with the service
// key when one is configured.
func (b *backends) ServiceTables() remote.Tables {
	if b.cfg.DataBackend != config.BackendREST {
		return b.instrument(b.shared)
	}
	key := b.cfg.SupabaseServiceKey
	if key == "" {
		key = b.cfg.SupabaseAnonKey
	}
	return b.instrument(postgrest.New(postgrest.Config{
		URL:     b.cfg.SupabaseURL,
		APIKey:  key,
		Timeout: b.cfg.RemoteTimeout,
		Retries: b.cfg.RemoteRetries,
	}, nil, b.logger))
}

// Pending is the shared pending profile store: redis when configured,
// otherwise process memory.
func (b *backends) Pending() account.PendingStore {
	if b.redis != nil {
		return account.NewRedisPending(b.redis, account.DefaultPendingKey)
	}
	return account.NewMemoryPending()
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

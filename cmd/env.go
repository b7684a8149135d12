package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/reconcile"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/store"
	"github.com/sells-group/entity-resolver/internal/viewcache"
)

// appEnv holds the store and engine shared by every command.
type appEnv struct {
	Store   store.Store
	Service *engine.Service
	cache   *viewcache.Cache // may be nil
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "entities.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("database url is required (ENTITY_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// retryConfig is the store retry policy shared by ingestion and
// reconciliation. The Kafka consumer relies on ingestion's retries.
func retryConfig() resilience.RetryConfig {
	return resilience.NewRetryConfig(
		cfg.Reconcile.MaxAttempts,
		time.Duration(cfg.Reconcile.BackoffMs)*time.Millisecond,
		0,
	)
}

// initEnv opens and migrates the store, loads the priority config, connects
// the optional view cache and activates the configured rule set. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	var prio *coalesce.Config
	if cfg.Coalesce.PriorityFile != "" {
		c, err := coalesce.LoadConfig(cfg.Coalesce.PriorityFile)
		if err != nil {
			return nil, eris.Wrap(err, "load priority config")
		}
		prio = c
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	opts := engine.Options{
		Coalesce:    prio,
		Concurrency: cfg.Coalesce.Concurrency,
		Retry:       retryConfig(),
		Reconcile: reconcile.Options{
			BatchSize:  cfg.Reconcile.BatchSize,
			RatePerSec: cfg.Reconcile.RatePerSec,
			Retry:      retryConfig(),
		},
	}

	if cfg.Redis.URL != "" {
		rdb, err := viewcache.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			// The cache is optional; views are computed from the store.
			zap.L().Warn("view cache disabled", zap.Error(err))
		} else {
			breaker := resilience.NewBreaker(cfg.Redis.BreakerThreshold, time.Duration(cfg.Redis.BreakerCooldown)*time.Second)
			env.cache = viewcache.New(rdb, cfg.Redis.TTL(), breaker)
			opts.Cache = env.cache
		}
	}

	env.Service = engine.New(st, opts)

	if cfg.Rules.Version != "" {
		if err := env.Service.ActivateRules(ctx, cfg.Rules.Version); err != nil {
			env.Close()
			return nil, eris.Wrapf(err, "activate rule set %s", cfg.Rules.Version)
		}
	}
	return env, nil
}

// Package engine is the public contract of the entity resolver: it accepts
// observations and serves canonical views, lookups, rule sets,
// relationships and impact-reported destructive operations.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/derive"
	"github.com/sells-group/entity-resolver/internal/reconcile"
	"github.com/sells-group/entity-resolver/internal/relation"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Cache holds computed canonical views. Implementations swallow their own
// failures; a miss always falls back to the store.
type Cache interface {
	Get(ctx context.Context, key string) (*coalesce.View, bool)
	Set(ctx context.Context, key string, v *coalesce.View)
	// Invalidate drops the views of keys, or every view when none are given.
	Invalidate(ctx context.Context, keys ...string)
}

// Options configures a Service.
type Options struct {
	// Coalesce is the source-priority configuration. Nil ranks sources
	// lexicographically.
	Coalesce *coalesce.Config
	// Concurrency bounds parallel view computation. Zero uses the default.
	Concurrency int
	// Rules classifies job titles at ingestion. Nil until a rule set is
	// activated.
	Rules *classify.RuleSet
	// Cache is optional.
	Cache     Cache
	Reconcile reconcile.Options
	// Retry applies to each ingest transaction.
	Retry resilience.RetryConfig
}

// Service implements the engine operations over a Store.
type Service struct {
	store      store.Store
	coalescer  *coalesce.Coalescer
	relations  *relation.Manager
	reconciler *reconcile.Processor
	cache      Cache
	builder    atomic.Pointer[derive.Builder]
	validate   *validator.Validate
	retry      resilience.RetryConfig
	log        *zap.Logger
	now        func() time.Time
}

// New creates a Service.
func New(st store.Store, opts Options) *Service {
	c := coalesce.New(st, opts.Coalesce).WithConcurrency(opts.Concurrency)
	rel := relation.New(st, c)
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetry("engine", "ingest")
	}
	s := &Service{
		store:      st,
		coalescer:  c,
		relations:  rel,
		reconciler: reconcile.New(st, rel, opts.Reconcile),
		cache:      opts.Cache,
		validate:   validator.New(),
		retry:      opts.Retry,
		log:        zap.L().With(zap.String("component", "engine")),
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.builder.Store(derive.New(st, opts.Rules))
	return s
}

// Store returns the underlying store.
func (s *Service) Store() store.Store {
	return s.store
}

// Relations returns the relationship manager.
func (s *Service) Relations() *relation.Manager {
	return s.relations
}

// invalidate drops cached views of keys and of the entities they alias.
func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil || len(keys) == 0 {
		// Never flush everything by accident.
		return
	}
	all := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		all = append(all, k)
		if t, err := s.store.ResolveAlias(ctx, k); err == nil && t != k {
			all = append(all, t)
		}
	}
	s.cache.Invalidate(ctx, all...)
}

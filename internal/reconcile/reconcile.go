// Package reconcile re-applies lookup tables and classification rules to
// stored observations in resumable, checkpointed batches.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/derive"
	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/lookup"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/relation"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Options tunes a Processor.
type Options struct {
	// BatchSize is the number of observations per batch. Default: 500.
	BatchSize int
	// RatePerSec limits batches per second. Zero disables throttling.
	RatePerSec float64
	// Retry applies to each batch and to observation reads.
	Retry resilience.RetryConfig
}

// Processor runs reconciliation.
type Processor struct {
	store     store.Store
	relations *relation.Manager
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

// New creates a Processor. relations files retirement proposals after a
// scan when the rule set carries retirement rules.
func New(st store.Store, relations *relation.Manager, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetry("reconcile", "batch")
	}
	return &Processor{
		store:     st,
		relations: relations,
		opts:      opts,
		log:       zap.L().With(zap.String("component", "reconcile")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles every stored observation against the published rule set
// version and the current lookup tables. An unfinished run of the same
// version is resumed from its checkpoint. Cancelling ctx stops the run
// between batches with status stopped; the returned run is the persisted
// checkpoint in every case where one exists.
func (p *Processor) Run(ctx context.Context, version string) (*model.ReconcileRun, error) {
	doc, err := p.store.GetRuleSet(ctx, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewValidationError("rule_set_version", version, "rule set not published")
		}
		return nil, eris.Wrapf(err, "reconcile: get rule set %s", version)
	}
	rs, err := classify.Parse(doc.Document)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: parse rule set %s", version)
	}
	snap, err := lookup.LoadSnapshot(ctx, p.store)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load lookup snapshot")
	}
	builder := derive.New(snap, rs)

	run, err := p.start(ctx, version)
	if err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("run_id", run.ID), zap.String("rule_set_version", version))
	log.Info("reconcile started",
		zap.Int64("cursor", run.Cursor),
		zap.Int("lookup_entries", snap.Len()),
		zap.Int("batch_size", p.opts.BatchSize),
	)

	limit := rate.Inf
	if p.opts.RatePerSec > 0 {
		limit = rate.Limit(p.opts.RatePerSec)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := ctx.Err(); err != nil {
			return p.stop(run, log, err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return p.stop(run, log, err)
		}

		batch, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) ([]model.Observation, error) {
			return p.store.ListObservations(ctx, run.Cursor, p.opts.BatchSize)
		})
		if err != nil {
			if ctx.Err() != nil {
				return p.stop(run, log, ctx.Err())
			}
			return p.fail(run, log, eris.Wrap(err, "reconcile: list observations"))
		}
		if len(batch) == 0 {
			break
		}

		next, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) (model.ReconcileRun, error) {
			return p.apply(ctx, builder, *run, batch)
		})
		if err != nil {
			metrics.RecordReconcileBatch("failed", 0)
			if ctx.Err() != nil {
				return p.stop(run, log, ctx.Err())
			}
			return p.fail(run, log, err)
		}
		metrics.RecordReconcileBatch("ok", next.Changed-run.Changed)
		*run = next

		log.Debug("reconcile batch committed",
			zap.Int64("cursor", run.Cursor),
			zap.Int("observations", len(batch)),
			zap.Int64("changed", run.Changed),
		)
	}

	if rs.HasRetirement() && run.RetirementReportID == "" {
		report, err := p.relations.ProposeRetirementByRules(ctx, rs)
		if err != nil {
			return p.fail(run, log, eris.Wrap(err, "reconcile: propose retirement"))
		}
		run.RetirementReportID = report.ID
		log.Info("retirement proposal filed",
			zap.String("report_id", report.ID),
			zap.Int("entities", len(report.ChangeSet.RetireEntities)),
			zap.Int("relationships", report.AffectedRelationships()),
		)
	}

	run.Status = model.RunComplete
	run.Error = ""
	if err := p.store.SaveRun(ctx, run); err != nil {
		return run, eris.Wrap(err, "reconcile: save completed run")
	}
	log.Info("reconcile complete",
		zap.Int64("scanned", run.Scanned),
		zap.Int64("changed", run.Changed),
		zap.Int64("batches", run.Batches),
	)
	return run, nil
}

// start resumes the latest unfinished run of version or creates a new one.
func (p *Processor) start(ctx context.Context, version string) (*model.ReconcileRun, error) {
	prev, err := p.store.LatestRun(ctx, version)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(err, "reconcile: latest run %s", version)
	}
	if prev != nil && prev.Status != model.RunComplete {
		prev.Status = model.RunRunning
		prev.ResumedFrom = prev.Cursor
		prev.Error = ""
		if err := p.store.SaveRun(ctx, prev); err != nil {
			return nil, eris.Wrapf(err, "reconcile: resume run %s", prev.ID)
		}
		return prev, nil
	}

	now := p.now()
	run := &model.ReconcileRun{
		ID:             uuid.NewString(),
		RuleSetVersion: version,
		Status:         model.RunRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "reconcile: create run")
	}
	return run, nil
}

// apply re-derives the records of one batch and advances the checkpoint in
// the same transaction, so a committed batch is never scanned again. The
// run is passed by value; the caller adopts the result only on commit.
func (p *Processor) apply(ctx context.Context, b *derive.Builder, run model.ReconcileRun, batch []model.Observation) (model.ReconcileRun, error) {
	err := p.store.InTx(ctx, func(q store.Queries) error {
		var changed int64
		for _, obs := range batch {
			key, err := identity.ParseKey(obs.EntityKey)
			if err != nil {
				p.log.Warn("skipping observation with invalid key",
					zap.Int64("observation_id", obs.ID), zap.Error(err))
				continue
			}
			res, err := b.Build(ctx, key.Kind, obs)
			if err != nil {
				return err
			}
			for _, rec := range res.Records() {
				rec, err := derive.GuardCurated(ctx, q, rec)
				if err != nil {
					return err
				}
				ok, err := q.UpsertRecord(ctx, rec, model.UpsertReapply)
				if err != nil {
					return eris.Wrapf(err, "reconcile: reapply observation %d", obs.ID)
				}
				if ok {
					changed++
				}
			}
		}
		run.Cursor = batch[len(batch)-1].ID
		run.Scanned += int64(len(batch))
		run.Changed += changed
		run.Batches++
		return q.SaveRun(ctx, &run)
	})
	return run, err
}

// stop persists a cancelled run. The checkpoint is written with a context
// that survives the cancellation.
func (p *Processor) stop(run *model.ReconcileRun, log *zap.Logger, cause error) (*model.ReconcileRun, error) {
	run.Status = model.RunStopped
	if err := p.store.SaveRun(context.Background(), run); err != nil {
		return run, eris.Wrap(err, "reconcile: save stopped run")
	}
	log.Info("reconcile stopped", zap.Int64("cursor", run.Cursor), zap.Error(cause))
	return run, cause
}

func (p *Processor) fail(run *model.ReconcileRun, log *zap.Logger, cause error) (*model.ReconcileRun, error) {
	run.Status = model.RunFailed
	run.Error = cause.Error()
	if err := p.store.SaveRun(context.Background(), run); err != nil {
		log.Error("save failed run", zap.Error(err))
	}
	log.Error("reconcile failed", zap.Int64("cursor", run.Cursor), zap.Error(cause))
	return run, cause
}

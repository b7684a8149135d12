package engine

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/derive"
	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/lookup"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/relation"
)

// View returns the canonical view of an entity key. Views of alias keys
// are never cached since they follow their target.
func (s *Service) View(ctx context.Context, key string) (*coalesce.View, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			return v, nil
		}
	}
	v, err := s.coalescer.View(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && v.RequestedKey == "" {
		s.cache.Set(ctx, key, v)
	}
	return v, nil
}

// Query returns active entities whose coalesced canonical value of dim
// equals value, sorted by key.
func (s *Service) Query(ctx context.Context, dim model.Dimension, value string) ([]string, error) {
	return s.coalescer.Query(ctx, dim, value)
}

// Lookup resolves one raw value against the lookup tables.
func (s *Service) Lookup(ctx context.Context, dim model.Dimension, source, raw string) (string, bool, error) {
	if !dim.Valid() {
		return "", false, model.NewValidationError("dimension", string(dim), "unknown dimension")
	}
	return lookup.New(s.store).Lookup(ctx, dim, source, raw)
}

// ImportLookup appends lookup mappings from a CSV or XLSX seed file.
func (s *Service) ImportLookup(ctx context.Context, path string) (lookup.ImportStats, error) {
	return lookup.ImportFile(ctx, s.store, path)
}

// AddLookupEntries appends mappings. Existing mappings are never changed.
func (s *Service) AddLookupEntries(ctx context.Context, entries []model.LookupEntry) (lookup.ImportStats, error) {
	for i := range entries {
		if !entries[i].Dimension.Valid() {
			return lookup.ImportStats{}, model.NewValidationError("dimension", string(entries[i].Dimension), "unknown dimension")
		}
		entries[i].RawKey = lookup.Fold(entries[i].RawKey)
	}
	return lookup.Import(ctx, s.store, entries)
}

// PublishRules validates and stores a rule-set document. Published
// versions are immutable; publishing an existing version reports false.
func (s *Service) PublishRules(ctx context.Context, doc []byte) (*classify.RuleSet, bool, error) {
	rs, err := classify.Parse(doc)
	if err != nil {
		return nil, false, err
	}
	created, err := s.store.PutRuleSet(ctx, model.RuleSetDoc{Version: rs.Version, Document: doc, CreatedAt: s.now()})
	if err != nil {
		return nil, false, eris.Wrapf(err, "engine: publish rule set %s", rs.Version)
	}
	s.log.Info("rule set published", zap.String("version", rs.Version), zap.Bool("created", created))
	return rs, created, nil
}

// ActivateRules makes a published rule set classify newly ingested
// observations. Stored records change only through Reconcile.
func (s *Service) ActivateRules(ctx context.Context, version string) error {
	doc, err := s.store.GetRuleSet(ctx, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewValidationError("rule_set_version", version, "rule set not published")
		}
		return eris.Wrapf(err, "engine: get rule set %s", version)
	}
	rs, err := classify.Parse(doc.Document)
	if err != nil {
		return err
	}
	s.builder.Store(derive.New(s.store, rs))
	s.log.Info("rule set activated", zap.String("version", version))
	return nil
}

// Reconcile re-applies lookups and the rule set version to stored
// observations.
func (s *Service) Reconcile(ctx context.Context, version string) (*model.ReconcileRun, error) {
	run, err := s.reconciler.Run(ctx, version)
	if run != nil && run.Changed > 0 && s.cache != nil {
		// Any entity may have changed; cached views expire on their own
		// but are dropped here so readers see the run immediately.
		s.cache.Invalidate(ctx)
	}
	return run, err
}

// Infer applies a batch inference rule.
func (s *Service) Infer(ctx context.Context, b relation.Batch) (*relation.InferResult, error) {
	if err := s.validate.Struct(b); err != nil {
		return nil, validationError(err)
	}
	return s.relations.Infer(ctx, b)
}

// InferChampions derives champion_of relationships.
func (s *Service) InferChampions(ctx context.Context) (*relation.InferResult, error) {
	return s.relations.InferChampions(ctx)
}

// Relationships lists relationships.
func (s *Service) Relationships(ctx context.Context, f model.RelationshipFilter) ([]model.Relationship, error) {
	return s.relations.Relationships(ctx, f)
}

// Dependents reports what depends on an entity.
func (s *Service) Dependents(ctx context.Context, key string) (relation.Dependents, error) {
	return s.relations.Dependents(ctx, key)
}

// DeleteEntity always refuses: with a ConstraintViolation when dependents
// exist, otherwise with ErrImpactReportRequired.
func (s *Service) DeleteEntity(ctx context.Context, key string) error {
	return s.relations.DeleteEntity(ctx, key)
}

// ProposeRetirement files an impact report for retiring key.
func (s *Service) ProposeRetirement(ctx context.Context, key string) (*model.ImpactReport, error) {
	return s.relations.ProposeRetirement(ctx, key)
}

// ProposeRetirementByRules files an impact report for retiring every
// entity matched by the retirement rules of a published rule set.
func (s *Service) ProposeRetirementByRules(ctx context.Context, version string) (*model.ImpactReport, error) {
	doc, err := s.store.GetRuleSet(ctx, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewValidationError("rule_set_version", version, "rule set not published")
		}
		return nil, eris.Wrapf(err, "engine: get rule set %s", version)
	}
	rs, err := classify.Parse(doc.Document)
	if err != nil {
		return nil, err
	}
	return s.relations.ProposeRetirementByRules(ctx, rs)
}

// ProposeRevocation files an impact report for revoking every active
// relationship inferred under provenance.
func (s *Service) ProposeRevocation(ctx context.Context, provenance string) (*model.ImpactReport, error) {
	return s.relations.ProposeRevocation(ctx, provenance)
}

// ProposeMerge files an impact report for merging from into into.
func (s *Service) ProposeMerge(ctx context.Context, from, into string) (*model.ImpactReport, error) {
	return s.relations.ProposeMerge(ctx, from, into)
}

// ExecuteReport applies a proposed impact report.
func (s *Service) ExecuteReport(ctx context.Context, id string) (*relation.ExecuteResult, error) {
	res, err := s.relations.ExecuteReport(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, res.Affected...)
	return res, nil
}

// Report returns an impact report.
func (s *Service) Report(ctx context.Context, id string) (*model.ImpactReport, error) {
	return s.relations.Report(ctx, id)
}

// SetPin forces the coalesced value of a first-source dimension to come
// from source.
func (s *Service) SetPin(ctx context.Context, key string, dim model.Dimension, source string) error {
	if source == "" {
		return model.NewValidationError("source", "", "pin source is required")
	}
	return s.pin(ctx, model.Pin{EntityKey: key, Dimension: dim, Source: source})
}

// ClearPin makes a first-source dimension fall back to priority order.
func (s *Service) ClearPin(ctx context.Context, key string, dim model.Dimension) error {
	return s.pin(ctx, model.Pin{EntityKey: key, Dimension: dim, Cleared: true})
}

func (s *Service) pin(ctx context.Context, p model.Pin) error {
	if _, err := identity.ParseKey(p.EntityKey); err != nil {
		return err
	}
	if s.coalescer.Config().Policy(p.Dimension) != model.PolicyFirstSource {
		return model.NewValidationError("dimension", string(p.Dimension), "only first-source dimensions can be pinned")
	}
	target, err := s.store.ResolveAlias(ctx, p.EntityKey)
	if err != nil {
		return eris.Wrapf(err, "engine: resolve alias %s", p.EntityKey)
	}
	if _, err := s.store.GetEntity(ctx, target); err != nil {
		return err
	}
	p.EntityKey = target
	p.UpdatedAt = s.now()
	if err := s.store.SetPin(ctx, p); err != nil {
		return eris.Wrapf(err, "engine: pin %s/%s", p.EntityKey, p.Dimension)
	}
	s.invalidate(ctx, target)
	s.log.Info("pin updated",
		zap.String("entity_key", target),
		zap.String("dimension", string(p.Dimension)),
		zap.String("source", p.Source),
		zap.Bool("cleared", p.Cleared),
	)
	return nil
}

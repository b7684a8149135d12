package relation

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

// ProposeRetirement reports what retiring key would change. Nothing is
// mutated until ExecuteReport is called with the report id.
func (m *Manager) ProposeRetirement(ctx context.Context, key string) (*model.ImpactReport, error) {
	if _, err := m.activeEntity(ctx, m.store, key); err != nil {
		return nil, err
	}
	return m.proposeRetire(ctx, key, []string{key}, nil)
}

// ProposeRetirementByRules evaluates the rule set's retirement rules
// against the canonical view of every active entity and reports what
// retiring the matches would change.
func (m *Manager) ProposeRetirementByRules(ctx context.Context, rs *classify.RuleSet) (*model.ImpactReport, error) {
	if rs == nil {
		return nil, model.NewValidationError("rule_set", "", "missing rule set")
	}
	matched, err := m.matchRetirement(ctx, rs)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matched))
	for k := range matched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return m.proposeRetire(ctx, "rules:"+rs.Version, keys, matched)
}

// matchRetirement pages through active entities and returns the matched
// keys with the id of the rule that selected each.
func (m *Manager) matchRetirement(ctx context.Context, rs *classify.RuleSet) (map[string]string, error) {
	matched := make(map[string]string)
	if !rs.HasRetirement() {
		return matched, nil
	}
	filter := store.EntityFilter{Status: model.StatusActive, Limit: m.pageSize}
	for {
		page, err := m.store.ListEntities(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "relation: list entities")
		}
		if len(page) == 0 {
			return matched, nil
		}
		keys := make([]string, len(page))
		for i, e := range page {
			keys[i] = e.Key
		}
		views, err := m.coalescer.Views(ctx, keys)
		if err != nil {
			return nil, eris.Wrap(err, "relation: coalesce retirement candidates")
		}
		for _, v := range views {
			if id, ok := rs.Retire(v.Kind, v.Value); ok {
				matched[v.EntityKey] = id
			}
		}
		if len(page) < filter.Limit {
			return matched, nil
		}
		filter.AfterKey = page[len(page)-1].Key
	}
}

func (m *Manager) proposeRetire(ctx context.Context, scope string, keys []string, matched map[string]string) (*model.ImpactReport, error) {
	ids, counts, err := activeRelationships(ctx, m.store, keys)
	if err != nil {
		return nil, err
	}
	refs, err := referencesTo(ctx, m.store, keys)
	if err != nil {
		return nil, err
	}
	r := m.newReport(model.ReportRetire, scope)
	r.ChangeSet = model.ChangeSet{RetireEntities: keys, RevokeRelationships: ids}
	r.Relationships = counts
	r.DimensionRefs = refs
	r.Matched = matched
	return r, m.createReport(ctx, r)
}

// ProposeRevocation reports the active relationships inferred under
// provenance that executing the report would revoke.
func (m *Manager) ProposeRevocation(ctx context.Context, provenance string) (*model.ImpactReport, error) {
	if _, ok := LookupRule(provenance); !ok {
		return nil, model.NewValidationError("provenance", provenance, "unknown inference rule")
	}
	rels, err := m.store.ListRelationships(ctx, model.RelationshipFilter{Provenance: provenance})
	if err != nil {
		return nil, eris.Wrapf(err, "relation: list %s relationships", provenance)
	}
	r := m.newReport(model.ReportRevoke, provenance)
	for _, rel := range rels {
		r.ChangeSet.RevokeRelationships = append(r.ChangeSet.RevokeRelationships, rel.ID)
		r.Relationships[string(rel.Predicate)]++
	}
	return r, m.createReport(ctx, r)
}

// ProposeMerge reports merging from into into: from becomes an alias of
// into and its records feed into's view. Relationships and dimension
// records of from are counted, never rewritten. Pseudonymous keys cannot
// be merged.
func (m *Manager) ProposeMerge(ctx context.Context, from, into string) (*model.ImpactReport, error) {
	if err := m.checkMerge(ctx, m.store, from, into); err != nil {
		return nil, err
	}
	_, counts, err := activeRelationships(ctx, m.store, []string{from})
	if err != nil {
		return nil, err
	}
	refs, err := referencesTo(ctx, m.store, []string{from})
	if err != nil {
		return nil, err
	}
	r := m.newReport(model.ReportMerge, from+"->"+into)
	r.ChangeSet = model.ChangeSet{MergeFrom: from, MergeInto: into}
	r.Relationships = counts
	r.DimensionRefs = refs
	return r, m.createReport(ctx, r)
}

func (m *Manager) checkMerge(ctx context.Context, q store.Queries, from, into string) error {
	if from == into {
		return model.NewValidationError("merge", from, "cannot merge an entity into itself")
	}
	a, err := m.activeEntity(ctx, q, from)
	if err != nil {
		return err
	}
	b, err := m.activeEntity(ctx, q, into)
	if err != nil {
		return err
	}
	if a.Kind != b.Kind {
		return model.NewValidationError("merge", from+"->"+into, "entities are of different kinds")
	}
	for _, e := range []*model.Entity{a, b} {
		if e.Identity == model.IdentityPseudonymous {
			return model.NewValidationError("entity_key", e.Key, "pseudonymous keys cannot be merged")
		}
	}
	return nil
}

// ExecuteResult summarizes an executed report.
type ExecuteResult struct {
	Report  *model.ImpactReport `json:"report"`
	Retired int                 `json:"retired"`
	Revoked int64               `json:"revoked"`
	// Affected lists entity keys whose canonical view may have changed.
	Affected []string `json:"affected"`
}

// ExecuteReport applies exactly the change set of a proposed report in one
// transaction. It refuses reports that are not proposed, and refuses with a
// ConstraintViolation, mutating nothing, when dependents appeared that the
// report does not list.
func (m *Manager) ExecuteReport(ctx context.Context, id string) (*ExecuteResult, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewValidationError("report_id", id, "not a report id")
	}
	at := m.now()
	res := &ExecuteResult{}

	err := m.store.InTx(ctx, func(q store.Queries) error {
		r, err := q.GetReport(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "relation: get report %s", id)
		}
		if r.Status != model.ReportProposed {
			return eris.Wrapf(model.ErrReportNotPending, "relation: report %s is %s", id, r.Status)
		}

		switch r.Kind {
		case model.ReportRetire:
			if err := checkDrift(ctx, q, r); err != nil {
				return err
			}
			if res.Revoked, err = q.RevokeRelationships(ctx, r.ChangeSet.RevokeRelationships, r.ID, at); err != nil {
				return eris.Wrap(err, "relation: revoke relationships")
			}
			for _, key := range r.ChangeSet.RetireEntities {
				if err := q.SetEntityStatus(ctx, key, model.StatusRetired); err != nil {
					return eris.Wrapf(err, "relation: retire %s", key)
				}
			}
			res.Retired = len(r.ChangeSet.RetireEntities)
			res.Affected = r.ChangeSet.RetireEntities
		case model.ReportRevoke:
			if res.Revoked, err = q.RevokeRelationships(ctx, r.ChangeSet.RevokeRelationships, r.ID, at); err != nil {
				return eris.Wrap(err, "relation: revoke relationships")
			}
		case model.ReportMerge:
			from, into := r.ChangeSet.MergeFrom, r.ChangeSet.MergeInto
			if err := m.checkMerge(ctx, q, from, into); err != nil {
				return err
			}
			if err := q.CreateAlias(ctx, model.Alias{AliasKey: from, TargetKey: into, ReportID: r.ID, CreatedAt: at}); err != nil {
				return eris.Wrapf(err, "relation: alias %s", from)
			}
			if err := q.SetEntityStatus(ctx, from, model.StatusMerged); err != nil {
				return eris.Wrapf(err, "relation: mark %s merged", from)
			}
			res.Affected = []string{from, into}
		default:
			return eris.Errorf("relation: report %s has unknown kind %q", id, r.Kind)
		}

		if err := q.MarkReportExecuted(ctx, id, at); err != nil {
			return eris.Wrapf(err, "relation: mark report %s executed", id)
		}
		r.Status = model.ReportExecuted
		r.ExecutedAt = &at
		res.Report = r
		return nil
	})
	if err != nil {
		if _, ok := model.AsConstraintViolation(err); ok {
			metrics.GuardRefusalsTotal.WithLabelValues("execute").Inc()
		}
		return nil, err
	}

	metrics.RecordReport(string(res.Report.Kind), string(model.ReportExecuted))
	m.log.Info("executed impact report",
		zap.String("report_id", id),
		zap.String("kind", string(res.Report.Kind)),
		zap.Int("retired", res.Retired),
		zap.Int64("revoked", res.Revoked),
	)
	return res, nil
}

// checkDrift compares the current dependents of the report's entities with
// the ones it lists.
func checkDrift(ctx context.Context, q store.Queries, r *model.ImpactReport) error {
	keys := r.ChangeSet.RetireEntities
	ids, _, err := activeRelationships(ctx, q, keys)
	if err != nil {
		return err
	}
	listed := make(map[int64]bool, len(r.ChangeSet.RevokeRelationships))
	for _, id := range r.ChangeSet.RevokeRelationships {
		listed[id] = true
	}
	var unlisted []int64
	for _, id := range ids {
		if !listed[id] {
			unlisted = append(unlisted, id)
		}
	}

	drift := model.Dependents{}
	if len(unlisted) > 0 {
		rels, err := relationshipsByID(ctx, q, keys, unlisted)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			drift[string(rel.Predicate)]++
		}
	}

	refs, err := referencesTo(ctx, q, keys)
	if err != nil {
		return err
	}
	for k, n := range refs {
		if n > r.DimensionRefs[k] {
			drift[k] = n - r.DimensionRefs[k]
		}
	}

	if drift.Total() > 0 {
		scope := r.Scope
		if len(keys) == 1 {
			scope = keys[0]
		}
		return &model.ConstraintViolation{EntityKey: scope, Op: "retire", Counts: drift}
	}
	return nil
}

func relationshipsByID(ctx context.Context, q store.Queries, keys []string, ids []int64) ([]model.Relationship, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Relationship
	for _, key := range keys {
		for _, f := range []model.RelationshipFilter{{SubjectKey: key}, {ObjectKey: key}} {
			rels, err := q.ListRelationships(ctx, f)
			if err != nil {
				return nil, eris.Wrapf(err, "relation: list relationships of %s", key)
			}
			for _, r := range rels {
				if want[r.ID] {
					out = append(out, r)
					delete(want, r.ID)
				}
			}
		}
	}
	return out, nil
}

// Report returns an impact report.
func (m *Manager) Report(ctx context.Context, id string) (*model.ImpactReport, error) {
	r, err := m.store.GetReport(ctx, id)
	return r, eris.Wrapf(err, "relation: get report %s", id)
}

func (m *Manager) newReport(kind model.ReportKind, scope string) *model.ImpactReport {
	return &model.ImpactReport{
		ID:            uuid.New().String(),
		Kind:          kind,
		Scope:         scope,
		Status:        model.ReportProposed,
		Relationships: model.Dependents{},
		DimensionRefs: model.Dependents{},
		CreatedAt:     m.now(),
	}
}

func (m *Manager) createReport(ctx context.Context, r *model.ImpactReport) error {
	if err := m.store.CreateReport(ctx, r); err != nil {
		return eris.Wrapf(err, "relation: create %s report", r.Kind)
	}
	metrics.RecordReport(string(r.Kind), string(model.ReportProposed))
	m.log.Info("proposed impact report",
		zap.String("report_id", r.ID),
		zap.String("kind", string(r.Kind)),
		zap.String("scope", r.Scope),
		zap.Int("entities", len(r.ChangeSet.RetireEntities)),
		zap.Int("relationships", r.AffectedRelationships()),
	)
	return nil
}

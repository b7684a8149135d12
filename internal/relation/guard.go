package relation

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Dependents are the records that reference one entity.
type Dependents struct {
	// Relationships counts active relationships per predicate.
	Relationships model.Dependents `json:"relationships"`
	// References counts other entities' dimension records pointing at the
	// entity, keyed "dimension:<name>".
	References model.Dependents `json:"references"`
}

// All merges both counts into one map keyed by relation type.
func (d Dependents) All() model.Dependents {
	out := make(model.Dependents, len(d.Relationships)+len(d.References))
	for k, n := range d.Relationships {
		out[k] += n
	}
	for k, n := range d.References {
		out[k] += n
	}
	return out
}

// Dependents counts the records referencing key.
func (m *Manager) Dependents(ctx context.Context, key string) (Dependents, error) {
	if _, err := identity.ParseKey(key); err != nil {
		return Dependents{}, err
	}
	return dependentsOf(ctx, m.store, key)
}

func dependentsOf(ctx context.Context, q store.Queries, key string) (Dependents, error) {
	rels, err := q.CountRelationships(ctx, key)
	if err != nil {
		return Dependents{}, eris.Wrapf(err, "relation: count relationships of %s", key)
	}
	refs, err := q.CountReferences(ctx, key)
	if err != nil {
		return Dependents{}, eris.Wrapf(err, "relation: count references to %s", key)
	}
	return Dependents{Relationships: rels, References: refs}, nil
}

// DeleteEntity never deletes. With dependents it returns a
// ConstraintViolation counting them per relation type; without, it returns
// model.ErrImpactReportRequired. Retirement goes through ProposeRetirement.
func (m *Manager) DeleteEntity(ctx context.Context, key string) error {
	if _, err := identity.ParseKey(key); err != nil {
		return err
	}
	if _, err := m.store.GetEntity(ctx, key); err != nil {
		return eris.Wrapf(err, "relation: delete %s", key)
	}
	deps, err := dependentsOf(ctx, m.store, key)
	if err != nil {
		return err
	}
	metrics.GuardRefusalsTotal.WithLabelValues("delete").Inc()

	all := deps.All()
	if all.Total() > 0 {
		m.log.Warn("refused delete of entity with dependents",
			zap.String("entity_key", key),
			zap.Int("dependents", all.Total()),
		)
		return &model.ConstraintViolation{EntityKey: key, Op: "delete", Counts: all}
	}
	return eris.Wrapf(model.ErrImpactReportRequired, "relation: delete %s", key)
}

// activeRelationships returns the ids of active relationships touching any
// of keys, sorted, plus their counts per predicate.
func activeRelationships(ctx context.Context, q store.Queries, keys []string) ([]int64, model.Dependents, error) {
	seen := make(map[int64]bool)
	counts := model.Dependents{}
	var ids []int64
	for _, key := range keys {
		for _, f := range []model.RelationshipFilter{{SubjectKey: key}, {ObjectKey: key}} {
			rels, err := q.ListRelationships(ctx, f)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "relation: list relationships of %s", key)
			}
			for _, r := range rels {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				ids = append(ids, r.ID)
				counts[string(r.Predicate)]++
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, counts, nil
}

// referencesTo sums dimension-record references to keys.
func referencesTo(ctx context.Context, q store.Queries, keys []string) (model.Dependents, error) {
	out := model.Dependents{}
	for _, key := range keys {
		refs, err := q.CountReferences(ctx, key)
		if err != nil {
			return nil, eris.Wrapf(err, "relation: count references to %s", key)
		}
		for k, n := range refs {
			out[k] += n
		}
	}
	return out, nil
}

package relation

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
)

// Batch is a group of entities scraped under one filter. Every member is
// related to the anchor by the rule named by Provenance.
type Batch struct {
	Provenance string   `json:"provenance" validate:"required"`
	Anchor     string   `json:"anchor" validate:"required"`
	Members    []string `json:"members" validate:"required,min=1"`
}

// Rejection records one refused batch member.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// InferResult counts inference outcomes. Re-running a batch reports its
// relationships as duplicates and inserts nothing.
type InferResult struct {
	Provenance string      `json:"provenance"`
	Inserted   int         `json:"inserted"`
	Duplicate  int         `json:"duplicate"`
	Rejected   int         `json:"rejected"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

func (r *InferResult) reject(key string, why rejection) {
	r.Rejected++
	r.Rejections = append(r.Rejections, Rejection{Key: key, Reason: string(why)})
}

// Infer applies a batch rule. An invalid or unusable anchor rejects the
// whole batch with a ValidationError.
func (m *Manager) Infer(ctx context.Context, b Batch) (*InferResult, error) {
	rule, ok := LookupRule(b.Provenance)
	if !ok {
		return nil, model.NewValidationError("provenance", b.Provenance, "unknown inference rule")
	}
	if rule.Derived {
		return nil, model.NewValidationError("provenance", b.Provenance, "derived rule has no batch input")
	}

	anchor, why, err := m.resolveKey(ctx, m.store, b.Anchor, rule.ObjectKind)
	if err != nil {
		return nil, eris.Wrapf(err, "relation: resolve anchor %s", b.Anchor)
	}
	if why != "" {
		return nil, model.NewValidationError("anchor", b.Anchor, string(why))
	}

	res := &InferResult{Provenance: rule.Provenance}
	seen := make(map[string]bool, len(b.Members))
	var rels []model.Relationship
	for _, raw := range b.Members {
		key, why, err := m.resolveKey(ctx, m.store, raw, rule.SubjectKind)
		if err != nil {
			return nil, eris.Wrapf(err, "relation: resolve member %s", raw)
		}
		if why == "" && key == anchor {
			why = rejectSelf
		}
		if why != "" {
			res.reject(raw, why)
			continue
		}
		if seen[key] {
			res.Duplicate++
			continue
		}
		seen[key] = true
		rels = append(rels, model.Relationship{
			SubjectKey: key,
			Predicate:  rule.Predicate,
			ObjectKey:  anchor,
			Provenance: rule.Provenance,
			Confidence: rule.Confidence,
		})
	}

	if err := m.insert(ctx, res, rels); err != nil {
		return nil, err
	}
	m.log.Info("inferred relationships",
		zap.String("provenance", rule.Provenance),
		zap.String("anchor", anchor),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicate", res.Duplicate),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

// InferChampions derives champion_of: a person who worked at company C,
// where C is a customer of X, is a champion of X. Only active relationships
// participate.
func (m *Manager) InferChampions(ctx context.Context) (*InferResult, error) {
	rule := registry[ProvChampion]

	past, err := m.store.ListRelationships(ctx, model.RelationshipFilter{Predicate: model.PredPastEmployer})
	if err != nil {
		return nil, eris.Wrap(err, "relation: list past employers")
	}
	byCompany := make(map[string][]string)
	for _, r := range past {
		byCompany[r.ObjectKey] = append(byCompany[r.ObjectKey], r.SubjectKey)
	}
	companies := make([]string, 0, len(byCompany))
	for c := range byCompany {
		companies = append(companies, c)
	}
	sort.Strings(companies)

	res := &InferResult{Provenance: rule.Provenance}
	seen := make(map[[2]string]bool)
	var rels []model.Relationship
	for _, c := range companies {
		customers, err := m.store.ListRelationships(ctx, model.RelationshipFilter{
			SubjectKey: c,
			Predicate:  model.PredCustomerOf,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "relation: list vendors of %s", c)
		}
		for _, cust := range customers {
			for _, person := range byCompany[c] {
				pair := [2]string{person, cust.ObjectKey}
				if seen[pair] {
					continue
				}
				seen[pair] = true
				rels = append(rels, model.Relationship{
					SubjectKey: person,
					Predicate:  rule.Predicate,
					ObjectKey:  cust.ObjectKey,
					Provenance: rule.Provenance,
					Confidence: rule.Confidence,
				})
			}
		}
	}

	if err := m.insert(ctx, res, rels); err != nil {
		return nil, err
	}
	m.log.Info("inferred champions",
		zap.Int("candidates", len(rels)),
		zap.Int("inserted", res.Inserted),
	)
	return res, nil
}

// insert writes rels and splits them into inserted and duplicate counts.
func (m *Manager) insert(ctx context.Context, res *InferResult, rels []model.Relationship) error {
	if len(rels) > 0 {
		n, err := m.store.InsertRelationships(ctx, rels)
		if err != nil {
			return eris.Wrapf(err, "relation: insert %s relationships", res.Provenance)
		}
		res.Inserted = int(n)
		res.Duplicate += len(rels) - int(n)
	}
	metrics.RecordInference(res.Provenance, res.Inserted, res.Duplicate, res.Rejected)
	return nil
}

// Relationships lists relationships matching filter.
func (m *Manager) Relationships(ctx context.Context, filter model.RelationshipFilter) ([]model.Relationship, error) {
	rels, err := m.store.ListRelationships(ctx, filter)
	return rels, eris.Wrap(err, "relation: list relationships")
}

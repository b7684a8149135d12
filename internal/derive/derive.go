// Package derive turns an observation into the dimension records it backs:
// the normalized primary record plus records derived from it by
// classification rules. Ingestion and reconciliation share it so both
// produce byte-identical records for the same inputs.
package derive

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/lookup"
	"github.com/sells-group/entity-resolver/internal/model"
)

// Result holds the records an observation produces.
type Result struct {
	// Primary is the record of the observation's own dimension.
	Primary model.Record
	// Derived are classification records (seniority, job_function). They
	// are written even when no rule matches so a later rule set can fill
	// them in through reconciliation.
	Derived []model.Record
	// Miss is set when the primary raw value had no canonical mapping.
	Miss bool
	// RuleID is the classification rule that matched, if any.
	RuleID string
}

// Records returns every record in write order.
func (r Result) Records() []model.Record {
	out := make([]model.Record, 0, 1+len(r.Derived))
	out = append(out, r.Primary)
	return append(out, r.Derived...)
}

// Builder builds records from observations.
type Builder struct {
	norm  *lookup.Normalizer
	rules *classify.RuleSet
}

// New creates a Builder resolving lookups through f and classifying with
// rules. A nil rule set classifies nothing.
func New(f lookup.Finder, rules *classify.RuleSet) *Builder {
	return &Builder{norm: lookup.NewNormalizer(f), rules: rules}
}

// Rules returns the rule set in use.
func (b *Builder) Rules() *classify.RuleSet {
	return b.rules
}

// Build normalizes obs and derives classification records for entities of
// kind. obs.ID must be set.
func (b *Builder) Build(ctx context.Context, kind model.EntityKind, obs model.Observation) (Result, error) {
	v, err := b.norm.Normalize(ctx, obs)
	if err != nil {
		return Result{}, eris.Wrapf(err, "derive: normalize observation %d", obs.ID)
	}

	res := Result{
		Primary: recordOf(obs, obs.Dimension, v.Raw, v.Canonical, v.Extracted),
		Miss:    v.Miss,
	}
	if !b.classifies(obs.Dimension) {
		return res, nil
	}

	input := v.Canonical
	if input == nil {
		input = v.Raw
	}
	var c classify.Classification
	if input != nil {
		c = b.rules.Classify(obs.Dimension, *input)
	}
	res.RuleID = c.RuleID

	for _, dim := range classify.DerivedDimensions() {
		if !dim.AppliesTo(kind) {
			continue
		}
		var canonical *string
		if s, ok := c.Values[dim]; ok && s != "" {
			canonical = &s
		}
		res.Derived = append(res.Derived, recordOf(obs, dim, nil, canonical, nil))
	}
	return res, nil
}

// classifies reports whether observations of dim feed classification.
// job_title always does so derived records exist before any rule set.
func (b *Builder) classifies(dim model.Dimension) bool {
	if dim == model.DimJobTitle {
		return true
	}
	for _, d := range b.rules.Sources() {
		if d == dim {
			return true
		}
	}
	return false
}

func recordOf(obs model.Observation, dim model.Dimension, raw, canonical *string, extracted map[string]string) model.Record {
	r := model.Record{
		EntityKey:     obs.EntityKey,
		Source:        obs.Source,
		Dimension:     dim,
		RawValue:      raw,
		Canonical:     canonical,
		Extracted:     extracted,
		ObservationID: obs.ID,
		ObservedAt:    obs.ObservedAt,
	}
	if raw != nil || canonical != nil {
		at := obs.ObservedAt
		r.FirstValuedAt = &at
	}
	return r
}

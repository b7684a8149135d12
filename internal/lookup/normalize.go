package lookup

import (
	"context"
	"strings"

	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/model"
)

// Value is the normalized form of one observation's primary dimension.
type Value struct {
	Raw       *string
	Canonical *string
	Extracted map[string]string
	// Miss is set when a raw value was present but had no canonical mapping.
	Miss bool
}

// Normalizer turns observations into raw and canonical dimension values.
type Normalizer struct {
	table *Table
}

// NewNormalizer creates a Normalizer that resolves lookups through f.
func NewNormalizer(f Finder) *Normalizer {
	return &Normalizer{table: New(f)}
}

// Normalize maps obs to the value stored in its dimension record. Missing
// data yields nil fields and lookup misses are reported in Value.Miss; the
// only errors are store failures.
func (n *Normalizer) Normalize(ctx context.Context, obs model.Observation) (Value, error) {
	switch obs.Dimension {
	case model.DimLocation:
		return n.location(ctx, obs)
	case model.DimCuratedName:
		return curatedName(obs), nil
	case model.DimEmployer:
		return employer(obs), nil
	}

	raw := obs.RawValue()
	if raw == nil {
		return Value{}, nil
	}
	spec, _ := obs.Dimension.Spec()
	if spec.LookupTable == "" {
		return Value{Raw: raw, Canonical: raw}, nil
	}
	canonical, ok, err := n.table.Lookup(ctx, spec.LookupTable, obs.Source, *raw)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{Raw: raw, Miss: true}, nil
	}
	return Value{Raw: raw, Canonical: &canonical}, nil
}

// location prefers sub-fields the adapter already extracted and falls back
// to the source's location table.
func (n *Normalizer) location(ctx context.Context, obs model.Observation) (Value, error) {
	loc := model.Location{
		City:    strings.TrimSpace(obs.Extracted[model.FieldCity]),
		State:   strings.TrimSpace(obs.Extracted[model.FieldState]),
		Country: strings.TrimSpace(obs.Extracted[model.FieldCountry]),
	}
	raw := obs.RawValue()
	if loc.Completeness() > 0 {
		if raw == nil {
			raw = joinLocation(loc)
		}
		return Value{Raw: raw, Canonical: loc.Encode(), Extracted: locationFields(loc)}, nil
	}
	if raw == nil {
		return Value{}, nil
	}

	canonical, ok, err := n.table.Lookup(ctx, model.DimLocation, obs.Source, *raw)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{Raw: raw, Miss: true}, nil
	}
	loc = model.DecodeLocation(&canonical)
	if loc.Completeness() == 0 {
		return Value{Raw: raw, Miss: true}, nil
	}
	return Value{Raw: raw, Canonical: loc.Encode(), Extracted: locationFields(loc)}, nil
}

// curatedName reads the cleaned name and keeps the raw form alongside it
// so the write guard can compare them.
func curatedName(obs model.Observation) Value {
	cleaned := strings.TrimSpace(obs.Extracted[model.FieldCleaned])
	if cleaned == "" {
		if v := obs.RawValue(); v != nil {
			cleaned = *v
		}
	}
	var extracted map[string]string
	if raw := strings.TrimSpace(obs.Extracted[model.FieldRaw]); raw != "" {
		extracted = map[string]string{model.FieldRaw: raw}
	}
	if cleaned == "" {
		return Value{Extracted: extracted}
	}
	return Value{Raw: &cleaned, Canonical: &cleaned, Extracted: extracted}
}

// employer resolves the referenced company to its entity key.
func employer(obs model.Observation) Value {
	raw := obs.RawValue()
	if raw == nil {
		return Value{}
	}
	key, err := identity.NormalizeCompany(*raw)
	if err != nil {
		return Value{Raw: raw, Miss: true}
	}
	return Value{Raw: raw, Canonical: &key.Value}
}

func locationFields(l model.Location) map[string]string {
	out := make(map[string]string, 3)
	if l.City != "" {
		out[model.FieldCity] = l.City
	}
	if l.State != "" {
		out[model.FieldState] = l.State
	}
	if l.Country != "" {
		out[model.FieldCountry] = l.Country
	}
	return out
}

func joinLocation(l model.Location) *string {
	var parts []string
	for _, p := range []string{l.City, l.State, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	s := strings.Join(parts, ", ")
	return &s
}

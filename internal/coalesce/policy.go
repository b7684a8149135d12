package coalesce

import (
	"sort"
	"time"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Field is the coalesced value of one dimension.
type Field struct {
	// Value is the canonical value of the winning record, or its raw value
	// when no candidate had a canonical value.
	Value      *string           `json:"value"`
	Canonical  *string           `json:"canonical_value"`
	Raw        *string           `json:"raw_value"`
	Source     string            `json:"source"`
	EntityKey  string            `json:"entity_key"`
	Extracted  map[string]string `json:"extracted,omitempty"`
	Policy     model.Policy      `json:"policy"`
	Pinned     bool              `json:"pinned,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Resolve applies dim's policy to the records of that dimension. It
// returns nil when no record carries a value. The result depends only on
// the set of records, not on their order.
func Resolve(cfg *Config, dim model.Dimension, records []model.Record, pin *model.Pin) *Field {
	rank := cfg.Ranking(dim)
	cands := candidates(rank, records)
	if len(cands) == 0 {
		return nil
	}

	policy := cfg.Policy(dim)
	var f *Field
	switch policy {
	case model.PolicyFirstSource:
		f = firstSource(rank, cands, pin)
	case model.PolicyCompleteness:
		f = completeness(rank, cands)
	case model.PolicyCurated:
		f = curated(cands)
	default:
		f = priority(cands)
	}
	if f != nil {
		f.Policy = policy
	}
	return f
}

// candidates returns records with a value, sorted by source rank. Records
// of merged aliases may share a source; entity key breaks that tie.
func candidates(rank Ranking, records []model.Record) []model.Record {
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if r.HasValue() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return rank.Less(out[i].Source, out[j].Source)
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	return out
}

// priority returns the highest-ranked record with a canonical value, else
// the highest-ranked record with a raw value.
func priority(cands []model.Record) *Field {
	for _, r := range cands {
		if r.HasCanonical() {
			return fieldOf(r)
		}
	}
	return fieldOf(cands[0])
}

// curated only considers canonical values; raw-only curated records are
// never shown.
func curated(cands []model.Record) *Field {
	for _, r := range cands {
		if r.HasCanonical() {
			return fieldOf(r)
		}
	}
	return nil
}

// firstSource keeps the source that first supplied a value. A pin forces a
// source, a cleared pin falls back to priority order.
func firstSource(rank Ranking, cands []model.Record, pin *model.Pin) *Field {
	if pin != nil {
		if pin.Source != "" {
			for _, r := range cands {
				if r.Source == pin.Source {
					f := fieldOf(r)
					f.Pinned = true
					return f
				}
			}
		} else if pin.Cleared {
			return priority(cands)
		}
	}

	best := cands[0]
	for _, r := range cands[1:] {
		if earlier(r, best, rank) {
			best = r
		}
	}
	return fieldOf(best)
}

// completeness picks the location with the most sub-fields. Ties keep the
// earlier value, which makes the result equal to replacing the winner only
// when a record is strictly more complete.
func completeness(rank Ranking, cands []model.Record) *Field {
	var best *model.Record
	bestScore := 0
	for i := range cands {
		r := &cands[i]
		if !r.HasCanonical() {
			continue
		}
		score := model.DecodeLocation(r.Canonical).Completeness()
		if score == 0 {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && earlier(*r, *best, rank)) {
			best, bestScore = r, score
		}
	}
	if best == nil {
		return priority(cands)
	}
	return fieldOf(*best)
}

// earlier orders records by first_valued_at, then source rank, then
// entity key.
func earlier(a, b model.Record, rank Ranking) bool {
	ta, tb := firstValued(a), firstValued(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if a.Source != b.Source {
		return rank.Less(a.Source, b.Source)
	}
	return a.EntityKey < b.EntityKey
}

func firstValued(r model.Record) time.Time {
	if r.FirstValuedAt != nil {
		return *r.FirstValuedAt
	}
	return r.ObservedAt
}

func fieldOf(r model.Record) *Field {
	f := &Field{
		Canonical:  r.Canonical,
		Raw:        r.RawValue,
		Source:     r.Source,
		EntityKey:  r.EntityKey,
		Extracted:  r.Extracted,
		ObservedAt: r.ObservedAt,
	}
	if r.HasCanonical() {
		f.Value = r.Canonical
	} else {
		f.Value = r.RawValue
	}
	return f
}

package classify

import (
	"sort"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Classification is the outcome of classifying one value.
type Classification struct {
	// RuleID is the matching rule, empty when nothing matched.
	RuleID string
	Values map[model.Dimension]string
}

// DerivedDimensions returns the dimensions classification rules may set.
func DerivedDimensions() []model.Dimension {
	var out []model.Dimension
	for _, d := range model.Dimensions() {
		if spec, _ := d.Spec(); spec.Derived {
			out = append(out, d)
		}
	}
	return out
}

// Classify evaluates classification rules for field top to bottom and
// returns the first match. No match yields an empty Classification.
func (rs *RuleSet) Classify(field model.Dimension, value string) Classification {
	if rs == nil || value == "" {
		return Classification{}
	}
	for _, r := range rs.Classification {
		if r.Field != field || !r.re.MatchString(value) {
			continue
		}
		return Classification{RuleID: r.ID, Values: r.Set}
	}
	return Classification{}
}

// Sources returns the dimensions that feed classification rules.
func (rs *RuleSet) Sources() []model.Dimension {
	if rs == nil {
		return nil
	}
	seen := make(map[model.Dimension]bool)
	var out []model.Dimension
	for _, r := range rs.Classification {
		if !seen[r.Field] {
			seen[r.Field] = true
			out = append(out, r.Field)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValueFunc returns an entity's coalesced value for a dimension, or for a
// sub-field of it when field is set. Nil means absent.
type ValueFunc func(dim model.Dimension, field string) *string

// Retire returns the first retirement rule matching an entity.
func (rs *RuleSet) Retire(kind model.EntityKind, value ValueFunc) (string, bool) {
	if rs == nil {
		return "", false
	}
	for _, r := range rs.Retirement {
		if r.Kind != "" && r.Kind != kind {
			continue
		}
		if !r.Dimension.AppliesTo(kind) {
			continue
		}
		if r.matches(value(r.Dimension, r.Field)) {
			return r.ID, true
		}
	}
	return "", false
}

// HasRetirement reports whether the rule set carries retirement rules.
func (rs *RuleSet) HasRetirement() bool {
	return rs != nil && len(rs.Retirement) > 0
}

func (r RetirementRule) matches(v *string) bool {
	if r.Op == OpIsNull {
		return v == nil || fold(*v) == ""
	}
	if v == nil || fold(*v) == "" {
		return false
	}
	switch r.Op {
	case OpIn, OpEquals:
		return r.values[fold(*v)]
	case OpNotIn:
		return !r.values[fold(*v)]
	case OpMatch:
		return r.re.MatchString(*v)
	}
	return false
}

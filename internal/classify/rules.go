// Package classify evaluates versioned rule-set documents: ordered
// classification rules that derive seniority and job function from job
// titles, and retirement rules that select entities for removal.
package classify

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Retirement rule operators.
const (
	OpIn     = "in"
	OpNotIn  = "not_in"
	OpMatch  = "matches"
	OpIsNull = "is_null"
	OpEquals = "equals"
)

// RuleSet is a parsed rule-set document. Rules are evaluated in document
// order.
type RuleSet struct {
	Version        string               `yaml:"version" json:"version"`
	Classification []ClassificationRule `yaml:"classification" json:"classification"`
	Retirement     []RetirementRule     `yaml:"retirement" json:"retirement"`
}

// ClassificationRule maps titles matching Pattern to derived values.
type ClassificationRule struct {
	ID string `yaml:"id" json:"id"`
	// Field is the dimension whose value is matched. Defaults to job_title.
	Field   model.Dimension            `yaml:"field" json:"field"`
	Pattern string                     `yaml:"pattern" json:"pattern"`
	Set     map[model.Dimension]string `yaml:"set" json:"set"`

	re *regexp.Regexp
}

// RetirementRule selects entities whose coalesced value satisfies Op.
type RetirementRule struct {
	ID          string           `yaml:"id" json:"id"`
	Description string           `yaml:"description" json:"description"`
	Kind        model.EntityKind `yaml:"kind" json:"kind,omitempty"`
	Dimension   model.Dimension  `yaml:"dimension" json:"dimension"`
	// Field selects a sub-field of structured values (location country).
	Field   string   `yaml:"field" json:"field,omitempty"`
	Op      string   `yaml:"op" json:"op"`
	Values  []string `yaml:"values" json:"values,omitempty"`
	Pattern string   `yaml:"pattern" json:"pattern,omitempty"`

	re     *regexp.Regexp
	values map[string]bool
}

// Parse decodes and validates a YAML or JSON rule-set document.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "classify: parse rule set")
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadFile reads and parses a rule-set document from disk.
func LoadFile(path string) (*RuleSet, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "classify: read rule set %s", path)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return rs, data, nil
}

func (rs *RuleSet) compile() error {
	if strings.TrimSpace(rs.Version) == "" {
		return model.NewValidationError("version", "", "rule set version is required")
	}
	seen := make(map[string]bool)
	for i := range rs.Classification {
		r := &rs.Classification[i]
		if err := checkID(seen, r.ID); err != nil {
			return err
		}
		if r.Field == "" {
			r.Field = model.DimJobTitle
		}
		if !r.Field.Valid() {
			return model.NewValidationError("field", string(r.Field), "unknown dimension in rule "+r.ID)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil || r.Pattern == "" {
			return model.NewValidationError("pattern", r.Pattern, "invalid pattern in rule "+r.ID)
		}
		r.re = re
		if len(r.Set) == 0 {
			return model.NewValidationError("set", "", "rule "+r.ID+" sets nothing")
		}
		for dim := range r.Set {
			if spec, ok := dim.Spec(); !ok || !spec.Derived {
				return model.NewValidationError("set", string(dim), "not a derived dimension in rule "+r.ID)
			}
		}
	}
	for i := range rs.Retirement {
		r := &rs.Retirement[i]
		if err := checkID(seen, r.ID); err != nil {
			return err
		}
		if !r.Dimension.Valid() {
			return model.NewValidationError("dimension", string(r.Dimension), "unknown dimension in rule "+r.ID)
		}
		switch r.Op {
		case OpIn, OpNotIn, OpEquals:
			if len(r.Values) == 0 {
				return model.NewValidationError("values", "", "rule "+r.ID+" needs values")
			}
			r.values = make(map[string]bool, len(r.Values))
			for _, v := range r.Values {
				r.values[fold(v)] = true
			}
		case OpMatch:
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil || r.Pattern == "" {
				return model.NewValidationError("pattern", r.Pattern, "invalid pattern in rule "+r.ID)
			}
			r.re = re
		case OpIsNull:
		default:
			return model.NewValidationError("op", r.Op, "unknown operator in rule "+r.ID)
		}
	}
	return nil
}

func checkID(seen map[string]bool, id string) error {
	if strings.TrimSpace(id) == "" {
		return model.NewValidationError("id", "", "rule id is required")
	}
	if seen[id] {
		return model.NewValidationError("id", id, "duplicate rule id")
	}
	seen[id] = true
	return nil
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Package coalesce derives the canonical entity view from dimension records
// using per-dimension merge policies and configured source priority.
package coalesce

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Config is the versioned source-priority configuration.
type Config struct {
	Version    string                              `yaml:"version" json:"version"`
	Defaults   DefaultConfig                       `yaml:"defaults" json:"defaults"`
	Dimensions map[model.Dimension]DimensionConfig `yaml:"dimensions" json:"dimensions"`
}

// DefaultConfig holds the fallback source order.
type DefaultConfig struct {
	Sources []string `yaml:"sources" json:"sources"`
}

// DimensionConfig overrides policy and source order for one dimension.
type DimensionConfig struct {
	Policy  model.Policy `yaml:"policy" json:"policy,omitempty"`
	Sources []string     `yaml:"sources" json:"sources,omitempty"`
}

// LoadConfig reads priority config from a YAML file with a top-level
// "coalesce" key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates priority config.
func ParseConfig(data []byte) (*Config, error) {
	var wrapper struct {
		Coalesce Config `yaml:"coalesce"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "coalesce: parse config")
	}
	cfg := &wrapper.Coalesce
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown dimensions and policies.
func (c *Config) Validate() error {
	for dim, dc := range c.Dimensions {
		if !dim.Valid() {
			return model.NewValidationError("dimensions", string(dim), "unknown dimension")
		}
		if dc.Policy != "" && !dc.Policy.Valid() {
			return model.NewValidationError("policy", string(dc.Policy), "unknown policy for "+string(dim))
		}
	}
	return nil
}

// Policy returns the merge policy of dim: the configured override, else the
// dimension's default.
func (c *Config) Policy(dim model.Dimension) model.Policy {
	if c != nil {
		if dc, ok := c.Dimensions[dim]; ok && dc.Policy != "" {
			return dc.Policy
		}
	}
	spec, _ := dim.Spec()
	return spec.Policy
}

// Sources returns the configured source order for dim.
func (c *Config) Sources(dim model.Dimension) []string {
	if c == nil {
		return nil
	}
	if dc, ok := c.Dimensions[dim]; ok && len(dc.Sources) > 0 {
		return dc.Sources
	}
	return c.Defaults.Sources
}

// Ranking orders sources for one dimension. Listed sources come first in
// list order; the rest follow in lexicographic order.
type Ranking struct {
	index map[string]int
}

// Ranking builds the source ranking for dim.
func (c *Config) Ranking(dim model.Dimension) Ranking {
	sources := c.Sources(dim)
	idx := make(map[string]int, len(sources))
	for i, s := range sources {
		if _, dup := idx[s]; !dup {
			idx[s] = i
		}
	}
	return Ranking{index: idx}
}

// Less reports whether source a outranks source b.
func (r Ranking) Less(a, b string) bool {
	ia, oka := r.index[a]
	ib, okb := r.index[b]
	switch {
	case oka && okb:
		if ia != ib {
			return ia < ib
		}
		return a < b
	case oka:
		return true
	case okb:
		return false
	}
	return a < b
}

// Order sorts sources by rank.
func (r Ranking) Order(sources []string) []string {
	out := append([]string(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool { return r.Less(out[i], out[j]) })
	return out
}

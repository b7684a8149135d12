package coalesce

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
)

// View is the canonical entity view. Every dimension applicable to the
// entity's kind has an entry; absent data is a nil field.
type View struct {
	EntityKey string             `json:"entity_key"`
	Kind      model.EntityKind   `json:"kind"`
	Identity  model.IdentityKind `json:"identity_kind"`
	// Status is empty for keys that were never observed.
	Status model.EntityStatus `json:"status,omitempty"`
	// RequestedKey is set when the request named a merged alias.
	RequestedKey string                     `json:"requested_key,omitempty"`
	Aliases      []string                   `json:"aliases,omitempty"`
	Name         *string                    `json:"name"`
	Dimensions   map[model.Dimension]*Field `json:"dimensions"`
}

// Canonical returns the coalesced value of dim, or nil.
func (v *View) Canonical(dim model.Dimension) *string {
	if f := v.Dimensions[dim]; f != nil {
		return f.Value
	}
	return nil
}

// Value returns the coalesced value of dim, or of one extracted sub-field
// when field is set. It matches classify.ValueFunc.
func (v *View) Value(dim model.Dimension, field string) *string {
	f := v.Dimensions[dim]
	if f == nil {
		return nil
	}
	if field == "" {
		return f.Value
	}
	if s, ok := f.Extracted[field]; ok && s != "" {
		return &s
	}
	if dim == model.DimLocation && f.Canonical != nil {
		loc := model.DecodeLocation(f.Canonical)
		var s string
		switch field {
		case model.FieldCity:
			s = loc.City
		case model.FieldState:
			s = loc.State
		case model.FieldCountry:
			s = loc.Country
		}
		if s != "" {
			return &s
		}
	}
	return nil
}

// Build coalesces records into a view. Records may belong to the entity
// and to aliases merged into it; pins apply to the entity itself.
func Build(cfg *Config, key model.Key, records []model.Record, pins []model.Pin) *View {
	v := &View{
		EntityKey:  key.Value,
		Kind:       key.Kind,
		Identity:   key.Identity,
		Dimensions: make(map[model.Dimension]*Field),
	}

	byDim := make(map[model.Dimension][]model.Record)
	for _, r := range records {
		byDim[r.Dimension] = append(byDim[r.Dimension], r)
	}
	pinByDim := make(map[model.Dimension]*model.Pin)
	for i := range pins {
		if pins[i].EntityKey == key.Value {
			pinByDim[pins[i].Dimension] = &pins[i]
		}
	}

	for _, dim := range model.Dimensions() {
		if !dim.AppliesTo(key.Kind) {
			continue
		}
		v.Dimensions[dim] = Resolve(cfg, dim, byDim[dim], pinByDim[dim])
	}

	switch key.Kind {
	case model.KindCompany:
		v.Name = v.Canonical(model.DimCuratedName)
		if v.Name == nil {
			v.Name = v.Canonical(model.DimName)
		}
	case model.KindPerson:
		v.Name = v.Canonical(model.DimFullName)
	}
	return v
}

// Reader is the store surface the coalescer reads.
type Reader interface {
	ResolveAlias(ctx context.Context, key string) (string, error)
	GetEntity(ctx context.Context, key string) (*model.Entity, error)
	ListAliases(ctx context.Context, target string) ([]string, error)
	ListRecords(ctx context.Context, entityKeys []string) ([]model.Record, error)
	ListPins(ctx context.Context, entityKeys []string) ([]model.Pin, error)
	EntitiesWithCanonical(ctx context.Context, dim model.Dimension, value string) ([]string, error)
}

// Coalescer computes canonical views from committed dimension records.
// It holds no locks; concurrent views of one entity are independent reads.
type Coalescer struct {
	reader      Reader
	cfg         *Config
	concurrency int
}

// New creates a Coalescer. A nil cfg ranks every source lexicographically.
func New(r Reader, cfg *Config) *Coalescer {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Coalescer{reader: r, cfg: cfg, concurrency: 8}
}

// WithConcurrency bounds how many views Views and Query compute at once.
// Non-positive n keeps the default of 8.
func (c *Coalescer) WithConcurrency(n int) *Coalescer {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// Config returns the priority configuration in use.
func (c *Coalescer) Config() *Config {
	return c.cfg
}

// View returns the canonical view of key. It fails only for keys that are
// not in canonical form; missing data yields nil fields.
func (c *Coalescer) View(ctx context.Context, key string) (*View, error) {
	start := time.Now()
	defer func() { metrics.CoalesceDuration.Observe(time.Since(start).Seconds()) }()

	parsed, err := identity.ParseKey(key)
	if err != nil {
		return nil, err
	}

	target, err := c.reader.ResolveAlias(ctx, parsed.Value)
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: resolve alias %s", key)
	}
	if target != parsed.Value {
		if parsed, err = identity.ParseKey(target); err != nil {
			return nil, eris.Wrapf(err, "coalesce: alias target of %s", key)
		}
	}

	var status model.EntityStatus
	ent, err := c.reader.GetEntity(ctx, target)
	switch {
	case err == nil:
		parsed.Kind, parsed.Identity, status = ent.Kind, ent.Identity, ent.Status
	case errors.Is(err, model.ErrNotFound):
	default:
		return nil, eris.Wrapf(err, "coalesce: get entity %s", target)
	}

	aliases, err := c.reader.ListAliases(ctx, target)
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: list aliases of %s", target)
	}
	keys := append([]string{target}, aliases...)
	records, err := c.reader.ListRecords(ctx, keys)
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: list records of %s", target)
	}
	pins, err := c.reader.ListPins(ctx, []string{target})
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: list pins of %s", target)
	}

	v := Build(c.cfg, parsed, records, pins)
	v.Status = status
	v.Aliases = aliases
	if target != key {
		v.RequestedKey = key
	}
	return v, nil
}

// Views computes views for keys with bounded concurrency, in input order.
func (c *Coalescer) Views(ctx context.Context, keys []string) ([]*View, error) {
	out := make([]*View, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, k := range keys {
		g.Go(func() error {
			v, err := c.View(gctx, k)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Query returns the sorted keys of active entities whose coalesced
// canonical value of dim equals value.
func (c *Coalescer) Query(ctx context.Context, dim model.Dimension, value string) ([]string, error) {
	if !dim.Valid() {
		return nil, model.NewValidationError("dimension", string(dim), "unknown dimension")
	}
	cands, err := c.reader.EntitiesWithCanonical(ctx, dim, value)
	if err != nil {
		return nil, eris.Wrapf(err, "coalesce: candidates for %s=%q", dim, value)
	}

	seen := make(map[string]bool, len(cands))
	var targets []string
	for _, k := range cands {
		t, err := c.reader.ResolveAlias(ctx, k)
		if err != nil {
			return nil, eris.Wrapf(err, "coalesce: resolve alias %s", k)
		}
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}

	views, err := c.Views(ctx, targets)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range views {
		if v.Status != model.StatusActive {
			continue
		}
		f := v.Dimensions[dim]
		if f != nil && f.Canonical != nil && *f.Canonical == value {
			out = append(out, v.EntityKey)
		}
	}
	sort.Strings(out)
	return out, nil
}

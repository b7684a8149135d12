package lookup

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Lister returns the whole lookup table of a dimension.
type Lister interface {
	ListLookup(ctx context.Context, dim model.Dimension) ([]model.LookupEntry, error)
}

// Snapshot is an in-memory copy of the lookup tables. Reconciliation loads
// one per run so every batch sees the same mappings.
type Snapshot struct {
	tables map[model.Dimension]map[string][]model.LookupEntry
	size   int
}

// TableDimensions returns the dimensions normalized through a lookup table.
func TableDimensions() []model.Dimension {
	var out []model.Dimension
	for _, d := range model.Dimensions() {
		if spec, _ := d.Spec(); spec.LookupTable != "" {
			out = append(out, spec.LookupTable)
		}
	}
	return out
}

// LoadSnapshot reads every lookup table from l.
func LoadSnapshot(ctx context.Context, l Lister) (*Snapshot, error) {
	s := &Snapshot{tables: make(map[model.Dimension]map[string][]model.LookupEntry)}
	for _, dim := range TableDimensions() {
		entries, err := l.ListLookup(ctx, dim)
		if err != nil {
			return nil, eris.Wrapf(err, "lookup: load %s table", dim)
		}
		byKey := make(map[string][]model.LookupEntry, len(entries))
		for _, e := range entries {
			byKey[e.RawKey] = append(byKey[e.RawKey], e)
		}
		s.tables[dim] = byKey
		s.size += len(entries)
	}
	return s, nil
}

// FindLookup implements Finder.
func (s *Snapshot) FindLookup(_ context.Context, dim model.Dimension, rawKey string) ([]model.LookupEntry, error) {
	return s.tables[dim][rawKey], nil
}

// Len is the number of entries held.
func (s *Snapshot) Len() int {
	return s.size
}

// Package lookup maps raw categorical strings to canonical values through
// exact-match, append-only lookup tables.
package lookup

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Finder returns every entry stored for one folded raw key.
type Finder interface {
	FindLookup(ctx context.Context, dim model.Dimension, rawKey string) ([]model.LookupEntry, error)
}

// Fold produces the lookup key for a raw value: Unicode NFC, inner
// whitespace collapsed, trimmed and lowercased. Tables store folded keys
// only, so case variants never need their own row.
func Fold(raw string) string {
	s := norm.NFC.String(raw)
	s = strings.Join(strings.Fields(s), " ")
	// Casers carry state and are not safe to share across goroutines.
	return cases.Lower(language.Und).String(s)
}

// Table resolves raw values against a Finder.
type Table struct {
	finder Finder
}

// New creates a Table reading from f.
func New(f Finder) *Table {
	return &Table{finder: f}
}

// Lookup returns the canonical value for raw as reported by source. The
// boolean is false on a miss; a miss is never an error.
func (t *Table) Lookup(ctx context.Context, dim model.Dimension, source, raw string) (string, bool, error) {
	key := Fold(raw)
	if key == "" {
		return "", false, nil
	}
	entries, err := t.finder.FindLookup(ctx, dim, key)
	if err != nil {
		return "", false, eris.Wrapf(err, "lookup: find %s %q", dim, key)
	}
	e, ok := Choose(dim, source, entries)
	if !ok {
		return "", false, nil
	}
	return e.Canonical, true, nil
}

// Choose picks the entry to use for a source among entries sharing one raw
// key. The source's own table wins, then the shared table. Otherwise the
// location dimension prefers the most complete entry, and ties (and every
// other dimension) fall to the lowest source name so the choice never
// depends on storage order.
func Choose(dim model.Dimension, source string, entries []model.LookupEntry) (model.LookupEntry, bool) {
	if len(entries) == 0 {
		return model.LookupEntry{}, false
	}
	var shared *model.LookupEntry
	for i := range entries {
		e := &entries[i]
		if source != "" && e.Source == source {
			return *e, true
		}
		if e.Source == "" && shared == nil {
			shared = e
		}
	}
	if shared != nil {
		return *shared, true
	}

	ranked := make([]model.LookupEntry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		if dim == model.DimLocation {
			ci := model.DecodeLocation(&ranked[i].Canonical).Completeness()
			cj := model.DecodeLocation(&ranked[j].Canonical).Completeness()
			if ci != cj {
				return ci > cj
			}
		}
		return ranked[i].Source < ranked[j].Source
	})
	return ranked[0], true
}

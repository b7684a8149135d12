package derive

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/model"
)

// NameReader reads the stored record a curated name is compared against.
type NameReader interface {
	GetRecord(ctx context.Context, entityKey, source string, dim model.Dimension) (*model.Record, error)
}

// GuardCurated clears the canonical value of a curated-name record whose
// cleaned value only repeats the raw name. The raw form comes from the
// observation, else from the same source's name record. A record without a
// canonical value never wins coalescing, whichever source sent it.
func GuardCurated(ctx context.Context, r NameReader, rec model.Record) (model.Record, error) {
	if rec.Dimension != model.DimCuratedName || !rec.HasCanonical() {
		return rec, nil
	}
	raw := rec.Extracted[model.FieldRaw]
	if raw == "" {
		name, err := r.GetRecord(ctx, rec.EntityKey, rec.Source, model.DimName)
		switch {
		case err == nil && name.RawValue != nil:
			raw = *name.RawValue
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return rec, eris.Wrapf(err, "derive: read name of %s", rec.EntityKey)
		}
	}
	if raw != "" && strings.EqualFold(strings.TrimSpace(raw), strings.TrimSpace(*rec.Canonical)) {
		rec.Canonical = nil
	}
	return rec, nil
}

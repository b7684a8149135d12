package store

import (
	"encoding/json"
	"time"

	"github.com/sells-group/entity-resolver/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nonNilFields(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// unmarshalFields decodes a JSON object of extracted fields. An empty object
// decodes to a nil map.
func unmarshalFields(data []byte, dst *map[string]string) error {
	if len(data) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

// reportColumns are the JSON-encoded columns of an impact report row.
type reportColumns struct {
	changeSet     []byte
	relationships []byte
	references    []byte
	matched       []byte
}

func marshalReport(r *model.ImpactReport) (reportColumns, error) {
	var cols reportColumns
	var err error
	if cols.changeSet, err = json.Marshal(r.ChangeSet); err != nil {
		return cols, err
	}
	if cols.relationships, err = json.Marshal(nonNilCounts(r.Relationships)); err != nil {
		return cols, err
	}
	if cols.references, err = json.Marshal(nonNilCounts(r.DimensionRefs)); err != nil {
		return cols, err
	}
	matched := r.Matched
	if matched == nil {
		matched = map[string]string{}
	}
	cols.matched, err = json.Marshal(matched)
	return cols, err
}

func (c reportColumns) unmarshalInto(r *model.ImpactReport) error {
	if err := json.Unmarshal(c.changeSet, &r.ChangeSet); err != nil {
		return err
	}
	r.Relationships = model.Dependents{}
	if err := json.Unmarshal(c.relationships, &r.Relationships); err != nil {
		return err
	}
	r.DimensionRefs = model.Dependents{}
	if err := json.Unmarshal(c.references, &r.DimensionRefs); err != nil {
		return err
	}
	var matched map[string]string
	if err := json.Unmarshal(c.matched, &matched); err != nil {
		return err
	}
	if len(matched) > 0 {
		r.Matched = matched
	}
	return nil
}

func nonNilCounts(d model.Dependents) model.Dependents {
	if d == nil {
		return model.Dependents{}
	}
	return d
}

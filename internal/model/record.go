package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Record is the latest known value for one (entity_key, source, dimension).
type Record struct {
	ID            int64             `json:"id,omitempty"`
	EntityKey     string            `json:"entity_key"`
	Source        string            `json:"source"`
	Dimension     Dimension         `json:"dimension"`
	RawValue      *string           `json:"raw_value"`
	Canonical     *string           `json:"canonical_value"`
	Extracted     map[string]string `json:"extracted,omitempty"`
	ObservationID int64             `json:"observation_id"`
	ObservedAt    time.Time         `json:"observed_at"`
	FirstValuedAt *time.Time        `json:"first_valued_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at,omitempty"`
}

// HasValue reports whether the record carries a canonical or raw value.
func (r Record) HasValue() bool {
	return nonEmpty(r.Canonical) || nonEmpty(r.RawValue)
}

// HasCanonical reports whether the record carries a canonical value.
func (r Record) HasCanonical() bool {
	return nonEmpty(r.Canonical)
}

func nonEmpty(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// UpsertMode selects the conflict guard applied when writing a record.
type UpsertMode int

const (
	// UpsertLatest replaces the stored record only when the incoming
	// observation is at least as new as the one backing it.
	UpsertLatest UpsertMode = iota
	// UpsertReapply updates only records still backed by the same
	// observation, and only when the canonical value changes.
	UpsertReapply
	// UpsertKeepExisting inserts when absent and otherwise leaves the stored
	// record untouched.
	UpsertKeepExisting
)

// Location is the structured canonical value of the location dimension.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Completeness counts the non-empty sub-fields.
func (l Location) Completeness() int {
	n := 0
	for _, v := range []string{l.City, l.State, l.Country} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Encode renders the location as its canonical string form. An empty
// location encodes to nil.
func (l Location) Encode() *string {
	if l.Completeness() == 0 {
		return nil
	}
	b, _ := json.Marshal(l)
	s := string(b)
	return &s
}

// DecodeLocation parses a canonical location value. Nil or malformed input
// yields an empty location.
func DecodeLocation(s *string) Location {
	var l Location
	if s == nil {
		return l
	}
	_ = json.Unmarshal([]byte(*s), &l)
	return l
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Extracted field names shared by adapters and the normalizer.
const (
	FieldValue   = "value"
	FieldCity    = "city"
	FieldState   = "state"
	FieldCountry = "country"
	FieldRaw     = "raw"
	FieldCleaned = "cleaned"
)

// Observation is an immutable, source-attributed fact about an entity.
type Observation struct {
	ID          int64             `json:"id,omitempty"`
	EntityKey   string            `json:"entity_key"`
	Source      string            `json:"source"`
	Dimension   Dimension         `json:"dimension"`
	RawPayload  json.RawMessage   `json:"raw_payload,omitempty"`
	Extracted   map[string]string `json:"extracted_fields,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
	PayloadHash string            `json:"payload_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
}

// RawValue returns the raw value the observation carries for its dimension:
// the "value" extracted field, else a JSON string payload. Nil when absent.
func (o Observation) RawValue() *string {
	if v, ok := o.Extracted[FieldValue]; ok {
		if v = strings.TrimSpace(v); v != "" {
			return &v
		}
	}
	if len(o.RawPayload) > 0 {
		var s string
		if err := json.Unmarshal(o.RawPayload, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return &s
			}
		}
	}
	return nil
}

// Hash computes the content hash used to recognise redelivered observations.
// encoding/json sorts map keys, so the digest is independent of map order.
func (o Observation) Hash() string {
	h := sha256.New()
	h.Write([]byte(o.EntityKey))
	h.Write([]byte{0})
	h.Write([]byte(o.Source))
	h.Write([]byte{0})
	h.Write([]byte(o.Dimension))
	h.Write([]byte{0})
	h.Write(o.RawPayload)
	h.Write([]byte{0})
	fields, _ := json.Marshal(o.Extracted)
	h.Write(fields)
	h.Write([]byte{0})
	h.Write([]byte(o.ObservedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// IngestResult reports the outcome of accepting one observation.
type IngestResult struct {
	ObservationID int64 `json:"observation_id"`
	// Duplicate is true when an identical observation was already stored.
	Duplicate bool `json:"duplicate"`
	// Applied lists dimensions whose records were written.
	Applied []Dimension `json:"applied,omitempty"`
	// LookupMisses lists dimensions whose raw value had no canonical mapping.
	LookupMisses []Dimension `json:"lookup_misses,omitempty"`
}

package model

import "time"

// LookupEntry maps a folded raw value to a canonical value for one dimension.
// Source is empty for the shared table and names the provider for
// provider-specific tables (location).
type LookupEntry struct {
	Dimension Dimension `json:"dimension"`
	Source    string    `json:"source,omitempty"`
	RawKey    string    `json:"raw_key"`
	Canonical string    `json:"canonical"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RuleSetDoc is a published, immutable rule-set document.
type RuleSetDoc struct {
	Version   string    `json:"version"`
	Document  []byte    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
}

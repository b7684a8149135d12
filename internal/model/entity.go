package model

import "time"

// EntityKind distinguishes companies from people.
type EntityKind string

// Entity kinds.
const (
	KindCompany EntityKind = "company"
	KindPerson  EntityKind = "person"
)

// IdentityKind classifies whether a person key is a stable identity.
type IdentityKind string

// Identity kinds.
const (
	IdentityResolvable   IdentityKind = "resolvable"
	IdentityPseudonymous IdentityKind = "pseudonymous"
)

// Key is a canonical entity key with its classification.
type Key struct {
	Value    string       `json:"entity_key"`
	Kind     EntityKind   `json:"kind"`
	Identity IdentityKind `json:"identity_kind"`
}

// String returns the key value.
func (k Key) String() string { return k.Value }

// Mergeable reports whether the key may take part in identity merging or
// person-level relationship graphs.
func (k Key) Mergeable() bool { return k.Identity != IdentityPseudonymous }

// EntityStatus is the lifecycle state of an entity.
type EntityStatus string

// Entity statuses.
const (
	StatusActive  EntityStatus = "active"
	StatusRetired EntityStatus = "retired"
	StatusMerged  EntityStatus = "merged"
)

// Entity is the registry row for an entity key.
type Entity struct {
	Key       string       `json:"entity_key"`
	Kind      EntityKind   `json:"kind"`
	Identity  IdentityKind `json:"identity_kind"`
	Status    EntityStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Pin is an administrative override of first-source coalescing for one
// entity dimension. Cleared pins fall back to priority order; a non-empty
// Source forces that source.
type Pin struct {
	EntityKey string    `json:"entity_key"`
	Dimension Dimension `json:"dimension"`
	Source    string    `json:"source,omitempty"`
	Cleared   bool      `json:"cleared"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Alias maps a merged key onto the key that absorbed it.
type Alias struct {
	AliasKey  string    `json:"alias_key"`
	TargetKey string    `json:"target_key"`
	ReportID  string    `json:"report_id"`
	CreatedAt time.Time `json:"created_at"`
}

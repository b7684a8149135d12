package model

import "time"

// Predicate names a derived relationship type.
type Predicate string

// Relationship predicates.
const (
	PredPastEmployer Predicate = "past_employer"
	PredCustomerOf   Predicate = "customer_of"
	PredChampionOf   Predicate = "champion_of"
)

// Confidence tags how strongly an inference rule supports a relationship.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceAssumed Confidence = "assumed"
	ConfidenceLow     Confidence = "low"
)

// Valid reports whether c is a known confidence tag.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceAssumed, ConfidenceLow:
		return true
	}
	return false
}

// Relationship is a derived, revocable association between two entities.
type Relationship struct {
	ID         int64      `json:"id,omitempty"`
	SubjectKey string     `json:"subject_key"`
	Predicate  Predicate  `json:"predicate"`
	ObjectKey  string     `json:"object_key"`
	Provenance string     `json:"provenance"`
	Confidence Confidence `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReportID   string     `json:"revoked_by_report,omitempty"`
}

// RelationshipFilter narrows relationship listings. Zero fields match all.
type RelationshipFilter struct {
	SubjectKey     string
	ObjectKey      string
	Predicate      Predicate
	Provenance     string
	IncludeRevoked bool
	Limit          int
}

// Dependents counts the records that reference an entity, keyed by relation
// type: relationship predicates for relationship rows and "dimension:<name>"
// for dimension records pointing at the entity.
type Dependents map[string]int

// Total sums all dependent counts.
func (d Dependents) Total() int {
	n := 0
	for _, c := range d {
		n += c
	}
	return n
}

// DimensionRelation is the relation-type label for dimension-record dependents.
func DimensionRelation(d Dimension) string {
	return "dimension:" + string(d)
}

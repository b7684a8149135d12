// Package model defines the shared domain types for observations, dimension
// records, entities, relationships and impact reports.
package model

import (
	"sort"
)

// Dimension is a named attribute group of an entity.
type Dimension string

// Known dimensions. The set is closed; anything else is rejected at ingestion.
const (
	DimName          Dimension = "name"
	DimCuratedName   Dimension = "curated_name"
	DimIndustry      Dimension = "industry"
	DimLocation      Dimension = "location"
	DimEmployeeRange Dimension = "employee_range"
	DimRevenue       Dimension = "revenue"
	DimFunding       Dimension = "funding"
	DimFullName      Dimension = "full_name"
	DimJobTitle      Dimension = "job_title"
	DimSeniority     Dimension = "seniority"
	DimJobFunction   Dimension = "job_function"
	DimEmployer      Dimension = "employer"
)

// Policy names a coalescing policy.
type Policy string

// Coalescing policies.
const (
	PolicyPriority     Policy = "priority"
	PolicyCompleteness Policy = "completeness"
	PolicyFirstSource  Policy = "first_source"
	PolicyCurated      Policy = "curated"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyPriority, PolicyCompleteness, PolicyFirstSource, PolicyCurated:
		return true
	}
	return false
}

// DimensionSpec describes how a dimension is normalized and coalesced.
type DimensionSpec struct {
	Dimension Dimension
	Kinds     []EntityKind
	Policy    Policy
	// LookupTable is the lookup dimension used to normalize raw values.
	// Empty means the raw value is used as-is (trimmed).
	LookupTable Dimension
	// References marks dimensions whose canonical value is another entity key.
	References bool
	// Derived marks dimensions written by classification rules, not adapters.
	Derived bool
}

var dimensionSpecs = map[Dimension]DimensionSpec{
	DimName:          {Dimension: DimName, Kinds: []EntityKind{KindCompany}, Policy: PolicyFirstSource},
	DimCuratedName:   {Dimension: DimCuratedName, Kinds: []EntityKind{KindCompany}, Policy: PolicyCurated},
	DimIndustry:      {Dimension: DimIndustry, Kinds: []EntityKind{KindCompany}, Policy: PolicyFirstSource, LookupTable: DimIndustry},
	DimLocation:      {Dimension: DimLocation, Kinds: []EntityKind{KindCompany, KindPerson}, Policy: PolicyCompleteness, LookupTable: DimLocation},
	DimEmployeeRange: {Dimension: DimEmployeeRange, Kinds: []EntityKind{KindCompany}, Policy: PolicyPriority, LookupTable: DimEmployeeRange},
	DimRevenue:       {Dimension: DimRevenue, Kinds: []EntityKind{KindCompany}, Policy: PolicyPriority, LookupTable: DimRevenue},
	DimFunding:       {Dimension: DimFunding, Kinds: []EntityKind{KindCompany}, Policy: PolicyPriority, LookupTable: DimFunding},
	DimFullName:      {Dimension: DimFullName, Kinds: []EntityKind{KindPerson}, Policy: PolicyPriority},
	DimJobTitle:      {Dimension: DimJobTitle, Kinds: []EntityKind{KindPerson}, Policy: PolicyPriority, LookupTable: DimJobTitle},
	DimSeniority:     {Dimension: DimSeniority, Kinds: []EntityKind{KindPerson}, Policy: PolicyPriority, Derived: true},
	DimJobFunction:   {Dimension: DimJobFunction, Kinds: []EntityKind{KindPerson}, Policy: PolicyPriority, Derived: true},
	DimEmployer:      {Dimension: DimEmployer, Kinds: []EntityKind{KindPerson}, Policy: PolicyPriority, References: true},
}

// Spec returns the spec for a dimension and whether it is known.
func (d Dimension) Spec() (DimensionSpec, bool) {
	s, ok := dimensionSpecs[d]
	return s, ok
}

// Valid reports whether d is part of the closed dimension enumeration.
func (d Dimension) Valid() bool {
	_, ok := dimensionSpecs[d]
	return ok
}

// AppliesTo reports whether the dimension may be observed on an entity of kind k.
func (d Dimension) AppliesTo(k EntityKind) bool {
	s, ok := dimensionSpecs[d]
	if !ok {
		return false
	}
	for _, kind := range s.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Dimensions returns all known dimensions in a stable order.
func Dimensions() []Dimension {
	out := make([]Dimension, 0, len(dimensionSpecs))
	for d := range dimensionSpecs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReferenceDimensions returns dimensions whose canonical values point at other entities.
func ReferenceDimensions() []Dimension {
	var out []Dimension
	for _, d := range Dimensions() {
		if dimensionSpecs[d].References {
			out = append(out, d)
		}
	}
	return out
}

// Package relation infers derived relationships between entities, guards
// entities with dependents against destructive operations, and runs the
// two-step impact report workflow for retirement, revocation and merge.
package relation

import (
	"sort"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Inference rule provenances.
const (
	ProvPastCompany     = "search_filter.past_company"
	ProvCurrentCustomer = "search_filter.current_customer"
	ProvCustomerLogo    = "customer_page.logo"
	ProvChampion        = "derived.champion"
)

// Rule describes one inference rule. Batch rules relate every member of a
// batch (subject) to the batch anchor (object).
type Rule struct {
	Provenance  string
	Predicate   model.Predicate
	Confidence  model.Confidence
	SubjectKind model.EntityKind
	ObjectKind  model.EntityKind
	// Derived rules are computed from other relationships, not batches.
	Derived bool
}

var registry = map[string]Rule{
	ProvPastCompany: {
		Provenance: ProvPastCompany, Predicate: model.PredPastEmployer, Confidence: model.ConfidenceAssumed,
		SubjectKind: model.KindPerson, ObjectKind: model.KindCompany,
	},
	ProvCurrentCustomer: {
		Provenance: ProvCurrentCustomer, Predicate: model.PredCustomerOf, Confidence: model.ConfidenceAssumed,
		SubjectKind: model.KindCompany, ObjectKind: model.KindCompany,
	},
	ProvCustomerLogo: {
		Provenance: ProvCustomerLogo, Predicate: model.PredCustomerOf, Confidence: model.ConfidenceLow,
		SubjectKind: model.KindCompany, ObjectKind: model.KindCompany,
	},
	ProvChampion: {
		Provenance: ProvChampion, Predicate: model.PredChampionOf, Confidence: model.ConfidenceLow,
		SubjectKind: model.KindPerson, ObjectKind: model.KindCompany, Derived: true,
	},
}

// LookupRule returns the inference rule registered for provenance.
func LookupRule(provenance string) (Rule, bool) {
	r, ok := registry[provenance]
	return r, ok
}

// Rules returns every registered rule ordered by provenance.
func Rules() []Rule {
	out := make([]Rule, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provenance < out[j].Provenance })
	return out
}

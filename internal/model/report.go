package model

import "time"

// ReportKind names the destructive operation an impact report covers.
type ReportKind string

// Report kinds.
const (
	ReportRetire ReportKind = "retire"
	ReportRevoke ReportKind = "revoke"
	ReportMerge  ReportKind = "merge"
)

// ReportStatus is the lifecycle state of an impact report.
type ReportStatus string

// Report statuses.
const (
	ReportProposed ReportStatus = "proposed"
	ReportExecuted ReportStatus = "executed"
)

// ChangeSet is exactly what executing a report will change.
type ChangeSet struct {
	// RetireEntities are marked retired.
	RetireEntities []string `json:"retire_entities,omitempty"`
	// RevokeRelationships are relationship ids to revoke.
	RevokeRelationships []int64 `json:"revoke_relationships,omitempty"`
	// MergeFrom and MergeInto describe an alias to create.
	MergeFrom string `json:"merge_from,omitempty"`
	MergeInto string `json:"merge_into,omitempty"`
}

// ImpactReport is the dry-run result of a destructive operation. Executing
// it applies its ChangeSet and nothing else.
type ImpactReport struct {
	ID        string       `json:"id"`
	Kind      ReportKind   `json:"kind"`
	Scope     string       `json:"scope"`
	Status    ReportStatus `json:"status"`
	ChangeSet ChangeSet    `json:"change_set"`
	// Relationships counts revocations per predicate.
	Relationships Dependents `json:"relationships"`
	// DimensionRefs counts dimension records of other entities that point
	// at affected entities. They are reported, never rewritten.
	DimensionRefs Dependents `json:"dimension_refs"`
	// Matched maps retired entity keys to the rule id that selected them.
	Matched    map[string]string `json:"matched,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExecutedAt *time.Time        `json:"executed_at,omitempty"`
}

// AffectedRelationships is the number of relationships the report revokes.
func (r ImpactReport) AffectedRelationships() int {
	return len(r.ChangeSet.RevokeRelationships)
}

// RunStatus is the state of a reconciliation run.
type RunStatus string

// Run statuses.
const (
	RunRunning  RunStatus = "running"
	RunStopped  RunStatus = "stopped"
	RunFailed   RunStatus = "failed"
	RunComplete RunStatus = "complete"
)

// ReconcileRun is the persisted checkpoint and report of a reconciliation run.
type ReconcileRun struct {
	ID                 string    `json:"id"`
	RuleSetVersion     string    `json:"rule_set_version"`
	Status             RunStatus `json:"status"`
	Cursor             int64     `json:"cursor"`
	Scanned            int64     `json:"scanned"`
	Changed            int64     `json:"changed"`
	Batches            int64     `json:"batches"`
	ResumedFrom        int64     `json:"resumed_from"`
	RetirementReportID string    `json:"retirement_report_id,omitempty"`
	Error              string    `json:"error,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

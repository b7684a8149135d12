// Package store persists observations, dimension records, lookup tables,
// relationships, impact reports and reconciliation checkpoints.
package store

import (
	"context"
	"time"

	"github.com/sells-group/entity-resolver/internal/model"
)

// EntityFilter specifies criteria for listing entities. Listing is ordered by
// key; AfterKey pages through the registry.
type EntityFilter struct {
	Kind     model.EntityKind   `json:"kind,omitempty"`
	Status   model.EntityStatus `json:"status,omitempty"`
	AfterKey string             `json:"after_key,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// Queries are the store operations. Every method is a single atomic
// statement unless noted; Store.InTx groups them into one transaction.
type Queries interface {
	// Entities
	RegisterEntity(ctx context.Context, key model.Key) (*model.Entity, error)
	GetEntity(ctx context.Context, key string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
	SetEntityStatus(ctx context.Context, key string, status model.EntityStatus) error

	// Aliases
	CreateAlias(ctx context.Context, alias model.Alias) error
	ResolveAlias(ctx context.Context, key string) (string, error)
	ListAliases(ctx context.Context, target string) ([]string, error)

	// Observations
	// InsertObservation stores obs and sets its ID. It returns false when an
	// identical observation already exists, in which case obs.ID is the
	// existing row's id.
	InsertObservation(ctx context.Context, obs *model.Observation) (bool, error)
	ListObservations(ctx context.Context, afterID int64, limit int) ([]model.Observation, error)

	// Dimension records
	// UpsertRecord writes rec under the guard selected by mode and reports
	// whether a row was inserted or changed.
	UpsertRecord(ctx context.Context, rec model.Record, mode model.UpsertMode) (bool, error)
	GetRecord(ctx context.Context, entityKey, source string, dim model.Dimension) (*model.Record, error)
	ListRecords(ctx context.Context, entityKeys []string) ([]model.Record, error)
	// EntitiesWithCanonical returns keys having any record of dim whose
	// canonical value equals value. Callers re-check the coalesced view.
	EntitiesWithCanonical(ctx context.Context, dim model.Dimension, value string) ([]string, error)

	// Pins
	SetPin(ctx context.Context, pin model.Pin) error
	ListPins(ctx context.Context, entityKeys []string) ([]model.Pin, error)

	// Lookup tables
	AddLookupEntries(ctx context.Context, entries []model.LookupEntry) (int64, error)
	FindLookup(ctx context.Context, dim model.Dimension, rawKey string) ([]model.LookupEntry, error)
	ListLookup(ctx context.Context, dim model.Dimension) ([]model.LookupEntry, error)

	// Rule sets
	// PutRuleSet publishes doc and reports false when the version already exists.
	PutRuleSet(ctx context.Context, doc model.RuleSetDoc) (bool, error)
	GetRuleSet(ctx context.Context, version string) (*model.RuleSetDoc, error)

	// Relationships
	InsertRelationships(ctx context.Context, rels []model.Relationship) (int64, error)
	ListRelationships(ctx context.Context, filter model.RelationshipFilter) ([]model.Relationship, error)
	// CountRelationships counts active relationships with key as subject or
	// object, per predicate.
	CountRelationships(ctx context.Context, key string) (model.Dependents, error)
	// CountReferences counts dimension records of other entities whose
	// canonical value references key, per dimension.
	CountReferences(ctx context.Context, key string) (model.Dependents, error)
	RevokeRelationships(ctx context.Context, ids []int64, reportID string, at time.Time) (int64, error)

	// Impact reports
	CreateReport(ctx context.Context, report *model.ImpactReport) error
	GetReport(ctx context.Context, id string) (*model.ImpactReport, error)
	// MarkReportExecuted moves a proposed report to executed. It returns
	// model.ErrReportNotPending when the report is not proposed.
	MarkReportExecuted(ctx context.Context, id string, at time.Time) error

	// Reconcile runs
	CreateRun(ctx context.Context, run *model.ReconcileRun) error
	SaveRun(ctx context.Context, run *model.ReconcileRun) error
	// LatestRun returns the most recently started run for a rule-set version.
	LatestRun(ctx context.Context, version string) (*model.ReconcileRun, error)
}

// Store is the persistence interface for the engine.
type Store interface {
	Queries

	// InTx runs fn inside one transaction. fn's error rolls it back.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

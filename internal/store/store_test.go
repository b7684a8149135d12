package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strPtr(s string) *string { return &s }

func company(key string) model.Key {
	return model.Key{Value: key, Kind: model.KindCompany, Identity: model.IdentityResolvable}
}

func person(key string) model.Key {
	return model.Key{Value: key, Kind: model.KindPerson, Identity: model.IdentityResolvable}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// observe registers the entity and stores one observation, returning its id.
func observe(t *testing.T, s Store, key model.Key, source string, dim model.Dimension, value string, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := s.RegisterEntity(ctx, key)
	require.NoError(t, err)
	obs := &model.Observation{
		EntityKey:  key.Value,
		Source:     source,
		Dimension:  dim,
		Extracted:  map[string]string{model.FieldValue: value},
		ObservedAt: at,
	}
	_, err = s.InsertObservation(ctx, obs)
	require.NoError(t, err)
	return obs.ID
}

func record(key, source string, dim model.Dimension, obsID int64, raw, canonical *string, at time.Time) model.Record {
	r := model.Record{
		EntityKey:     key,
		Source:        source,
		Dimension:     dim,
		RawValue:      raw,
		Canonical:     canonical,
		ObservationID: obsID,
		ObservedAt:    at,
	}
	if raw != nil || canonical != nil {
		r.FirstValuedAt = &at
	}
	return r
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("RegisterEntityIsInsertIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, e.Status)

		require.NoError(t, s.SetEntityStatus(ctx, "acme.com", model.StatusRetired))
		e, err = s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRetired, e.Status, "re-registering must not reset status")

		_, err = s.GetEntity(ctx, "missing.com")
		assert.True(t, errors.Is(err, model.ErrNotFound))
		assert.True(t, errors.Is(s.SetEntityStatus(ctx, "missing.com", model.StatusRetired), model.ErrNotFound))
	})

	t.Run("ListEntitiesPages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"c.com", "a.com", "b.com"} {
			_, err := s.RegisterEntity(ctx, company(k))
			require.NoError(t, err)
		}
		_, err := s.RegisterEntity(ctx, person("linkedin.com/in/jane"))
		require.NoError(t, err)

		page, err := s.ListEntities(ctx, EntityFilter{Kind: model.KindCompany, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a.com", page[0].Key)
		assert.Equal(t, "b.com", page[1].Key)

		page, err = s.ListEntities(ctx, EntityFilter{Kind: model.KindCompany, AfterKey: "b.com"})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "c.com", page[0].Key)
	})

	t.Run("ObservationRedeliveryIsDeduplicated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)

		mk := func() *model.Observation {
			return &model.Observation{
				EntityKey:  "acme.com",
				Source:     "providerA",
				Dimension:  model.DimEmployeeRange,
				RawPayload: json.RawMessage(`{"size":"1K-5K"}`),
				Extracted:  map[string]string{model.FieldValue: "1K-5K"},
				ObservedAt: t0,
			}
		}
		first := mk()
		inserted, err := s.InsertObservation(ctx, first)
		require.NoError(t, err)
		assert.True(t, inserted)

		second := mk()
		inserted, err = s.InsertObservation(ctx, second)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, first.ID, second.ID)

		obs, err := s.ListObservations(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, obs, 1)
		assert.Equal(t, "1K-5K", obs[0].Extracted[model.FieldValue])
		assert.JSONEq(t, `{"size":"1K-5K"}`, string(obs[0].RawPayload))
		assert.True(t, t0.Equal(obs[0].ObservedAt))
	})

	t.Run("UpsertLatestKeepsNewestValueAndEarliestFirstValued", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		t1 := t0.Add(time.Hour)
		newer := observe(t, s, company("acme.com"), "p1", model.DimIndustry, "Software", t1)
		older := observe(t, s, company("acme.com"), "p1", model.DimIndustry, "Fintech", t0)

		changed, err := s.UpsertRecord(ctx, record("acme.com", "p1", model.DimIndustry, newer, strPtr("Software"), strPtr("Software"), t1), model.UpsertLatest)
		require.NoError(t, err)
		assert.True(t, changed)

		// The older observation arrives late: value stays, first_valued_at moves back.
		changed, err = s.UpsertRecord(ctx, record("acme.com", "p1", model.DimIndustry, older, strPtr("Fintech"), strPtr("Fintech"), t0), model.UpsertLatest)
		require.NoError(t, err)
		assert.True(t, changed)

		rec, err := s.GetRecord(ctx, "acme.com", "p1", model.DimIndustry)
		require.NoError(t, err)
		assert.Equal(t, "Software", *rec.Canonical)
		assert.Equal(t, newer, rec.ObservationID)
		assert.True(t, t1.Equal(rec.ObservedAt))
		require.NotNil(t, rec.FirstValuedAt)
		assert.True(t, t0.Equal(*rec.FirstValuedAt))

		// Redelivering the same older observation again changes nothing.
		changed, err = s.UpsertRecord(ctx, record("acme.com", "p1", model.DimIndustry, older, strPtr("Fintech"), strPtr("Fintech"), t0), model.UpsertLatest)
		require.NoError(t, err)
		assert.False(t, changed)

		recs, err := s.ListRecords(ctx, []string{"acme.com"})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("UpsertReapplyOnlyTouchesSameObservation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := observe(t, s, company("acme.com"), "p1", model.DimRevenue, "$1M-$10M", t0)
		second := observe(t, s, company("acme.com"), "p1", model.DimRevenue, "$10M-$50M", t0.Add(time.Hour))

		_, err := s.UpsertRecord(ctx, record("acme.com", "p1", model.DimRevenue, second, strPtr("$10M-$50M"), nil, t0.Add(time.Hour)), model.UpsertLatest)
		require.NoError(t, err)

		// Reapplying the superseded observation is a no-op.
		changed, err := s.UpsertRecord(ctx, record("acme.com", "p1", model.DimRevenue, first, strPtr("$1M-$10M"), strPtr("10000000"), t0), model.UpsertReapply)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.UpsertRecord(ctx, record("acme.com", "p1", model.DimRevenue, second, strPtr("$10M-$50M"), strPtr("50000000"), t0.Add(time.Hour)), model.UpsertReapply)
		require.NoError(t, err)
		assert.True(t, changed)

		// Same canonical again: nothing to change.
		changed, err = s.UpsertRecord(ctx, record("acme.com", "p1", model.DimRevenue, second, strPtr("$10M-$50M"), strPtr("50000000"), t0.Add(time.Hour)), model.UpsertReapply)
		require.NoError(t, err)
		assert.False(t, changed)

		rec, err := s.GetRecord(ctx, "acme.com", "p1", model.DimRevenue)
		require.NoError(t, err)
		assert.Equal(t, "50000000", *rec.Canonical)
		assert.Equal(t, "$10M-$50M", *rec.RawValue)
	})

	t.Run("UpsertReapplyRefreshesExtracted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := observe(t, s, company("acme.com"), "p1", model.DimLocation, "Austin", t0)

		old := record("acme.com", "p1", model.DimLocation, id, strPtr("Austin"), strPtr(`{"city":"Austin"}`), t0)
		old.Extracted = map[string]string{"city": "Austin"}
		_, err := s.UpsertRecord(ctx, old, model.UpsertLatest)
		require.NoError(t, err)

		fresh := record("acme.com", "p1", model.DimLocation, id, strPtr("Austin"), strPtr(`{"city":"Austin","state":"TX","country":"US"}`), t0)
		fresh.Extracted = map[string]string{"city": "Austin", "state": "TX", "country": "US"}
		changed, err := s.UpsertRecord(ctx, fresh, model.UpsertReapply)
		require.NoError(t, err)
		assert.True(t, changed)

		rec, err := s.GetRecord(ctx, "acme.com", "p1", model.DimLocation)
		require.NoError(t, err)
		assert.Equal(t, fresh.Extracted, rec.Extracted)

		// Sub-fields change on their own too.
		fresh.Extracted = map[string]string{"city": "Austin", "state": "Texas", "country": "US"}
		changed, err = s.UpsertRecord(ctx, fresh, model.UpsertReapply)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.UpsertRecord(ctx, fresh, model.UpsertReapply)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("UpsertKeepExisting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := observe(t, s, company("acme.com"), "cleaner", model.DimCuratedName, "Acme", t0)

		changed, err := s.UpsertRecord(ctx, record("acme.com", "cleaner", model.DimCuratedName, id, strPtr("Acme"), strPtr("Acme"), t0), model.UpsertKeepExisting)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.UpsertRecord(ctx, record("acme.com", "cleaner", model.DimCuratedName, id, strPtr(""), nil, t0.Add(time.Hour)), model.UpsertKeepExisting)
		require.NoError(t, err)
		assert.False(t, changed)

		rec, err := s.GetRecord(ctx, "acme.com", "cleaner", model.DimCuratedName)
		require.NoError(t, err)
		assert.Equal(t, "Acme", *rec.Canonical)
	})

	t.Run("EntitiesWithCanonical", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"b.com", "a.com"} {
			id := observe(t, s, company(k), "p1", model.DimIndustry, "Security", t0)
			_, err := s.UpsertRecord(ctx, record(k, "p1", model.DimIndustry, id, strPtr("security"), strPtr("Security"), t0), model.UpsertLatest)
			require.NoError(t, err)
		}
		keys, err := s.EntitiesWithCanonical(ctx, model.DimIndustry, "Security")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.com", "b.com"}, keys)
	})

	t.Run("Pins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)

		require.NoError(t, s.SetPin(ctx, model.Pin{EntityKey: "acme.com", Dimension: model.DimIndustry, Cleared: true}))
		require.NoError(t, s.SetPin(ctx, model.Pin{EntityKey: "acme.com", Dimension: model.DimName, Source: "p2"}))

		pins, err := s.ListPins(ctx, []string{"acme.com"})
		require.NoError(t, err)
		require.Len(t, pins, 2)
		assert.Equal(t, model.DimIndustry, pins[0].Dimension)
		assert.True(t, pins[0].Cleared)
		assert.Empty(t, pins[0].Source)
		assert.Equal(t, "p2", pins[1].Source)
	})

	t.Run("LookupEntriesAreAppendOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.AddLookupEntries(ctx, []model.LookupEntry{
			{Dimension: model.DimEmployeeRange, RawKey: "1k-5k", Canonical: "1001-5000"},
			{Dimension: model.DimLocation, Source: "providerA", RawKey: "austin", Canonical: `{"city":"Austin"}`},
			{Dimension: model.DimLocation, Source: "providerB", RawKey: "austin", Canonical: `{"city":"Austin","state":"TX","country":"US"}`},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.AddLookupEntries(ctx, []model.LookupEntry{
			{Dimension: model.DimEmployeeRange, RawKey: "1k-5k", Canonical: "1-10"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		got, err := s.FindLookup(ctx, model.DimEmployeeRange, "1k-5k")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "1001-5000", got[0].Canonical)

		loc, err := s.FindLookup(ctx, model.DimLocation, "austin")
		require.NoError(t, err)
		require.Len(t, loc, 2)
		assert.Equal(t, "providerA", loc[0].Source)
		assert.Equal(t, "providerB", loc[1].Source)

		all, err := s.ListLookup(ctx, model.DimLocation)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("RuleSetsAreImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.PutRuleSet(ctx, model.RuleSetDoc{Version: "v1", Document: []byte("version: v1")})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.PutRuleSet(ctx, model.RuleSetDoc{Version: "v1", Document: []byte("version: v1\n# changed")})
		require.NoError(t, err)
		assert.False(t, ok)

		doc, err := s.GetRuleSet(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "version: v1", string(doc.Document))

		_, err = s.GetRuleSet(ctx, "v2")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("RelationshipsDedupeCountAndRevoke", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []model.Key{company("acme.com"), company("globex.com"), person("linkedin.com/in/jane")} {
			_, err := s.RegisterEntity(ctx, k)
			require.NoError(t, err)
		}
		rels := []model.Relationship{
			{SubjectKey: "linkedin.com/in/jane", Predicate: model.PredPastEmployer, ObjectKey: "acme.com", Provenance: "search_filter.past_company", Confidence: model.ConfidenceAssumed},
			{SubjectKey: "globex.com", Predicate: model.PredCustomerOf, ObjectKey: "acme.com", Provenance: "customer_page.logo", Confidence: model.ConfidenceLow},
		}
		n, err := s.InsertRelationships(ctx, rels)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.InsertRelationships(ctx, rels)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		counts, err := s.CountRelationships(ctx, "acme.com")
		require.NoError(t, err)
		assert.Equal(t, model.Dependents{"past_employer": 1, "customer_of": 1}, counts)

		listed, err := s.ListRelationships(ctx, model.RelationshipFilter{ObjectKey: "acme.com"})
		require.NoError(t, err)
		require.Len(t, listed, 2)

		revoked, err := s.RevokeRelationships(ctx, []int64{listed[0].ID}, "report-1", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), revoked)

		counts, err = s.CountRelationships(ctx, "acme.com")
		require.NoError(t, err)
		assert.Equal(t, model.Dependents{"customer_of": 1}, counts)

		all, err := s.ListRelationships(ctx, model.RelationshipFilter{ObjectKey: "acme.com", IncludeRevoked: true})
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.NotNil(t, all[0].RevokedAt)
		assert.Equal(t, "report-1", all[0].ReportID)
	})

	t.Run("RelationshipRequiresRegisteredEntities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)

		_, err = s.InsertRelationships(ctx, []model.Relationship{
			{SubjectKey: "unknown.com", Predicate: model.PredCustomerOf, ObjectKey: "acme.com", Provenance: "customer_page.logo", Confidence: model.ConfidenceLow},
		})
		assert.Error(t, err)
	})

	t.Run("CountReferences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)
		for _, p := range []string{"linkedin.com/in/a", "linkedin.com/in/b"} {
			id := observe(t, s, person(p), "p1", model.DimEmployer, "acme.com", t0)
			_, err := s.UpsertRecord(ctx, record(p, "p1", model.DimEmployer, id, strPtr("https://acme.com"), strPtr("acme.com"), t0), model.UpsertLatest)
			require.NoError(t, err)
		}
		counts, err := s.CountReferences(ctx, "acme.com")
		require.NoError(t, err)
		assert.Equal(t, model.Dependents{"dimension:employer": 2}, counts)
	})

	t.Run("ReportsExecuteOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := &model.ImpactReport{
			ID:            "11111111-1111-1111-1111-111111111111",
			Kind:          model.ReportRetire,
			Scope:         "entity:bit.ly",
			Status:        model.ReportProposed,
			ChangeSet:     model.ChangeSet{RetireEntities: []string{"bit.ly"}, RevokeRelationships: []int64{1, 2, 3}},
			Relationships: model.Dependents{"customer_of": 3},
			CreatedAt:     t0,
		}
		require.NoError(t, s.CreateReport(ctx, r))

		got, err := s.GetReport(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ChangeSet, got.ChangeSet)
		assert.Equal(t, 3, got.Relationships.Total())
		assert.Empty(t, got.DimensionRefs)
		assert.Nil(t, got.ExecutedAt)

		require.NoError(t, s.MarkReportExecuted(ctx, r.ID, t0.Add(time.Minute)))
		err = s.MarkReportExecuted(ctx, r.ID, t0.Add(2*time.Minute))
		assert.True(t, errors.Is(err, model.ErrReportNotPending))

		err = s.MarkReportExecuted(ctx, "missing", t0)
		assert.True(t, errors.Is(err, model.ErrNotFound))

		got, err = s.GetReport(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReportExecuted, got.Status)
		require.NotNil(t, got.ExecutedAt)
	})

	t.Run("ReconcileRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.PutRuleSet(ctx, model.RuleSetDoc{Version: "v1", Document: []byte("version: v1")})
		require.NoError(t, err)

		_, err = s.LatestRun(ctx, "v1")
		assert.True(t, errors.Is(err, model.ErrNotFound))

		run := &model.ReconcileRun{ID: "run-1", RuleSetVersion: "v1", Status: model.RunRunning, StartedAt: t0}
		require.NoError(t, s.CreateRun(ctx, run))
		run.Cursor = 42
		run.Scanned = 42
		run.Batches = 1
		run.Status = model.RunStopped
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.LatestRun(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.Cursor)
		assert.Equal(t, model.RunStopped, got.Status)
	})

	t.Run("AliasesRepointOnChainedMerge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"a.com", "b.com", "c.com"} {
			_, err := s.RegisterEntity(ctx, company(k))
			require.NoError(t, err)
		}
		require.NoError(t, s.CreateAlias(ctx, model.Alias{AliasKey: "a.com", TargetKey: "b.com", ReportID: "r1"}))
		require.NoError(t, s.CreateAlias(ctx, model.Alias{AliasKey: "b.com", TargetKey: "c.com", ReportID: "r2"}))

		target, err := s.ResolveAlias(ctx, "a.com")
		require.NoError(t, err)
		assert.Equal(t, "c.com", target)

		target, err = s.ResolveAlias(ctx, "c.com")
		require.NoError(t, err)
		assert.Equal(t, "c.com", target)

		aliases, err := s.ListAliases(ctx, "c.com")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.com", "b.com"}, aliases)
	})

	t.Run("InTxRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RegisterEntity(ctx, company("acme.com"))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.InTx(ctx, func(q Queries) error {
			if err := q.SetEntityStatus(ctx, "acme.com", model.StatusRetired); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		e, err := s.GetEntity(ctx, "acme.com")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, e.Status)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLite_MigrateIsRepeatable(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

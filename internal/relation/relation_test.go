package relation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/classify"
	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	jane   = "linkedin.com/in/jane-doe"
	bob    = "linkedin.com/in/bob-roe"
	pseudo = "linkedin.com/in/ACwAAAbcdefghijklmnopqrstuv"
)

func setup(t *testing.T, keys ...string) (*Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "relation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	register(t, s, keys...)
	return New(s, coalesce.New(s, nil)), s
}

func register(t *testing.T, s store.Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		key, err := identity.Normalize(k, "")
		require.NoError(t, err)
		_, err = s.RegisterEntity(context.Background(), key)
		require.NoError(t, err)
	}
}

func active(t *testing.T, s store.Store, f model.RelationshipFilter) int {
	t.Helper()
	rels, err := s.ListRelationships(context.Background(), f)
	require.NoError(t, err)
	return len(rels)
}

func status(t *testing.T, s store.Store, key string) model.EntityStatus {
	t.Helper()
	e, err := s.GetEntity(context.Background(), key)
	require.NoError(t, err)
	return e.Status
}

func TestRules(t *testing.T) {
	rules := Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, ProvCustomerLogo, rules[0].Provenance)

	r, ok := LookupRule(ProvPastCompany)
	require.True(t, ok)
	assert.Equal(t, model.PredPastEmployer, r.Predicate)
	assert.Equal(t, model.ConfidenceAssumed, r.Confidence)

	_, ok = LookupRule("gut.feeling")
	assert.False(t, ok)
}

func TestInfer(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", jane, bob, pseudo)

	batch := Batch{
		Provenance: ProvPastCompany,
		Anchor:     "https://www.acme.com/",
		Members: []string{
			"https://www.linkedin.com/in/Jane-Doe/",
			jane,
			bob,
			"https://linkedin.com/in/ACwAAAbcdefghijklmnopqrstuv",
			"linkedin.com/in/never-seen",
			"globex.com",
			"not a url",
		},
	}

	res, err := m.Infer(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Duplicate)
	assert.Equal(t, 4, res.Rejected)
	reasons := map[string]string{}
	for _, r := range res.Rejections {
		reasons[r.Key] = r.Reason
	}
	assert.Equal(t, string(rejectPseudonymous), reasons["https://linkedin.com/in/ACwAAAbcdefghijklmnopqrstuv"])
	assert.Equal(t, string(rejectUnregistered), reasons["linkedin.com/in/never-seen"])
	assert.Equal(t, string(rejectKind), reasons["globex.com"])
	assert.Equal(t, string(rejectInvalid), reasons["not a url"])

	rels, err := m.Relationships(ctx, model.RelationshipFilter{ObjectKey: "acme.com"})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, r := range rels {
		assert.Equal(t, model.PredPastEmployer, r.Predicate)
		assert.Equal(t, ProvPastCompany, r.Provenance)
		assert.Equal(t, model.ConfidenceAssumed, r.Confidence)
	}

	again, err := m.Infer(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 3, again.Duplicate)
	assert.Equal(t, 2, active(t, s, model.RelationshipFilter{}), "re-running a batch adds no rows")
}

func TestInfer_RejectsBadBatches(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, "acme.com", jane, pseudo)

	_, err := m.Infer(ctx, Batch{Provenance: "gut.feeling", Anchor: "acme.com", Members: []string{jane}})
	assert.True(t, model.IsValidation(err))

	_, err = m.Infer(ctx, Batch{Provenance: ProvChampion, Anchor: "acme.com", Members: []string{jane}})
	assert.True(t, model.IsValidation(err))

	_, err = m.Infer(ctx, Batch{Provenance: ProvPastCompany, Anchor: "unknown.com", Members: []string{jane}})
	assert.True(t, model.IsValidation(err))

	_, err = m.Infer(ctx, Batch{Provenance: ProvPastCompany, Anchor: pseudo, Members: []string{jane}})
	assert.True(t, model.IsValidation(err))
}

func TestInfer_CustomerSelfIsRejected(t *testing.T) {
	m, _ := setup(t, "acme.com", "globex.com")
	res, err := m.Infer(context.Background(), Batch{
		Provenance: ProvCustomerLogo,
		Anchor:     "acme.com",
		Members:    []string{"globex.com", "acme.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, string(rejectSelf), res.Rejections[0].Reason)
}

func TestInferChampions(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", "globex.com", "initech.com", jane, bob)

	_, err := m.Infer(ctx, Batch{Provenance: ProvPastCompany, Anchor: "globex.com", Members: []string{jane, bob}})
	require.NoError(t, err)
	_, err = m.Infer(ctx, Batch{Provenance: ProvCurrentCustomer, Anchor: "acme.com", Members: []string{"globex.com"}})
	require.NoError(t, err)
	_, err = m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "acme.com", Members: []string{"globex.com"}})
	require.NoError(t, err)

	res, err := m.InferChampions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	champs, err := m.Relationships(ctx, model.RelationshipFilter{Predicate: model.PredChampionOf})
	require.NoError(t, err)
	require.Len(t, champs, 2)
	for _, c := range champs {
		assert.Equal(t, "acme.com", c.ObjectKey)
		assert.Equal(t, model.ConfidenceLow, c.Confidence)
	}

	again, err := m.InferChampions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 2, again.Duplicate)
	assert.Equal(t, 2, active(t, s, model.RelationshipFilter{Predicate: model.PredChampionOf}))
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", "lonely.com", jane, bob)
	_, err := m.Infer(ctx, Batch{Provenance: ProvPastCompany, Anchor: "acme.com", Members: []string{jane, bob}})
	require.NoError(t, err)

	// A person's employer record points at acme.com.
	at := time.Now().UTC()
	obs := &model.Observation{EntityKey: jane, Source: "crm", Dimension: model.DimEmployer,
		Extracted: map[string]string{model.FieldValue: "acme.com"}, ObservedAt: at}
	_, err = s.InsertObservation(ctx, obs)
	require.NoError(t, err)
	canonical := "acme.com"
	_, err = s.UpsertRecord(ctx, model.Record{EntityKey: jane, Source: "crm", Dimension: model.DimEmployer,
		RawValue: &canonical, Canonical: &canonical, ObservationID: obs.ID, ObservedAt: at}, model.UpsertLatest)
	require.NoError(t, err)

	err = m.DeleteEntity(ctx, "acme.com")
	cv, ok := model.AsConstraintViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 3, cv.Total())
	assert.Equal(t, 2, cv.Counts[string(model.PredPastEmployer)])
	assert.Equal(t, 1, cv.Counts[model.DimensionRelation(model.DimEmployer)])
	assert.Equal(t, model.StatusActive, status(t, s, "acme.com"), "refusal mutates nothing")
	assert.Equal(t, 2, active(t, s, model.RelationshipFilter{ObjectKey: "acme.com"}))

	err = m.DeleteEntity(ctx, "lonely.com")
	assert.True(t, errors.Is(err, model.ErrImpactReportRequired))
	assert.Equal(t, model.StatusActive, status(t, s, "lonely.com"))

	assert.True(t, errors.Is(m.DeleteEntity(ctx, "missing.com"), model.ErrNotFound))
	assert.True(t, model.IsValidation(m.DeleteEntity(ctx, "Not A Key")))
}

func TestDeleteEntity_ReportsExactCount(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 7, 31} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			m, s := setup(t, "hub.com")
			members := make([]string, n)
			for i := range members {
				members[i] = fmt.Sprintf("c%02d.com", i)
			}
			register(t, s, members...)
			_, err := m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "hub.com", Members: members})
			require.NoError(t, err)

			cv, ok := model.AsConstraintViolation(m.DeleteEntity(ctx, "hub.com"))
			require.True(t, ok)
			assert.Equal(t, n, cv.Total())
			assert.Equal(t, n, active(t, s, model.RelationshipFilter{ObjectKey: "hub.com"}))
		})
	}
}

func TestRetirement_ShortlinkScenario(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "bit.ly")
	members := make([]string, 424)
	for i := range members {
		members[i] = fmt.Sprintf("customer%03d.com", i)
	}
	register(t, s, members...)
	res, err := m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "bit.ly", Members: members})
	require.NoError(t, err)
	require.Equal(t, 424, res.Inserted)

	report, err := m.ProposeRetirement(ctx, "bit.ly")
	require.NoError(t, err)
	assert.Equal(t, model.ReportProposed, report.Status)
	assert.Equal(t, 424, report.AffectedRelationships())
	assert.Equal(t, 424, report.Relationships[string(model.PredCustomerOf)])
	assert.Equal(t, []string{"bit.ly"}, report.ChangeSet.RetireEntities)

	// Proposing changes nothing.
	assert.Equal(t, model.StatusActive, status(t, s, "bit.ly"))
	assert.Equal(t, 424, active(t, s, model.RelationshipFilter{ObjectKey: "bit.ly"}))

	stored, err := m.Report(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ChangeSet, stored.ChangeSet)

	out, err := m.ExecuteReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(424), out.Revoked)
	assert.Equal(t, 1, out.Retired)
	assert.Equal(t, model.ReportExecuted, out.Report.Status)
	assert.Equal(t, model.StatusRetired, status(t, s, "bit.ly"))
	assert.Equal(t, 0, active(t, s, model.RelationshipFilter{ObjectKey: "bit.ly"}))
	assert.Equal(t, 424, active(t, s, model.RelationshipFilter{ObjectKey: "bit.ly", IncludeRevoked: true}),
		"revoked relationships are kept")
	for _, k := range members[:3] {
		assert.Equal(t, model.StatusActive, status(t, s, k), "dependents are never cascaded")
	}

	_, err = m.ExecuteReport(ctx, report.ID)
	assert.True(t, errors.Is(err, model.ErrReportNotPending))
}

func TestExecuteReport_RefusesDrift(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", "globex.com", "initech.com")
	_, err := m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "acme.com", Members: []string{"globex.com"}})
	require.NoError(t, err)

	report, err := m.ProposeRetirement(ctx, "acme.com")
	require.NoError(t, err)
	require.Equal(t, 1, report.AffectedRelationships())

	_, err = m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "acme.com", Members: []string{"initech.com"}})
	require.NoError(t, err)

	_, err = m.ExecuteReport(ctx, report.ID)
	cv, ok := model.AsConstraintViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 1, cv.Total())
	assert.Equal(t, model.StatusActive, status(t, s, "acme.com"))
	assert.Equal(t, 2, active(t, s, model.RelationshipFilter{ObjectKey: "acme.com"}))

	stored, err := m.Report(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportProposed, stored.Status, "refused reports stay proposed")
}

func TestExecuteReport_Errors(t *testing.T) {
	m, _ := setup(t)
	_, err := m.ExecuteReport(context.Background(), "nope")
	assert.True(t, model.IsValidation(err))

	_, err = m.ExecuteReport(context.Background(), "4c0a9f44-5d7e-4d63-9b0f-2b1f9a3e6c11")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = m.ProposeRetirement(context.Background(), "missing.com")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestProposeRevocation(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", "globex.com", "initech.com")
	_, err := m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "acme.com", Members: []string{"globex.com", "initech.com"}})
	require.NoError(t, err)
	_, err = m.Infer(ctx, Batch{Provenance: ProvCurrentCustomer, Anchor: "acme.com", Members: []string{"globex.com"}})
	require.NoError(t, err)

	report, err := m.ProposeRevocation(ctx, ProvCustomerLogo)
	require.NoError(t, err)
	assert.Equal(t, 2, report.AffectedRelationships())
	assert.Equal(t, 3, active(t, s, model.RelationshipFilter{}))

	out, err := m.ExecuteReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Revoked)
	assert.Equal(t, 1, active(t, s, model.RelationshipFilter{}))
	assert.Equal(t, model.StatusActive, status(t, s, "acme.com"))

	// Revoked relationships stay revoked when the batch is replayed.
	res, err := m.Infer(ctx, Batch{Provenance: ProvCustomerLogo, Anchor: "acme.com", Members: []string{"globex.com"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, active(t, s, model.RelationshipFilter{}))

	_, err = m.ProposeRevocation(ctx, "gut.feeling")
	assert.True(t, model.IsValidation(err))
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t, "acme.com", "acme.io", jane, pseudo)

	_, err := m.ProposeMerge(ctx, pseudo, jane)
	assert.True(t, model.IsValidation(err), "pseudonymous keys are never merged")
	_, err = m.ProposeMerge(ctx, "acme.io", jane)
	assert.True(t, model.IsValidation(err))
	_, err = m.ProposeMerge(ctx, "acme.io", "acme.io")
	assert.True(t, model.IsValidation(err))

	report, err := m.ProposeMerge(ctx, "acme.io", "acme.com")
	require.NoError(t, err)
	target, err := s.ResolveAlias(ctx, "acme.io")
	require.NoError(t, err)
	assert.Equal(t, "acme.io", target, "proposal creates no alias")

	out, err := m.ExecuteReport(ctx, report.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme.io", "acme.com"}, out.Affected)
	target, err = s.ResolveAlias(ctx, "acme.io")
	require.NoError(t, err)
	assert.Equal(t, "acme.com", target)
	assert.Equal(t, model.StatusMerged, status(t, s, "acme.io"))

	_, err = m.ProposeMerge(ctx, "acme.io", "acme.com")
	assert.True(t, model.IsValidation(err), "merged entities cannot be merged again")
}

func TestProposeRetirementByRules(t *testing.T) {
	ctx := context.Background()
	m, s := setup(t)
	at := time.Now().UTC()
	name := func(key, value string) {
		register(t, s, key)
		obs := &model.Observation{EntityKey: key, Source: "crm", Dimension: model.DimName,
			Extracted: map[string]string{model.FieldValue: value}, ObservedAt: at}
		_, err := s.InsertObservation(ctx, obs)
		require.NoError(t, err)
		_, err = s.UpsertRecord(ctx, model.Record{EntityKey: key, Source: "crm", Dimension: model.DimName,
			RawValue: &value, ObservationID: obs.ID, ObservedAt: at, FirstValuedAt: &at}, model.UpsertLatest)
		require.NoError(t, err)
	}
	name("bit.ly", "Bitly")
	name("tinyurl.com", "TinyURL")
	name("acme.com", "Acme")
	register(t, s, jane)
	_, err := m.Infer(ctx, Batch{Provenance: ProvPastCompany, Anchor: "bit.ly", Members: []string{jane}})
	require.NoError(t, err)

	rs, err := classify.Parse([]byte(`
version: r1
retirement:
  - id: shortlinks
    kind: company
    dimension: name
    op: in
    values: [bitly, tinyurl]
`))
	require.NoError(t, err)

	report, err := m.ProposeRetirementByRules(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, "rules:r1", report.Scope)
	assert.Equal(t, []string{"bit.ly", "tinyurl.com"}, report.ChangeSet.RetireEntities)
	assert.Equal(t, map[string]string{"bit.ly": "shortlinks", "tinyurl.com": "shortlinks"}, report.Matched)
	assert.Equal(t, 1, report.AffectedRelationships())

	_, err = m.ExecuteReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetired, status(t, s, "bit.ly"))
	assert.Equal(t, model.StatusRetired, status(t, s, "tinyurl.com"))
	assert.Equal(t, model.StatusActive, status(t, s, "acme.com"))
	assert.Equal(t, model.StatusActive, status(t, s, jane))

	again, err := m.ProposeRetirementByRules(ctx, rs)
	require.NoError(t, err)
	assert.Empty(t, again.ChangeSet.RetireEntities, "retired entities are not matched again")
}

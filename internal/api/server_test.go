package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/relation"
	"github.com/sells-group/entity-resolver/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T) http.Handler {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return New(engine.New(s, engine.Options{}), Options{CORSOrigins: []string{"https://app.example.com"}}).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func observe(t *testing.T, h http.Handler, key, source string, dim model.Dimension, value string) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/v1/observations", engine.Envelope{
		EntityKey:  key,
		Source:     source,
		Dimension:  dim,
		Extracted:  map[string]string{model.FieldValue: value},
		ObservedAt: t0,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	h := newServer(t)

	w := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "entity_resolver_api_requests_total")
}

func TestCORS(t *testing.T) {
	h := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/query", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestObservations(t *testing.T) {
	h := newServer(t)
	env := engine.Envelope{
		EntityKey:  "https://www.Acme.com/about",
		Source:     "providerA",
		Dimension:  model.DimName,
		Extracted:  map[string]string{model.FieldValue: "Acme"},
		ObservedAt: t0,
	}

	w := do(t, h, http.MethodPost, "/v1/observations", env)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[model.IngestResult](t, w)
	assert.False(t, res.Duplicate)

	w = do(t, h, http.MethodPost, "/v1/observations", env)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[model.IngestResult](t, w).Duplicate)

	env.EntityKey = ""
	w = do(t, h, http.MethodPost, "/v1/observations", env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeBody[errorBody](t, w).Error)

	w = do(t, h, http.MethodPost, "/v1/observations", `{"entity_key":"acme.com","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntityViewAndQuery(t *testing.T) {
	h := newServer(t)
	observe(t, h, "acme.com", "providerA", model.DimName, "Acme")
	observe(t, h, "linkedin.com/in/jane-doe", "providerA", model.DimFullName, "Jane Doe")

	w := do(t, h, http.MethodGet, "/v1/entities/acme.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeBody[coalesce.View](t, w)
	assert.Equal(t, "acme.com", v.EntityKey)
	require.NotNil(t, v.Canonical(model.DimName))
	assert.Equal(t, "Acme", *v.Canonical(model.DimName))

	w = do(t, h, http.MethodGet, "/v1/entities/linkedin.com/in/jane-doe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v = decodeBody[coalesce.View](t, w)
	assert.Equal(t, model.KindPerson, v.Kind)

	w = do(t, h, http.MethodGet, "/v1/query?dimension=name&value=Acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entity_keys":["acme.com"]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/query?dimension=shoe_size&value=9", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLookup(t *testing.T) {
	h := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/lookup",
		strings.NewReader("dimension,source,raw,canonical\nemployee_range,,1K-5K,1001-5000\n"))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q := url.Values{"dimension": {"employee_range"}, "raw": {"1k-5k"}}
	w = do(t, h, http.MethodGet, "/v1/lookup?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1001-5000", decodeBody[map[string]string](t, w)["canonical"])

	q.Set("raw", "10K+")
	w = do(t, h, http.MethodGet, "/v1/lookup?"+q.Encode(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/v1/lookup?dimension=shoe_size&raw=9", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRulesAndReconcile(t *testing.T) {
	h := newServer(t)
	doc := `
version: v1
classification:
  - id: vp-eng
    pattern: '\bvp\b.*engineering'
    set: {seniority: VP, job_function: Engineering}
`
	w := do(t, h, http.MethodPost, "/v1/rules", doc)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, h, http.MethodPost, "/v1/rules", doc)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/v1/rules/v1/activate", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/v1/rules/v9/activate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	observe(t, h, "acme.com", "providerA", model.DimName, "Acme")
	w = do(t, h, http.MethodPost, "/v1/reconcile", map[string]string{"rule_set_version": "v1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decodeBody[model.ReconcileRun](t, w)
	assert.Equal(t, model.RunComplete, run.Status)
	assert.EqualValues(t, 1, run.Scanned)

	w = do(t, h, http.MethodPost, "/v1/reconcile", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRelationshipsGuardAndReports(t *testing.T) {
	h := newServer(t)
	observe(t, h, "acme.com", "providerA", model.DimName, "Acme")
	observe(t, h, "linkedin.com/in/jane-doe", "providerA", model.DimFullName, "Jane Doe")

	w := do(t, h, http.MethodPost, "/v1/relationships/infer", relation.Batch{
		Provenance: relation.ProvPastCompany,
		Anchor:     "acme.com",
		Members:    []string{"linkedin.com/in/jane-doe"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decodeBody[relation.InferResult](t, w).Inserted)

	w = do(t, h, http.MethodGet, "/v1/relationships?object=acme.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rels := decodeBody[map[string][]model.Relationship](t, w)["relationships"]
	require.Len(t, rels, 1)
	assert.Equal(t, model.PredPastEmployer, rels[0].Predicate)

	// Delete with dependents is a constraint violation carrying counts.
	w = do(t, h, http.MethodDelete, "/v1/entities/acme.com", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody[errorBody](t, w)
	assert.Equal(t, "constraint_violation", body.Error)
	assert.Equal(t, 1, body.Dependents[string(model.PredPastEmployer)])

	// Without dependents retirement still needs a report.
	w = do(t, h, http.MethodDelete, "/v1/entities/linkedin.com/in/jane-doe", nil)
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)

	w = do(t, h, http.MethodPost, "/v1/reports/retirement", map[string]string{"entity_key": "acme.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rep := decodeBody[model.ImpactReport](t, w)
	assert.Equal(t, model.ReportProposed, rep.Status)
	assert.Len(t, rep.Relationships, 1)

	w = do(t, h, http.MethodGet, "/v1/reports/"+rep.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/v1/reports/"+rep.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decodeBody[relation.ExecuteResult](t, w).Retired)

	w = do(t, h, http.MethodPost, "/v1/reports/"+rep.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "report_not_pending", decodeBody[errorBody](t, w).Error)

	w = do(t, h, http.MethodGet, "/v1/reports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v1/reports/retirement", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPins(t *testing.T) {
	h := newServer(t)
	observe(t, h, "acme.com", "providerA", model.DimName, "Acme")
	observe(t, h, "acme.com", "providerB", model.DimName, "Acme Corp")

	w := do(t, h, http.MethodPut, "/v1/pins", map[string]string{
		"entity_key": "acme.com", "dimension": "name", "source": "providerB",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/entities/acme.com", nil)
	v := decodeBody[coalesce.View](t, w)
	require.NotNil(t, v.Dimensions[model.DimName])
	assert.Equal(t, "providerB", v.Dimensions[model.DimName].Source)
	assert.True(t, v.Dimensions[model.DimName].Pinned)

	w = do(t, h, http.MethodDelete, "/v1/pins?entity_key=acme.com&dimension=name", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodPut, "/v1/pins", map[string]string{
		"entity_key": "acme.com", "dimension": "employee_range", "source": "providerB",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

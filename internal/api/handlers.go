package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/lookup"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/relation"
)

// POST /v1/observations
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var env engine.Envelope
	if err := decode(r, &env); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Ingest(r.Context(), env)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func entityKey(r *http.Request) (string, error) {
	key := strings.Trim(chi.URLParam(r, "*"), "/")
	if key == "" {
		return "", model.NewValidationError("entity_key", "", "empty identifier")
	}
	return key, nil
}

// GET /v1/entities/{key...}
func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.svc.View(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DELETE /v1/entities/{key...} never deletes. It answers 409 with the
// dependent counts, or 428 when retirement must go through a report.
func (s *Server) deleteEntity(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.fail(w, r, s.svc.DeleteEntity(r.Context(), key))
}

// GET /v1/dependents/{key...}
func (s *Server) dependents(w http.ResponseWriter, r *http.Request) {
	key, err := entityKey(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.svc.Dependents(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /v1/query?dimension=&value=
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := model.Dimension(q.Get("dimension"))
	if !dim.Valid() {
		s.fail(w, r, model.NewValidationError("dimension", string(dim), "unknown dimension"))
		return
	}
	keys, err := s.svc.Query(r.Context(), dim, q.Get("value"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_keys": keys})
}

// GET /v1/lookup?dimension=&source=&raw=
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := model.Dimension(q.Get("dimension"))
	canonical, ok, err := s.svc.Lookup(r.Context(), dim, q.Get("source"), q.Get("raw"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "lookup_miss", "no canonical mapping for "+strconv.Quote(q.Get("raw")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dimension": string(dim), "canonical": canonical})
}

// POST /v1/lookup accepts a seed CSV (text/csv) or a JSON array of entries.
// Existing mappings are never changed.
func (s *Server) addLookup(w http.ResponseWriter, r *http.Request) {
	var entries []model.LookupEntry
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "text/csv" {
		var err error
		if entries, err = lookup.ReadCSV(r.Body); err != nil {
			s.fail(w, r, model.NewValidationError("body", "", err.Error()))
			return
		}
	} else if err := decode(r, &entries); err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.svc.AddLookupEntries(r.Context(), entries)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /v1/rules publishes the rule-set document in the body.
func (s *Server) publishRules(w http.ResponseWriter, r *http.Request) {
	doc, err := readAll(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rs, created, err := s.svc.PublishRules(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"version": rs.Version, "created": created})
}

// POST /v1/rules/{version}/activate
func (s *Server) activateRules(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if err := s.svc.ActivateRules(r.Context(), version); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": version})
}

type reconcileRequest struct {
	Version string `json:"rule_set_version"`
}

// POST /v1/reconcile runs synchronously and returns the run checkpoint. A
// stopped run can be resumed by posting the same version again.
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Version == "" {
		s.fail(w, r, model.NewValidationError("rule_set_version", "", "required"))
		return
	}
	run, err := s.svc.Reconcile(r.Context(), req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /v1/relationships?subject=&object=&predicate=&provenance=&include_revoked=&limit=
func (s *Server) relationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.RelationshipFilter{
		SubjectKey: q.Get("subject"),
		ObjectKey:  q.Get("object"),
		Predicate:  model.Predicate(q.Get("predicate")),
		Provenance: q.Get("provenance"),
	}
	if v := q.Get("include_revoked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, r, model.NewValidationError("include_revoked", v, "not a boolean"))
			return
		}
		f.IncludeRevoked = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, model.NewValidationError("limit", v, "not a non-negative integer"))
			return
		}
		f.Limit = n
	}
	rels, err := s.svc.Relationships(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rels == nil {
		rels = []model.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// POST /v1/relationships/infer
func (s *Server) infer(w http.ResponseWriter, r *http.Request) {
	var b relation.Batch
	if err := decode(r, &b); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Infer(r.Context(), b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/relationships/champions
func (s *Server) inferChampions(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.InferChampions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type retirementRequest struct {
	EntityKey      string `json:"entity_key,omitempty"`
	RuleSetVersion string `json:"rule_set_version,omitempty"`
}

// POST /v1/reports/retirement proposes retiring one entity, or every
// entity matched by a rule set's retirement rules.
func (s *Server) proposeRetirement(w http.ResponseWriter, r *http.Request) {
	var req retirementRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var (
		rep *model.ImpactReport
		err error
	)
	switch {
	case req.EntityKey != "" && req.RuleSetVersion != "":
		err = model.NewValidationError("body", "", "entity_key and rule_set_version are exclusive")
	case req.EntityKey != "":
		rep, err = s.svc.ProposeRetirement(r.Context(), req.EntityKey)
	case req.RuleSetVersion != "":
		rep, err = s.svc.ProposeRetirementByRules(r.Context(), req.RuleSetVersion)
	default:
		err = model.NewValidationError("body", "", "entity_key or rule_set_version is required")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

type revocationRequest struct {
	Provenance string `json:"provenance"`
}

// POST /v1/reports/revocation
func (s *Server) proposeRevocation(w http.ResponseWriter, r *http.Request) {
	var req revocationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.svc.ProposeRevocation(r.Context(), req.Provenance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

type mergeRequest struct {
	From string `json:"from"`
	Into string `json:"into"`
}

// POST /v1/reports/merge
func (s *Server) proposeMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.svc.ProposeMerge(r.Context(), req.From, req.Into)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

// GET /v1/reports/{id}
func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /v1/reports/{id}/execute
func (s *Server) executeReport(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ExecuteReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type pinRequest struct {
	EntityKey string          `json:"entity_key"`
	Dimension model.Dimension `json:"dimension"`
	Source    string          `json:"source"`
}

// PUT /v1/pins
func (s *Server) setPin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.SetPin(r.Context(), req.EntityKey, req.Dimension, req.Source); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/pins?entity_key=&dimension=
func (s *Server) clearPin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.svc.ClearPin(r.Context(), q.Get("entity_key"), model.Dimension(q.Get("dimension"))); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readAll(r *http.Request) ([]byte, error) {
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, eris.Wrap(err, "api: read body")
	}
	if len(doc) == 0 {
		return nil, model.NewValidationError("body", "", "empty document")
	}
	return doc, nil
}

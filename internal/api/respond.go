package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string           `json:"error"`
	Message    string           `json:"message"`
	Field      string           `json:"field,omitempty"`
	Dependents model.Dependents `json:"dependents,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: ve.Error(), Field: ve.Field})
		return
	}
	if cv, ok := model.AsConstraintViolation(err); ok {
		writeJSON(w, http.StatusConflict, errorBody{Error: "constraint_violation", Message: cv.Error(), Dependents: cv.Counts})
		return
	}
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, model.ErrImpactReportRequired):
		writeError(w, http.StatusPreconditionRequired, "impact_report_required", err.Error())
	case errors.Is(err, model.ErrReportNotPending):
		writeError(w, http.StatusConflict, "report_not_pending", err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &mbe):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return model.NewValidationError("body", "", "invalid json: "+err.Error())
	}
	return nil
}

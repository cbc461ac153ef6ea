package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"equipment-loan-api/internal/auth"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// listParams holds common query parameters for list endpoints
type listParams struct {
	limit  int
	offset int
}

// parseListParams parses limit and offset from the request.
// Defaults: limit=50 (max 200), offset=0
func parseListParams(r *http.Request) listParams {
	values := r.URL.Query()

	limit := 50
	if s := strings.TrimSpace(values.Get("limit")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			if v > 200 {
				v = 200
			}
			limit = v
		}
	}

	offset := 0
	if s := strings.TrimSpace(values.Get("offset")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}

	return listParams{limit: limit, offset: offset}
}

// sendListResponse writes {"data": [...], "meta": {...}} for paged lists
func sendListResponse(w http.ResponseWriter, data interface{}, total int, params listParams) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"meta": map[string]int{
			"total":  total,
			"limit":  params.limit,
			"offset": params.offset,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &engine.Error{Kind: engine.ErrValidation, Msg: "invalid JSON body", Err: err}
	}
	return nil
}

var errorStatus = []struct {
	kind   error
	status int
	code   string
}{
	{engine.ErrValidation, http.StatusBadRequest, "VALIDATION"},
	{engine.ErrNotAvailable, http.StatusConflict, "NOT_AVAILABLE"},
	{engine.ErrHasOpenIssues, http.StatusConflict, "HAS_OPEN_ISSUES"},
	{engine.ErrNoActiveLoan, http.StatusConflict, "NO_ACTIVE_LOAN"},
	{engine.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{engine.ErrInvariantViolation, http.StatusInternalServerError, "INVARIANT_VIOLATION"},
	{engine.ErrConflict, http.StatusConflict, "CONFLICT"},
	{engine.ErrItemInUse, http.StatusConflict, "ITEM_IN_USE"},
	{engine.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
}

// writeError maps engine error kinds to HTTP statuses. Unclassified errors
// are logged and reported as 500 without their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.kind) {
			if e.status >= 500 {
				s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
			}
			writeJSON(w, e.status, auth.ErrorResponse{Error: err.Error(), Code: e.code})
			return
		}
	}
	s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, auth.ErrorResponse{Error: "internal error", Code: "INTERNAL"})
}

func badRequest(msg string) error {
	return &engine.Error{Kind: engine.ErrValidation, Msg: msg}
}

// idParam reads a positive int64 path parameter.
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(name + " must be a positive integer")
	}
	return id, nil
}

// int64Query reads an optional int64 query parameter; absent yields 0.
func int64Query(r *http.Request, name string) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

// dateQuery reads a required YYYY-MM-DD query parameter.
func dateQuery(r *http.Request, name string) (models.Date, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return models.Date{}, badRequest(name + " is required")
	}
	d, err := models.ParseDate(v)
	if err != nil {
		return models.Date{}, badRequest(name + ": " + err.Error())
	}
	return d, nil
}

// int64List parses a comma-separated list of ids.
func int64List(v string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n <= 0 {
			return nil, badRequest("invalid id " + strconv.Quote(part))
		}
		out = append(out, n)
	}
	return out, nil
}

// actorName is the display name of the caller, used in audit columns.
func actorName(r *http.Request) string {
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		return c.Name
	}
	return ""
}

// withOperator fills an empty operator from the caller's token.
func withOperator(r *http.Request, op models.Operator) models.Operator {
	if op.Name != "" {
		return op
	}
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		return c.Operator()
	}
	return op
}

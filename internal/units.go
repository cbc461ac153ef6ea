package internal

import (
	"context"
	"net/http"
	"strconv"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
)

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	var filter models.UnitFilter
	var err error
	if filter.CategoryID, err = int64Query(r, "category_id"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if filter.DeviceTypeID, err = int64Query(r, "device_type_id"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = models.UnitStatus(v)
		switch filter.Status {
		case models.StatusInStock, models.StatusLoaned, models.StatusNeedsAttention:
		default:
			s.writeError(w, r, badRequest("unknown status "+strconv.Quote(v)))
			return
		}
	}

	units, err := s.Engine.ListUnits(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params := parseListParams(r)
	total := len(units)
	if params.offset >= total {
		units = units[:0]
	} else {
		units = units[params.offset:]
		if len(units) > params.limit {
			units = units[:params.limit]
		}
	}
	sendListResponse(w, units, total, params)
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.Engine.UnitDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) getChecklist(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lines, err := s.Engine.Checklist(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unit_id": id, "lines": lines})
}

func (s *Server) listUnitLoans(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params := parseListParams(r)
	includeCanceled := r.URL.Query().Get("include_canceled") == "true"
	loans, total, err := s.Engine.LoanHistory(r.Context(), id, params.limit, params.offset, includeCanceled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendListResponse(w, loans, total, params)
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req engine.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UnitID = id
	req.Operator = withOperator(r, req.Operator)

	res, err := s.Engine.Checkout(r.Context(), req)
	if err != nil {
		s.Metrics.observeCheckout("", err)
		s.writeError(w, r, err)
		return
	}
	s.Metrics.observeCheckout(res.Status, nil)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) returnUnit(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req engine.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UnitID = id
	req.Operator = withOperator(r, req.Operator)

	res, err := s.Engine.Return(r.Context(), req)
	if err != nil {
		s.Metrics.observeReturn("", err)
		s.writeError(w, r, err)
		return
	}
	s.Metrics.observeReturn(res.Status, nil)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) resolveIssue(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	issue, status, err := s.Engine.ResolveIssue(r.Context(), id, actorName(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issue": issue, "unit_status": status})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.Engine.LoanRecords(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelLoan(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, "loan", s.Engine.CancelLoan)
}

func (s *Server) cancelReturn(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, "return", s.Engine.CancelReturn)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, kind string,
	fn func(ctx context.Context, id int64, actor, reason string) (*engine.CancelResult, error)) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := fn(r.Context(), id, actorName(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.AlreadyCanceled {
		s.Metrics.observeCancel(kind)
	}
	writeJSON(w, http.StatusOK, res)
}

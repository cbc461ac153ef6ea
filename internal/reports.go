package internal

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/report"
)

// getUtilization answers GET /utilization?unitIds=1,2&start=YYYY-MM-DD&end=YYYY-MM-DD
func (s *Server) getUtilization(w http.ResponseWriter, r *http.Request) {
	ids, err := int64List(r.URL.Query().Get("unitIds"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(ids) == 0 {
		s.writeError(w, r, badRequest("unitIds is required"))
		return
	}
	start, end, err := window(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	byUnit, err := s.Engine.Utilization(r.Context(), ids, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// JSON object keys must be strings
	out := make(map[string]float64, len(byUnit))
	for id, pct := range byUnit {
		out[strconv.FormatInt(id, 10)] = pct
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":       start,
		"end":         end,
		"utilization": out,
	})
}

func window(r *http.Request) (models.Date, models.Date, error) {
	start, err := dateQuery(r, "start")
	if err != nil {
		return start, start, err
	}
	end, err := dateQuery(r, "end")
	return start, end, err
}

func (s *Server) utilizationReport(r *http.Request) (*engine.UtilizationReport, error) {
	var filter models.UnitFilter
	var err error
	if filter.CategoryID, err = int64Query(r, "category_id"); err != nil {
		return nil, err
	}
	if filter.DeviceTypeID, err = int64Query(r, "device_type_id"); err != nil {
		return nil, err
	}
	start, end, err := window(r)
	if err != nil {
		return nil, err
	}
	return s.Engine.UtilizationReport(r.Context(), filter, start, end)
}

func (s *Server) getUtilizationReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.utilizationReport(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) getUtilizationXLSX(w http.ResponseWriter, r *http.Request) {
	rep, err := s.utilizationReport(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// render fully before writing headers so failures can still become a 500
	var buf bytes.Buffer
	if err := report.WriteUtilizationXLSX(&buf, rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("utilization_%s_%s.xlsx", rep.Start, rep.End)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) getStatusCounts(w http.ResponseWriter, r *http.Request) {
	categoryID, err := int64Query(r, "category_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.Engine.StatusCounts(r.Context(), categoryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"category_id": categoryID, "counts": counts})
}

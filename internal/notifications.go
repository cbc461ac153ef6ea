package internal

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"equipment-loan-api/internal/evidence"
	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

const maxEvidenceBytes = 10 << 20

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	categoryID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	members, err := s.Engine.NotificationMembers(r.Context(), categoryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": members})
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	categoryID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in models.NotificationMember
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.CategoryID = categoryID
	out, err := s.Engine.AddNotificationMember(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.RemoveNotificationMember(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listNotificationLogs pages the delivery log, newest first. ?status=failed
// gives the dead-letter view.
func (s *Server) listNotificationLogs(w http.ResponseWriter, r *http.Request) {
	status := models.NotificationStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", models.NotificationSent, models.NotificationFailed, models.NotificationLoggedOnly:
	default:
		s.writeError(w, r, badRequest("unknown status "+strconv.Quote(string(status))))
		return
	}
	if s.Logs == nil {
		s.writeError(w, r, errors.New("notification log not configured"))
		return
	}

	params := parseListParams(r)
	logs, total, err := s.Logs.ListNotificationLogs(r.Context(), status, params.limit, params.offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendListResponse(w, logs, total, params)
}

// uploadEvidence stores one photo or signed document and returns the
// reference to pass as evidence_ref on checkout or return. Files of one
// inspection share a session_ref.
func (s *Server) uploadEvidence(w http.ResponseWriter, r *http.Request) {
	if s.Evidence == nil {
		s.writeError(w, r, errors.New("evidence storage not configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxEvidenceBytes+1<<20)
	if err := r.ParseMultipartForm(maxEvidenceBytes); err != nil {
		s.writeError(w, r, badRequest("expected multipart/form-data up to 10MB"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxEvidenceBytes+1))
	if err != nil {
		s.writeError(w, r, badRequest("failed to read file"))
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, badRequest("file is empty"))
		return
	}
	if len(data) > maxEvidenceBytes {
		s.writeError(w, r, badRequest("file exceeds 10MB"))
		return
	}

	sessionRef := strings.TrimSpace(r.FormValue("session_ref"))
	if sessionRef == "" {
		sessionRef = evidence.NewSessionRef()
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ref, err := s.Evidence.StoreEvidence(r.Context(), sessionRef, data, contentType)
	if errors.Is(err, evidence.ErrInvalidRef) {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.Log.Info("evidence stored",
		zap.String("ref", ref),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)),
		zap.String("actor", actorName(r)),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref, "session_ref": sessionRef})
}

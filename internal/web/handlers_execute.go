package web

import (
	"encoding/json"
	"net/http"
	"strings"
)

// executeRequest is the body for POST /api/execute.
type executeRequest struct {
	UploadIDs []string `json:"upload_ids"`
	Script    string   `json:"script"`
}

// handleExecute runs a script against one or two registered uploads. The
// outcome is always HTTP 200; script failures are reported inside the
// outcome body, not as transport errors.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}

	outcome, err := s.service.Execute(r.Context(), req.UploadIDs, req.Script)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "upload not found") {
			status = http.StatusNotFound
		}
		s.respondError(w, r, err, status)
		return
	}

	writeJSON(w, outcome)
}

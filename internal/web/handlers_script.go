package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reconlab/pipeline/internal/session"
)

// generateRequest is the body for POST /api/script.
type generateRequest struct {
	Instruction string            `json:"instruction"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// sessionResponse is the client view of a generation session.
type sessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Script    string `json:"script,omitempty"`
	Error     string `json:"error,omitempty"`
}

func toSessionResponse(sess *session.Session) sessionResponse {
	resp := sessionResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status()),
		Attempts:  sess.Attempts(),
	}
	if payload, err := sess.Payload(); err == nil {
		resp.Script = payload
	}
	if err := sess.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// handleGenerateScript starts a new generation session. Any in-flight
// session is superseded; the client gets the new session ID immediately and
// follows progress via the status or events endpoints.
func (s *Server) handleGenerateScript(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	sess, err := s.service.GenerateScript(r.Context(), req.Instruction, req.Metadata)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(toSessionResponse(sess))
}

// handleScriptStatus returns the current state of a generation session.
func (s *Server) handleScriptStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.service.GenerationSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, toSessionResponse(sess))
}

// handleCancelScript aborts the in-flight generation session. Cancelling a
// session that already finished is a no-op.
func (s *Server) handleCancelScript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.service.GenerationSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !sess.Status().Terminal() {
		s.service.CancelGeneration()
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}

// handleScriptEvents streams session status transitions via Server-Sent
// Events. The stream closes after the terminal status is delivered.
func (s *Server) handleScriptEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.service.GenerationSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	updates := sess.Subscribe()

	for {
		select {
		case status, open := <-updates:
			if !open {
				// Terminal status was already delivered; send the final
				// snapshot so late clients get the payload too.
				data, _ := json.Marshal(toSessionResponse(sess))
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "event: status\ndata: {\"status\":%q}\n\n", string(status))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reconlab/pipeline/internal/core"
)

// uploadResponse is what the client sees for a registered upload. The parsed
// table itself is never returned; scripts are the only consumer of row data.
type uploadResponse struct {
	*core.Upload
	Headers []string `json:"headers"`
}

// handleUpload validates and parses an uploaded file. A rejected file gets
// HTTP 422 with the verdict attached so clients can show the exact reason.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	// One extra KB so an exactly-oversized file reaches the sniffer and
	// gets a proper too_large verdict instead of a bare 413.
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1024)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	up, err := s.service.ValidateAndParse(ctx, header.Filename, data)
	if err != nil {
		var rej *core.Rejection
		if errors.As(err, &rej) {
			s.respondRejection(w, r, rej)
			return
		}
		if errors.Is(err, core.ErrTooManyUploads) {
			s.respondError(w, r, err, http.StatusTooManyRequests)
			return
		}
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	writeJSON(w, uploadResponse{Upload: up, Headers: up.Table.Headers})
}

// respondRejection returns the full verdict alongside the user message so
// clients can render the specific failure and any security flag.
func (s *Server) respondRejection(w http.ResponseWriter, r *http.Request, rej *core.Rejection) {
	userMsg := core.MapError(rej)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   userMsg.Message,
		"action":  userMsg.Action,
		"code":    userMsg.Code,
		"verdict": rej.Verdict,
	})
}

// handleListUploads returns all registered uploads, newest first.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads := s.service.Uploads()
	out := make([]uploadResponse, 0, len(uploads))
	for _, up := range uploads {
		out = append(out, uploadResponse{Upload: up, Headers: up.Table.Headers})
	}
	writeJSON(w, out)
}

// handleUploadDetail returns one registered upload.
func (s *Server) handleUploadDetail(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	up, ok := s.service.Upload(uploadID)
	if !ok {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	writeJSON(w, uploadResponse{Upload: up, Headers: up.Table.Headers})
}

// handleRemoveUpload drops an upload from the registry.
func (s *Server) handleRemoveUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if _, ok := s.service.Upload(uploadID); !ok {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	s.service.Remove(uploadID)
	writeJSON(w, map[string]string{"status": "removed"})
}

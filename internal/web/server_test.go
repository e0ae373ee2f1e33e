package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/reconlab/pipeline/internal/core"
	"github.com/reconlab/pipeline/internal/session"
)

// =============================================================================
// Test helpers
// =============================================================================

type stubTransport struct {
	mu      sync.Mutex
	submits []session.Request
	respond func(req session.Request) *session.Envelope
}

func (t *stubTransport) Submit(ctx context.Context, req *session.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submits = append(t.submits, *req)
	return nil
}

func (t *stubTransport) TryFetch(ctx context.Context, sessionID string) (*session.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.respond == nil {
		return nil, nil
	}
	for _, req := range t.submits {
		if req.SessionID == sessionID {
			return t.respond(req), nil
		}
	}
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *stubTransport) {
	t.Helper()
	transport := &stubTransport{}
	svc, err := core.NewService(core.ServiceConfig{
		SessionTransport: transport,
		SessionConfig: session.Config{
			BaseDelay:   2 * time.Millisecond,
			MaxDelay:    6 * time.Millisecond,
			Multiplier:  1.1,
			MaxAttempts: 500,
		},
		ScriptTimeout: 2 * time.Second,
		GraceWindow:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewServer(svc, Config{}), transport
}

func multipartUpload(t *testing.T, filename string, contents []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(contents); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, srv *Server, filename string, contents []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, filename, contents)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Upload endpoints
// =============================================================================

func TestHandleUpload_AcceptsCSV(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doUpload(t, srv, "payments.csv", []byte("id,amount\n1,10\n2,20\n"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID      string   `json:"id"`
		Headers []string `json:"headers"`
		Summary struct {
			TotalRows   int `json:"total_rows"`
			ColumnCount int `json:"column_count"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" {
		t.Error("expected an upload ID")
	}
	if resp.Summary.TotalRows != 2 || resp.Summary.ColumnCount != 2 {
		t.Errorf("summary = %+v", resp.Summary)
	}
	if len(resp.Headers) != 2 || resp.Headers[0] != "id" {
		t.Errorf("headers = %v", resp.Headers)
	}
}

func TestHandleUpload_RejectsDisguisedExecutable(t *testing.T) {
	srv, _ := newTestServer(t)

	exe := append([]byte{0x4D, 0x5A}, []byte("binary payload")...)
	rec := doUpload(t, srv, "report.csv", exe)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	var resp struct {
		Code    string `json:"code"`
		Verdict struct {
			IsValid      bool   `json:"is_valid"`
			Kind         string `json:"error_kind"`
			SecurityFlag string `json:"security_flag"`
		} `json:"verdict"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Verdict.IsValid {
		t.Error("verdict should be invalid")
	}
	if resp.Verdict.SecurityFlag == "" {
		t.Error("disguised executable should set the security flag")
	}
	if resp.Code == "" {
		t.Error("expected a support code")
	}
}

func TestHandleUpload_NoFile(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUploadDetail_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/upload/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleRemoveUpload(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doUpload(t, srv, "a.csv", []byte("x,y\n1,2\n"))
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/upload/"+resp.ID, nil)
	del := httptest.NewRecorder()
	srv.Router().ServeHTTP(del, req)
	if del.Code != http.StatusOK {
		t.Fatalf("delete status = %d", del.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/upload/"+resp.ID, nil)
	get := httptest.NewRecorder()
	srv.Router().ServeHTTP(get, req)
	if get.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", get.Code)
	}
}

// =============================================================================
// Execution endpoint
// =============================================================================

func TestHandleExecute_EndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doUpload(t, srv, "payments.csv", []byte("id,amount\n1,10\n2,20\n3,30\n"))
	var up struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"upload_ids": []string{up.ID},
		"script": `
			const tables = parseFiles();
			showResults([{ count: String(tables[0].length) }]);
		`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	exec := httptest.NewRecorder()
	srv.Router().ServeHTTP(exec, req)

	if exec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", exec.Code, exec.Body.String())
	}
	var outcome struct {
		Success bool             `json:"success"`
		Rows    []map[string]any `json:"result_rows"`
	}
	if err := json.Unmarshal(exec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Success || len(outcome.Rows) != 1 || outcome.Rows[0]["count"] != "3" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestHandleExecute_ScriptFailureIsStillHTTP200(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doUpload(t, srv, "a.csv", []byte("x,y\n1,2\n"))
	var up struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &up)

	body, _ := json.Marshal(map[string]any{
		"upload_ids": []string{up.ID},
		"script":     `showError("nothing matched");`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	exec := httptest.NewRecorder()
	srv.Router().ServeHTTP(exec, req)

	if exec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", exec.Code)
	}
	var outcome struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message"`
	}
	json.Unmarshal(exec.Body.Bytes(), &outcome)
	if outcome.Success || outcome.ErrorMessage != "nothing matched" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestHandleExecute_UnknownUpload(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"upload_ids": []string{"missing"},
		"script":     "showResults([])",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// =============================================================================
// Script generation endpoints
// =============================================================================

func TestHandleGenerateScript_Lifecycle(t *testing.T) {
	srv, transport := newTestServer(t)
	transport.respond = func(req session.Request) *session.Envelope {
		return &session.Envelope{
			SessionID: req.SessionID,
			Timestamp: time.Now(),
			Payload:   "showResults([])",
			Status:    "ok",
		}
	}

	body, _ := json.Marshal(map[string]string{"instruction": "match rows by id"})
	req := httptest.NewRequest(http.MethodPost, "/api/script", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var started sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("expected a session ID")
	}

	// Poll the status endpoint until the session completes.
	deadline := time.After(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/script/"+started.SessionID, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status endpoint = %d", rec.Code)
		}
		var status sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Status == string(session.StatusCompleted) {
			if status.Script != "showResults([])" {
				t.Errorf("script = %q", status.Script)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session never completed, last status %q", status.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleGenerateScript_MissingInstruction(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/script", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCancelScript(t *testing.T) {
	srv, _ := newTestServer(t)
	// No transport responder: the session stays polling until cancelled.

	body, _ := json.Marshal(map[string]string{"instruction": "anything"})
	req := httptest.NewRequest(http.MethodPost, "/api/script", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var started sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	del := httptest.NewRequest(http.MethodDelete, "/api/script/"+started.SessionID, nil)
	cancelRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(cancelRec, del)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", cancelRec.Code)
	}

	// The session must reach the cancelled terminal state.
	deadline := time.After(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/script/"+started.SessionID, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		var status sessionResponse
		json.Unmarshal(rec.Body.Bytes(), &status)
		if status.Status == string(session.StatusCancelled) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session not cancelled, status %q", status.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBuildHTTPServer_UsesConfiguredTimeouts(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.ReadTimeout = 45 * time.Second
	srv.cfg.WriteTimeout = 0
	srv.cfg.IdleTimeout = 90 * time.Second

	hs := srv.buildHTTPServer(":0")
	if hs.ReadTimeout != 45*time.Second {
		t.Errorf("ReadTimeout = %v, want 45s", hs.ReadTimeout)
	}
	if hs.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, want 0 for SSE", hs.WriteTimeout)
	}
	if hs.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", hs.IdleTimeout)
	}
}

func TestRateLimiter_IgnoresForwardingHeader(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	wrapped := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Same connection address, rotating X-Real-IP: the header must not
	// open a fresh bucket per value.
	for i, status := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.0.%d", i+1))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != status {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, status)
		}
	}

	// A different connection address gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.7:5678"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh address: status = %d, want 200", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

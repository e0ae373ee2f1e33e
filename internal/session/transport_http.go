package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport talks to a generator exposing a job-submission API:
// POST {base}/sessions accepts the request envelope, and
// GET {base}/sessions/{id}/response returns the response envelope or 404
// while the script is still being generated.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport creates a transport against baseURL. A nil client gets a
// default with a per-request timeout shorter than the poll interval budget.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{base: baseURL, client: client}
}

func (t *HTTPTransport) Submit(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("generator unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("generator rejected submission: %s", resp.Status)
	}
	return nil
}

func (t *HTTPTransport) TryFetch(ctx context.Context, sessionID string) (*Envelope, error) {
	url := fmt.Sprintf("%s/sessions/%s/response", t.base, sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch response: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, nil // not ready yet
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch response: %s", resp.Status)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &env, nil
}

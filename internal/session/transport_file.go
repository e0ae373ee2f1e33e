package session

// transport_file.go implements the original process-boundary channel: the
// generator watches a spool directory for request files and drops response
// files next to them. Requests are written atomically (temp file + rename)
// so the generator never reads a half-written request.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileTransport exchanges JSON files under a spool directory:
// <dir>/requests/<sessionID>.json and <dir>/responses/<sessionID>.json.
type FileTransport struct {
	dir string
}

// NewFileTransport creates the spool layout under dir.
func NewFileTransport(dir string) (*FileTransport, error) {
	for _, sub := range []string{"requests", "responses"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}
	return &FileTransport{dir: dir}, nil
}

func (t *FileTransport) Submit(_ context.Context, req *Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	final := filepath.Join(t.dir, "requests", req.SessionID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

func (t *FileTransport) TryFetch(_ context.Context, sessionID string) (*Envelope, error) {
	path := filepath.Join(t.dir, "responses", sessionID+".json")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil // not ready yet
	}
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Possibly caught mid-write by a non-atomic generator; the poller
		// retries, so report it as an error rather than a result.
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &env, nil
}

package session

import (
	"context"
	"time"
)

// Request is the submission envelope sent to the script generator.
type Request struct {
	SessionID   string            `json:"session_id"`
	Instruction string            `json:"instruction"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Envelope is the structured response artifact produced by the generator.
type Envelope struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
	Status    string    `json:"status,omitempty"`
}

// Transport is the swappable request/response channel to the generator.
//
// TryFetch returns (nil, nil) when no artifact exists yet; absence is not an
// error. A non-nil error means the artifact could not be retrieved or parsed
// this attempt; the poller treats that the same as "not ready" and keeps
// polling up to its attempt ceiling.
type Transport interface {
	Submit(ctx context.Context, req *Request) error
	TryFetch(ctx context.Context, sessionID string) (*Envelope, error)
}

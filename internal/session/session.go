// Package session obtains instruction-authored script text from an external
// generator asynchronously: it submits the instruction, then polls for a
// response artifact with a bounded, backed-off schedule.
//
// Only one session is active per manager at a time. Starting a new session
// supersedes the old one: the old polling loop is fully aborted before the
// new submission, so a stale response can never be applied to the wrong
// session. The underlying request/response channel is abstracted behind
// Transport so filesystem spools, HTTP endpoints, and Postgres tables are
// interchangeable.
package session

import (
	"errors"
	"sync"
	"time"
)

// Status is the session state machine. Created and Sent are transient; a
// session spends its life in Polling until one of the four terminal states.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSent      Status = "sent"
	StatusPolling   Status = "polling"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ErrPollTimeout is the terminal error when the attempt ceiling is exhausted
// without a response artifact appearing.
var ErrPollTimeout = errors.New("script generation timed out waiting for a response")

// ErrNoPayload is returned by Payload before the session completes.
var ErrNoPayload = errors.New("session has no payload")

// Session is one instruction-to-script exchange.
type Session struct {
	ID          string
	Instruction string
	CreatedAt   time.Time

	abort func()
	done  chan struct{}

	mu        sync.RWMutex
	status    Status
	attempts  int
	lastDelay time.Duration
	payload   string
	err       error
	watchers  []chan Status
}

func newSession(id, instruction string, abort func()) *Session {
	return &Session{
		ID:          id,
		Instruction: instruction,
		CreatedAt:   time.Now(),
		abort:       abort,
		done:        make(chan struct{}),
		status:      StatusCreated,
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Attempts returns how many polls have been issued so far.
func (s *Session) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Payload returns the generated script text once the session completed.
func (s *Session) Payload() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status == StatusCompleted {
		return s.payload, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", ErrNoPayload
}

// Err returns the terminal error, if any. Cancellation is not an error.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Subscribe returns a channel that receives every subsequent status change.
// The channel is closed when the session terminates. Slow receivers miss
// intermediate updates rather than blocking the polling loop.
func (s *Session) Subscribe() <-chan Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Status, 8)
	if s.status.Terminal() {
		ch <- s.status
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	watchers := s.watchers
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
}

func (s *Session) recordAttempt(delay time.Duration) {
	s.mu.Lock()
	s.attempts++
	s.lastDelay = delay
	s.mu.Unlock()
}

// finish moves the session to a terminal state exactly once and releases
// watchers. Safe to call multiple times; only the first takes effect.
func (s *Session) finish(status Status, err error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.err = err
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
		close(ch)
	}
	close(s.done)
}

func (s *Session) complete(payload string) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.payload = payload
	s.mu.Unlock()
	s.finish(StatusCompleted, nil)
}

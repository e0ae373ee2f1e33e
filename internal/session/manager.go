package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Config holds the polling schedule. The defaults combine to an overall
// timeout in the tens of seconds.
type Config struct {
	BaseDelay   time.Duration // first poll interval
	MaxDelay    time.Duration // cap on the interval
	Multiplier  float64       // interval growth per attempt
	MaxAttempts int           // attempt ceiling before TimedOut
}

// DefaultConfig returns the standard schedule: 250ms growing by 1.1x per
// attempt, capped at 750ms, for at most 150 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    750 * time.Millisecond,
		Multiplier:  1.1,
		MaxAttempts: 150,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Manager runs at most one session at a time against a Transport. A new
// Generate call supersedes and fully aborts any session still in flight.
type Manager struct {
	transport Transport
	cfg       Config

	mu      chan struct{} // acquired for the cancel-then-create sequence
	current atomic.Pointer[Session]
	counter atomic.Uint64
}

// NewManager creates a Manager. Zero config fields select defaults.
func NewManager(transport Transport, cfg Config) *Manager {
	m := &Manager{
		transport: transport,
		cfg:       cfg.withDefaults(),
		mu:        make(chan struct{}, 1),
	}
	m.mu <- struct{}{}
	return m
}

// Generate starts a new session for the given instruction.
//
// Any in-flight session is cancelled first and its polling loop is waited
// out before the new submission, so a late response from the superseded
// session can never be mistaken for the new one's. On submission failure the
// returned session is already Errored and the error is also returned.
func (m *Manager) Generate(ctx context.Context, instruction string, metadata map[string]string) (*Session, error) {
	<-m.mu
	defer func() { m.mu <- struct{}{} }()

	if prev := m.current.Load(); prev != nil && !prev.Status().Terminal() {
		prev.abort()
		<-prev.done // linearize: old session fully aborted before new submit
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(m.newSessionID(), instruction, cancel)
	m.current.Store(sess)

	req := &Request{
		SessionID:   sess.ID,
		Instruction: instruction,
		Timestamp:   sess.CreatedAt,
		Metadata:    metadata,
	}

	if err := m.transport.Submit(ctx, req); err != nil {
		cancel()
		submitErr := fmt.Errorf("submit generation request: %w", err)
		sess.finish(StatusErrored, submitErr)
		return sess, submitErr
	}
	sess.setStatus(StatusSent)

	go m.poll(pollCtx, sess)

	return sess, nil
}

// Cancel aborts the current session, if any. Cancellation is the expected
// result of superseding a session and is not reported as an error.
func (m *Manager) Cancel() {
	if sess := m.current.Load(); sess != nil && !sess.Status().Terminal() {
		sess.abort()
		<-sess.done
	}
}

// Current returns the most recent session, terminal or not.
func (m *Manager) Current() *Session {
	return m.current.Load()
}

// Lookup returns the current session only if it has the given ID.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	sess := m.current.Load()
	if sess == nil || sess.ID != sessionID {
		return nil, false
	}
	return sess, true
}

// poll is the single polling loop for one session. Attempts are strictly
// sequential; the abort signal is checked before each poll and again before
// a found response is applied.
func (m *Manager) poll(ctx context.Context, sess *Session) {
	logger := slog.With("session_id", sess.ID)
	sess.setStatus(StatusPolling)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.Multiplier = m.cfg.Multiplier
	bo.MaxInterval = m.cfg.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the attempt ceiling is the only bound
	bo.Reset()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			logger.Debug("polling aborted", "attempts", sess.Attempts())
			sess.finish(StatusCancelled, nil)
			return
		}

		env, err := m.transport.TryFetch(ctx, sess.ID)
		if err != nil {
			// Unretrievable or unparseable artifact: treated as not ready.
			logger.Debug("fetch attempt failed", "attempt", attempt, "error", err)
		} else if env != nil && env.SessionID == sess.ID {
			if ctx.Err() != nil {
				// Aborted between fetch and apply; the late response from a
				// cancelled session must be discarded, not applied.
				sess.finish(StatusCancelled, nil)
				return
			}
			logger.Debug("response received", "attempts", attempt)
			sess.complete(env.Payload)
			return
		} else if env != nil {
			logger.Warn("discarding response for mismatched session", "got", env.SessionID)
		}

		delay := bo.NextBackOff()
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
		sess.recordAttempt(delay)

		select {
		case <-ctx.Done():
			sess.finish(StatusCancelled, nil)
			return
		case <-time.After(delay):
		}
	}

	logger.Warn("polling exhausted", "attempts", m.cfg.MaxAttempts)
	sess.finish(StatusTimedOut, ErrPollTimeout)
}

// newSessionID builds a collision-resistant identifier for concurrent
// callers. It is not a security token.
func (m *Manager) newSessionID() string {
	return fmt.Sprintf("sess-%d-%s-%d",
		time.Now().UnixMilli(),
		uuid.NewString()[:8],
		m.counter.Add(1))
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconlab/pipeline/internal/script"
	"github.com/reconlab/pipeline/internal/session"
	"github.com/reconlab/pipeline/internal/sniff"
	"github.com/reconlab/pipeline/internal/tabular"
)

// DefaultUploadRetention is how long a parsed upload stays in the registry
// before the sweeper reclaims it.
const DefaultUploadRetention = 2 * time.Hour

// ServiceConfig holds the knobs for the pipeline service. Zero values fall
// back to the package defaults.
type ServiceConfig struct {
	MaxFileSize          int64
	AllowedExtensions    []string
	MaxConcurrentUploads int
	MaxWaitTime          time.Duration
	UploadRetention      time.Duration

	ScriptTimeout time.Duration
	GraceWindow   time.Duration
	MaxResultRows int

	SessionTransport session.Transport
	SessionConfig    session.Config

	Audit *AuditLog
}

// Service provides the core business logic for the upload-to-execution
// pipeline. It owns the parsed-upload registry, the script generation
// session manager, and the sandboxed executor.
type Service struct {
	sniffer   *sniff.Sniffer
	executor  *script.Executor
	sessions  *session.Manager
	limiter   *Limiter
	audit     *AuditLog
	retention time.Duration

	mu      sync.RWMutex
	uploads map[string]*Upload
}

// NewService creates a Service from cfg. The session transport is required;
// everything else has defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.SessionTransport == nil {
		return nil, fmt.Errorf("session transport is required")
	}
	retention := cfg.UploadRetention
	if retention <= 0 {
		retention = DefaultUploadRetention
	}
	return &Service{
		sniffer:   sniff.NewSniffer(cfg.MaxFileSize, cfg.AllowedExtensions),
		executor:  script.NewExecutor(cfg.ScriptTimeout, cfg.GraceWindow, cfg.MaxResultRows),
		sessions:  session.NewManager(cfg.SessionTransport, cfg.SessionConfig),
		limiter:   NewLimiter(cfg.MaxConcurrentUploads, cfg.MaxWaitTime),
		audit:     cfg.Audit,
		retention: retention,
		uploads:   make(map[string]*Upload),
	}, nil
}

// ValidateAndParse runs the validation pipeline on an uploaded file: content
// sniffing first, then tabular parsing. On success the parsed table is
// registered and an Upload handle is returned; the raw bytes are not kept.
// Validation failures are returned as *Rejection so callers can surface the
// specific verdict.
func (s *Service) ValidateAndParse(ctx context.Context, filename string, data []byte) (*Upload, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	verdict := s.sniffer.Examine(filename, data)
	if !verdict.IsValid {
		slog.Warn("upload rejected",
			"filename", filename,
			"kind", verdict.Kind,
			"security_flag", verdict.SecurityFlag,
		)
		s.recordAudit(ctx, filename, int64(len(data)), verdict, "rejected")
		return nil, &Rejection{Verdict: verdict}
	}

	table, err := tabular.Parse(filename, data, verdict)
	if err != nil {
		parseVerdict := verdict
		parseVerdict.IsValid = false
		parseVerdict.Confidence = 0
		if pe, ok := err.(*tabular.ParseError); ok {
			parseVerdict.Kind = pe.Kind
		} else {
			parseVerdict.Kind = sniff.KindStructuralInvalid
		}
		slog.Warn("upload failed parsing",
			"filename", filename,
			"kind", parseVerdict.Kind,
			"error", err,
		)
		s.recordAudit(ctx, filename, int64(len(data)), parseVerdict, "rejected")
		return nil, &Rejection{Verdict: parseVerdict, Message: err.Error()}
	}

	up := &Upload{
		ID:        uuid.New().String(),
		Filename:  filename,
		Verdict:   verdict,
		Table:     table,
		Summary:   table.Summary,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.uploads[up.ID] = up
	s.mu.Unlock()

	s.recordAudit(ctx, filename, int64(len(data)), verdict, "accepted")
	slog.Info("upload registered",
		"upload_id", up.ID,
		"filename", filename,
		"rows", table.Summary.TotalRows,
		"columns", table.Summary.ColumnCount,
	)
	return up, nil
}

// Upload returns a registered upload by ID.
func (s *Service) Upload(id string) (*Upload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	up, ok := s.uploads[id]
	return up, ok
}

// Uploads returns all registered uploads, newest first.
func (s *Service) Uploads() []*Upload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Upload, 0, len(s.uploads))
	for _, up := range s.uploads {
		all = append(all, up)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}

// Remove drops an upload from the registry. Removing an unknown ID is a
// no-op.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	delete(s.uploads, id)
	s.mu.Unlock()
}

// GenerateScript starts a new script generation session for the given
// instruction, superseding any in-flight session.
func (s *Service) GenerateScript(ctx context.Context, instruction string, metadata map[string]string) (*session.Session, error) {
	return s.sessions.Generate(ctx, instruction, metadata)
}

// CancelGeneration aborts the in-flight generation session, if any.
func (s *Service) CancelGeneration() {
	s.sessions.Cancel()
}

// GenerationSession returns a generation session by ID.
func (s *Service) GenerationSession(id string) (*session.Session, bool) {
	return s.sessions.Lookup(id)
}

// CurrentGeneration returns the most recent generation session, or nil.
func (s *Service) CurrentGeneration() *session.Session {
	return s.sessions.Current()
}

// Execute runs a script against one or two registered uploads and returns
// the outcome. Upload order determines table order inside the sandbox.
func (s *Service) Execute(ctx context.Context, uploadIDs []string, source string) (script.Outcome, error) {
	if len(uploadIDs) < 1 || len(uploadIDs) > 2 {
		return script.Outcome{}, fmt.Errorf("execution requires one or two uploads, got %d", len(uploadIDs))
	}

	tables := make([]*tabular.Table, 0, len(uploadIDs))
	s.mu.RLock()
	for _, id := range uploadIDs {
		up, ok := s.uploads[id]
		if !ok {
			s.mu.RUnlock()
			return script.Outcome{}, fmt.Errorf("upload not found: %s", id)
		}
		tables = append(tables, up.Table)
	}
	s.mu.RUnlock()

	outcome := s.executor.Run(ctx, source, tables)
	slog.Info("script executed",
		"uploads", len(uploadIDs),
		"success", outcome.Success,
		"reason", outcome.Reason,
		"rows", len(outcome.Rows),
		"elapsed_ms", outcome.Elapsed.Milliseconds(),
	)
	return outcome, nil
}

// StartRetentionSweeper starts a background goroutine that periodically
// evicts uploads older than the retention window. It runs immediately on
// start, then every interval, and stops when the context is cancelled.
func (s *Service) StartRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("retention sweeper started",
		"retention", s.retention,
		"interval", interval,
	)

	s.sweepExpired()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired performs one eviction pass.
func (s *Service) sweepExpired() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	var evicted int
	for id, up := range s.uploads {
		if up.CreatedAt.Before(cutoff) {
			delete(s.uploads, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		slog.Info("evicted expired uploads", "count", evicted)
	}
}

// recordAudit writes an audit entry if auditing is configured. Audit
// failures are logged, never propagated.
func (s *Service) recordAudit(ctx context.Context, filename string, size int64, verdict sniff.Verdict, result string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, AuditEntry{
		Filename:     filename,
		SizeBytes:    size,
		Result:       result,
		DetectedType: verdict.DetectedType,
		Kind:         string(verdict.Kind),
		SecurityFlag: verdict.SecurityFlag,
		ClientIP:     ClientIPFromContext(ctx),
		UserAgent:    UserAgentFromContext(ctx),
	}); err != nil {
		slog.Error("audit record failed", "error", err)
	}
}

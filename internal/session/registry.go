// Package session holds the in-memory session registry: admission control
// against a concurrency ceiling, per-session locking, snapshot reads, and
// background eviction of stale records.
//
// The registry exclusively owns the session records and their locks. Callers
// only ever see snapshot copies.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

var (
	// ErrTooManySessions is the admission rejection: the active-session count
	// has reached the configured ceiling. Maps to 429 at the HTTP boundary.
	ErrTooManySessions = errors.New("session: concurrency ceiling reached")

	// ErrNotFound means the session id is unknown (never created or already
	// reaped). Maps to 404 at the HTTP boundary.
	ErrNotFound = errors.New("session: not found")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive         Status = "active"
	StatusProcessingNote Status = "processing_note"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

// Mode selects the per-chunk audio transform.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeEnhanced Mode = "enhanced"
)

// IsValid reports whether m is a recognised processing mode.
func (m Mode) IsValid() bool {
	return m == ModeStandard || m == ModeEnhanced
}

// Session is one client recording interaction. The registry hands out copies;
// mutate through [Registry.Update].
type Session struct {
	ID              string                 `json:"session_id"`
	Status          Status                 `json:"status"`
	Mode            Mode                   `json:"processing_mode"`
	CreatedAt       time.Time              `json:"created_at"`
	LastActivity    time.Time              `json:"last_activity"`
	ChunkCount      int                    `json:"chunk_count"`
	BufferSize      int                    `json:"buffer_size"`
	Transcript      string                 `json:"transcript,omitempty"`
	FinalTranscript string                 `json:"final_transcript,omitempty"`
	Note            *notegen.NoteResult    `json:"note,omitempty"`
	ProcessingTime  time.Duration          `json:"-"`
	Active          bool                   `json:"active"`
}

// clone returns a deep copy so callers can never reach the live record.
func (s *Session) clone() Session {
	out := *s
	if s.Note != nil {
		n := cloneNote(s.Note)
		out.Note = &n
	}
	return out
}

func cloneNote(n *notegen.NoteResult) notegen.NoteResult {
	out := *n
	if n.Sections != nil {
		out.Sections = make(map[string][]notegen.Statement, len(n.Sections))
		for k, stmts := range n.Sections {
			cp := make([]notegen.Statement, len(stmts))
			copy(cp, stmts)
			for i := range cp {
				cp[i].SourceSegments = append([]int(nil), stmts[i].SourceSegments...)
			}
			out.Sections[k] = cp
		}
	}
	out.Segments = append([]string(nil), n.Segments...)
	return out
}

// Update carries the fields to merge into a session record. Nil pointers are
// left untouched.
type Update struct {
	Status          *Status
	Mode            *Mode
	ChunkCount      *int
	BufferSize      *int
	Transcript      *string
	FinalTranscript *string
	Note            *notegen.NoteResult
	ProcessingTime  *time.Duration
}

// Stats is the registry monitoring snapshot.
type Stats struct {
	ActiveCount    int     `json:"active_count"`
	TotalCreated   int64   `json:"total_created"`
	PeakConcurrent int     `json:"peak_concurrent"`
	ApproxMemory   int64   `json:"approx_memory_bytes"`
	AvgBufferSize  float64 `json:"avg_buffer_size"`
	CleanupRuns    int64   `json:"cleanup_runs"`
}

// Config tunes a [Registry]. Zero fields fall back to defaults.
type Config struct {
	// Ceiling is the maximum number of concurrently active sessions.
	// Default: 50.
	Ceiling int

	// Retention is how long inactive records are kept before the reaper
	// evicts them. Default: 1h.
	Retention time.Duration

	// ReapInterval is the reaper's scan cadence. Default: 60s.
	ReapInterval time.Duration
}

// entry pairs one record with its lock. Lock and record share a lifetime:
// created together in Create, removed together in Delete.
type entry struct {
	mu  sync.Mutex
	rec Session
}

// Registry is the shared session table. Safe for concurrent use.
//
// Lock order: Registry.mu before entry.mu, never the reverse.
type Registry struct {
	ceiling      int
	retention    time.Duration
	reapInterval time.Duration

	mu             sync.Mutex
	sessions       map[string]*entry
	activeCount    int
	totalCreated   int64
	peakConcurrent int
	cleanupRuns    int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &Registry{
		ceiling:      cfg.Ceiling,
		retention:    cfg.Retention,
		reapInterval: cfg.ReapInterval,
		sessions:     make(map[string]*entry),
	}
}

// Create admits a new session and returns its snapshot. The ceiling check and
// the insert happen under one lock, so the ceiling is exact.
func (r *Registry) Create(mode Mode) (Session, error) {
	if !mode.IsValid() {
		mode = ModeStandard
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeCount >= r.ceiling {
		return Session{}, ErrTooManySessions
	}

	now := time.Now()
	rec := Session{
		ID:           uuid.NewString(),
		Status:       StatusActive,
		Mode:         mode,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	r.sessions[rec.ID] = &entry{rec: rec}
	r.activeCount++
	r.totalCreated++
	if r.activeCount > r.peakConcurrent {
		r.peakConcurrent = r.activeCount
	}

	slog.Info("session created", "session_id", rec.ID, "mode", mode, "active", r.activeCount)
	return rec, nil
}

// lookup finds the entry for id. Must not be called with r.mu held.
func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Get returns a snapshot copy of the session record.
func (r *Registry) Get(id string) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// Update merges u into the record under the session's lock and refreshes the
// last-activity timestamp.
func (r *Registry) Update(id string, u Update) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Status != nil {
		e.rec.Status = *u.Status
	}
	if u.Mode != nil {
		e.rec.Mode = *u.Mode
	}
	if u.ChunkCount != nil {
		e.rec.ChunkCount = *u.ChunkCount
	}
	if u.BufferSize != nil {
		e.rec.BufferSize = *u.BufferSize
	}
	if u.Transcript != nil {
		e.rec.Transcript = *u.Transcript
	}
	if u.FinalTranscript != nil {
		e.rec.FinalTranscript = *u.FinalTranscript
	}
	if u.Note != nil {
		n := cloneNote(u.Note)
		e.rec.Note = &n
	}
	if u.ProcessingTime != nil {
		e.rec.ProcessingTime = *u.ProcessingTime
	}
	e.rec.LastActivity = time.Now()
	return nil
}

// MarkInactive completes a session: active=false, status=completed. The
// record stays in the table for the retention window.
func (r *Registry) MarkInactive(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.mu.Lock()
	wasActive := e.rec.Active
	e.rec.Active = false
	e.rec.Status = StatusCompleted
	e.rec.LastActivity = time.Now()
	e.mu.Unlock()
	if wasActive {
		r.activeCount--
	}
	r.mu.Unlock()
	return nil
}

// Delete removes the record and its lock. Idempotent: returns false when the
// id is already absent.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.rec.Active {
		r.activeCount--
	}
	e.mu.Unlock()
	delete(r.sessions, id)
	return true
}

// List returns snapshots of every current record. Order is not guaranteed;
// callers sort as needed.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	return out
}

// recordOverhead approximates the fixed per-record footprint beyond the audio
// buffer and transcript strings.
const recordOverhead = 512

// Stats returns the monitoring snapshot.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mem int64
	var bufTotal int
	for _, e := range r.sessions {
		e.mu.Lock()
		mem += int64(e.rec.BufferSize) + int64(len(e.rec.Transcript)) +
			int64(len(e.rec.FinalTranscript)) + recordOverhead
		bufTotal += e.rec.BufferSize
		e.mu.Unlock()
	}

	var avgBuf float64
	if n := len(r.sessions); n > 0 {
		avgBuf = float64(bufTotal) / float64(n)
	}
	return Stats{
		ActiveCount:    r.activeCount,
		TotalCreated:   r.totalCreated,
		PeakConcurrent: r.peakConcurrent,
		ApproxMemory:   mem,
		AvgBufferSize:  avgBuf,
		CleanupRuns:    r.cleanupRuns,
	}
}

// RunReaper scans for evictable records every reap interval until ctx is
// cancelled. Cancellation is the normal exit, not an error.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	slog.Info("session reaper started", "interval", r.reapInterval, "retention", r.retention)
	for {
		select {
		case <-ctx.Done():
			slog.Info("session reaper stopped")
			return
		case <-ticker.C:
			if n := r.reap(time.Now()); n > 0 {
				slog.Info("session reaper evicted records", "count", n)
			}
		}
	}
}

// reap removes inactive records whose last activity predates the retention
// cutoff. Returns the number of evicted records.
func (r *Registry) reap(now time.Time) int {
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted int
	for id, e := range r.sessions {
		e.mu.Lock()
		stale := !e.rec.Active && e.rec.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			evicted++
		}
	}
	r.cleanupRuns++
	return evicted
}

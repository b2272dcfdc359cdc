// Package storage defines the persistence boundary for finished sessions and
// client feedback. The orchestrator writes through [Store] once per session;
// the HTTP layer reads recordings and feedback aggregates back out.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

// ErrNotFound means no recording exists for the requested session id.
var ErrNotFound = errors.New("storage: recording not found")

// Recording is the persisted outcome of one session, keyed by session id.
// Upserts replace the previous row for the same id.
type Recording struct {
	SessionID      string                         `json:"session_id"`
	Status         string                         `json:"status"`
	Mode           string                         `json:"processing_mode"`
	Transcript     string                         `json:"transcript"`
	Note           string                         `json:"soap_note"`
	Sections       map[string][]notegen.Statement `json:"soap_sections,omitempty"`
	Segments       []string                       `json:"transcript_segments,omitempty"`
	ProcessingTime time.Duration                  `json:"-"`
	CreatedAt      time.Time                      `json:"created_at"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// Feedback is one client rating of a generated note.
type Feedback struct {
	SessionID string    `json:"session_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackSummary aggregates all stored feedback.
type FeedbackSummary struct {
	Count         int64         `json:"count"`
	AverageRating float64       `json:"average_rating"`
	RatingCounts  map[int]int64 `json:"rating_counts"`
}

// Store is the persistence interface consumed by the orchestrator and the
// HTTP layer. Implementations must be safe for concurrent use.
type Store interface {
	// UpsertRecording inserts or replaces the recording for its session id.
	UpsertRecording(ctx context.Context, rec Recording) error

	// GetRecording returns the recording for sessionID, or [ErrNotFound].
	GetRecording(ctx context.Context, sessionID string) (Recording, error)

	// ListRecordings returns up to limit recordings, newest first.
	ListRecordings(ctx context.Context, limit int) ([]Recording, error)

	// SaveFeedback appends one feedback entry.
	SaveFeedback(ctx context.Context, fb Feedback) error

	// FeedbackSummary aggregates all feedback.
	FeedbackSummary(ctx context.Context) (FeedbackSummary, error)

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
}

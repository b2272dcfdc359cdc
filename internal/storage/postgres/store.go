// Package postgres provides the PostgreSQL-backed [storage.Store]
// implementation. One [pgxpool.Pool] is shared by all operations; the schema
// is created on start via [Migrate], which is idempotent.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auriscribe/auriscribe/internal/storage"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    session_id          TEXT              PRIMARY KEY,
    status              TEXT              NOT NULL DEFAULT '',
    processing_mode     TEXT              NOT NULL DEFAULT 'standard',
    transcript          TEXT              NOT NULL DEFAULT '',
    soap_note           TEXT              NOT NULL DEFAULT '',
    soap_sections       JSONB             NOT NULL DEFAULT '{}',
    transcript_segments JSONB             NOT NULL DEFAULT '[]',
    processing_seconds  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recordings_updated_at
    ON recordings (updated_at DESC);
`

const ddlFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    rating      INT          NOT NULL,
    comment     TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_session_id
    ON feedback (session_id);
`

// Store is the PostgreSQL recording and feedback store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the recordings and feedback tables. Idempotent and safe to
// call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlRecordings, ddlFeedback} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [storage.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// UpsertRecording implements [storage.Store].
func (s *Store) UpsertRecording(ctx context.Context, rec storage.Recording) error {
	sections, err := json.Marshal(sectionsOrEmpty(rec.Sections))
	if err != nil {
		return fmt.Errorf("postgres store: marshal sections: %w", err)
	}
	segments, err := json.Marshal(segmentsOrEmpty(rec.Segments))
	if err != nil {
		return fmt.Errorf("postgres store: marshal segments: %w", err)
	}

	const q = `
		INSERT INTO recordings
		    (session_id, status, processing_mode, transcript, soap_note,
		     soap_sections, transcript_segments, processing_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
		    status              = EXCLUDED.status,
		    processing_mode     = EXCLUDED.processing_mode,
		    transcript          = EXCLUDED.transcript,
		    soap_note           = EXCLUDED.soap_note,
		    soap_sections       = EXCLUDED.soap_sections,
		    transcript_segments = EXCLUDED.transcript_segments,
		    processing_seconds  = EXCLUDED.processing_seconds,
		    updated_at          = now()`

	_, err = s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.Status,
		rec.Mode,
		rec.Transcript,
		rec.Note,
		sections,
		segments,
		rec.ProcessingTime.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert recording: %w", err)
	}
	return nil
}

// GetRecording implements [storage.Store].
func (s *Store) GetRecording(ctx context.Context, sessionID string) (storage.Recording, error) {
	const q = `
		SELECT session_id, status, processing_mode, transcript, soap_note,
		       soap_sections, transcript_segments, processing_seconds, created_at, updated_at
		FROM   recordings
		WHERE  session_id = $1`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return storage.Recording{}, fmt.Errorf("postgres store: get recording: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanRecording)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Recording{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Recording{}, fmt.Errorf("postgres store: get recording: %w", err)
	}
	return rec, nil
}

// ListRecordings implements [storage.Store].
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]storage.Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT session_id, status, processing_mode, transcript, soap_note,
		       soap_sections, transcript_segments, processing_seconds, created_at, updated_at
		FROM   recordings
		ORDER  BY updated_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list recordings: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecording)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list recordings: %w", err)
	}
	return recs, nil
}

// SaveFeedback implements [storage.Store].
func (s *Store) SaveFeedback(ctx context.Context, fb storage.Feedback) error {
	const q = `
		INSERT INTO feedback (session_id, rating, comment, created_at)
		VALUES ($1, $2, $3, now())`

	if _, err := s.pool.Exec(ctx, q, fb.SessionID, fb.Rating, fb.Comment); err != nil {
		return fmt.Errorf("postgres store: save feedback: %w", err)
	}
	return nil
}

// FeedbackSummary implements [storage.Store]. Aggregates are computed in SQL.
func (s *Store) FeedbackSummary(ctx context.Context) (storage.FeedbackSummary, error) {
	summary := storage.FeedbackSummary{RatingCounts: make(map[int]int64)}

	const totals = `SELECT count(*), coalesce(avg(rating), 0) FROM feedback`
	if err := s.pool.QueryRow(ctx, totals).Scan(&summary.Count, &summary.AverageRating); err != nil {
		return storage.FeedbackSummary{}, fmt.Errorf("postgres store: feedback totals: %w", err)
	}

	const perRating = `SELECT rating, count(*) FROM feedback GROUP BY rating`
	rows, err := s.pool.Query(ctx, perRating)
	if err != nil {
		return storage.FeedbackSummary{}, fmt.Errorf("postgres store: feedback counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rating int
		var count int64
		if err := rows.Scan(&rating, &count); err != nil {
			return storage.FeedbackSummary{}, fmt.Errorf("postgres store: feedback counts: %w", err)
		}
		summary.RatingCounts[rating] = count
	}
	if err := rows.Err(); err != nil {
		return storage.FeedbackSummary{}, fmt.Errorf("postgres store: feedback counts: %w", err)
	}
	return summary, nil
}

// scanRecording maps one row onto a Recording, unmarshalling the jsonb
// columns.
func scanRecording(row pgx.CollectableRow) (storage.Recording, error) {
	var (
		rec      storage.Recording
		sections []byte
		segments []byte
		seconds  float64
	)
	if err := row.Scan(
		&rec.SessionID,
		&rec.Status,
		&rec.Mode,
		&rec.Transcript,
		&rec.Note,
		&sections,
		&segments,
		&seconds,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return storage.Recording{}, err
	}
	if err := json.Unmarshal(sections, &rec.Sections); err != nil {
		return storage.Recording{}, fmt.Errorf("unmarshal sections: %w", err)
	}
	if err := json.Unmarshal(segments, &rec.Segments); err != nil {
		return storage.Recording{}, fmt.Errorf("unmarshal segments: %w", err)
	}
	rec.ProcessingTime = time.Duration(seconds * float64(time.Second))
	return rec, nil
}

func sectionsOrEmpty(m map[string][]notegen.Statement) map[string][]notegen.Statement {
	if m == nil {
		return map[string][]notegen.Statement{}
	}
	return m
}

func segmentsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

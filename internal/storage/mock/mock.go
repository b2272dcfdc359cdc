// Package mock provides an in-memory [storage.Store] for tests. Error fields
// let tests inject failures per operation. Safe for concurrent use.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/auriscribe/auriscribe/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Store keeps recordings and feedback in memory.
type Store struct {
	mu         sync.Mutex
	recordings map[string]storage.Recording
	feedback   []storage.Feedback

	// UpsertErr, when non-nil, is returned by UpsertRecording.
	UpsertErr error

	// GetErr, when non-nil, is returned by GetRecording.
	GetErr error

	// ListErr, when non-nil, is returned by ListRecordings.
	ListErr error

	// FeedbackErr, when non-nil, is returned by SaveFeedback and
	// FeedbackSummary.
	FeedbackErr error

	// PingErr, when non-nil, is returned by Ping.
	PingErr error
}

// NewStore creates an empty mock store.
func NewStore() *Store {
	return &Store{recordings: make(map[string]storage.Recording)}
}

// UpsertRecording implements [storage.Store].
func (s *Store) UpsertRecording(_ context.Context, rec storage.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	now := time.Now()
	if prev, ok := s.recordings[rec.SessionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.recordings[rec.SessionID] = rec
	return nil
}

// GetRecording implements [storage.Store].
func (s *Store) GetRecording(_ context.Context, sessionID string) (storage.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return storage.Recording{}, s.GetErr
	}
	rec, ok := s.recordings[sessionID]
	if !ok {
		return storage.Recording{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListRecordings implements [storage.Store].
func (s *Store) ListRecordings(_ context.Context, limit int) ([]storage.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := make([]storage.Recording, 0, len(s.recordings))
	for _, rec := range s.recordings {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveFeedback implements [storage.Store].
func (s *Store) SaveFeedback(_ context.Context, fb storage.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FeedbackErr != nil {
		return s.FeedbackErr
	}
	fb.CreatedAt = time.Now()
	s.feedback = append(s.feedback, fb)
	return nil
}

// FeedbackSummary implements [storage.Store].
func (s *Store) FeedbackSummary(_ context.Context) (storage.FeedbackSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FeedbackErr != nil {
		return storage.FeedbackSummary{}, s.FeedbackErr
	}
	summary := storage.FeedbackSummary{RatingCounts: make(map[int]int64)}
	var total int64
	for _, fb := range s.feedback {
		summary.Count++
		total += int64(fb.Rating)
		summary.RatingCounts[fb.Rating]++
	}
	if summary.Count > 0 {
		summary.AverageRating = float64(total) / float64(summary.Count)
	}
	return summary, nil
}

// Ping implements [storage.Store].
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Recordings returns a snapshot of all stored recordings keyed by session id.
func (s *Store) Recordings() map[string]storage.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storage.Recording, len(s.recordings))
	for k, v := range s.recordings {
		out[k] = v
	}
	return out
}

// FeedbackEntries returns a copy of all stored feedback.
func (s *Store) FeedbackEntries() []storage.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Feedback, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// Package mock provides a configurable test double for the note drafter
// interface. Safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

// Compile-time interface check.
var _ notegen.Drafter = (*Drafter)(nil)

// Drafter is a configurable test double for [notegen.Drafter].
type Drafter struct {
	mu    sync.Mutex
	calls []string

	// Result is returned by Draft for every call.
	Result notegen.NoteResult

	// Err is returned by Draft when non-nil.
	Err error

	// Delay, when non-zero, makes Draft sleep before returning unless the
	// context is cancelled first.
	Delay time.Duration
}

// Draft implements [notegen.Drafter]. It records the transcript argument.
func (m *Drafter) Draft(ctx context.Context, transcript string) (notegen.NoteResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, transcript)
	delay, result, err := m.Delay, m.Result, m.Err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return notegen.NoteResult{}, ctx.Err()
		}
	}
	return result, err
}

// Calls returns a copy of the transcripts passed to Draft.
func (m *Drafter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Draft invocations so far.
func (m *Drafter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

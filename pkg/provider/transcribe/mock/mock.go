// Package mock provides a configurable test double for the transcription
// provider interface.
//
// The mock records every call for assertion in tests and exposes exported
// fields that control what it returns. Safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
)

// Call records the arguments of a single Transcribe invocation.
type Call struct {
	// Audio is the PCM payload passed to Transcribe.
	Audio []byte

	// Profile is the requested transcription profile.
	Profile transcribe.Profile
}

// Compile-time interface check.
var _ transcribe.Provider = (*Provider)(nil)

// Provider is a configurable test double for [transcribe.Provider].
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// Result is returned by Transcribe for every call when Fn is nil.
	Result string

	// Err is returned by Transcribe when non-nil.
	Err error

	// Delay, when non-zero, makes Transcribe sleep before returning unless
	// the context is cancelled first. Useful for shutdown-timeout tests.
	Delay time.Duration

	// Fn, when non-nil, computes the result per call and overrides Result/Err.
	Fn func(audio []byte, profile transcribe.Profile) (string, error)
}

// Transcribe implements [transcribe.Provider].
func (m *Provider) Transcribe(ctx context.Context, audio []byte, profile transcribe.Profile) (string, error) {
	m.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	m.calls = append(m.calls, Call{Audio: cp, Profile: profile})
	delay, fn, result, err := m.Delay, m.Fn, m.Result, m.Err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(audio, profile)
	}
	return result, err
}

// Calls returns a copy of all recorded invocations.
func (m *Provider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Transcribe invocations so far.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

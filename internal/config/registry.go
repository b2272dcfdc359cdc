package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]func(ProviderEntry) (transcribe.Provider, error)
	drafters     map[string]func(ProviderEntry) (notegen.Drafter, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
		drafters:     make(map[string]func(ProviderEntry) (notegen.Drafter, error)),
	}
}

// RegisterTranscriber registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[name] = factory
}

// RegisterDrafter registers a note-drafter factory under name.
func (r *Registry) RegisterDrafter(name string, factory func(ProviderEntry) (notegen.Drafter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafters[name] = factory
}

// CreateTranscriber instantiates a transcription provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcribers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDrafter instantiates a note drafter using the factory registered
// under entry.Name.
func (r *Registry) CreateDrafter(entry ProviderEntry) (notegen.Drafter, error) {
	r.mu.RLock()
	factory, ok := r.drafters[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: notes/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

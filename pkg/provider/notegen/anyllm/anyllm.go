// Package anyllm provides a note drafter backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider LLM interface.
// Use it to draft notes with Anthropic, Gemini, Ollama, DeepSeek, Mistral, or
// Groq models; for OpenAI and Azure OpenAI prefer the dedicated openai
// backend.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

const (
	defaultMaxTokens   = 3000
	defaultTemperature = 0.2
)

// Ensure Drafter implements the notegen.Drafter interface.
var _ notegen.Drafter = (*Drafter)(nil)

// Drafter implements notegen.Drafter by wrapping any-llm-go.
type Drafter struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Drafter backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq". model is the specific model to use
// (e.g., "claude-sonnet-4-5", "gemini-2.5-pro").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to the relevant environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Drafter, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm notegen: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm notegen: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm notegen: create %q backend: %w", providerName, err)
	}
	return &Drafter{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", providerName)
	}
}

// Draft implements notegen.Drafter.
func (d *Drafter) Draft(ctx context.Context, transcript string) (notegen.NoteResult, error) {
	segments := notegen.SegmentTranscript(transcript)

	temperature := defaultTemperature
	maxTokens := defaultMaxTokens
	resp, err := d.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: d.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: notegen.SystemPrompt},
			{Role: anyllmlib.RoleUser, Content: notegen.BuildPrompt(notegen.FormatSegments(segments))},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return notegen.NoteResult{}, fmt.Errorf("anyllm notegen: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return notegen.NoteResult{}, fmt.Errorf("anyllm notegen: empty choices in response")
	}

	result := notegen.ParseResponse(resp.Choices[0].Message.ContentString(), segments)
	result.Model = d.model
	return result, nil
}

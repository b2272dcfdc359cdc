// Package openai provides a note drafter backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

const (
	defaultModel       = "gpt-4o"
	defaultMaxTokens   = 3000
	defaultTemperature = 0.2
)

// Ensure Drafter implements the notegen.Drafter interface.
var _ notegen.Drafter = (*Drafter)(nil)

// Drafter implements notegen.Drafter using the OpenAI chat completions API.
type Drafter struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the drafter.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Drafter.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to target
// Azure OpenAI or an OpenAI-compatible gateway.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI note Drafter.
// If model is empty, "gpt-4o" is used.
func New(apiKey string, model string, opts ...Option) (*Drafter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai notegen: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Drafter{client: client, model: model}, nil
}

// Draft implements notegen.Drafter.
func (d *Drafter) Draft(ctx context.Context, transcript string) (notegen.NoteResult, error) {
	segments := notegen.SegmentTranscript(transcript)

	resp, err := d.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: d.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(notegen.SystemPrompt),
			oai.UserMessage(notegen.BuildPrompt(notegen.FormatSegments(segments))),
		},
		MaxCompletionTokens: param.NewOpt(int64(defaultMaxTokens)),
		Temperature:         param.NewOpt(defaultTemperature),
	})
	if err != nil {
		return notegen.NoteResult{}, fmt.Errorf("openai notegen: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return notegen.NoteResult{}, fmt.Errorf("openai notegen: empty choices in response")
	}

	result := notegen.ParseResponse(resp.Choices[0].Message.Content, segments)
	result.Model = d.model
	return result, nil
}

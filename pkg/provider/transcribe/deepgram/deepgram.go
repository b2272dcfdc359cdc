// Package deepgram provides a Deepgram-backed transcription provider using
// the Deepgram pre-recorded REST API. It implements transcribe.Provider.
//
// Audio is submitted as a WAV-wrapped PCM upload to POST /v1/listen. The
// chunk profile requests fast, punctuated output; the final profile adds
// utterance segmentation and speaker diarization for the authoritative
// transcript of the whole recording.
package deepgram

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
)

const (
	defaultEndpoint   = "https://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3-medical"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// bitsPerSample is fixed at 16 for the little-endian PCM audio the
	// streaming endpoint accepts.
	bitsPerSample = 16
)

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3-medical", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the PCM sample rate in Hz used when wrapping audio in a
// WAV container. Must match the actual inbound stream rate. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the Deepgram API endpoint. Useful for tests and
// self-hosted deployments.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.endpoint = baseURL
	}
}

// Provider implements transcribe.Provider backed by the Deepgram
// pre-recorded API. Safe for concurrent use.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [transcribe.Provider]. It wraps the PCM audio in a
// WAV container and POSTs it to the pre-recorded endpoint with query
// parameters derived from the profile.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, profile transcribe.Profile) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	reqURL, err := p.buildURL(profile)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	wav := encodeWAV(audio, p.sampleRate, 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepgram: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("deepgram: read response body: %w", err)
	}

	return parseTranscript(data)
}

// buildURL constructs the pre-recorded endpoint URL for the given profile.
func (p *Provider) buildURL(profile transcribe.Profile) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if profile == transcribe.ProfileFinal {
		q.Set("utterances", "true")
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseTranscript extracts the first channel's top alternative from a
// Deepgram pre-recorded response. An absent transcript is not an error; it
// means no speech was recognised.
func parseTranscript(data []byte) (string, error) {
	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

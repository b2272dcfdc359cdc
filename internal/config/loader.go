package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"deepgram"},
	"notes":       {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset fields. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.ChunkSize == 0 {
		cfg.Audio.ChunkSize = DefaultChunkSize
	}
	if cfg.Audio.TranscribeIntervalChunks < 0 {
		errs = append(errs, fmt.Errorf("audio.transcribe_interval_chunks %d must not be negative", cfg.Audio.TranscribeIntervalChunks))
	}
	if cfg.Audio.TranscribeIntervalChunks == 0 {
		cfg.Audio.TranscribeIntervalChunks = DefaultTranscribeIntervalChunks
	}

	// Limits
	if cfg.Limits.MaxConcurrentSessions < 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_sessions %d must not be negative", cfg.Limits.MaxConcurrentSessions))
	}
	if cfg.Limits.MaxConcurrentSessions == 0 {
		cfg.Limits.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.Limits.SessionRetention == 0 {
		cfg.Limits.SessionRetention = DefaultSessionRetention
	}
	if cfg.Limits.ReaperInterval == 0 {
		cfg.Limits.ReaperInterval = DefaultReaperInterval
	}
	if cfg.Limits.ShutdownTimeout == 0 {
		cfg.Limits.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	validateProviderName("notes", cfg.Providers.Notes.Name)

	// Provider availability warnings
	if cfg.Providers.Transcriber.Name == "" {
		slog.Warn("providers.transcriber is not configured; streaming sessions will produce empty transcripts")
	}
	if cfg.Providers.Notes.Name == "" {
		slog.Warn("providers.notes is not configured; completed sessions will not include a drafted note")
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; completed sessions will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

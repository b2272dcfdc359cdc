// Command auriscribe runs the clinical transcription server: it loads the
// YAML configuration, wires the session registry, worker pool, streaming
// orchestrator, and storage together, and serves the HTTP/websocket API until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/auriscribe/auriscribe/internal/config"
	"github.com/auriscribe/auriscribe/internal/observe"
	"github.com/auriscribe/auriscribe/internal/pool"
	"github.com/auriscribe/auriscribe/internal/resilience"
	"github.com/auriscribe/auriscribe/internal/server"
	"github.com/auriscribe/auriscribe/internal/session"
	"github.com/auriscribe/auriscribe/internal/storage"
	storagemem "github.com/auriscribe/auriscribe/internal/storage/mock"
	"github.com/auriscribe/auriscribe/internal/storage/postgres"
	"github.com/auriscribe/auriscribe/internal/stream"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
	notegenanyllm "github.com/auriscribe/auriscribe/pkg/provider/notegen/anyllm"
	notegenopenai "github.com/auriscribe/auriscribe/pkg/provider/notegen/openai"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe/deepgram"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "auriscribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "auriscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("auriscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "auriscribe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	transcriber, drafter, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	var store storage.Store
	var closeStore func()
	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		store = pg
		closeStore = pg.Close
		slog.Info("storage connected", "backend", "postgres")
	} else {
		store = storagemem.NewStore()
		closeStore = func() {}
		slog.Warn("storage running in-memory; recordings will not survive restarts")
	}
	defer closeStore()

	// ── Session registry and reaper ───────────────────────────────────────────
	registry := session.NewRegistry(session.Config{
		Ceiling:      cfg.Limits.MaxConcurrentSessions,
		Retention:    cfg.Limits.SessionRetention,
		ReapInterval: cfg.Limits.ReaperInterval,
	})
	go registry.RunReaper(ctx)

	// ── Worker pool ───────────────────────────────────────────────────────────
	workers := pool.New(pool.Config{
		SessionCeiling: cfg.Limits.MaxConcurrentSessions,
		Transcriber:    transcriber,
		Drafter:        drafter,
		Breaker:        resilience.NewBreaker(resilience.BreakerConfig{Name: "stt"}),
	})
	workers.Start()

	// ── Streaming orchestrator ────────────────────────────────────────────────
	orchestrator := stream.New(stream.Config{
		Registry: registry,
		Pool:     workers,
		Store:    store,
		Cadence:  cfg.Audio.TranscribeIntervalChunks,
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	api := server.New(server.Config{
		Registry:     registry,
		Pool:         workers,
		Store:        store,
		Orchestrator: orchestrator,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Limits.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := workers.Stop(cfg.Limits.ShutdownTimeout); err != nil {
		slog.Warn("worker pool shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders are the note backends served through any-llm-go. OpenAI has
// a dedicated backend and is registered separately.
var anyllmProviders = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterTranscriber("deepgram", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Note drafting ─────────────────────────────────────────────────────────

	reg.RegisterDrafter("openai", func(entry config.ProviderEntry) (notegen.Drafter, error) {
		var opts []notegenopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, notegenopenai.WithBaseURL(entry.BaseURL))
		}
		return notegenopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterDrafter(providerName, func(entry config.ProviderEntry) (notegen.Drafter, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return notegenanyllm.New(providerName, entry.Model, opts...)
		})
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
// Unconfigured providers come back nil; the worker pool degrades to empty
// transcripts and placeholder notes for whatever is missing.
func buildProviders(cfg *config.Config, reg *config.Registry) (transcribe.Provider, notegen.Drafter, error) {
	var transcriber transcribe.Provider
	var drafter notegen.Drafter

	if name := cfg.Providers.Transcriber.Name; name != "" {
		p, err := reg.CreateTranscriber(cfg.Providers.Transcriber)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented; skipping", "kind", "transcriber", "name", name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create transcriber %q: %w", name, err)
		} else {
			transcriber = p
			slog.Info("provider created", "kind", "transcriber", "name", name)
		}
	}

	if name := cfg.Providers.Notes.Name; name != "" {
		d, err := reg.CreateDrafter(cfg.Providers.Notes)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented; skipping", "kind", "notes", "name", name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create notes provider %q: %w", name, err)
		} else {
			drafter = d
			slog.Info("provider created", "kind", "notes", "name", name)
		}
	}

	return transcriber, drafter, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Auriscribe — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcriber", cfg.Providers.Transcriber.Name, cfg.Providers.Transcriber.Model)
	printProvider("Notes", cfg.Providers.Notes.Name, cfg.Providers.Notes.Model)
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("║  Storage        : %-20s ║\n", "postgres")
	} else {
		fmt.Printf("║  Storage        : %-20s ║\n", "(in-memory)")
	}
	fmt.Printf("║  Session limit  : %-20d ║\n", cfg.Limits.MaxConcurrentSessions)
	fmt.Printf("║  Retention      : %-20s ║\n", cfg.Limits.SessionRetention)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr    : %-20s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-13s  : %-20s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

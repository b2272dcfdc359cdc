// Package pool is the shared execution substrate for session work: a bounded
// I/O pool for provider calls (transcription, note drafting) and a smaller
// bounded CPU pool for signal processing.
//
// Every entry point is total from the caller's point of view: failures are
// absorbed at the pool boundary, logged at warning level, counted in the
// stats, and converted into a documented fallback value. The pool owns no
// domain state.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/auriscribe/auriscribe/internal/resilience"
	"github.com/auriscribe/auriscribe/internal/session"
	"github.com/auriscribe/auriscribe/pkg/audioproc"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
)

// fallbackNote is returned by GenerateNote when drafting fails, so downstream
// code never needs nil checks.
const fallbackNote = "Note generation failed. The transcript was captured " +
	"successfully; please draft the note manually from the transcript."

// maxCPUWorkers caps the CPU pool regardless of the session ceiling.
const maxCPUWorkers = 4

// Config tunes a [Pool].
type Config struct {
	// SessionCeiling sizes both pools: I/O = ceiling/2, CPU = min(4,
	// ceiling/4), each at least 1. Default ceiling: 50.
	SessionCeiling int

	// Transcriber handles chunk and final transcription.
	Transcriber transcribe.Provider

	// Drafter turns a final transcript into a structured note.
	Drafter notegen.Drafter

	// Breaker guards Transcriber calls. Optional; nil disables breaking.
	Breaker *resilience.Breaker
}

// Stats is the pool monitoring snapshot.
type Stats struct {
	Total        int64 `json:"total"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	InFlight     int64 `json:"in_flight"`
	// RollingAvgLatency is the mean latency of completed tasks in
	// milliseconds, maintained incrementally.
	RollingAvgLatency float64 `json:"rolling_avg_latency_ms"`
}

// Pool is the bounded worker pool. Construct with [New], then Start before
// submitting work. Safe for concurrent use.
type Pool struct {
	ioSem       *semaphore.Weighted
	cpuSem      *semaphore.Weighted
	ioWorkers   int64
	cpuWorkers  int64
	transcriber transcribe.Provider
	drafter     notegen.Drafter
	breaker     *resilience.Breaker

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats
}

// New creates a stopped pool sized from cfg.
func New(cfg Config) *Pool {
	ceiling := cfg.SessionCeiling
	if ceiling <= 0 {
		ceiling = 50
	}
	io := max(ceiling/2, 1)
	cpu := max(min(maxCPUWorkers, ceiling/4), 1)
	return &Pool{
		ioSem:       semaphore.NewWeighted(int64(io)),
		cpuSem:      semaphore.NewWeighted(int64(cpu)),
		ioWorkers:   int64(io),
		cpuWorkers:  int64(cpu),
		transcriber: cfg.Transcriber,
		drafter:     cfg.Drafter,
		breaker:     cfg.Breaker,
	}
}

// Start provisions the pool. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true
	slog.Info("worker pool started", "io_workers", p.ioWorkers, "cpu_workers", p.cpuWorkers)
}

// Stop cancels all in-flight tasks and waits up to timeout for them to
// drain. Tasks still running when the timeout fires are abandoned and an
// error is returned; Stop never blocks longer than timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool drained")
		return nil
	case <-time.After(timeout):
		stragglers := p.Stats().InFlight
		slog.Warn("worker pool shutdown timed out", "in_flight", stragglers, "timeout", timeout)
		return fmt.Errorf("pool: %d tasks still running after %v", stragglers, timeout)
	}
}

// ProcessChunk applies the per-chunk transform. Standard mode returns the
// bytes unchanged without touching a worker slot. Enhanced mode runs on a
// CPU worker; on any failure the original bytes come back unchanged.
func (p *Pool) ProcessChunk(ctx context.Context, sessionID string, chunk []byte, mode session.Mode) []byte {
	if mode != session.ModeEnhanced {
		return chunk
	}

	out := chunk
	err := p.run(ctx, p.cpuSem, func(taskCtx context.Context) error {
		out = audioproc.Enhance(chunk)
		return nil
	})
	if err != nil {
		slog.Warn("chunk processing failed, passing audio through",
			"session_id", sessionID, "error", err)
		return chunk
	}
	return out
}

// Transcribe runs one transcription call on an I/O worker through the
// circuit breaker. An open breaker rejects the call before a worker slot is
// acquired. On any failure it returns empty text; callers treat empty as
// "no speech", never as an error.
func (p *Pool) Transcribe(ctx context.Context, sessionID string, audio []byte, final bool) string {
	if p.transcriber == nil {
		return ""
	}
	if p.breaker != nil && p.breaker.State() == resilience.Open {
		p.mu.Lock()
		p.stats.Total++
		p.stats.Failed++
		p.mu.Unlock()
		slog.Warn("transcription rejected, breaker open", "session_id", sessionID, "final", final)
		return ""
	}
	profile := transcribe.ProfileChunk
	if final {
		profile = transcribe.ProfileFinal
	}

	var text string
	err := p.run(ctx, p.ioSem, func(taskCtx context.Context) error {
		call := func() error {
			var err error
			text, err = p.transcriber.Transcribe(taskCtx, audio, profile)
			return err
		}
		if p.breaker != nil {
			return p.breaker.Do(call)
		}
		return call()
	})
	if err != nil {
		slog.Warn("transcription failed, returning empty text",
			"session_id", sessionID, "final", final, "error", err)
		return ""
	}
	return text
}

// GenerateNote drafts the structured note on an I/O worker. On any failure
// it returns a placeholder result with empty sections and segments.
func (p *Pool) GenerateNote(ctx context.Context, sessionID string, transcript string) notegen.NoteResult {
	if p.drafter == nil {
		return notegen.NoteResult{
			Note:     fallbackNote,
			Sections: map[string][]notegen.Statement{},
			Segments: []string{},
		}
	}
	var result notegen.NoteResult
	err := p.run(ctx, p.ioSem, func(taskCtx context.Context) error {
		var err error
		result, err = p.drafter.Draft(taskCtx, transcript)
		return err
	})
	if err != nil {
		slog.Warn("note generation failed, returning placeholder",
			"session_id", sessionID, "error", err)
		return notegen.NoteResult{
			Note:     fallbackNote,
			Sections: map[string][]notegen.Statement{},
			Segments: []string{},
		}
	}
	return result
}

// Stats returns the counters snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// run acquires a slot from sem, executes fn, and records the outcome.
// Panics inside fn are absorbed and counted as failures.
func (p *Pool) run(ctx context.Context, sem *semaphore.Weighted, fn func(context.Context) error) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool: not started")
	}
	root := p.ctx
	p.stats.Total++
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	// The task stops when either the caller's context or the pool's root
	// context is cancelled.
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	stop := context.AfterFunc(root, cancelTask)
	defer stop()

	if err := sem.Acquire(taskCtx, 1); err != nil {
		p.recordFailure()
		return fmt.Errorf("pool: acquire slot: %w", err)
	}
	defer sem.Release(1)

	p.mu.Lock()
	p.stats.InFlight++
	p.mu.Unlock()

	start := time.Now()
	err := safely(taskCtx, fn)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.stats.InFlight--
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Completed++
		sample := float64(elapsed.Microseconds()) / 1000.0
		p.stats.RollingAvgLatency += (sample - p.stats.RollingAvgLatency) / float64(p.stats.Completed)
	}
	p.mu.Unlock()
	return err
}

// recordFailure counts a task that never reached execution.
func (p *Pool) recordFailure() {
	p.mu.Lock()
	p.stats.Failed++
	p.mu.Unlock()
}

// safely invokes fn, converting a panic into an error.
func safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

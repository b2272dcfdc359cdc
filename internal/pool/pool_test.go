package pool

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/auriscribe/auriscribe/internal/resilience"
	"github.com/auriscribe/auriscribe/internal/session"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
	notegenmock "github.com/auriscribe/auriscribe/pkg/provider/notegen/mock"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
	sttmock "github.com/auriscribe/auriscribe/pkg/provider/transcribe/mock"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Transcriber == nil {
		cfg.Transcriber = &sttmock.Provider{}
	}
	if cfg.Drafter == nil {
		cfg.Drafter = &notegenmock.Drafter{}
	}
	p := New(cfg)
	p.Start()
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

// speechChunk builds a loud sine chunk that the enhancer will modify.
func speechChunk(n int) []byte {
	out := make([]byte, n*2)
	for i := range n {
		s := int16(0.5 * 32767 * math.Sin(2*math.Pi*float64(i)/64))
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

func TestPoolSizing(t *testing.T) {
	tests := []struct {
		ceiling  int
		wantIO   int64
		wantCPU  int64
	}{
		{50, 25, 4},
		{8, 4, 2},
		{1, 1, 1},
		{0, 25, 4}, // default ceiling 50
	}
	for _, tt := range tests {
		p := New(Config{SessionCeiling: tt.ceiling})
		if p.ioWorkers != tt.wantIO || p.cpuWorkers != tt.wantCPU {
			t.Errorf("ceiling %d: workers = (%d, %d), want (%d, %d)",
				tt.ceiling, p.ioWorkers, p.cpuWorkers, tt.wantIO, tt.wantCPU)
		}
	}
}

func TestStartIdempotent(t *testing.T) {
	p := New(Config{Transcriber: &sttmock.Provider{}, Drafter: &notegenmock.Drafter{}})
	p.Start()
	p.Start()
	defer p.Stop(time.Second)

	if got := p.Transcribe(context.Background(), "s1", []byte{1}, false); got != "" {
		t.Errorf("Transcribe = %q, want empty from empty mock", got)
	}
}

func TestProcessChunkStandardIsIdentity(t *testing.T) {
	p := newTestPool(t, Config{})
	chunk := speechChunk(2048)
	got := p.ProcessChunk(context.Background(), "s1", chunk, session.ModeStandard)
	if !bytes.Equal(got, chunk) {
		t.Error("standard mode must return chunk unchanged")
	}
	if stats := p.Stats(); stats.Total != 0 {
		t.Errorf("standard mode consumed a worker slot: total = %d", stats.Total)
	}
}

func TestProcessChunkEnhanced(t *testing.T) {
	p := newTestPool(t, Config{})
	chunk := speechChunk(2048)
	got := p.ProcessChunk(context.Background(), "s1", chunk, session.ModeEnhanced)
	if len(got) != len(chunk) {
		t.Fatalf("output length %d, want %d", len(got), len(chunk))
	}
	if bytes.Equal(got, chunk) {
		t.Error("enhanced mode should have modified a loud chunk")
	}
	if stats := p.Stats(); stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
}

func TestProcessChunkBeforeStartFallsBack(t *testing.T) {
	p := New(Config{Transcriber: &sttmock.Provider{}, Drafter: &notegenmock.Drafter{}})
	chunk := speechChunk(2048)
	got := p.ProcessChunk(context.Background(), "s1", chunk, session.ModeEnhanced)
	if !bytes.Equal(got, chunk) {
		t.Error("a stopped pool must pass audio through unchanged")
	}
}

func TestTranscribeProfiles(t *testing.T) {
	stt := &sttmock.Provider{Result: "hello"}
	p := newTestPool(t, Config{Transcriber: stt})

	if got := p.Transcribe(context.Background(), "s1", []byte{1, 2}, false); got != "hello" {
		t.Errorf("chunk transcribe = %q, want hello", got)
	}
	if got := p.Transcribe(context.Background(), "s1", []byte{1, 2}, true); got != "hello" {
		t.Errorf("final transcribe = %q, want hello", got)
	}

	calls := stt.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Profile != transcribe.ProfileChunk || calls[1].Profile != transcribe.ProfileFinal {
		t.Errorf("profiles = %v, %v; want chunk, final", calls[0].Profile, calls[1].Profile)
	}
}

func TestTranscribeFailureReturnsEmpty(t *testing.T) {
	stt := &sttmock.Provider{Err: errors.New("upstream 500")}
	p := newTestPool(t, Config{Transcriber: stt})

	if got := p.Transcribe(context.Background(), "s1", []byte{1}, false); got != "" {
		t.Errorf("got %q, want empty text on provider failure", got)
	}
	stats := p.Stats()
	if stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v, want one failed task", stats)
	}
}

func TestTranscribeBreakerShortCircuits(t *testing.T) {
	stt := &sttmock.Provider{Err: errors.New("upstream down")}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name: "stt", Threshold: 1, Cooldown: time.Hour,
	})
	p := newTestPool(t, Config{Transcriber: stt, Breaker: breaker})

	// First failure trips the breaker; the second call must not reach the
	// provider at all.
	_ = p.Transcribe(context.Background(), "s1", []byte{1}, false)
	_ = p.Transcribe(context.Background(), "s1", []byte{1}, false)

	if got := stt.CallCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (breaker open)", got)
	}
	if stats := p.Stats(); stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", stats.Failed)
	}
}

func TestTranscribeOpenBreakerSkipsSlotAcquisition(t *testing.T) {
	stt := &sttmock.Provider{Result: "never returned"}
	drafter := &notegenmock.Drafter{Delay: time.Second}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name: "stt", Threshold: 1, Cooldown: time.Hour,
	})
	// Ceiling 1 gives a single I/O slot.
	p := newTestPool(t, Config{SessionCeiling: 1, Transcriber: stt, Drafter: drafter, Breaker: breaker})

	_ = breaker.Do(func() error { return errors.New("upstream down") })

	// Occupy the only slot with a slow drafting task.
	go p.GenerateNote(context.Background(), "s1", "long transcript")
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	begin := time.Now()
	got := p.Transcribe(context.Background(), "s1", []byte{1}, false)
	elapsed := time.Since(begin)

	if got != "" {
		t.Errorf("got %q, want empty text from an open breaker", got)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Transcribe took %v with the only slot busy, want immediate rejection", elapsed)
	}
	if stt.CallCount() != 0 {
		t.Errorf("provider calls = %d, want 0", stt.CallCount())
	}
	if stats := p.Stats(); stats.Failed != 1 {
		t.Errorf("failed = %d, want 1 for the rejected call", stats.Failed)
	}
}

func TestGenerateNoteSuccess(t *testing.T) {
	drafter := &notegenmock.Drafter{Result: notegen.NoteResult{
		Note:     "S: headache.",
		Sections: map[string][]notegen.Statement{"subjective": {{Text: "headache"}}},
		Segments: []string{"I have a headache"},
	}}
	p := newTestPool(t, Config{Drafter: drafter})

	got := p.GenerateNote(context.Background(), "s1", "I have a headache")
	if got.Note != "S: headache." {
		t.Errorf("note = %q", got.Note)
	}
	if drafter.CallCount() != 1 {
		t.Errorf("drafter calls = %d, want 1", drafter.CallCount())
	}
}

func TestGenerateNoteFailureReturnsPlaceholder(t *testing.T) {
	drafter := &notegenmock.Drafter{Err: errors.New("model overloaded")}
	p := newTestPool(t, Config{Drafter: drafter})

	got := p.GenerateNote(context.Background(), "s1", "some transcript")
	if got.Note == "" {
		t.Fatal("placeholder note text must not be empty")
	}
	if got.Sections == nil || len(got.Sections) != 0 {
		t.Errorf("sections = %v, want non-nil empty map", got.Sections)
	}
	if got.Segments == nil || len(got.Segments) != 0 {
		t.Errorf("segments = %v, want non-nil empty slice", got.Segments)
	}
}

func TestStatsRollingAverage(t *testing.T) {
	stt := &sttmock.Provider{Result: "ok", Delay: 10 * time.Millisecond}
	p := newTestPool(t, Config{Transcriber: stt})

	for range 3 {
		p.Transcribe(context.Background(), "s1", []byte{1}, false)
	}

	stats := p.Stats()
	if stats.Completed != 3 || stats.Total != 3 {
		t.Fatalf("stats = %+v, want 3 completed of 3", stats)
	}
	if stats.RollingAvgLatency < 10 {
		t.Errorf("rolling_avg_latency_ms = %v, want at least the mock delay", stats.RollingAvgLatency)
	}
	if stats.InFlight != 0 {
		t.Errorf("in_flight = %d, want 0", stats.InFlight)
	}
}

func TestStopBoundedWithStuckTask(t *testing.T) {
	const timeout = 100 * time.Millisecond

	// The stuck task ignores cancellation and sleeps for twice the shutdown
	// timeout.
	stt := &sttmock.Provider{Fn: func([]byte, transcribe.Profile) (string, error) {
		time.Sleep(2 * timeout)
		return "late", nil
	}}
	p := New(Config{Transcriber: stt, Drafter: &notegenmock.Drafter{}})
	p.Start()

	started := make(chan struct{})
	go func() {
		close(started)
		p.Transcribe(context.Background(), "s1", []byte{1}, false)
	}()
	<-started
	// Give the task time to enter the provider call.
	for p.Stats().InFlight == 0 {
		time.Sleep(time.Millisecond)
	}

	begin := time.Now()
	err := p.Stop(timeout)
	elapsed := time.Since(begin)

	if elapsed > timeout+50*time.Millisecond {
		t.Errorf("Stop took %v, must return at or near the %v timeout", elapsed, timeout)
	}
	if err == nil {
		t.Error("Stop must report the undrained task")
	}
	if stats := p.Stats(); stats.InFlight != 1 {
		t.Errorf("in_flight = %d, want 1 (stuck task not completed)", stats.InFlight)
	}
}

func TestStopIdempotentAndRejectsNewWork(t *testing.T) {
	p := New(Config{Transcriber: &sttmock.Provider{Result: "x"}, Drafter: &notegenmock.Drafter{}})
	p.Start()
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := p.Transcribe(context.Background(), "s1", []byte{1}, false); got != "" {
		t.Errorf("stopped pool returned %q, want empty fallback", got)
	}
}

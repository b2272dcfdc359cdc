package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/auriscribe/auriscribe/internal/observe"
	"github.com/auriscribe/auriscribe/internal/pool"
	"github.com/auriscribe/auriscribe/internal/session"
	storagemock "github.com/auriscribe/auriscribe/internal/storage/mock"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
	notegenmock "github.com/auriscribe/auriscribe/pkg/provider/notegen/mock"
	"github.com/auriscribe/auriscribe/pkg/provider/transcribe"
	sttmock "github.com/auriscribe/auriscribe/pkg/provider/transcribe/mock"
)

const testCadence = 4

type stack struct {
	registry *session.Registry
	pool     *pool.Pool
	store    *storagemock.Store
	server   *httptest.Server
}

// newStack wires an orchestrator behind an httptest server with a short
// cadence so tests trigger partials with few chunks.
func newStack(t *testing.T, stt *sttmock.Provider, drafter *notegenmock.Drafter) *stack {
	t.Helper()

	registry := session.NewRegistry(session.Config{Ceiling: 10})
	p := pool.New(pool.Config{SessionCeiling: 10, Transcriber: stt, Drafter: drafter})
	p.Start()
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	store := storagemock.NewStore()
	orch := New(Config{
		Registry:    registry,
		Pool:        p,
		Store:       store,
		Metrics:     observe.DefaultMetrics(),
		Cadence:     testCadence,
		ReadTimeout: 50 * time.Millisecond,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		orch.Handle(w, r, r.PathValue("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &stack{registry: registry, pool: p, store: store, server: srv}
}

func (s *stack) dial(t *testing.T, ctx context.Context, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// message is the client-side view of one outbound frame.
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) message {
	t.Helper()
	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return msg
}

// expectConnected consumes the connection_status handshake message.
func expectConnected(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	msg := readMessage(t, ctx, conn)
	if msg.Type != "connection_status" {
		t.Fatalf("first message type = %q, want connection_status", msg.Type)
	}
}

func sendControl(t *testing.T, ctx context.Context, conn *websocket.Conn, frame any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func sendChunks(t *testing.T, ctx context.Context, conn *websocket.Conn, n, size int) {
	t.Helper()
	chunk := make([]byte, size)
	for range n {
		if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
}

func TestUnknownSessionClosesWithDistinguishedCode(t *testing.T) {
	s := newStack(t, &sttmock.Provider{}, &notegenmock.Drafter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := s.dial(t, ctx, "never-created")
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close, got a message")
	}
	if got := websocket.CloseStatus(err); got != StatusSessionNotFound {
		t.Errorf("close status = %v, want %v", got, StatusSessionNotFound)
	}
}

func TestStopWithoutAudioReportsNoAudio(t *testing.T) {
	s := newStack(t, &sttmock.Provider{}, &notegenmock.Drafter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	msg := readMessage(t, ctx, conn)
	if msg.Type != "error" {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
	var data statusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Message != "No audio received" {
		t.Errorf("message = %q, want %q", data.Message, "No audio received")
	}
}

func TestSilentAudioReportsNoSpeech(t *testing.T) {
	// Empty transcription for every call: no partial is sent and the final
	// pass detects no speech.
	s := newStack(t, &sttmock.Provider{Result: ""}, &notegenmock.Drafter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	sendChunks(t, ctx, conn, testCadence, 4096)
	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	msg := readMessage(t, ctx, conn)
	if msg.Type != "error" {
		t.Fatalf("message type = %q, want error (no transcript_update for empty text)", msg.Type)
	}
	var data statusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Message != "No speech detected in recording" {
		t.Errorf("message = %q, want %q", data.Message, "No speech detected in recording")
	}

	if len(s.store.Recordings()) != 0 {
		t.Error("nothing should be persisted for a session with no speech")
	}
}

func TestSpeechProducesPartialAndCompletion(t *testing.T) {
	stt := &sttmock.Provider{Result: "patient reports chest pain"}
	drafter := &notegenmock.Drafter{Result: notegen.NoteResult{
		Note:     "S: chest pain.",
		Sections: map[string][]notegen.Statement{"subjective": {{Text: "chest pain", SourceSegments: []int{1}}}},
		Segments: []string{"patient reports chest pain"},
	}}
	s := newStack(t, stt, drafter)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	sendChunks(t, ctx, conn, testCadence, 4096)

	// Wait for the partial before stopping, so it is not superseded by
	// shutdown of the partial worker.
	msg := readMessage(t, ctx, conn)
	if msg.Type != "transcript_update" {
		t.Fatalf("message type = %q, want transcript_update", msg.Type)
	}
	var upd transcriptData
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.Text != "patient reports chest pain" || upd.IsFinal {
		t.Errorf("partial = %+v, want non-final full text", upd)
	}
	if upd.FullTranscript != "patient reports chest pain" {
		t.Errorf("full_transcript = %q", upd.FullTranscript)
	}

	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	msg = readMessage(t, ctx, conn)
	if msg.Type != "session_complete" {
		t.Fatalf("message type = %q, want session_complete", msg.Type)
	}
	var done completeData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatal(err)
	}
	if done.SessionID != rec.ID {
		t.Errorf("session_id = %q, want %q", done.SessionID, rec.ID)
	}
	if done.Transcript != "patient reports chest pain" {
		t.Errorf("transcript = %q", done.Transcript)
	}
	if done.Note != "S: chest pain." {
		t.Errorf("note = %q", done.Note)
	}
	if done.ProcessingMode != "standard" {
		t.Errorf("processing_mode = %q, want standard", done.ProcessingMode)
	}

	// The final transcription must use the high-accuracy profile.
	calls := stt.Calls()
	if calls[len(calls)-1].Profile != transcribe.ProfileFinal {
		t.Errorf("last profile = %v, want final", calls[len(calls)-1].Profile)
	}

	// Persisted and marked complete.
	stored, ok := s.store.Recordings()[rec.ID]
	if !ok {
		t.Fatal("recording was not persisted")
	}
	if stored.Note != "S: chest pain." || stored.Transcript != "patient reports chest pain" {
		t.Errorf("stored = %+v", stored)
	}
	got, err := s.registry.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.Status != session.StatusCompleted {
		t.Errorf("session active=%v status=%q, want inactive completed", got.Active, got.Status)
	}
}

func TestCompletionDeliveredAfterSlowFinalize(t *testing.T) {
	// The final transcription takes many idle-read windows, so the connection
	// must stay open well past the last inbound frame for the completion
	// message to arrive.
	stt := &sttmock.Provider{Result: "take two aspirin", Delay: 300 * time.Millisecond}
	drafter := &notegenmock.Drafter{Result: notegen.NoteResult{Note: "P: aspirin."}}
	s := newStack(t, stt, drafter)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	// One chunk stays below the cadence, so the only provider call is the
	// final pass after stop.
	sendChunks(t, ctx, conn, 1, 4096)
	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	msg := readMessage(t, ctx, conn)
	if msg.Type != "session_complete" {
		t.Fatalf("message type = %q, want session_complete", msg.Type)
	}
	var done completeData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Transcript != "take two aspirin" || done.Note != "P: aspirin." {
		t.Errorf("completion = %+v, want the slow final result", done)
	}
}

func TestWhitespaceOnlyPartialKeptForNextDelta(t *testing.T) {
	// The middle result only appends a space. That update is suppressed, and
	// the space must still reach the client with the following delta.
	results := []string{"hello", "hello ", "hello world"}
	var mu sync.Mutex
	var call int
	stt := &sttmock.Provider{Fn: func([]byte, transcribe.Profile) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[min(call, len(results)-1)]
		call++
		return r, nil
	}}
	s := newStack(t, stt, &notegenmock.Drafter{Result: notegen.NoteResult{Note: "n"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	for i := range len(results) {
		sendChunks(t, ctx, conn, testCadence, 1024)
		deadline := time.Now().Add(2 * time.Second)
		for stt.CallCount() <= i && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	var deltas []string
	var full string
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == "session_complete" || msg.Type == "error" {
			break
		}
		if msg.Type != "transcript_update" {
			continue
		}
		var upd transcriptData
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			t.Fatal(err)
		}
		deltas = append(deltas, upd.Text)
		full = upd.FullTranscript
	}

	if len(deltas) != 2 || deltas[0] != "hello" || deltas[1] != " world" {
		t.Fatalf("deltas = %q, want [%q %q]", deltas, "hello", " world")
	}
	if got := strings.Join(deltas, ""); got != full {
		t.Errorf("concatenated deltas = %q, want full transcript %q", got, full)
	}
}

func TestModeChangeAcknowledged(t *testing.T) {
	s := newStack(t, &sttmock.Provider{}, &notegenmock.Drafter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	sendControl(t, ctx, conn, map[string]string{
		"type":            "processing_settings",
		"processing_mode": "enhanced",
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != "processing_status" {
		t.Fatalf("message type = %q, want processing_status", msg.Type)
	}
	var ack modeData
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Mode != "enhanced" {
		t.Errorf("ack mode = %q, want enhanced", ack.Mode)
	}

	got, err := s.registry.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != session.ModeEnhanced {
		t.Errorf("registry mode = %q, want enhanced", got.Mode)
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	// The provider reveals progressively longer transcripts, with one
	// regression in the middle that must not be visible to the client.
	results := []string{"one", "one two", "one", "one two three"}
	var mu sync.Mutex
	var call int
	stt := &sttmock.Provider{Fn: func([]byte, transcribe.Profile) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[min(call, len(results)-1)]
		call++
		return r, nil
	}}
	s := newStack(t, stt, &notegenmock.Drafter{Result: notegen.NoteResult{Note: "n"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.registry.Create(session.ModeStandard)
	if err != nil {
		t.Fatal(err)
	}
	conn := s.dial(t, ctx, rec.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectConnected(t, ctx, conn)

	sentLen := 0
	var rebuilt strings.Builder
	for i := range len(results) {
		sendChunks(t, ctx, conn, testCadence, 1024)
		// Give the partial worker time to drain this cadence trigger before
		// the next one can supersede it.
		deadline := time.Now().Add(2 * time.Second)
		for stt.CallCount() <= i && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	sendControl(t, ctx, conn, map[string]string{"type": "stop_recording"})

	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == "session_complete" || msg.Type == "error" {
			break
		}
		if msg.Type != "transcript_update" {
			continue
		}
		var upd transcriptData
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			t.Fatal(err)
		}
		if len(upd.FullTranscript) < sentLen {
			t.Fatalf("full transcript regressed: %d < %d", len(upd.FullTranscript), sentLen)
		}
		sentLen = len(upd.FullTranscript)
		rebuilt.WriteString(upd.Text)
		if rebuilt.String() != upd.FullTranscript {
			t.Fatalf("deltas do not rebuild the full transcript: %q vs %q",
				rebuilt.String(), upd.FullTranscript)
		}
	}
}

// Package stream implements the per-connection streaming orchestrator: it
// accepts the websocket, admits frames, routes audio through the worker pool,
// triggers cadence-based partial transcription, and on stream end runs the
// finalize pipeline (final transcription → note generation → persistence →
// completion message).
//
// The frame-receive loop is never blocked by transcription or note
// generation; partial work runs on a single background worker per connection
// fed by a depth-1 latest-wins queue, so a burst of cadence triggers collapses
// to the freshest snapshot instead of piling up provider calls.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/auriscribe/auriscribe/internal/observe"
	"github.com/auriscribe/auriscribe/internal/pool"
	"github.com/auriscribe/auriscribe/internal/session"
	"github.com/auriscribe/auriscribe/internal/storage"
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

// StatusSessionNotFound is the close code sent when the session id is unknown
// at connect time.
const StatusSessionNotFound websocket.StatusCode = 4000

// Client-facing terminal error messages.
const (
	msgNoAudio  = "No audio received"
	msgNoSpeech = "No speech detected in recording"
	msgFailed   = "Processing failed. Please try again."
)

const (
	defaultReadTimeout = 500 * time.Millisecond
	defaultCadence     = 32
)

// Config wires an [Orchestrator].
type Config struct {
	Registry *session.Registry
	Pool     *pool.Pool
	Store    storage.Store
	Metrics  *observe.Metrics

	// Cadence is how many chunks accumulate between partial transcriptions.
	// Default: 32 (~2s of audio at 64ms per chunk).
	Cadence int

	// ReadTimeout bounds each wait for an inbound frame so the loop stays
	// responsive without a dedicated frame. Default: 500ms.
	ReadTimeout time.Duration
}

// Orchestrator drives one websocket connection per admitted session.
type Orchestrator struct {
	registry    *session.Registry
	pool        *pool.Pool
	store       storage.Store
	metrics     *observe.Metrics
	cadence     int
	readTimeout time.Duration
}

// New creates an Orchestrator, filling zero config fields with defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Cadence <= 0 {
		cfg.Cadence = defaultCadence
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		cadence:     cfg.Cadence,
		readTimeout: cfg.ReadTimeout,
	}
}

// Handle upgrades the request and runs the session stream to completion. The
// connection is always closed on return, on every exit path.
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	o.serve(r.Context(), conn, sessionID)
}

// frame is one inbound websocket message, or the read error that ended the
// connection.
type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// stream is the per-connection state. It is owned by one serve call; the
// partial worker shares only the watermark and the connection, both guarded.
type stream struct {
	o    *Orchestrator
	conn *websocket.Conn
	id   string

	// buffer and chunkCount are touched only by the receive loop.
	buffer     []byte
	chunkCount int

	// sendMu serializes writes to the connection.
	sendMu sync.Mutex

	// wmMu guards the partial-transcript watermark (sentLen, fullText) and
	// mode, which the partial worker reads across goroutines.
	wmMu     sync.Mutex
	mode     session.Mode
	sentLen  int
	fullText string

	// partials is the depth-1 latest-wins snapshot queue.
	partials chan []byte
	workerWG sync.WaitGroup
}

func (o *Orchestrator) serve(ctx context.Context, conn *websocket.Conn, sessionID string) {
	rec, err := o.registry.Get(sessionID)
	if err != nil {
		slog.Warn("stream rejected: unknown session", "session_id", sessionID)
		conn.Close(StatusSessionNotFound, "session not found")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	o.metrics.ActiveStreams.Add(ctx, 1)
	defer o.metrics.ActiveStreams.Add(ctx, -1)

	st := &stream{
		o:        o,
		conn:     conn,
		id:       sessionID,
		mode:     rec.Mode,
		partials: make(chan []byte, 1),
	}

	if err := st.send(ctx, connectionStatusMsg("connected", "Connected to transcription service")); err != nil {
		slog.Warn("stream handshake write failed", "session_id", sessionID, "error", err)
		return
	}

	// The reader outlives the active phase: cancelling the context of a
	// pending Read closes the whole connection, so the reader is told to stop
	// through a signal channel only after finalize has written its terminal
	// message.
	frames := make(chan frame)
	readerStop := make(chan struct{})
	go st.runReader(ctx, frames, readerStop)

	partialCtx, stopPartials := context.WithCancel(ctx)
	st.workerWG.Add(1)
	go st.partialWorker(partialCtx)

	st.receiveLoop(ctx, frames)

	// No new partial work after the active phase; let an in-flight partial
	// finish rather than race its send against finalize.
	close(st.partials)
	stopPartials()
	st.workerWG.Wait()

	st.finalize(ctx)
	close(readerStop)

	// Finalize deactivates the session on success and failure alike.
	if rec.Active {
		o.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// runReader pumps inbound frames until the transport errors or stop closes.
// Frames arriving after the receive loop has ended park here until stop.
func (st *stream) runReader(ctx context.Context, frames chan<- frame, stop <-chan struct{}) {
	defer close(frames)
	for {
		typ, data, err := st.conn.Read(ctx)
		select {
		case frames <- frame{typ: typ, data: data, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// receiveLoop is the active-phase loop. It returns when the client sends
// stop_recording, the transport closes, or the server is shutting down.
func (st *stream) receiveLoop(ctx context.Context, frames <-chan frame) {
	idle := time.NewTimer(st.o.readTimeout)
	defer idle.Stop()

	for {
		idle.Reset(st.o.readTimeout)
		select {
		case <-ctx.Done():
			slog.Info("stream interrupted by shutdown", "session_id", st.id)
			return
		case <-idle.C:
			// No frame within the window. Not an error; stay responsive and
			// wait again.
			continue
		case fr, ok := <-frames:
			if !ok || fr.err != nil {
				slog.Info("stream transport closed", "session_id", st.id,
					"chunks", st.chunkCount)
				return
			}
			switch fr.typ {
			case websocket.MessageText:
				if stop := st.handleControl(ctx, fr.data); stop {
					return
				}
			case websocket.MessageBinary:
				st.handleAudio(ctx, fr.data)
			}
		}
	}
}

// handleControl processes one JSON control frame. Returns true when the
// active phase should end.
func (st *stream) handleControl(ctx context.Context, data []byte) bool {
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		slog.Warn("malformed control frame ignored", "session_id", st.id, "error", err)
		return false
	}

	switch cf.Type {
	case frameStopRecording:
		slog.Info("stop requested", "session_id", st.id, "chunks", st.chunkCount)
		return true

	case frameProcessingSettings:
		mode := session.Mode(cf.ProcessingMode)
		if !mode.IsValid() {
			slog.Warn("unknown processing mode ignored", "session_id", st.id, "mode", cf.ProcessingMode)
			return false
		}
		st.wmMu.Lock()
		st.mode = mode
		st.wmMu.Unlock()
		if err := st.o.registry.Update(st.id, session.Update{Mode: &mode}); err != nil {
			slog.Warn("mode update failed", "session_id", st.id, "error", err)
		}
		ack := processingStatusMsg(string(mode), "Processing mode set to "+string(mode))
		if err := st.send(ctx, ack); err != nil {
			slog.Warn("mode ack write failed", "session_id", st.id, "error", err)
		}

	default:
		slog.Warn("unknown control frame ignored", "session_id", st.id, "type", cf.Type)
	}
	return false
}

// handleAudio runs one binary chunk through the processor, accumulates it,
// and kicks off a partial transcription on the cadence boundary.
func (st *stream) handleAudio(ctx context.Context, chunk []byte) {
	processed := st.o.pool.ProcessChunk(ctx, st.id, chunk, st.mode)
	st.buffer = append(st.buffer, processed...)
	st.chunkCount++

	count, size := st.chunkCount, len(st.buffer)
	if err := st.o.registry.Update(st.id, session.Update{ChunkCount: &count, BufferSize: &size}); err != nil {
		slog.Warn("counter update failed", "session_id", st.id, "error", err)
	}
	st.o.metrics.RecordChunk(ctx, string(st.mode))

	if st.chunkCount%st.o.cadence == 0 {
		snapshot := make([]byte, len(st.buffer))
		copy(snapshot, st.buffer)
		st.enqueuePartial(snapshot)
	}
}

// enqueuePartial offers a snapshot to the depth-1 queue, displacing a stale
// queued snapshot rather than blocking the receive loop.
func (st *stream) enqueuePartial(snapshot []byte) {
	for {
		select {
		case st.partials <- snapshot:
			return
		default:
		}
		select {
		case <-st.partials:
			// Dropped a superseded snapshot.
		default:
		}
	}
}

// partialWorker consumes snapshots sequentially and sends watermark-guarded
// transcript updates.
func (st *stream) partialWorker(ctx context.Context) {
	defer st.workerWG.Done()
	for snapshot := range st.partials {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		text := st.o.pool.Transcribe(ctx, st.id, snapshot, false)
		st.o.metrics.RecordTranscription(ctx, "chunk", time.Since(start).Seconds())
		st.publishPartial(ctx, text)
	}
}

// publishPartial sends the newly revealed suffix of text, if any. The
// watermark is monotonic by length: a result no longer than what was already
// sent contributes nothing observable.
func (st *stream) publishPartial(ctx context.Context, text string) {
	st.wmMu.Lock()
	if len(text) <= st.sentLen {
		st.wmMu.Unlock()
		return
	}
	delta := text[st.sentLen:]
	if strings.TrimSpace(delta) == "" {
		// Whitespace-only growth is suppressed without moving the watermark,
		// so those characters ride along with the next real delta.
		st.wmMu.Unlock()
		return
	}
	st.sentLen = len(text)
	st.fullText = text
	mode := st.mode
	st.wmMu.Unlock()

	if err := st.o.registry.Update(st.id, session.Update{Transcript: &text}); err != nil {
		slog.Warn("partial transcript update failed", "session_id", st.id, "error", err)
	}
	if err := st.send(ctx, transcriptUpdateMsg(delta, text, string(mode))); err != nil {
		slog.Warn("partial send failed", "session_id", st.id, "error", err)
		return
	}
	st.o.metrics.TranscriptUpdates.Add(ctx, 1)
}

// finalize runs the end-of-stream pipeline. It is exception-safe end to end:
// any failure is logged, surfaced as a single error message, and the caller
// still closes the connection.
func (st *stream) finalize(ctx context.Context) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("finalize panicked", "session_id", st.id, "panic", r)
			st.fail(ctx, msgFailed)
		}
	}()

	if len(st.buffer) == 0 {
		slog.Info("finalize: no audio", "session_id", st.id)
		st.fail(ctx, msgNoAudio)
		return
	}

	sttStart := time.Now()
	final := st.o.pool.Transcribe(ctx, st.id, st.buffer, true)
	st.o.metrics.RecordTranscription(ctx, "final", time.Since(sttStart).Seconds())

	if strings.TrimSpace(final) == "" {
		slog.Info("finalize: no speech", "session_id", st.id, "buffer_bytes", len(st.buffer))
		st.fail(ctx, msgNoSpeech)
		return
	}

	// Note generation and the intermediate status write proceed in parallel.
	var note notegen.NoteResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		noteStart := time.Now()
		note = st.o.pool.GenerateNote(gctx, st.id, final)
		st.o.metrics.NoteDuration.Record(gctx, time.Since(noteStart).Seconds())
		return nil
	})
	g.Go(func() error {
		status := session.StatusProcessingNote
		return st.o.registry.Update(st.id, session.Update{
			Status:          &status,
			FinalTranscript: &final,
		})
	})
	if err := g.Wait(); err != nil {
		slog.Error("finalize: status update failed", "session_id", st.id, "error", err)
		st.fail(ctx, msgFailed)
		return
	}

	elapsed := time.Since(start)

	if err := st.o.registry.Update(st.id, session.Update{
		FinalTranscript: &final,
		Note:            &note,
		ProcessingTime:  &elapsed,
	}); err != nil {
		slog.Error("finalize: record update failed", "session_id", st.id, "error", err)
		st.fail(ctx, msgFailed)
		return
	}
	if err := st.o.registry.MarkInactive(st.id); err != nil {
		slog.Warn("finalize: mark inactive failed", "session_id", st.id, "error", err)
	}

	if err := st.o.store.UpsertRecording(ctx, storage.Recording{
		SessionID:      st.id,
		Status:         string(session.StatusCompleted),
		Mode:           string(st.mode),
		Transcript:     final,
		Note:           note.Note,
		Sections:       note.Sections,
		Segments:       note.Segments,
		ProcessingTime: elapsed,
	}); err != nil {
		slog.Error("finalize: persist failed", "session_id", st.id, "error", err)
		st.fail(ctx, msgFailed)
		return
	}

	st.o.metrics.FinalizeDuration.Record(ctx, elapsed.Seconds())
	slog.Info("session complete", "session_id", st.id,
		"transcript_len", len(final), "processing_time", elapsed)

	if err := st.send(ctx, sessionCompleteMsg(completeData{
		SessionID:      st.id,
		Transcript:     final,
		Note:           note.Note,
		Sections:       note.Sections,
		Segments:       note.Segments,
		ProcessingTime: elapsed.Seconds(),
		ProcessingMode: string(st.mode),
	})); err != nil {
		slog.Warn("finalize: completion send failed", "session_id", st.id, "error", err)
	}
}

// fail sends a terminal error message and completes the session record with
// error status.
func (st *stream) fail(ctx context.Context, message string) {
	if err := st.o.registry.MarkInactive(st.id); err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Warn("mark inactive failed", "session_id", st.id, "error", err)
	}
	status := session.StatusError
	if err := st.o.registry.Update(st.id, session.Update{Status: &status}); err != nil &&
		!errors.Is(err, session.ErrNotFound) {
		slog.Warn("error status update failed", "session_id", st.id, "error", err)
	}
	if err := st.send(ctx, errorMsg(message)); err != nil {
		slog.Warn("error message send failed", "session_id", st.id, "error", err)
	}
}

// send serializes one outbound message onto the connection.
func (st *stream) send(ctx context.Context, msg envelope) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	return st.conn.Write(ctx, websocket.MessageText, payload)
}

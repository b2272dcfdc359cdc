// Package transcribe defines the Provider interface for speech-to-text backends.
//
// A transcription provider wraps a remote STT service (e.g., Deepgram) and
// exposes a uniform batch interface: raw PCM audio in, plain text out. Two
// profiles are supported: a fast "chunk" profile used for incremental partial
// transcripts while a recording is in progress, and a high-accuracy "final"
// profile with diarization used once when the stream ends.
//
// Implementations must be safe for concurrent use; the worker pool invokes
// Transcribe from many sessions simultaneously.
package transcribe

import "context"

// Profile selects the transcription accuracy/latency trade-off.
type Profile string

const (
	// ProfileChunk is the low-latency profile for incremental transcripts.
	// Providers should favour speed: punctuation and smart formatting only.
	ProfileChunk Profile = "chunk"

	// ProfileFinal is the full-accuracy profile for the complete recording.
	// Providers should enable utterance segmentation and speaker diarization
	// where supported.
	ProfileFinal Profile = "final"
)

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe converts raw little-endian 16-bit mono PCM audio into text.
	// An empty string with a nil error means no speech was detected; callers
	// must not treat it as a failure.
	Transcribe(ctx context.Context, audio []byte, profile Profile) (string, error)
}

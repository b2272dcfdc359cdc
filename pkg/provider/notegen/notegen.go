// Package notegen defines the Drafter interface for structured clinical note
// generation and the shared machinery every backend uses: transcript
// segmentation, the drafting prompt, and response parsing.
//
// A drafter turns a final transcript into a SOAP note (Subjective, Objective,
// Assessment, Plan) in which every statement cites the numbered transcript
// segments that support it, together with a confidence score. Backends only
// differ in which LLM API executes the prompt; everything else lives here so
// the output shape is identical regardless of provider.
//
// Implementations must be safe for concurrent use.
package notegen

import "context"

// Statement is a single assertion within a note section, annotated with the
// transcript segments that support it.
type Statement struct {
	// Text is the drafted statement (e.g., "Patient reports chest pain for 2 days").
	Text string `json:"statement"`

	// SourceSegments holds 1-based indices into [NoteResult.Segments].
	SourceSegments []int `json:"source_segments"`

	// Confidence is how well the statement is supported by its sources (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// SourceText is the concatenated text of the cited segments, filled in
	// after parsing so clients can display citations without re-indexing.
	SourceText string `json:"source_text,omitempty"`
}

// NoteResult is the complete output of one drafting pass. Immutable once
// produced.
type NoteResult struct {
	// Note is the full note text.
	Note string `json:"soap_note"`

	// Sections maps a section name ("subjective", "objective", "assessment",
	// "plan") to its statements.
	Sections map[string][]Statement `json:"soap_sections"`

	// Segments are the numbered transcript segments the statements cite.
	// Statement.SourceSegments indices are 1-based into this slice.
	Segments []string `json:"transcript_segments"`

	// Model is the model that produced the note.
	Model string `json:"model_used,omitempty"`
}

// Drafter is the abstraction over any note-generation backend.
type Drafter interface {
	// Draft produces a structured note from the final transcript.
	Draft(ctx context.Context, transcript string) (NoteResult, error)
}

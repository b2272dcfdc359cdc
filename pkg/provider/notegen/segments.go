package notegen

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// maxSegmentLen is the length above which a sentence is split further at
	// natural pauses so citations stay precise.
	maxSegmentLen = 200

	// minFragmentLen filters out sub-sentence fragments too short to cite.
	minFragmentLen = 10
)

var (
	sentenceRe = regexp.MustCompile(`[.!?]+\s+`)
	pauseRe    = regexp.MustCompile(`[,;]\s+|\s+and\s+|\s+but\s+|\s+so\s+`)
)

// SegmentTranscript splits a transcript into citable segments. Sentences are
// the primary unit; long sentences are split again at commas, semicolons, and
// coordinating conjunctions.
func SegmentTranscript(transcript string) []string {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	var segments []string
	for _, sentence := range sentenceRe.Split(transcript, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if len(sentence) <= maxSegmentLen {
			segments = append(segments, sentence)
			continue
		}
		for _, frag := range pauseRe.Split(sentence, -1) {
			frag = strings.TrimSpace(frag)
			if len(frag) > minFragmentLen {
				segments = append(segments, frag)
			}
		}
	}
	return segments
}

// FormatSegments renders segments one per line with 1-based [n] markers, the
// form the drafting prompt asks the model to cite.
func FormatSegments(segments []string) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, seg)
	}
	return strings.TrimRight(b.String(), "\n")
}

// attachSourceText fills Statement.SourceText from the cited segment indices.
// Out-of-range indices are skipped rather than treated as errors; the model
// occasionally cites a segment number past the end of the list.
func attachSourceText(sections map[string][]Statement, segments []string) {
	for name, statements := range sections {
		for i := range statements {
			var parts []string
			for _, n := range statements[i].SourceSegments {
				if n >= 1 && n <= len(segments) {
					parts = append(parts, segments[n-1])
				}
			}
			statements[i].SourceText = strings.Join(parts, " ... ")
		}
		sections[name] = statements
	}
}

package notegen

import (
	"encoding/json"
	"strings"
)

// ParseResponse interprets a model completion as a [NoteResult]. It tolerates
// fenced code blocks and leading/trailing prose around the JSON object. When
// no JSON can be recovered at all, the raw completion becomes the note text
// with empty sections, so the caller still gets a usable result.
//
// The transcript segments are attached to the result and each statement's
// SourceText is resolved from its cited indices.
func ParseResponse(completion string, segments []string) NoteResult {
	raw := extractJSON(completion)

	var result NoteResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil || result.Note == "" && len(result.Sections) == 0 {
		result = NoteResult{Note: strings.TrimSpace(completion)}
	}
	if result.Sections == nil {
		result.Sections = map[string][]Statement{}
	}
	result.Segments = segments
	attachSourceText(result.Sections, segments)
	return result
}

// extractJSON strips markdown fences and isolates the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	// Fenced code block: take the fence body.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	// Prose around the object: slice from first '{' to last '}'.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

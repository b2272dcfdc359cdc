package notegen

import "fmt"

// SystemPrompt pins the model to its scribe role and JSON-only output.
const SystemPrompt = "You are an expert medical scribe. Always respond with valid JSON."

// promptTemplate is the drafting instruction. The single %s is the numbered
// transcript produced by [FormatSegments].
const promptTemplate = `You are an expert medical scribe. Based on the following doctor-patient conversation transcript, generate a comprehensive SOAP note WITH SOURCE CITATIONS.

TRANSCRIPT (with segment numbers):
%s

INSTRUCTIONS:
1. Generate a complete SOAP note with these sections:
   - SUBJECTIVE (S): Patient's symptoms, history, complaints
   - OBJECTIVE (O): Physical exam findings, vital signs
   - ASSESSMENT (A): Clinical impression, diagnosis
   - PLAN (P): Treatment plan, follow-up

2. For EACH statement in your SOAP note, provide the segment number(s) from the transcript that support that statement.

3. Format your response as JSON with this exact structure:
{
  "soap_note": "Complete SOAP note text here...",
  "soap_sections": {
    "subjective": [
      {"statement": "Patient reports chest pain for 2 days", "source_segments": [1, 3], "confidence": 0.95}
    ],
    "objective": [
      {"statement": "Blood pressure 140/90 mmHg", "source_segments": [7], "confidence": 0.99}
    ],
    "assessment": [
      {"statement": "Hypertension, uncontrolled", "source_segments": [7, 12], "confidence": 0.85}
    ],
    "plan": [
      {"statement": "Start lisinopril 10mg daily", "source_segments": [15], "confidence": 0.90}
    ]
  }
}

Make sure to:
- Include confidence scores (0.0-1.0) for how well each statement is supported by the source
- Reference specific segment numbers that support each statement
- Use proper medical terminology
- Be thorough but concise`

// BuildPrompt renders the drafting prompt for the given numbered transcript.
func BuildPrompt(formattedTranscript string) string {
	return fmt.Sprintf(promptTemplate, formattedTranscript)
}

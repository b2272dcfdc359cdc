package stream

import (
	"github.com/auriscribe/auriscribe/pkg/provider/notegen"
)

// Inbound control frame types.
const (
	frameProcessingSettings = "processing_settings"
	frameStopRecording      = "stop_recording"
)

// controlFrame is an inbound JSON text frame.
type controlFrame struct {
	Type           string `json:"type"`
	ProcessingMode string `json:"processing_mode,omitempty"`
}

// envelope is the shape of every outbound message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// statusData carries connection_status and error payloads.
type statusData struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// modeData carries the processing_status acknowledgement.
type modeData struct {
	Mode    string `json:"mode"`
	Message string `json:"message"`
}

// transcriptData carries incremental transcript updates.
type transcriptData struct {
	Text           string `json:"text"`
	IsFinal        bool   `json:"is_final"`
	FullTranscript string `json:"full_transcript"`
	ProcessingMode string `json:"processing_mode"`
}

// completeData is the terminal success payload.
type completeData struct {
	SessionID      string                         `json:"session_id"`
	Transcript     string                         `json:"transcript"`
	Note           string                         `json:"soap_note"`
	Sections       map[string][]notegen.Statement `json:"sections"`
	Segments       []string                       `json:"segments"`
	ProcessingTime float64                        `json:"processing_time"`
	ProcessingMode string                         `json:"processing_mode"`
}

func connectionStatusMsg(status, message string) envelope {
	return envelope{Type: "connection_status", Data: statusData{Status: status, Message: message}}
}

func processingStatusMsg(mode, message string) envelope {
	return envelope{Type: "processing_status", Data: modeData{Mode: mode, Message: message}}
}

func transcriptUpdateMsg(text, full, mode string) envelope {
	return envelope{Type: "transcript_update", Data: transcriptData{
		Text:           text,
		FullTranscript: full,
		ProcessingMode: mode,
	}}
}

func sessionCompleteMsg(data completeData) envelope {
	return envelope{Type: "session_complete", Data: data}
}

func errorMsg(message string) envelope {
	return envelope{Type: "error", Data: statusData{Message: message}}
}

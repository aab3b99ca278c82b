package relay

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/transcript"
)

// Outbound event names. These are wire contract, clients match on them.
const (
	EventRecordingStarted     = "recording:started"
	EventRecordingStopped     = "recording:stopped"
	EventRecordingError       = "recording:error"
	EventTranslationResult    = "translation:result"
	EventTranscriptionError   = "transcription:error"
	EventConversationComplete = "conversation:complete"
	EventQuotaExceeded        = "quota:exceeded"
)

// Inbound control event names.
const (
	ControlStartRecording = "start_recording"
	ControlStopRecording  = "stop_recording"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ControlMessage is an inbound text frame from the client.
type ControlMessage struct {
	Event string `json:"event"`
}

// ParseControl decodes an inbound text frame.
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("control message missing event")
	}
	return &msg, nil
}

// RecordingStartedData acknowledges start_recording.
type RecordingStartedData struct {
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

// RecordingStoppedData acknowledges stop_recording with the billable
// duration so far.
type RecordingStoppedData struct {
	ConversationID string `json:"conversationId"`
	DurationMs     int64  `json:"durationMs"`
	Timestamp      int64  `json:"timestamp"`
}

// RecordingErrorData reports a client-side recording fault.
type RecordingErrorData struct {
	Message string `json:"message"`
}

// TranscriptionErrorData reports a streaming fault. Code is set for gated
// audio (RECORDING_NOT_STARTED); ConversationID ties upstream faults to a
// session.
type TranscriptionErrorData struct {
	Message        string         `json:"message"`
	Code           apperrors.Code `json:"code,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
}

// ConversationCompleteData signals the upstream finished the stream.
type ConversationCompleteData struct {
	ConversationID string `json:"conversationId"`
}

func translationEvent(result transcript.TranslationResult) Envelope {
	return Envelope{Event: EventTranslationResult, Data: result}
}

func quotaExceededEvent(err *apperrors.QuotaExceededError) Envelope {
	return Envelope{Event: EventQuotaExceeded, Data: err}
}

package transcriptions

import "time"

// Status values of a transcription record. IN_PROGRESS is the only
// non-terminal state.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusNoData     = "NO_DATA"
	StatusFailed     = "FAILED"
)

// Record is one durable transcription row, keyed by conversation ID.
type Record struct {
	ID                  string
	OrganizationID      string
	DurationInMs        int64
	ModelName           string
	TargetLanguage      *string
	SourceLanguage      *string
	TranscriptionResult *string
	TranslationResult   *string
	Vocabularies        []byte
	Status              string
	Version             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UpsertParams carries one periodic or final write. The create path
// populates every column; the update path overwrites only the streaming
// fields, plus languages when Final is set.
type UpsertParams struct {
	ID                  string
	OrganizationID      string
	DurationInMs        int64
	ModelName           string
	TargetLanguage      *string
	SourceLanguage      *string
	TranscriptionResult *string
	TranslationResult   *string
	Vocabularies        []byte
	Status              string
	Final               bool
}

package transcript

// TrackType distinguishes the recognized-speech track from the translated
// track. Every token belongs to exactly one.
type TrackType string

const (
	TrackOriginal    TrackType = "original"
	TrackTranslation TrackType = "translation"
)

// Segment is one speaker-grouped run of finalized text. Consecutive final
// tokens from the same diarized speaker are merged into a single segment.
// Timestamp is milliseconds since recording start.
type Segment struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TranslationResult is the live event emitted to the client for each
// accepted token, partial or final.
type TranslationResult struct {
	Text           string    `json:"text"`
	Type           TrackType `json:"type"`
	Language       string    `json:"language"`
	SourceLanguage string    `json:"sourceLanguage,omitempty"`
	Timestamp      int64     `json:"timestamp"`
	IsFinal        bool      `json:"isFinal"`
	Speaker        string    `json:"speaker,omitempty"`
}

// Snapshot is a point-in-time copy of the accumulated state, safe to read
// outside the owning session.
type Snapshot struct {
	LiveOriginal     string
	LiveTranslation  string
	FinalOriginal    []Segment
	FinalTranslation []Segment
	TargetLanguage   string
	SourceLanguage   string
	HasReceivedData  bool
	HasError         bool
}

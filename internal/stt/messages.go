package stt

// SessionConfig is the first frame written after the transport opens. The
// upstream refuses audio until it has been received.
type SessionConfig struct {
	APIKey                       string      `json:"api_key"`
	Model                        string      `json:"model"`
	EnableLanguageIdentification bool        `json:"enable_language_identification"`
	EnableSpeakerDiarization     bool        `json:"enable_speaker_diarization"`
	EnableEndpointDetection      bool        `json:"enable_endpoint_detection"`
	AudioFormat                  string      `json:"audio_format"`
	SampleRate                   int         `json:"sample_rate"`
	NumChannels                  int         `json:"num_channels"`
	Translation                  Translation `json:"translation"`
	LanguageHints                []string    `json:"language_hints"`
}

// Translation configures one-way translation of the recognized speech.
type Translation struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

// Token is a single recognition unit. Partial tokens (IsFinal=false) are
// live previews and may be revised; final tokens are immutable.
type Token struct {
	Text              string  `json:"text"`
	TranslationStatus string  `json:"translation_status,omitempty"`
	IsFinal           bool    `json:"is_final,omitempty"`
	Speaker           *string `json:"speaker,omitempty"`
}

// IsTranslation reports whether the token belongs to the translation track.
func (t Token) IsTranslation() bool {
	return t.TranslationStatus == "translation"
}

// Message is one inbound JSON frame from the upstream provider. Exactly one
// of the three shapes is populated: a token batch, an error envelope
// (ErrorCode set), or a completion marker (Finished set).
type Message struct {
	Tokens           []Token `json:"tokens,omitempty"`
	DetectedLanguage string  `json:"detected_language,omitempty"`
	ErrorCode        string  `json:"error_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	Finished         bool    `json:"finished,omitempty"`
}

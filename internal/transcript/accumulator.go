package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vocaline/transcribe-relay/internal/stt"
)

// endOfUtteranceMarker is emitted by the upstream between utterances and
// never belongs in the transcript.
const endOfUtteranceMarker = "<end>"

// Accumulator reconstructs speaker-attributed transcript and translation
// state from the interleaved partial/final token stream of one session.
//
// Two representations are kept per track:
//   - a live buffer: every accepted token appended verbatim with
//     human-readable speaker-change markers, used only for client preview
//     and for the "anything to save yet?" check;
//   - final segments: speaker-grouped runs of finalized tokens, the only
//     representation that is ever persisted.
//
// The accumulator is owned by a single session actor and is not safe for
// concurrent use.
type Accumulator struct {
	targetLanguage string
	sourceLanguage string
	vocabularies   json.RawMessage

	liveOriginal    []string
	liveTranslation []string

	finalOriginal    []Segment
	finalTranslation []Segment

	lastOriginalSpeaker    *string
	lastTranslationSpeaker *string

	hasReceivedData bool
	hasError        bool

	recordingStart time.Time

	clock func() time.Time
}

// NewAccumulator creates an accumulator for one session.
func NewAccumulator(targetLanguage string, vocabularies json.RawMessage) *Accumulator {
	return &Accumulator{
		targetLanguage: targetLanguage,
		vocabularies:   vocabularies,
		clock:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (a *Accumulator) SetClock(clock func() time.Time) {
	a.clock = clock
}

// SetRecordingStart anchors final-segment timestamps. Called once when the
// user starts recording; tokens arriving before that get timestamp 0.
func (a *Accumulator) SetRecordingStart(t time.Time) {
	if a.recordingStart.IsZero() {
		a.recordingStart = t
	}
}

// Apply folds one upstream message into the accumulated state and returns
// the live events to emit to the client, in token order.
//
// An error envelope sets hasError but deliberately keeps all accumulated
// data: the final durable write still persists whatever arrived before the
// failure.
func (a *Accumulator) Apply(msg stt.Message) []TranslationResult {
	if msg.ErrorCode != "" {
		a.hasError = true
		return nil
	}

	results := make([]TranslationResult, 0, len(msg.Tokens))

	for _, token := range msg.Tokens {
		if token.Text == "" || token.Text == endOfUtteranceMarker {
			continue
		}

		a.hasReceivedData = true

		track := TrackOriginal
		if token.IsTranslation() {
			track = TrackTranslation
		}

		a.appendLive(track, token)

		if token.IsFinal && token.Speaker != nil {
			a.appendFinal(track, token)
		}

		if msg.DetectedLanguage != "" && a.sourceLanguage == "" && track == TrackOriginal {
			a.sourceLanguage = msg.DetectedLanguage
		}

		results = append(results, a.result(track, token))
	}

	return results
}

// appendLive writes the token into the live preview buffer, inserting a
// speaker-change marker when the diarized speaker flips on this track.
func (a *Accumulator) appendLive(track TrackType, token stt.Token) {
	buf, lastSpeaker := &a.liveOriginal, &a.lastOriginalSpeaker
	if track == TrackTranslation {
		buf, lastSpeaker = &a.liveTranslation, &a.lastTranslationSpeaker
	}

	if token.Speaker != nil && (*lastSpeaker == nil || **lastSpeaker != *token.Speaker) {
		if *lastSpeaker != nil {
			*buf = append(*buf, "\n\n")
		}
		speaker := *token.Speaker
		*lastSpeaker = &speaker
		*buf = append(*buf, fmt.Sprintf("Speaker %s: ", speaker))
	}

	*buf = append(*buf, token.Text)
}

// appendFinal merges the finalized token into the segment list: same
// speaker as the previous segment concatenates, otherwise a new segment
// starts.
func (a *Accumulator) appendFinal(track TrackType, token stt.Token) {
	segments := &a.finalOriginal
	if track == TrackTranslation {
		segments = &a.finalTranslation
	}

	role := fmt.Sprintf("Speaker %s", *token.Speaker)

	var timestamp int64
	if !a.recordingStart.IsZero() {
		timestamp = a.clock().Sub(a.recordingStart).Milliseconds()
	}

	if n := len(*segments); n > 0 && (*segments)[n-1].Role == role {
		(*segments)[n-1].Text += token.Text
		return
	}

	*segments = append(*segments, Segment{
		Role:      role,
		Text:      token.Text,
		Timestamp: timestamp,
	})
}

func (a *Accumulator) result(track TrackType, token stt.Token) TranslationResult {
	language := a.sourceLanguage
	if track == TrackTranslation {
		language = a.targetLanguage
	}

	speaker := ""
	if token.Speaker != nil {
		speaker = *token.Speaker
	}

	var timestamp int64
	if !a.recordingStart.IsZero() {
		timestamp = a.clock().Sub(a.recordingStart).Milliseconds()
	}

	return TranslationResult{
		Text:           token.Text,
		Type:           track,
		Language:       language,
		SourceLanguage: a.sourceLanguage,
		Timestamp:      timestamp,
		IsFinal:        token.IsFinal,
		Speaker:        speaker,
	}
}

// MarkError records an upstream failure without touching accumulated data.
func (a *Accumulator) MarkError() {
	a.hasError = true
}

// HasReceivedData reports whether any token with non-empty text arrived.
func (a *Accumulator) HasReceivedData() bool {
	return a.hasReceivedData
}

// HasError reports whether the upstream reported an error envelope.
func (a *Accumulator) HasError() bool {
	return a.hasError
}

// TargetLanguage returns the session's translation target.
func (a *Accumulator) TargetLanguage() string {
	return a.targetLanguage
}

// SourceLanguage returns the detected source language, or empty.
func (a *Accumulator) SourceLanguage() string {
	return a.sourceLanguage
}

// Vocabularies returns the opaque vocabulary payload supplied at connect.
func (a *Accumulator) Vocabularies() json.RawMessage {
	return a.vocabularies
}

// Snapshot copies the current state for persistence. The segment slices
// are deep-copied so later tokens cannot mutate an enqueued payload.
func (a *Accumulator) Snapshot() Snapshot {
	finalOriginal := make([]Segment, len(a.finalOriginal))
	copy(finalOriginal, a.finalOriginal)
	finalTranslation := make([]Segment, len(a.finalTranslation))
	copy(finalTranslation, a.finalTranslation)

	return Snapshot{
		LiveOriginal:     strings.Join(a.liveOriginal, ""),
		LiveTranslation:  strings.Join(a.liveTranslation, ""),
		FinalOriginal:    finalOriginal,
		FinalTranslation: finalTranslation,
		TargetLanguage:   a.targetLanguage,
		SourceLanguage:   a.sourceLanguage,
		HasReceivedData:  a.hasReceivedData,
		HasError:         a.hasError,
	}
}

// MarshalSegments serializes a segment list the way it is persisted.
func MarshalSegments(segments []Segment) (string, error) {
	data, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segments: %w", err)
	}
	return string(data), nil
}

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/logger"
	"github.com/vocaline/transcribe-relay/internal/metering"
	"github.com/vocaline/transcribe-relay/internal/metrics"
	"github.com/vocaline/transcribe-relay/internal/stt"
	"github.com/vocaline/transcribe-relay/internal/transcript"
	"github.com/vocaline/transcribe-relay/internal/transcriptions"
	"github.com/vocaline/transcribe-relay/internal/writequeue"
)

// Upstream is the streaming speech connection a session forwards audio to.
// *stt.Client satisfies it.
type Upstream interface {
	SendAudio(ctx context.Context, frame []byte) error
	Events() <-chan stt.Message
	Err() error
	Close()
}

// TranscriptionWriter persists transcription rows.
type TranscriptionWriter interface {
	Upsert(ctx context.Context, p transcriptions.UpsertParams) error
}

// UsageRecorder charges a finished session against the organization's
// quota.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, orgID string, durationMs int64) error
}

type eventKind int

const (
	evControl eventKind = iota
	evAudio
	evUpstreamMsg
	evUpstreamClosed
)

type sessionEvent struct {
	kind    eventKind
	control string
	audio   []byte
	msg     stt.Message
}

// SessionConfig carries the per-connection parameters a session is built
// from.
type SessionConfig struct {
	ConversationID       string
	OrganizationID       string
	UserID               string
	TargetLanguage       string
	Vocabularies         json.RawMessage
	ModelName            string
	PeriodicSaveInterval time.Duration
	SendBufferSize       int
}

// Session is the per-connection actor. Audio frames, upstream messages,
// control events, and timer ticks are multiplexed onto one input channel
// and processed by a single goroutine, so the accumulator and meter see a
// linear event order without locking.
type Session struct {
	id             string
	orgID          string
	userID         string
	targetLanguage string
	modelName      string
	saveInterval   time.Duration

	acc   *transcript.Accumulator
	meter *metering.Meter

	upstream Upstream
	queue    *writequeue.Queue
	store    TranscriptionWriter
	usage    UsageRecorder
	mets     *metrics.Metrics

	in  chan sessionEvent
	out chan Envelope

	runCtx  context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	subscribed bool

	closeOut sync.Once

	clock  func() time.Time
	logger *logger.Logger
}

// NewSession builds a session actor. Run must be started before the
// client read pump feeds it.
func NewSession(
	cfg SessionConfig,
	upstream Upstream,
	queue *writequeue.Queue,
	store TranscriptionWriter,
	usage UsageRecorder,
	mets *metrics.Metrics,
	log *logger.Logger,
) *Session {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.PeriodicSaveInterval <= 0 {
		cfg.PeriodicSaveInterval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:             cfg.ConversationID,
		orgID:          cfg.OrganizationID,
		userID:         cfg.UserID,
		targetLanguage: cfg.TargetLanguage,
		modelName:      cfg.ModelName,
		saveInterval:   cfg.PeriodicSaveInterval,
		acc:            transcript.NewAccumulator(cfg.TargetLanguage, cfg.Vocabularies),
		meter:          metering.NewMeter(log),
		upstream:       upstream,
		queue:          queue,
		store:          store,
		usage:          usage,
		mets:           mets,
		in:             make(chan sessionEvent, 256),
		out:            make(chan Envelope, cfg.SendBufferSize),
		runCtx:         ctx,
		cancel:         cancel,
		runDone:        make(chan struct{}),
		clock:          time.Now,
		logger: log.WithComponent("session").WithFields(map[string]interface{}{
			"conversation_id": cfg.ConversationID,
		}),
	}
}

// Out is the outbound event stream. The socket writer drains it; it is
// closed when the session finalizes.
func (s *Session) Out() <-chan Envelope {
	return s.out
}

// HandleControlFrame feeds one inbound text frame into the actor.
func (s *Session) HandleControlFrame(data []byte) {
	msg, err := ParseControl(data)
	if err != nil {
		s.logger.Warn("discarding malformed control frame", slog.String("error", err.Error()))
		return
	}
	s.push(sessionEvent{kind: evControl, control: msg.Event})
}

// HandleAudio feeds one inbound binary frame into the actor.
func (s *Session) HandleAudio(frame []byte) {
	s.push(sessionEvent{kind: evAudio, audio: frame})
}

func (s *Session) push(ev sessionEvent) {
	select {
	case s.in <- ev:
	case <-s.runCtx.Done():
	}
}

// Run is the actor loop. It exits when the session is canceled by
// finalization.
func (s *Session) Run() {
	defer close(s.runDone)

	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.in:
			s.handle(ev)
		case <-ticker.C:
			s.schedulePeriodicSave()
		case <-s.runCtx.Done():
			return
		}
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch ev.kind {
	case evControl:
		s.handleControl(ev.control)
	case evAudio:
		s.handleAudio(ev.audio)
	case evUpstreamMsg:
		s.handleUpstreamMessage(ev.msg)
	case evUpstreamClosed:
		s.handleUpstreamClosed()
	}
}

func (s *Session) handleControl(event string) {
	switch event {
	case ControlStartRecording:
		startedAt := s.meter.Start()
		s.acc.SetRecordingStart(startedAt)
		s.emit(Envelope{Event: EventRecordingStarted, Data: RecordingStartedData{
			ConversationID: s.id,
			Timestamp:      s.clock().UnixMilli(),
		}})

	case ControlStopRecording:
		s.meter.Stop()
		// Pause checkpoints durably so a later crash loses nothing.
		s.schedulePeriodicSave()
		s.emit(Envelope{Event: EventRecordingStopped, Data: RecordingStoppedData{
			ConversationID: s.id,
			DurationMs:     s.meter.CurrentDurationMs(),
			Timestamp:      s.clock().UnixMilli(),
		}})

	default:
		s.logger.Warn("unknown control event", slog.String("event", event))
		s.emit(Envelope{Event: EventRecordingError, Data: RecordingErrorData{
			Message: "unknown event: " + event,
		}})
	}
}

func (s *Session) handleAudio(frame []byte) {
	if !s.meter.Recording() {
		s.emit(Envelope{Event: EventTranscriptionError, Data: TranscriptionErrorData{
			Message:        "recording has not been started",
			Code:           apperrors.CodeRecordingNotStarted,
			ConversationID: s.id,
		}})
		return
	}

	if s.mets != nil {
		s.mets.AudioFramesTotal.Inc()
		s.mets.AudioBytesTotal.Add(float64(len(frame)))
	}

	if !s.subscribed {
		s.subscribed = true
		go s.pumpUpstream()
	}

	if err := s.upstream.SendAudio(s.runCtx, frame); err != nil {
		s.logger.Error("failed to forward audio frame",
			slog.Int("frame_size", len(frame)),
			slog.String("error", err.Error()))
		s.acc.MarkError()
		s.emit(Envelope{Event: EventTranscriptionError, Data: TranscriptionErrorData{
			Message:        "failed to forward audio to transcription service",
			ConversationID: s.id,
		}})
	}
}

// pumpUpstream forwards upstream messages into the actor loop. Started
// once, on the first accepted audio frame.
func (s *Session) pumpUpstream() {
	for msg := range s.upstream.Events() {
		select {
		case s.in <- sessionEvent{kind: evUpstreamMsg, msg: msg}:
		case <-s.runCtx.Done():
			return
		}
	}

	select {
	case s.in <- sessionEvent{kind: evUpstreamClosed}:
	case <-s.runCtx.Done():
	}
}

func (s *Session) handleUpstreamMessage(msg stt.Message) {
	results := s.acc.Apply(msg)

	for _, result := range results {
		if s.mets != nil {
			s.mets.TokensTotal.WithLabelValues(string(result.Type)).Inc()
		}
		s.emit(translationEvent(result))
	}

	if msg.ErrorCode != "" {
		s.emit(Envelope{Event: EventTranscriptionError, Data: TranscriptionErrorData{
			Message:        msg.ErrorMessage,
			ConversationID: s.id,
		}})
	}

	if msg.Finished {
		s.emit(Envelope{Event: EventConversationComplete, Data: ConversationCompleteData{
			ConversationID: s.id,
		}})
	}
}

func (s *Session) handleUpstreamClosed() {
	err := s.upstream.Err()
	if err == nil {
		s.logger.Debug("upstream stream ended")
		return
	}

	s.logger.Error("upstream stream terminated", slog.String("error", err.Error()))
	s.acc.MarkError()
	s.emit(Envelope{Event: EventTranscriptionError, Data: TranscriptionErrorData{
		Message:        "transcription stream error",
		ConversationID: s.id,
	}})
}

// emit sends one event to the client writer. Partial results are
// best-effort: a client that cannot drain its buffer loses events rather
// than stalling the audio path.
func (s *Session) emit(ev Envelope) {
	select {
	case s.out <- ev:
		return
	default:
	}

	select {
	case s.out <- ev:
	case <-time.After(100 * time.Millisecond):
		s.logger.Warn("dropping event, client send buffer full",
			slog.String("event", ev.Event))
	}
}

// schedulePeriodicSave enqueues an IN_PROGRESS checkpoint of the current
// transcript. Skipped while nothing has accumulated.
func (s *Session) schedulePeriodicSave() {
	snap := s.acc.Snapshot()

	if snap.LiveOriginal == "" && snap.LiveTranslation == "" {
		s.logger.Debug("skipping periodic save, no data accumulated")
		return
	}
	if s.targetLanguage == "" {
		s.logger.Warn("skipping periodic save, no target language")
		return
	}

	params := s.buildUpsertParams(snap, s.meter.CurrentDurationMs(), transcriptions.StatusInProgress, false)
	s.enqueue(params, writequeue.PriorityPeriodic)
}

func (s *Session) buildUpsertParams(snap transcript.Snapshot, durationMs int64, status string, final bool) transcriptions.UpsertParams {
	params := transcriptions.UpsertParams{
		ID:             s.id,
		OrganizationID: s.orgID,
		DurationInMs:   durationMs,
		ModelName:      s.modelName,
		TargetLanguage: optional(s.targetLanguage),
		SourceLanguage: optional(snap.SourceLanguage),
		Status:         status,
		Final:          final,
	}

	// Transcript fields stay null unless data actually arrived, so a
	// NO_DATA or FAILED row never carries empty segment lists.
	if snap.HasReceivedData {
		if original, err := transcript.MarshalSegments(snap.FinalOriginal); err == nil {
			params.TranscriptionResult = &original
		}
		if translated, err := transcript.MarshalSegments(snap.FinalTranslation); err == nil {
			params.TranslationResult = &translated
		}
		params.Vocabularies = s.acc.Vocabularies()
	}

	return params
}

func (s *Session) enqueue(params transcriptions.UpsertParams, priority int) {
	store := s.store
	s.queue.Enqueue(&writequeue.Op{
		ID:       s.id,
		Kind:     writequeue.KindUpsert,
		Table:    "transcriptions",
		Priority: priority,
		Execute: func(ctx context.Context) error {
			return store.Upsert(ctx, params)
		},
	})
}

// finalize runs the disconnect path. Callers go through
// Registry.Finalize, which guarantees exactly-once execution.
func (s *Session) finalize(ctx context.Context) {
	// Stop the actor and the pumps before touching session state; the
	// accumulator is not safe to read while Run is live.
	s.cancel()
	<-s.runDone

	s.upstream.Close()

	durationMs := s.meter.CurrentDurationMs()
	snap := s.acc.Snapshot()

	// Sessions from pre-metering clients never send start_recording but
	// still stream audio; bill their connection time instead.
	if durationMs == 0 && snap.HasReceivedData {
		durationMs = s.meter.SinceSessionStartMs()
	}

	defer s.closeOut.Do(func() { close(s.out) })

	if durationMs == 0 {
		s.logger.Info("skipping finalization write, zero duration")
		return
	}

	status := transcriptions.StatusNoData
	switch {
	case snap.HasReceivedData:
		// Partial data survives an upstream error.
		status = transcriptions.StatusCompleted
	case snap.HasError:
		status = transcriptions.StatusFailed
	}

	if s.targetLanguage == "" {
		s.logger.Warn("skipping finalization write, no target language",
			slog.Int64("duration_ms", durationMs))
		return
	}

	params := s.buildUpsertParams(snap, durationMs, status, true)
	s.enqueue(params, writequeue.PriorityFinal)

	s.logger.Info("finalization write enqueued",
		slog.String("status", status),
		slog.Int64("duration_ms", durationMs),
		slog.Int("final_original_segments", len(snap.FinalOriginal)),
		slog.Int("final_translation_segments", len(snap.FinalTranslation)))

	if err := s.usage.RecordUsage(ctx, s.orgID, durationMs); err != nil {
		s.logger.Error("failed to record usage",
			slog.String("org_id", s.orgID),
			slog.Int64("duration_ms", durationMs),
			slog.String("error", err.Error()))
	}

	if s.mets != nil {
		s.mets.SessionDuration.Observe(float64(durationMs) / 1000)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

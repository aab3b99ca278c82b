package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/logger"
	"github.com/vocaline/transcribe-relay/internal/stt"
	"github.com/vocaline/transcribe-relay/internal/transcript"
	"github.com/vocaline/transcribe-relay/internal/transcriptions"
	"github.com/vocaline/transcribe-relay/internal/writequeue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeUpstream struct {
	mu     sync.Mutex
	frames [][]byte
	events chan stt.Message
	err    error
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan stt.Message, 16)}
}

func (f *fakeUpstream) SendAudio(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeUpstream) Events() <-chan stt.Message { return f.events }

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeUpstream) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeTranscriptionStore struct {
	mu      sync.Mutex
	upserts []transcriptions.UpsertParams
}

func (f *fakeTranscriptionStore) Upsert(ctx context.Context, p transcriptions.UpsertParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, p)
	return nil
}

func (f *fakeTranscriptionStore) all() []transcriptions.UpsertParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transcriptions.UpsertParams, len(f.upserts))
	copy(out, f.upserts)
	return out
}

type usageCall struct {
	orgID      string
	durationMs int64
}

type fakeUsageRecorder struct {
	mu    sync.Mutex
	calls []usageCall
}

func (f *fakeUsageRecorder) RecordUsage(ctx context.Context, orgID string, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, usageCall{orgID: orgID, durationMs: durationMs})
	return nil
}

func (f *fakeUsageRecorder) all() []usageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]usageCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type harness struct {
	session  *Session
	registry *Registry
	clock    *fakeClock
	upstream *fakeUpstream
	store    *fakeTranscriptionStore
	usage    *fakeUsageRecorder
	queue    *writequeue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.New(logger.FromConfig("error", "json"))
	clock := newFakeClock()
	upstream := newFakeUpstream()
	store := &fakeTranscriptionStore{}
	usage := &fakeUsageRecorder{}
	queue := writequeue.New(writequeue.Options{
		MaxConcurrency: 3,
		PollInterval:   10 * time.Millisecond,
		MaxRetries:     3,
	}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Close(ctx)
	})

	session := NewSession(SessionConfig{
		ConversationID:       "conv-1",
		OrganizationID:       "org-1",
		UserID:               "user-1",
		TargetLanguage:       "id",
		ModelName:            "stt-rt-v3",
		PeriodicSaveInterval: time.Hour,
	}, upstream, queue, store, usage, nil, log)

	session.clock = clock.Now
	session.meter.SetClock(clock.Now)
	session.acc.SetClock(clock.Now)

	registry := NewRegistry(log)
	if _, ok := registry.Add(session); !ok {
		t.Fatal("failed to register session")
	}

	go session.Run()

	return &harness{
		session:  session,
		registry: registry,
		clock:    clock,
		upstream: upstream,
		store:    store,
		usage:    usage,
		queue:    queue,
	}
}

func (h *harness) nextEvent(t *testing.T) Envelope {
	t.Helper()
	select {
	case ev, ok := <-h.session.Out():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Envelope{}
}

func (h *harness) expectEvent(t *testing.T, name string) Envelope {
	t.Helper()
	ev := h.nextEvent(t)
	if ev.Event != name {
		t.Fatalf("expected event %q, got %q", name, ev.Event)
	}
	return ev
}

func (h *harness) finalize(t *testing.T) {
	t.Helper()
	h.registry.Finalize(context.Background(), h.session.id)
	if err := h.queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
}

func controlFrame(event string) []byte {
	data, _ := json.Marshal(ControlMessage{Event: event})
	return data
}

func strptr(s string) *string { return &s }

func TestHappyPathRecordsCompletedSession(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)

	for i := 0; i < 3; i++ {
		h.session.HandleAudio([]byte{0x01, 0x02})
	}

	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "Hello", IsFinal: true, Speaker: strptr("1")},
		{Text: " world", IsFinal: true, Speaker: strptr("1")},
	}}
	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "Halo dunia", TranslationStatus: "translation", IsFinal: true, Speaker: strptr("1")},
	}}

	for i := 0; i < 3; i++ {
		ev := h.expectEvent(t, EventTranslationResult)
		if _, ok := ev.Data.(transcript.TranslationResult); !ok {
			t.Fatalf("unexpected data type %T", ev.Data)
		}
	}

	h.clock.Advance(3141 * time.Millisecond)
	h.session.HandleControlFrame(controlFrame(ControlStopRecording))
	stopped := h.expectEvent(t, EventRecordingStopped)
	if data := stopped.Data.(RecordingStoppedData); data.DurationMs != 3141 {
		t.Errorf("stop duration = %d, want 3141", data.DurationMs)
	}

	h.finalize(t)

	if h.upstream.frameCount() != 3 {
		t.Errorf("forwarded frames = %d, want 3", h.upstream.frameCount())
	}

	upserts := h.store.all()
	var final *transcriptions.UpsertParams
	for i := range upserts {
		if upserts[i].Final {
			final = &upserts[i]
		}
	}
	if final == nil {
		t.Fatal("no final upsert recorded")
	}
	if final.Status != transcriptions.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.DurationInMs != 3141 {
		t.Errorf("duration = %d, want 3141", final.DurationInMs)
	}
	if final.TranscriptionResult == nil {
		t.Fatal("missing transcription result")
	}

	var segments []transcript.Segment
	if err := json.Unmarshal([]byte(*final.TranscriptionResult), &segments); err != nil {
		t.Fatalf("bad transcription JSON: %v", err)
	}
	if len(segments) != 1 || segments[0].Role != "Speaker 1" || segments[0].Text != "Hello world" {
		t.Errorf("unexpected segments: %+v", segments)
	}

	var translated []transcript.Segment
	if err := json.Unmarshal([]byte(*final.TranslationResult), &translated); err != nil {
		t.Fatalf("bad translation JSON: %v", err)
	}
	if len(translated) != 1 || translated[0].Text != "Halo dunia" {
		t.Errorf("unexpected translation segments: %+v", translated)
	}

	usage := h.usage.all()
	if len(usage) != 1 {
		t.Fatalf("usage calls = %d, want 1", len(usage))
	}
	if usage[0].orgID != "org-1" || usage[0].durationMs != 3141 {
		t.Errorf("unexpected usage call: %+v", usage[0])
	}
}

func TestZeroDurationDisconnectWritesNothing(t *testing.T) {
	h := newHarness(t)

	h.finalize(t)

	if n := len(h.store.all()); n != 0 {
		t.Errorf("upserts = %d, want 0", n)
	}
	if n := len(h.usage.all()); n != 0 {
		t.Errorf("usage calls = %d, want 0", n)
	}
}

func TestAudioRejectedBeforeRecordingStarts(t *testing.T) {
	h := newHarness(t)

	h.session.HandleAudio([]byte{0x01})

	ev := h.expectEvent(t, EventTranscriptionError)
	data := ev.Data.(TranscriptionErrorData)
	if data.Code != apperrors.CodeRecordingNotStarted {
		t.Errorf("code = %s, want RECORDING_NOT_STARTED", data.Code)
	}
	if h.upstream.frameCount() != 0 {
		t.Errorf("frames forwarded despite gate: %d", h.upstream.frameCount())
	}
}

func TestUpstreamErrorAfterPartialDataCompletes(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})

	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "partial", IsFinal: true, Speaker: strptr("1")},
	}}
	h.expectEvent(t, EventTranslationResult)

	h.upstream.events <- stt.Message{ErrorCode: "AUTH_REFUSED", ErrorMessage: "upstream rejected credentials"}
	h.expectEvent(t, EventTranscriptionError)

	h.clock.Advance(1200 * time.Millisecond)
	h.finalize(t)

	upserts := h.store.all()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	final := upserts[0]
	if final.Status != transcriptions.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED (partial data preserved)", final.Status)
	}
	if final.DurationInMs != 1200 {
		t.Errorf("duration = %d, want 1200", final.DurationInMs)
	}
	if final.TranscriptionResult == nil {
		t.Fatal("partial transcript lost")
	}

	usage := h.usage.all()
	if len(usage) != 1 || usage[0].durationMs != 1200 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestErrorWithoutDataFinalizesFailed(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})

	h.upstream.events <- stt.Message{ErrorCode: "INTERNAL", ErrorMessage: "boom"}
	h.expectEvent(t, EventTranscriptionError)

	h.clock.Advance(500 * time.Millisecond)
	h.finalize(t)

	upserts := h.store.all()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	if upserts[0].Status != transcriptions.StatusFailed {
		t.Errorf("status = %s, want FAILED", upserts[0].Status)
	}
	if upserts[0].TranscriptionResult != nil {
		t.Error("transcript fields should be null without data")
	}
}

func TestSilentSessionFinalizesNoData(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)

	h.clock.Advance(2 * time.Second)
	h.finalize(t)

	upserts := h.store.all()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	if upserts[0].Status != transcriptions.StatusNoData {
		t.Errorf("status = %s, want NO_DATA", upserts[0].Status)
	}
}

func TestUpstreamFinishedEmitsComplete(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})

	h.upstream.events <- stt.Message{Finished: true}

	ev := h.expectEvent(t, EventConversationComplete)
	if data := ev.Data.(ConversationCompleteData); data.ConversationID != "conv-1" {
		t.Errorf("conversation id = %s", data.ConversationID)
	}
}

func TestDoubleFinalizeWritesOnce(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.clock.Advance(time.Second)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h.registry.Finalize(context.Background(), "conv-1")
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	if err := h.queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if n := len(h.store.all()); n != 1 {
		t.Errorf("upserts = %d, want exactly 1", n)
	}
	if n := len(h.usage.all()); n != 1 {
		t.Errorf("usage calls = %d, want exactly 1", n)
	}
}

func TestStopRecordingCheckpointsDurably(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})

	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "checkpoint me", IsFinal: true, Speaker: strptr("1")},
	}}
	h.expectEvent(t, EventTranslationResult)

	h.clock.Advance(10 * time.Second)
	h.session.HandleControlFrame(controlFrame(ControlStopRecording))
	h.expectEvent(t, EventRecordingStopped)

	if err := h.queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	upserts := h.store.all()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1 periodic checkpoint", len(upserts))
	}
	if upserts[0].Final {
		t.Error("checkpoint marked final")
	}
	if upserts[0].Status != transcriptions.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", upserts[0].Status)
	}
}

func TestSpeakerChangeMergingAcrossFinalWrite(t *testing.T) {
	h := newHarness(t)

	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})

	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "A", IsFinal: true, Speaker: strptr("1")},
		{Text: "B", IsFinal: true, Speaker: strptr("1")},
		{Text: "C", IsFinal: true, Speaker: strptr("2")},
		{Text: "D", IsFinal: true, Speaker: strptr("1")},
	}}
	for i := 0; i < 4; i++ {
		h.expectEvent(t, EventTranslationResult)
	}

	h.clock.Advance(time.Second)
	h.finalize(t)

	upserts := h.store.all()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}

	var segments []transcript.Segment
	if err := json.Unmarshal([]byte(*upserts[0].TranscriptionResult), &segments); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	want := []struct{ role, text string }{
		{"Speaker 1", "AB"},
		{"Speaker 2", "C"},
		{"Speaker 1", "D"},
	}
	if len(segments) != len(want) {
		t.Fatalf("segments = %d, want %d: %+v", len(segments), len(want), segments)
	}
	for i, w := range want {
		if segments[i].Role != w.role || segments[i].Text != w.text {
			t.Errorf("segment %d = %+v, want %+v", i, segments[i], w)
		}
	}
}

func TestLegacyClientFallsBackToConnectionTime(t *testing.T) {
	h := newHarness(t)

	// Pre-metering clients stream audio without start_recording; the
	// gate rejects the frame but data can still arrive upstream if the
	// provider was fed by another path. Simulate tokens without any
	// recording segment.
	h.session.HandleControlFrame(controlFrame(ControlStartRecording))
	h.expectEvent(t, EventRecordingStarted)
	h.session.HandleAudio([]byte{0x01})
	h.upstream.events <- stt.Message{Tokens: []stt.Token{
		{Text: "hi", IsFinal: true, Speaker: strptr("1")},
	}}
	h.expectEvent(t, EventTranslationResult)
	h.session.HandleControlFrame(controlFrame(ControlStopRecording))
	h.expectEvent(t, EventRecordingStopped)

	// All segments closed instantly, so metered duration is zero while
	// data exists; finalization bills connection time instead.
	h.clock.Advance(5 * time.Second)
	h.finalize(t)

	upserts := h.store.all()
	var final *transcriptions.UpsertParams
	for i := range upserts {
		if upserts[i].Final {
			final = &upserts[i]
		}
	}
	if final == nil {
		t.Fatal("no final upsert")
	}
	if final.DurationInMs != 5000 {
		t.Errorf("duration = %d, want 5000 (connection time fallback)", final.DurationInMs)
	}
}

package metering

import (
	"sync"
	"time"

	"github.com/vocaline/transcribe-relay/internal/logger"
)

// segment is one closed or open start/stop interval.
type segment struct {
	start time.Time
	end   time.Time // zero while the segment is open
}

// Meter accumulates billable recording time for one session. A session may
// contain several start/stop cycles; only time between a start and its stop
// counts. Connection idle time does not.
type Meter struct {
	mu sync.Mutex

	sessionStart time.Time
	segments     []segment
	recording    bool

	clock func() time.Time

	logger *logger.Logger
}

// NewMeter creates a meter anchored at the session's connect time.
func NewMeter(log *logger.Logger) *Meter {
	m := &Meter{
		clock:  time.Now,
		logger: log.WithComponent("metering"),
	}
	m.sessionStart = m.clock()
	return m
}

// SetClock overrides the time source. Test hook; also resets the session
// anchor so tests get deterministic values.
func (m *Meter) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.sessionStart = clock()
}

// Start opens a new recording segment. Starting while already recording is
// logged and ignored rather than corrupting the open segment.
func (m *Meter) Start() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if m.recording {
		m.logger.Warn("start requested while already recording")
		return m.segments[len(m.segments)-1].start
	}

	m.recording = true
	m.segments = append(m.segments, segment{start: now})
	return now
}

// Stop closes the open recording segment. Stopping while not recording is
// logged and ignored.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recording {
		m.logger.Warn("stop requested while not recording")
		return
	}

	m.recording = false
	m.segments[len(m.segments)-1].end = m.clock()
}

// Recording reports whether a segment is currently open.
func (m *Meter) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// CurrentDurationMs sums all segments, counting a still-open segment up to
// now. This is the billable duration.
func (m *Meter) CurrentDurationMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var total time.Duration
	for _, s := range m.segments {
		end := s.end
		if end.IsZero() {
			end = now
		}
		total += end.Sub(s.start)
	}
	return total.Milliseconds()
}

// SinceSessionStartMs is the wall time since the client connected,
// regardless of recording state. Used only as a fallback when data arrived
// but no segment was ever opened.
func (m *Meter) SinceSessionStartMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock().Sub(m.sessionStart).Milliseconds()
}

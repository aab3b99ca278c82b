package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vocaline/transcribe-relay/internal/logger"
)

// Registry tracks live sessions by conversation ID. The finalizing set is
// the idempotence guard: a conversation enters it exactly once, so a
// double disconnect (or disconnect racing shutdown) cannot run
// finalization twice.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	finalizing map[string]struct{}

	logger *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		finalizing: make(map[string]struct{}),
		logger:     log.WithComponent("session-registry"),
	}
}

// Add registers a session. An existing session under the same conversation
// ID is returned so the caller can reject the duplicate connection.
func (r *Registry) Add(s *Session) (existing *Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, found := r.sessions[s.id]; found {
		return current, false
	}

	r.sessions[s.id] = s
	r.logger.Info("session registered",
		slog.String("conversation_id", s.id),
		slog.Int("active_sessions", len(r.sessions)))
	return nil, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Finalize runs a session's finalization exactly once and removes it. A
// second call for the same conversation ID is a no-op.
func (r *Registry) Finalize(ctx context.Context, conversationID string) {
	r.mu.Lock()
	session, found := r.sessions[conversationID]
	if _, busy := r.finalizing[conversationID]; busy || !found {
		r.mu.Unlock()
		if busy {
			r.logger.Debug("finalization already in progress",
				slog.String("conversation_id", conversationID))
		}
		return
	}
	r.finalizing[conversationID] = struct{}{}
	r.mu.Unlock()

	session.finalize(ctx)

	r.mu.Lock()
	delete(r.sessions, conversationID)
	delete(r.finalizing, conversationID)
	remaining := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session finalized",
		slog.String("conversation_id", conversationID),
		slog.Int("active_sessions", remaining))
}

// FinalizeAll finalizes every live session. Used during graceful shutdown
// so in-flight transcripts reach the write queue before it drains.
func (r *Registry) FinalizeAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Finalize(ctx, id)
	}
}

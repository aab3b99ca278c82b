package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vocaline/transcribe-relay/internal/auth"
	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/logger"
	"github.com/vocaline/transcribe-relay/internal/metrics"
	"github.com/vocaline/transcribe-relay/internal/quota"
	"github.com/vocaline/transcribe-relay/internal/stt"
	"github.com/vocaline/transcribe-relay/internal/writequeue"
)

// QuotaChecker is the admission gate consulted before a session starts.
// *quota.Service satisfies it.
type QuotaChecker interface {
	CheckQuotaAvailability(ctx context.Context, orgID string) (*quota.Availability, error)
}

// UpstreamDialer opens one streaming speech connection per session.
type UpstreamDialer func(ctx context.Context, params stt.StreamParams) Upstream

// HandlerConfig carries the knobs the transcription endpoint needs.
type HandlerConfig struct {
	CookieName           string
	AllowedOrigins       map[string]struct{}
	ModelName            string
	PeriodicSaveInterval time.Duration
	SendBufferSize       int
}

// Handler owns the /v1/transcribe endpoint: handshake validation, quota
// admission, the WebSocket upgrade, and per-connection pump wiring.
type Handler struct {
	cfg      HandlerConfig
	decoder  auth.SessionDecoder
	quota    QuotaChecker
	dial     UpstreamDialer
	registry *Registry
	queue    *writequeue.Queue
	store    TranscriptionWriter
	usage    UsageRecorder
	mets     *metrics.Metrics
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates the transcription endpoint handler.
func NewHandler(
	cfg HandlerConfig,
	decoder auth.SessionDecoder,
	quotaChecker QuotaChecker,
	dial UpstreamDialer,
	registry *Registry,
	queue *writequeue.Queue,
	store TranscriptionWriter,
	usage UsageRecorder,
	mets *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	h := &Handler{
		cfg:      cfg,
		decoder:  decoder,
		quota:    quotaChecker,
		dial:     dial,
		registry: registry,
		queue:    queue,
		store:    store,
		usage:    usage,
		mets:     mets,
		logger:   log.WithComponent("transcribe-handler"),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.cfg.AllowedOrigins[origin]
	return ok
}

// Transcribe handles GET /v1/transcribe. Handshake failures answer with
// plain HTTP before the upgrade; a quota rejection upgrades first so the
// one diagnostic event can be delivered.
func (h *Handler) Transcribe(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context())

	cookie, err := c.Cookie(h.cfg.CookieName)
	if err != nil {
		log.Warn("missing session cookie", slog.String("remote_addr", c.Request.RemoteAddr))
		apperrors.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	session, err := h.decoder.Decode(cookie)
	if err != nil {
		log.Warn("invalid session cookie", slog.String("remote_addr", c.Request.RemoteAddr))
		apperrors.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}

	if session.ActiveOrganizationID == "" {
		log.Warn("session has no active organization", slog.String("user_id", session.UserID))
		apperrors.AbortWithUnauthorized(c, "no active organization", nil)
		return
	}

	conversationID := c.Query("conversationId")
	targetLanguage := c.Query("targetLanguage")
	if conversationID == "" || targetLanguage == "" {
		apperrors.AbortWithBadRequest(c, "conversationId and targetLanguage are required", nil)
		return
	}

	var vocabularies json.RawMessage
	if raw := c.Query("vocabularies"); raw != "" {
		if json.Valid([]byte(raw)) {
			vocabularies = json.RawMessage(raw)
		} else {
			log.Warn("ignoring malformed vocabularies parameter",
				slog.String("conversation_id", conversationID))
		}
	}

	ctx := logger.WithConversationID(logger.WithUserID(c.Request.Context(), session.UserID), conversationID)
	log = h.logger.WithContext(ctx)

	orgID := session.ActiveOrganizationID
	availability, quotaErr := h.quota.CheckQuotaAvailability(ctx, orgID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	if quotaErr != nil {
		h.rejectQuota(conn, conversationID, orgID, quotaErr)
		return
	}

	log.Info("transcription session accepted",
		slog.String("conversation_id", conversationID),
		slog.String("org_id", orgID),
		slog.String("target_language", targetLanguage),
		slog.String("plan", availability.PlanName),
		slog.Float64("remaining_minutes", availability.RemainingMinutes))

	h.serve(conn, SessionConfig{
		ConversationID:       conversationID,
		OrganizationID:       orgID,
		UserID:               session.UserID,
		TargetLanguage:       targetLanguage,
		Vocabularies:         vocabularies,
		ModelName:            h.cfg.ModelName,
		PeriodicSaveInterval: h.cfg.PeriodicSaveInterval,
		SendBufferSize:       h.cfg.SendBufferSize,
	})
}

// rejectQuota emits the single diagnostic event the handshake contract
// allows, then disconnects. No upstream connection is attempted.
func (h *Handler) rejectQuota(conn *websocket.Conn, conversationID, orgID string, err error) {
	defer conn.Close()

	if h.mets != nil {
		h.mets.QuotaRejections.Inc()
	}

	var exceeded *apperrors.QuotaExceededError
	if errors.As(err, &exceeded) {
		h.logger.Info("session rejected, quota exceeded",
			slog.String("conversation_id", conversationID),
			slog.String("org_id", orgID),
			slog.String("plan", exceeded.Data.CurrentPlan))
		if writeErr := conn.WriteJSON(quotaExceededEvent(exceeded)); writeErr != nil {
			h.logger.Warn("failed to deliver quota event", slog.String("error", writeErr.Error()))
		}
		return
	}

	var noSub *apperrors.NoSubscriptionError
	if errors.As(err, &noSub) {
		h.logger.Warn("session rejected, no subscription",
			slog.String("conversation_id", conversationID),
			slog.String("org_id", orgID))
		return
	}

	h.logger.Error("quota check failed",
		slog.String("conversation_id", conversationID),
		slog.String("org_id", orgID),
		slog.String("error", err.Error()))
}

// serve wires one accepted connection: upstream dial, session actor,
// socket writer, and the client read pump. It returns when the client
// disconnects and finalization has run.
func (h *Handler) serve(conn *websocket.Conn, cfg SessionConfig) {
	defer conn.Close()

	upstream := h.dial(context.Background(), stt.StreamParams{
		ConversationID: cfg.ConversationID,
		TargetLanguage: cfg.TargetLanguage,
	})

	session := NewSession(cfg, upstream, h.queue, h.store, h.usage, h.mets, h.logger)

	if existing, ok := h.registry.Add(session); !ok {
		h.logger.Warn("rejecting duplicate conversation",
			slog.String("conversation_id", cfg.ConversationID),
			slog.String("existing_org_id", existing.orgID))
		upstream.Close()
		return
	}

	if h.mets != nil {
		h.mets.SessionsTotal.Inc()
		h.mets.ActiveSessions.Inc()
		defer h.mets.ActiveSessions.Dec()
	}

	go session.Run()

	// Socket writer: the only goroutine that writes to the client.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range session.Out() {
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("client write failed",
					slog.String("conversation_id", cfg.ConversationID),
					slog.String("error", err.Error()))
				return
			}
		}
	}()

	// Client read pump. A read error of any kind is the disconnect signal.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("client connection lost",
					slog.String("conversation_id", cfg.ConversationID),
					slog.String("error", err.Error()))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			session.HandleControlFrame(data)
		case websocket.BinaryMessage:
			session.HandleAudio(data)
		}
	}

	h.registry.Finalize(context.Background(), cfg.ConversationID)
	<-writerDone
}

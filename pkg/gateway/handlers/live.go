package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-labs/liverelay/pkg/gateway/apierror"
	"github.com/parlo-labs/liverelay/pkg/gateway/auth"
	"github.com/parlo-labs/liverelay/pkg/gateway/config"
	"github.com/parlo-labs/liverelay/pkg/gateway/lifecycle"
	"github.com/parlo-labs/liverelay/pkg/gateway/live/protocol"
	"github.com/parlo-labs/liverelay/pkg/gateway/live/session"
	"github.com/parlo-labs/liverelay/pkg/gateway/live/sessions"
	"github.com/parlo-labs/liverelay/pkg/gateway/mw"
	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
	"github.com/parlo-labs/liverelay/pkg/store"
)

const (
	closeWriteWait    = 2 * time.Second
	sessionLookupWait = 5 * time.Second
	auditWriteWait    = 3 * time.Second
)

// LiveHandler serves /ws/live/session/{sessionId}: it upgrades the
// connection, gates it (principal, session ownership, upstream
// preconditions), then hands the socket to a LiveSession for the rest of its
// life. Everything after a successful upgrade communicates through close
// codes and websocket frames, never HTTP status codes.
type LiveHandler struct {
	Config        config.Config
	Logger        *slog.Logger
	Authenticator *auth.Authenticator
	Store         store.Store
	Negotiator    session.Negotiator
	LiveSessions  *sessions.Tracker
	Lifecycle     *lifecycle.Lifecycle
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.Write(w, reqID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, reqID, http.StatusServiceUnavailable, "relay is draining")
		return
	}
	if h.Authenticator == nil || h.Store == nil {
		apierror.Write(w, reqID, http.StatusInternalServerError, "relay is not configured")
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		apierror.Write(w, reqID, http.StatusNotFound, "not found")
		return
	}

	logger := h.logger().With("session_id", sessionID, "request_id", reqID)

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      mw.OriginChecker(h.Config.AllowedOrigins),
	}
	conn, err := upgrader.Upgrade(w, r, subprotocolEcho(r))
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logger.Debug("websocket upgrade rejected", "error", err)
		return
	}
	defer conn.Close()

	principal := h.Authenticator.Authenticate(r)
	if principal.Anonymous() {
		h.closeWS(conn, logger, protocol.CloseUnauthorized, "unauthorized")
		return
	}
	logger = logger.With("user_id", principal.UserID)

	practice, err := h.findSession(r.Context(), sessionID, principal.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			// The client contract stays within the enumerated codes even
			// when the lookup itself failed; the real cause goes to the log.
			logger.Error("session lookup failed", "error", err)
		}
		h.closeWS(conn, logger, protocol.CloseSessionNotFound, "session not found")
		return
	}

	if h.Negotiator == nil {
		h.closeWS(conn, logger, protocol.CloseUpstreamClientUnavailable, "upstream client unavailable")
		return
	}
	if strings.TrimSpace(h.Config.GeminiAPIKey) == "" {
		h.closeWS(conn, logger, protocol.CloseUpstreamCredentialMissing, "upstream credential missing")
		return
	}

	sess, err := session.New(session.Dependencies{
		Conn:       conn,
		Logger:     logger,
		Negotiator: h.Negotiator,
		Params: upstream.Params{
			Model:             h.Config.UpstreamModel,
			AudioFirst:        h.Config.UpstreamAudioFirst,
			FallbackModel:     h.Config.UpstreamFallbackModel,
			Voice:             h.Config.UpstreamVoice,
			SystemInstruction: systemInstruction(h.Config.UpstreamSystemInstruction, practice),
		},
		Recorder: &auditRecorder{
			store:     h.Store,
			logger:    logger,
			sessionID: sessionID,
			userID:    principal.UserID,
		},
		SessionID: sessionID,
		Config: session.Config{
			MaxMessageBytes:    h.Config.WSMaxMessageBytes,
			TurnSilencePadding: h.Config.TurnSilencePadding,
			MaxTurnBufferBytes: h.Config.MaxTurnBufferBytes,
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
			ReadTimeout:        h.Config.WSReadTimeout,
		},
	})
	if err != nil {
		logger.Error("live session init failed", "error", err)
		h.closeWS(conn, logger, websocket.CloseInternalServerErr, "internal error")
		return
	}

	if h.LiveSessions != nil {
		unregister := h.LiveSessions.Register(sessionID, sess)
		defer unregister()
	}

	if err := sess.Run(); err != nil {
		logger.Warn("live session ended with error", "error", err)
	}
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// findSession bounds the store lookup so a stalled database cannot pin the
// connection in the handshake.
func (h LiveHandler) findSession(ctx context.Context, id, userID string) (*store.PracticeSession, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionLookupWait)
	defer cancel()
	return h.Store.FindSession(ctx, id, userID)
}

func (h LiveHandler) closeWS(conn *websocket.Conn, logger *slog.Logger, code int, reason string) {
	logger.Info("connection rejected", "code", code, "reason", reason)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

// subprotocolEcho accepts the first offered subprotocol. Browsers abort the
// connection when they offered subprotocols and the server selected none,
// and token-bearing clients put the credential in the second slot.
func subprotocolEcho(r *http.Request) http.Header {
	protos := websocket.Subprotocols(r)
	if len(protos) == 0 {
		return nil
	}
	return http.Header{"Sec-WebSocket-Protocol": []string{protos[0]}}
}

// systemInstruction merges the configured instruction with the practice
// session's topic so the upstream model knows what the conversation is for.
func systemInstruction(configured string, practice *store.PracticeSession) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(configured); s != "" {
		parts = append(parts, s)
	}
	if practice != nil && strings.TrimSpace(practice.Topic) != "" {
		parts = append(parts, "The practice conversation topic is: "+strings.TrimSpace(practice.Topic)+".")
	}
	return strings.Join(parts, "\n\n")
}

// auditRecorder writes session open/close records to the store. Failures are
// logged and dropped; the audit trail never interferes with a live call.
type auditRecorder struct {
	store     store.Store
	logger    *slog.Logger
	sessionID string
	userID    string
}

func (a *auditRecorder) SessionOpened(ctx context.Context, model string, mode upstream.Mode) {
	a.record(ctx, store.AuditEvent{
		SessionID: a.sessionID,
		UserID:    a.userID,
		Action:    store.AuditActionConnect,
		Model:     model,
		Mode:      string(mode),
	})
}

func (a *auditRecorder) SessionClosed(ctx context.Context, reason string) {
	a.record(ctx, store.AuditEvent{
		SessionID: a.sessionID,
		UserID:    a.userID,
		Action:    store.AuditActionClose,
		Detail:    reason,
	})
}

func (a *auditRecorder) record(ctx context.Context, ev store.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteWait)
	defer cancel()
	if err := a.store.RecordAuditEvent(ctx, ev); err != nil {
		a.logger.Warn("audit write failed", "action", ev.Action, "error", err)
	}
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/parlo-labs/liverelay/pkg/gateway/auth"
	"github.com/parlo-labs/liverelay/pkg/gateway/config"
	"github.com/parlo-labs/liverelay/pkg/gateway/handlers"
	"github.com/parlo-labs/liverelay/pkg/gateway/lifecycle"
	"github.com/parlo-labs/liverelay/pkg/gateway/live/sessions"
	"github.com/parlo-labs/liverelay/pkg/gateway/mw"
	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
	"github.com/parlo-labs/liverelay/pkg/gateway/upstream/gemini"
	"github.com/parlo-labs/liverelay/pkg/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store         store.Store
	authenticator *auth.Authenticator
	negotiator    *upstream.Negotiator
	sessions      *sessions.Tracker
	lifecycle     *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, st store.Store) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := auth.NewValidator([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	authenticator, err := auth.New(validator, logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	opts := []gemini.Option{
		gemini.WithLogger(logger),
		gemini.WithConnectTimeout(cfg.UpstreamConnectTimeout),
	}
	if cfg.GeminiBaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.GeminiBaseURL))
	}
	negotiator, err := upstream.NewNegotiator(gemini.New(cfg.GeminiAPIKey, opts...), logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),

		store:         st,
		authenticator: authenticator,
		negotiator:    negotiator,
		sessions:      sessions.NewTracker(),
		lifecycle:     &lifecycle.Lifecycle{},
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Store:     s.store,
		Lifecycle: s.lifecycle,
	})

	s.mux.Handle("/ws/live/session/{sessionId}", handlers.LiveHandler{
		Config:        s.cfg,
		Logger:        s.logger,
		Authenticator: s.authenticator,
		Store:         s.store,
		Negotiator:    s.negotiator,
		LiveSessions:  s.sessions,
		Lifecycle:     s.lifecycle,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness and makes the live route refuse new sessions.
// Sessions already running are not affected.
func (s *Server) SetDraining() {
	s.lifecycle.BeginDrain()
}

// WarnLiveSessionsDraining sends a drain notice to every live session and
// reports how many were reached.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.sessions.NotifyDrainingAll()
}

// WaitLiveSessions blocks until every live session has unregistered or ctx
// is done, reporting whether the tracker emptied in time.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelLiveSessions force-closes whatever sessions are still running.
func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}

// LiveSessionCount reports the number of currently tracked live sessions.
func (s *Server) LiveSessionCount() int {
	return s.sessions.Count()
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/parlo-labs/liverelay/pkg/gateway/config"
	"github.com/parlo-labs/liverelay/pkg/gateway/lifecycle"
	"github.com/parlo-labs/liverelay/pkg/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

const readyPingTimeout = 2 * time.Second

// ReadyHandler reports whether this relay instance can take live traffic:
// configuration is coherent, the upstream credential is present, the store
// answers a ping, and the process is not draining.
type ReadyHandler struct {
	Config    config.Config
	Store     store.Store
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                 bool     `json:"ok"`
		UpstreamConfigured bool     `json:"upstream_configured"`
		Issues             []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Lifecycle.IsDraining() {
		issues = append(issues, "relay is draining")
	}

	if strings.TrimSpace(h.Config.JWTSecret) == "" {
		issues = append(issues, "jwt secret not configured")
	}
	if strings.TrimSpace(h.Config.UpstreamModel) == "" || strings.TrimSpace(h.Config.UpstreamFallbackModel) == "" {
		issues = append(issues, "upstream models must be configured")
	}
	upstreamConfigured := strings.TrimSpace(h.Config.GeminiAPIKey) != ""
	if !upstreamConfigured {
		issues = append(issues, "upstream api key not configured")
	}
	if h.Config.UpstreamConnectTimeout <= 0 {
		issues = append(issues, "upstream connect timeout must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket keepalive settings must be > 0")
	}
	if h.Config.TurnSilencePadding <= 0 {
		issues = append(issues, "turn silence padding must be > 0")
	}
	if h.Config.MaxTurnBufferBytes <= 0 {
		issues = append(issues, "turn buffer cap must be > 0")
	}
	if h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "shutdown grace period must be > 0")
	}

	if h.Store == nil {
		issues = append(issues, "store not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			issues = append(issues, "store unreachable: "+err.Error())
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                 ok,
		UpstreamConfigured: upstreamConfigured,
		Issues:             issues,
	})
}

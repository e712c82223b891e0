// Package gemini speaks the Gemini Live BidiGenerateContent websocket
// protocol directly: one setup exchange per connection, then realtime input
// or whole-turn content in, server content events out.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
)

// DefaultBaseURL is the BidiGenerateContent websocket endpoint.
const DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const defaultConnectTimeout = 15 * time.Second

// Client opens live sessions against the Gemini realtime API.
type Client struct {
	apiKey         string
	baseURL        string
	dialer         *websocket.Dialer
	logger         *slog.Logger
	connectTimeout time.Duration
	writeTimeout   time.Duration
	pingPeriod     time.Duration
	liveModel      func(model string) bool
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets the websocket endpoint. Default: DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithConnectTimeout bounds the dial plus setup handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithWriteTimeout bounds individual frame writes on open sessions.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithPingPeriod sets the keepalive ping interval on open sessions.
func WithPingPeriod(d time.Duration) Option {
	return func(c *Client) { c.pingPeriod = d }
}

// WithLiveModelMatcher overrides detection of models that accept incremental
// realtime audio input.
func WithLiveModelMatcher(fn func(model string) bool) Option {
	return func(c *Client) { c.liveModel = fn }
}

// New creates a Gemini live client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:         apiKey,
		baseURL:        DefaultBaseURL,
		dialer:         websocket.DefaultDialer,
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
		liveModel:      defaultLiveModelMatcher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultLiveModelMatcher reports whether a model family speaks the realtime
// input protocol. Live-capable models carry "live" in the model name.
func defaultLiveModelMatcher(model string) bool {
	return strings.Contains(strings.ToLower(model), "live")
}

// Connect dials the live endpoint, performs the setup exchange, and returns
// an open session. Live-capable models get the realtime variant; other
// models the buffered-only one.
func (c *Client) Connect(ctx context.Context, model string, cfg upstream.ConnectConfig) (upstream.Handle, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("gemini: no api key configured")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("gemini: empty model")
	}

	dialCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	endpoint := c.baseURL + "?key=" + url.QueryEscape(c.apiKey)
	ws, resp, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live api: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial live api: %w", err)
	}

	deadline := time.Now().Add(c.connectTimeout)
	if d, ok := dialCtx.Deadline(); ok {
		deadline = d
	}
	if err := c.performSetup(ws, model, cfg, deadline); err != nil {
		_ = ws.Close()
		return nil, err
	}
	// Clear the handshake deadline before handing off to the read loop.
	_ = ws.SetReadDeadline(time.Time{})

	conn := newConn(ws, c.logger.With("component", "gemini_live", "model", model), c.writeTimeout, c.pingPeriod)
	if c.liveModel(model) {
		return &LiveConn{Conn: conn}, nil
	}
	return conn, nil
}

// performSetup sends the setup message and waits for the setupComplete ack,
// both bounded by deadline.
func (c *Client) performSetup(ws *websocket.Conn, model string, cfg upstream.ConnectConfig, deadline time.Time) error {
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := ws.WriteJSON(newSetupMessage(model, cfg)); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await setup ack: %w", err)
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if _, ok := envelope["setupComplete"]; ok {
			return nil
		}
		if raw, ok := envelope["error"]; ok {
			return fmt.Errorf("setup rejected: %s", truncateOneLine(string(raw), 240))
		}
		// Anything else before the ack is out of protocol; keep waiting
		// until the deadline trips.
	}
}

// truncateOneLine collapses whitespace and caps the length for log and
// error surfaces.
func truncateOneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

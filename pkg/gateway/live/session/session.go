// Package session runs one live relay connection: a client WebSocket on one
// side, a negotiated upstream streaming session on the other. Each connection
// owns exactly two concurrent tasks, the client read loop and the upstream
// event pump, plus its own turn buffer and upstream handle. Nothing here is
// shared across connections.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-labs/liverelay/pkg/gateway/live/protocol"
	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
)

// State is where a connection sits in its life. Connecting covers the HTTP
// upgrade and handshake gates that run before a LiveSession exists; the
// session itself moves Negotiating -> Open -> Closing -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateNegotiating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close reasons recorded when a session ends.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonUpstreamClosed   = "upstream_closed"
	ReasonUpstreamError    = "upstream_error"
	ReasonConnectFailed    = "upstream_connect_failed"
	ReasonCanceled         = "canceled"
)

// ClientConn is the slice of *websocket.Conn the session needs. Tests swap
// in a scripted fake.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Negotiator opens the connection's upstream session.
type Negotiator interface {
	Negotiate(ctx context.Context, p upstream.Params) (*upstream.Negotiated, error)
}

// Recorder observes session milestones. Implementations must tolerate being
// called from the session goroutine and must not block for long.
type Recorder interface {
	SessionOpened(ctx context.Context, model string, mode upstream.Mode)
	SessionClosed(ctx context.Context, reason string)
}

type Config struct {
	MaxMessageBytes    int64
	TurnSilencePadding time.Duration
	MaxTurnBufferBytes int
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

type Dependencies struct {
	Conn       ClientConn
	Logger     *slog.Logger
	Negotiator Negotiator
	Params     upstream.Params
	Recorder   Recorder
	SessionID  string
	Config     Config
	Now        func() time.Time
}

type LiveSession struct {
	conn       ClientConn
	logger     *slog.Logger
	negotiator Negotiator
	params     upstream.Params
	recorder   Recorder
	sessionID  string
	cfg        Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// Set once by Run after negotiation succeeds.
	handle   upstream.Handle
	realtime upstream.RealtimeHandle
	model    string
	mode     upstream.Mode

	turns *TurnBuffer

	writeMu        sync.Mutex
	closeFrameSent bool

	state       atomic.Int32
	closeOnce   sync.Once
	outbound    sync.WaitGroup
	closeReason string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Negotiator == nil {
		return nil, fmt.Errorf("negotiator is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.PingInterval <= 0 {
		deps.Config.PingInterval = 20 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.TurnSilencePadding <= 0 {
		deps.Config.TurnSilencePadding = 300 * time.Millisecond
	}
	if deps.Config.MaxTurnBufferBytes <= 0 {
		deps.Config.MaxTurnBufferBytes = 8 << 20
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:       deps.Conn,
		logger:     deps.Logger,
		negotiator: deps.Negotiator,
		params:     deps.Params,
		recorder:   deps.Recorder,
		sessionID:  deps.SessionID,
		cfg:        deps.Config,
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		turns:      NewTurnBuffer(deps.Config.TurnSilencePadding),
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

// State returns the session's current lifecycle state.
func (s *LiveSession) State() State {
	return State(s.state.Load())
}

func (s *LiveSession) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("session state", "from", prev.String(), "to", next.String())
	}
}

// Run drives the connection to completion: negotiate upstream, acknowledge
// the client, relay both directions until either side ends, then tear down.
// It always leaves the session fully closed.
func (s *LiveSession) Run() error {
	defer s.Close()

	s.setState(StateNegotiating)
	negotiated, err := s.negotiator.Negotiate(s.ctx, s.params)
	if err != nil {
		s.closeReason = ReasonConnectFailed
		s.logger.Warn("upstream negotiation failed", "error", err)
		s.sendClose(protocol.CloseUpstreamConnectFailed, "upstream connect failed")
		return err
	}
	s.handle = negotiated.Handle
	s.realtime, _ = negotiated.Handle.(upstream.RealtimeHandle)
	s.model = negotiated.Model
	s.mode = negotiated.Mode
	s.setState(StateOpen)
	s.logger.Info("live session open", "model", s.model, "mode", string(s.mode))
	if s.recorder != nil {
		s.recorder.SessionOpened(s.ctx, s.model, s.mode)
	}

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)
	go s.pingLoop()

	upstreamErrCh := make(chan error, 1)
	s.outbound.Add(1)
	go func() {
		defer s.outbound.Done()
		upstreamErrCh <- s.pumpUpstream()
	}()

	if err := s.writeJSON(protocol.NewLiveConnected(s.sessionID, s.now())); err != nil {
		s.closeReason = ReasonClientDisconnect
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			s.closeReason = ReasonCanceled
			return nil
		case err := <-upstreamErrCh:
			if err != nil {
				s.closeReason = ReasonUpstreamError
				return err
			}
			s.closeReason = ReasonUpstreamClosed
			return nil
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				s.closeReason = ReasonClientDisconnect
				return nil
			}
			if err := s.handleClientFrame(frame); err != nil {
				s.closeReason = ReasonClientDisconnect
				return err
			}
		}
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}

func (s *LiveSession) handleClientFrame(frame inboundFrame) error {
	switch frame.messageType {
	case websocket.BinaryMessage:
		return s.handleClientAudio(frame.data)
	case websocket.TextMessage:
		msg, err := protocol.DecodeControlMessage(frame.data)
		if err != nil {
			// Control-channel noise never terminates the connection.
			s.logger.Debug("ignoring client frame", "error", err)
			return nil
		}
		switch msg.(type) {
		case protocol.EndStream:
			return s.commitTurn()
		case protocol.BargeIn:
			// Same boundary flush as end_stream for now. True mid-response
			// cancellation needs upstream support for activity interrupts.
			return s.commitTurn()
		}
		return nil
	default:
		return nil
	}
}

func (s *LiveSession) handleClientAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if s.realtime != nil {
		if err := s.realtime.SendAudio(s.ctx, data); err != nil {
			return s.reportSendFailure("forward audio", err)
		}
		return nil
	}
	s.turns.Append(data)
	if s.cfg.MaxTurnBufferBytes > 0 && s.turns.Len() >= s.cfg.MaxTurnBufferBytes {
		return s.forceTurnBoundary()
	}
	return nil
}

// forceTurnBoundary flushes an overgrown buffer as an implicit turn so a
// client that never sends end_stream cannot grow it without bound.
func (s *LiveSession) forceTurnBoundary() error {
	buffered := s.turns.Len()
	s.logger.Info("turn buffer limit reached, forcing turn boundary", "buffered_bytes", buffered)
	notice, err := json.Marshal(map[string]any{
		"notice":         "turn_buffer_limit_reached",
		"buffered_bytes": buffered,
	})
	if err == nil {
		if werr := s.writeJSON(protocol.NewInfo(notice)); werr != nil {
			return werr
		}
	}
	return s.flushBufferedTurn()
}

// commitTurn signals a turn boundary to upstream. In realtime mode that is
// the explicit audio stream end; in buffered mode the accumulated audio is
// submitted as one complete turn, or a neutral empty turn when nothing was
// buffered so upstream still observes the boundary.
func (s *LiveSession) commitTurn() error {
	if s.realtime != nil {
		if err := s.realtime.SendAudioStreamEnd(s.ctx); err != nil {
			return s.reportSendFailure("end audio stream", err)
		}
		return nil
	}
	return s.flushBufferedTurn()
}

func (s *LiveSession) flushBufferedTurn() error {
	audio := s.turns.FlushAsTurn()
	if err := s.handle.SendTurn(s.ctx, audio, true); err != nil {
		return s.reportSendFailure("commit turn", err)
	}
	return nil
}

// reportSendFailure surfaces an upstream send failure to the client as a
// bounded error frame. The connection stays open; only a failure to write
// the frame itself ends the session.
func (s *LiveSession) reportSendFailure(op string, err error) error {
	s.logger.Warn("upstream send failed", "op", op, "error", err)
	return s.writeJSON(protocol.NewError(fmt.Sprintf("%s: %v", op, err)))
}

// pumpUpstream forwards upstream events to the client until the upstream
// session ends or the connection is canceled.
func (s *LiveSession) pumpUpstream() error {
	for {
		ev, err := s.handle.Receive(s.ctx)
		if err != nil {
			if errors.Is(err, upstream.ErrHandleClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			if s.State() == StateOpen {
				_ = s.writeJSON(protocol.NewError(fmt.Sprintf("upstream stream failed: %v", err)))
			}
			return err
		}
		if err := s.forwardUpstreamEvent(ev); err != nil {
			return err
		}
	}
}

func (s *LiveSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *LiveSession) writeBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.write(websocket.BinaryMessage, data)
}

func (s *LiveSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *LiveSession) sendClose(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.closeFrameSent = true
}

// Cancel aborts the session without waiting for the client. The run loop
// observes the cancellation and tears down as usual.
func (s *LiveSession) Cancel() {
	s.cancel()
}

// NotifyDraining tells the client the relay will close this session soon.
func (s *LiveSession) NotifyDraining() error {
	notice, err := json.Marshal(map[string]string{"notice": "draining"})
	if err != nil {
		return err
	}
	return s.writeJSON(protocol.NewInfo(notice))
}

// Close tears the session down exactly once. The upstream pump is canceled
// and awaited before the handle is released, any buffered audio is flushed
// upstream best-effort, and the client socket is closed last. Every step is
// tolerated failing; Close never reports an error and is safe to call again.
func (s *LiveSession) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()
		s.outbound.Wait()
		if s.handle != nil {
			if s.realtime == nil && !s.turns.IsEmpty() {
				flushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
				_ = s.handle.SendTurn(flushCtx, s.turns.FlushAsTurn(), true)
				cancel()
			}
			_ = s.handle.Close()
		}
		s.writeMu.Lock()
		if !s.closeFrameSent {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.closeFrameSent = true
		}
		s.writeMu.Unlock()
		_ = s.conn.Close()
		reason := s.closeReason
		if reason == "" {
			reason = ReasonClientDisconnect
		}
		if s.recorder != nil {
			s.recorder.SessionClosed(context.Background(), reason)
		}
		s.setState(StateClosed)
		s.logger.Info("live session closed", "reason", reason)
	})
	return nil
}

package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
)

const (
	inputMIMEType = "audio/pcm;rate=16000"

	defaultWriteTimeout = 5 * time.Second
	defaultPingPeriod   = 20 * time.Second
)

var (
	_ upstream.Handle         = (*Conn)(nil)
	_ upstream.RealtimeHandle = (*LiveConn)(nil)
)

// Conn is one open BidiGenerateContent session. It satisfies the buffered
// session contract: whole turns in, events out. The realtime variant is
// LiveConn.
//
// Reads happen on a single background loop; writes are serialized by a
// mutex. Close may be called from any goroutine, any number of times.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingPeriod   time.Duration

	events chan upstream.Event
	closed chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

func newConn(ws *websocket.Conn, logger *slog.Logger, writeTimeout, pingPeriod time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		pingPeriod:   pingPeriod,
		events:       make(chan upstream.Event, 32),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local close raced the read; not an upstream failure.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.setReadErr(err)
				}
			}
			return
		}
		ev := decodeServerMessage(data)
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// SendTurn submits one whole user turn. Empty audio becomes a neutral empty
// text part so upstream still observes a turn boundary.
func (c *Conn) SendTurn(ctx context.Context, audio []byte, turnComplete bool) error {
	turn := contentPayload{Role: "user"}
	if len(audio) > 0 {
		turn.Parts = []partPayload{{InlineData: &inlineData{
			MIMEType: inputMIMEType,
			Data:     base64.StdEncoding.EncodeToString(audio),
		}}}
	} else {
		empty := ""
		turn.Parts = []partPayload{{Text: &empty}}
	}
	msg := clientMessage{ClientContent: &clientContentPayload{
		Turns:        []contentPayload{turn},
		TurnComplete: turnComplete,
	}}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("send turn: %w", err)
	}
	return nil
}

func (c *Conn) sendRealtimeAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	msg := clientMessage{RealtimeInput: &realtimeInputPayload{
		MediaChunks: []inlineData{{
			MIMEType: inputMIMEType,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("send realtime audio: %w", err)
	}
	return nil
}

func (c *Conn) sendAudioStreamEnd(ctx context.Context) error {
	msg := clientMessage{RealtimeInput: &realtimeInputPayload{AudioStreamEnd: true}}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("send audio stream end: %w", err)
	}
	return nil
}

// Receive blocks for the next event. After the read loop stops it returns
// the captured read error, or upstream.ErrHandleClosed on a clean end.
func (c *Conn) Receive(ctx context.Context) (upstream.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			if err := c.readError(); err != nil {
				return nil, err
			}
			return nil, upstream.ErrHandleClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the session down: best-effort close frame, then transport
// close. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	select {
	case <-c.closed:
		return upstream.ErrHandleClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *Conn) setReadErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *Conn) readError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// LiveConn is a Conn whose model accepts incremental realtime audio input.
type LiveConn struct {
	*Conn
}

// SendAudio forwards one raw PCM chunk into the live input stream.
func (c *LiveConn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.sendRealtimeAudio(ctx, pcm)
}

// SendAudioStreamEnd marks the end of the current audio input stream.
func (c *LiveConn) SendAudioStreamEnd(ctx context.Context) error {
	return c.sendAudioStreamEnd(ctx)
}

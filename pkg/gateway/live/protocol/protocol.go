// Package protocol defines the client-facing wire messages of a live relay
// session: JSON control frames inbound, JSON event frames outbound. Binary
// frames carry raw audio in both directions and never pass through here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Client frame types.
const (
	TypeEndStream = "end_stream"
	TypeBargeIn   = "barge_in"
)

// Relay frame types.
const (
	TypeLiveConnected = "live_connected"
	TypeText          = "text"
	TypeInfo          = "info"
	TypeError         = "error"
)

// Close codes, application range. 4001 and 4004 are fixed by the platform's
// existing clients; the 401x block covers upstream establishment failures.
const (
	CloseUnauthorized              = 4001
	CloseSessionNotFound           = 4004
	CloseUpstreamClientUnavailable = 4010
	CloseUpstreamCredentialMissing = 4011
	CloseUpstreamConnectFailed     = 4012
)

// maxErrorMessageLen bounds the message field of error frames.
const maxErrorMessageLen = 240

// ControlMessage is a decoded client text frame.
type ControlMessage interface {
	isControl()
}

// EndStream signals a turn boundary.
type EndStream struct{}

// BargeIn asks to interrupt the in-progress response by forcing a turn
// boundary. Kept distinct from EndStream even though the relay treats both
// the same today.
type BargeIn struct{}

func (EndStream) isControl() {}
func (BargeIn) isControl()   {}

// ErrUnrecognized marks client frames the relay ignores: unknown types and
// malformed JSON both land here.
var ErrUnrecognized = fmt.Errorf("unrecognized control frame")

// DecodeControlMessage parses one client text frame.
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	switch envelope.Type {
	case TypeEndStream:
		return EndStream{}, nil
	case TypeBargeIn:
		return BargeIn{}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, envelope.Type)
	}
}

// LiveConnected acknowledges a successful handshake.
type LiveConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func NewLiveConnected(sessionID string, now time.Time) LiveConnected {
	return LiveConnected{
		Type:      TypeLiveConnected,
		SessionID: sessionID,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// Text carries aggregated model text.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewText(text string) Text {
	return Text{Type: TypeText, Text: text}
}

// Info forwards an upstream event the relay does not model, verbatim.
type Info struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

func NewInfo(event json.RawMessage) Info {
	return Info{Type: TypeInfo, Event: event}
}

// Error reports a recoverable failure without closing the stream. The
// message is flattened and bounded before it leaves the relay.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: Truncate(message, maxErrorMessageLen)}
}

// Truncate collapses whitespace and caps the length of client-visible and
// logged diagnostics.
func Truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

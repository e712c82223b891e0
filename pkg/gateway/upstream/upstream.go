// Package upstream defines the streaming-session contracts the live relay
// speaks against, and the prioritized candidate ladder used to open one
// session per connection.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode is the buffering strategy negotiated for one connection. It is fixed
// at negotiation time and never changes for the connection's lifetime.
type Mode string

const (
	// ModeRealtime streams each client audio frame upstream as it arrives.
	ModeRealtime Mode = "realtime"
	// ModeBuffered aggregates client audio into whole turns before submission.
	ModeBuffered Mode = "buffered"
)

// Modality is an upstream response modality.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// ConnectConfig is the capability config for one connection attempt.
// Zero-value fields are omitted from the upstream setup payload.
type ConnectConfig struct {
	ResponseModalities []Modality
	Voice              string
	SystemInstruction  string
}

// Minimal returns a copy carrying only the response modalities.
func (c ConnectConfig) Minimal() ConnectConfig {
	return ConnectConfig{ResponseModalities: c.ResponseModalities}
}

// Event is one message yielded by an open upstream session. Concrete kinds:
// AudioChunk, TextDelta, StructuredParts, Unrecognized.
type Event interface {
	isEvent()
}

// AudioChunk is a bare audio payload.
type AudioChunk struct {
	Data []byte
}

// TextDelta is a bare incremental text payload.
type TextDelta struct {
	Text string
}

// Part is one element of a structured model turn. Either or both fields may
// be set; a part with neither is skipped by consumers.
type Part struct {
	Text  string
	Audio []byte
}

// StructuredParts is a structured turn fragment carrying ordered parts.
type StructuredParts struct {
	Parts        []Part
	TurnComplete bool
	Interrupted  bool
}

// Unrecognized wraps a server message the session does not model. Raw is the
// original JSON payload when one exists.
type Unrecognized struct {
	Raw json.RawMessage
}

func (AudioChunk) isEvent()      {}
func (TextDelta) isEvent()       {}
func (StructuredParts) isEvent() {}
func (Unrecognized) isEvent()    {}

// ErrHandleClosed reports that the upstream session ended. Receive returns
// it after a clean upstream close; it is not a failure.
var ErrHandleClosed = errors.New("upstream session closed")

// Handle is an open upstream streaming session. Implementations that accept
// incremental audio additionally implement RealtimeHandle; callers discover
// that capability with ModeOf.
type Handle interface {
	// SendTurn submits one whole user turn. Empty audio submits a neutral
	// turn so upstream still observes a turn boundary.
	SendTurn(ctx context.Context, audio []byte, turnComplete bool) error
	// Receive blocks until the next upstream event, the session ends, or ctx
	// is done. A session that ended cleanly returns ErrHandleClosed.
	Receive(ctx context.Context) (Event, error)
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// RealtimeHandle is a Handle that also accepts audio incrementally, without
// whole-turn aggregation.
type RealtimeHandle interface {
	Handle
	// SendAudio forwards one raw audio chunk into the live stream.
	SendAudio(ctx context.Context, pcm []byte) error
	// SendAudioStreamEnd signals the end of the current audio stream.
	SendAudioStreamEnd(ctx context.Context) error
}

// ModeOf reports the buffering strategy a handle supports. The result is a
// function of the handle's type alone, independent of how it was opened.
func ModeOf(h Handle) Mode {
	if _, ok := h.(RealtimeHandle); ok {
		return ModeRealtime
	}
	return ModeBuffered
}

// Client opens upstream streaming sessions.
type Client interface {
	Connect(ctx context.Context, model string, cfg ConnectConfig) (Handle, error)
}

// Attempt records one failed rung of the negotiation ladder.
type Attempt struct {
	Model string
	Err   error
}

// ConnectError reports an exhausted negotiation ladder. Every rung that was
// tried appears in Attempts, in the order it was tried.
type ConnectError struct {
	Attempts []Attempt
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return "upstream connect failed: no candidates attempted"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Model, a.Err))
	}
	return fmt.Sprintf("upstream connect failed after %d attempts: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap returns the error from the final attempt.
func (e *ConnectError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

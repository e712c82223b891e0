package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type connectCall struct {
	Model  string
	Config ConnectConfig
}

type connectResult struct {
	handle Handle
	err    error
}

// scriptedClient pops one result per Connect call, in order.
type scriptedClient struct {
	mu     sync.Mutex
	script []connectResult
	calls  []connectCall
}

func (c *scriptedClient) Connect(ctx context.Context, model string, cfg ConnectConfig) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connectCall{Model: model, Config: cfg})
	if len(c.script) == 0 {
		return nil, fmt.Errorf("unscripted connect for %s", model)
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next.handle, next.err
}

type bufferedHandle struct {
	mu         sync.Mutex
	closeCalls int
}

func (h *bufferedHandle) SendTurn(ctx context.Context, audio []byte, turnComplete bool) error {
	return nil
}

func (h *bufferedHandle) Receive(ctx context.Context) (Event, error) {
	return nil, ErrHandleClosed
}

func (h *bufferedHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	return nil
}

type realtimeHandle struct {
	bufferedHandle
}

func (h *realtimeHandle) SendAudio(ctx context.Context, pcm []byte) error { return nil }

func (h *realtimeHandle) SendAudioStreamEnd(ctx context.Context) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() Params {
	return Params{
		Model:             "model-live",
		AudioFirst:        true,
		FallbackModel:     "model-text",
		Voice:             "Puck",
		SystemInstruction: "be brief",
	}
}

func TestLadderShape(t *testing.T) {
	cands := Ladder(testParams())
	if len(cands) != 3 {
		t.Fatalf("candidates=%d", len(cands))
	}
	if cands[0].Model != "model-live" || cands[1].Model != "model-live" || cands[2].Model != "model-text" {
		t.Fatalf("models=%v %v %v", cands[0].Model, cands[1].Model, cands[2].Model)
	}
	if got := cands[0].Config.ResponseModalities; len(got) != 1 || got[0] != ModalityAudio {
		t.Fatalf("full rung modalities=%v", got)
	}
	if cands[0].Config.Voice != "Puck" || cands[0].Config.SystemInstruction != "be brief" {
		t.Fatalf("full rung dropped style params: %+v", cands[0].Config)
	}
	if cands[1].Config.Voice != "" || cands[1].Config.SystemInstruction != "" {
		t.Fatalf("minimal rung kept style params: %+v", cands[1].Config)
	}
	if got := cands[2].Config.ResponseModalities; len(got) != 1 || got[0] != ModalityText {
		t.Fatalf("fallback rung modalities=%v", got)
	}
}

func TestLadderTextModelPrefersText(t *testing.T) {
	p := testParams()
	p.AudioFirst = false
	cands := Ladder(p)
	if got := cands[0].Config.ResponseModalities; len(got) != 1 || got[0] != ModalityText {
		t.Fatalf("full rung modalities=%v", got)
	}
}

func TestNegotiateFirstCandidateWins(t *testing.T) {
	h := &realtimeHandle{}
	client := &scriptedClient{script: []connectResult{{handle: h}}}
	n, err := NewNegotiator(client, discardLogger())
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}

	got, err := n.Negotiate(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Model != "model-live" {
		t.Fatalf("model=%s", got.Model)
	}
	if got.Mode != ModeRealtime {
		t.Fatalf("mode=%s", got.Mode)
	}
	if len(client.calls) != 1 {
		t.Fatalf("connect calls=%d", len(client.calls))
	}
}

func TestNegotiateWalksLadderInOrder(t *testing.T) {
	h := &realtimeHandle{}
	client := &scriptedClient{script: []connectResult{
		{err: errors.New("full config rejected")},
		{err: errors.New("minimal config rejected")},
		{handle: h},
	}}
	n, _ := NewNegotiator(client, discardLogger())

	got, err := n.Negotiate(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Model != "model-text" {
		t.Fatalf("model=%s", got.Model)
	}
	if len(client.calls) != 3 {
		t.Fatalf("connect calls=%d", len(client.calls))
	}
	if client.calls[0].Model != "model-live" || client.calls[1].Model != "model-live" || client.calls[2].Model != "model-text" {
		t.Fatalf("call order=%+v", client.calls)
	}
	if len(client.calls[0].Config.ResponseModalities) != 1 || client.calls[0].Config.ResponseModalities[0] != ModalityAudio {
		t.Fatalf("first call config=%+v", client.calls[0].Config)
	}
	if client.calls[1].Config.Voice != "" {
		t.Fatalf("second call should be minimal: %+v", client.calls[1].Config)
	}
}

func TestNegotiateExhaustionReturnsConnectError(t *testing.T) {
	client := &scriptedClient{script: []connectResult{
		{err: errors.New("a")},
		{err: errors.New("b")},
		{err: errors.New("c")},
	}}
	n, _ := NewNegotiator(client, discardLogger())

	got, err := n.Negotiate(context.Background(), testParams())
	if got != nil {
		t.Fatalf("expected no session, got %+v", got)
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if len(ce.Attempts) != 3 {
		t.Fatalf("attempts=%d", len(ce.Attempts))
	}
	if ce.Attempts[0].Model != "model-live" || ce.Attempts[2].Model != "model-text" {
		t.Fatalf("attempt models=%+v", ce.Attempts)
	}
}

func TestNegotiateModeFollowsHandleCapability(t *testing.T) {
	// A buffered-only handle on the text rung is fine as-is; no reopen.
	h := &bufferedHandle{}
	p := testParams()
	p.AudioFirst = false
	client := &scriptedClient{script: []connectResult{{handle: h}}}
	n, _ := NewNegotiator(client, discardLogger())

	got, err := n.Negotiate(context.Background(), p)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Mode != ModeBuffered {
		t.Fatalf("mode=%s", got.Mode)
	}
	if len(client.calls) != 1 {
		t.Fatalf("connect calls=%d", len(client.calls))
	}
	if h.closeCalls != 0 {
		t.Fatalf("handle closed during negotiation")
	}
}

func TestNegotiateAudioFirstBufferedReopensFallback(t *testing.T) {
	first := &bufferedHandle{}
	second := &realtimeHandle{}
	client := &scriptedClient{script: []connectResult{
		{handle: first},
		{handle: second},
	}}
	n, _ := NewNegotiator(client, discardLogger())

	got, err := n.Negotiate(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Model != "model-text" {
		t.Fatalf("model=%s", got.Model)
	}
	if first.closeCalls != 1 {
		t.Fatalf("mismatched handle closeCalls=%d", first.closeCalls)
	}
	if len(client.calls) != 2 {
		t.Fatalf("connect calls=%d", len(client.calls))
	}
	if client.calls[1].Model != "model-text" {
		t.Fatalf("reopen model=%s", client.calls[1].Model)
	}
	if got.Handle != Handle(second) {
		t.Fatalf("returned handle is not the reopened one")
	}
}

func TestNegotiateFallbackReopenFailureContinuesLadder(t *testing.T) {
	first := &bufferedHandle{}
	final := &bufferedHandle{}
	client := &scriptedClient{script: []connectResult{
		{handle: first},                     // rung 1 opens, audio-first but buffered
		{err: errors.New("reopen refused")}, // fallback reopen fails
		{err: errors.New("minimal failed")}, // rung 2
		{handle: final},                     // rung 3, fallback proper
	}}
	n, _ := NewNegotiator(client, discardLogger())

	got, err := n.Negotiate(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Model != "model-text" {
		t.Fatalf("model=%s", got.Model)
	}
	if got.Mode != ModeBuffered {
		t.Fatalf("mode=%s", got.Mode)
	}
	if first.closeCalls != 1 {
		t.Fatalf("first handle closeCalls=%d", first.closeCalls)
	}
	if len(client.calls) != 4 {
		t.Fatalf("connect calls=%d: %+v", len(client.calls), client.calls)
	}
}

func TestModeOf(t *testing.T) {
	if got := ModeOf(&bufferedHandle{}); got != ModeBuffered {
		t.Fatalf("buffered handle mode=%s", got)
	}
	if got := ModeOf(&realtimeHandle{}); got != ModeRealtime {
		t.Fatalf("realtime handle mode=%s", got)
	}
}

func TestConnectErrorMessageAndUnwrap(t *testing.T) {
	last := errors.New("quota exceeded")
	err := &ConnectError{Attempts: []Attempt{
		{Model: "m1", Err: errors.New("refused")},
		{Model: "m2", Err: last},
	}}
	msg := err.Error()
	if !errors.Is(err, last) {
		t.Fatalf("Unwrap lost final cause")
	}
	for _, want := range []string{"2 attempts", "m1", "m2", "quota exceeded"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

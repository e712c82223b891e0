package upstream

import (
	"context"
	"fmt"
	"log/slog"
)

// Params describe the target session used to build the candidate ladder.
type Params struct {
	// Model is the preferred model identifier.
	Model string
	// AudioFirst marks Model as a native-audio model. The full-config rung
	// then requests the audio response modality instead of text.
	AudioFirst bool
	// FallbackModel is tried text-only after Model's rungs are exhausted.
	FallbackModel string

	// Optional style parameters, sent only on the full-config rung.
	Voice             string
	SystemInstruction string
}

// Candidate is one rung of the negotiation ladder.
type Candidate struct {
	Model      string
	Config     ConnectConfig
	AudioFirst bool
}

// Ladder expands params into the ordered candidate list: the preferred model
// with full config, the preferred model with minimal config, then the
// fallback model text-only.
func Ladder(p Params) []Candidate {
	modality := ModalityText
	if p.AudioFirst {
		modality = ModalityAudio
	}
	full := ConnectConfig{
		ResponseModalities: []Modality{modality},
		Voice:              p.Voice,
		SystemInstruction:  p.SystemInstruction,
	}
	return []Candidate{
		{Model: p.Model, Config: full, AudioFirst: p.AudioFirst},
		{Model: p.Model, Config: full.Minimal(), AudioFirst: p.AudioFirst},
		{Model: p.FallbackModel, Config: ConnectConfig{ResponseModalities: []Modality{ModalityText}}},
	}
}

// Negotiated is the outcome of a successful negotiation: the open handle,
// the model that won, and the buffering mode probed from the handle.
type Negotiated struct {
	Handle Handle
	Model  string
	Mode   Mode
}

// Negotiator opens exactly one upstream session per call, walking the
// candidate ladder in priority order and stopping at the first success.
type Negotiator struct {
	client Client
	logger *slog.Logger
}

// NewNegotiator builds a Negotiator around an upstream client.
func NewNegotiator(client Client, logger *slog.Logger) (*Negotiator, error) {
	if client == nil {
		return nil, fmt.Errorf("upstream: negotiator requires a client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{client: client, logger: logger}, nil
}

// Negotiate tries each candidate until one opens, probes the opened handle's
// buffering capability, and returns the winning session. A candidate failure
// is logged and the next rung tried; only exhaustion of the whole ladder
// returns an error, always a *ConnectError.
//
// When an audio-first candidate lands on a buffered-only handle, that handle
// is closed and the text fallback opened in its place before returning, so a
// native-audio model is never paired with whole-turn buffering. At most one
// upstream session is open at any point during negotiation.
func (n *Negotiator) Negotiate(ctx context.Context, p Params) (*Negotiated, error) {
	candidates := Ladder(p)
	attempts := make([]Attempt, 0, len(candidates))
	for i, cand := range candidates {
		h, err := n.client.Connect(ctx, cand.Model, cand.Config)
		if err != nil {
			n.logger.Warn("upstream candidate failed", "model", cand.Model, "rung", i+1, "error", err)
			attempts = append(attempts, Attempt{Model: cand.Model, Err: err})
			continue
		}

		mode := ModeOf(h)
		if cand.AudioFirst && mode == ModeBuffered {
			// A native-audio model must not run on whole-turn buffering.
			// Swap to the text fallback before the caller sees the handle.
			if cerr := h.Close(); cerr != nil {
				n.logger.Warn("closing mismatched upstream handle", "model", cand.Model, "error", cerr)
			}
			fb := candidates[len(candidates)-1]
			h, err = n.client.Connect(ctx, fb.Model, fb.Config)
			if err != nil {
				n.logger.Warn("fallback reopen failed", "model", fb.Model, "error", err)
				attempts = append(attempts, Attempt{Model: fb.Model, Err: err})
				continue
			}
			cand = fb
			mode = ModeOf(h)
		}

		n.logger.Info("upstream session negotiated", "model", cand.Model, "mode", string(mode), "rung", i+1)
		return &Negotiated{Handle: h, Model: cand.Model, Mode: mode}, nil
	}
	return nil, &ConnectError{Attempts: attempts}
}

package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/parlo-labs/liverelay/pkg/gateway/live/protocol"
	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
)

// forwardUpstreamEvent normalizes one upstream event into client frames.
// First match wins: bare audio becomes a binary frame, bare text a text
// frame, a structured turn yields one aggregated text frame plus a binary
// frame per inline-audio part, and anything else is forwarded as an info
// frame after checking for the legacy nested audio shape.
func (s *LiveSession) forwardUpstreamEvent(ev upstream.Event) error {
	switch ev := ev.(type) {
	case upstream.AudioChunk:
		return s.writeBinary(ev.Data)
	case upstream.TextDelta:
		if ev.Text == "" {
			return nil
		}
		return s.writeJSON(protocol.NewText(ev.Text))
	case upstream.StructuredParts:
		return s.forwardStructuredParts(ev)
	case upstream.Unrecognized:
		if audio, ok := legacyInlineAudio(ev.Raw); ok {
			return s.writeBinary(audio)
		}
		if len(ev.Raw) == 0 {
			return nil
		}
		return s.writeJSON(protocol.NewInfo(ev.Raw))
	default:
		return nil
	}
}

// forwardStructuredParts emits at most one aggregated text frame followed by
// the event's inline audio parts, each as its own binary frame, preserving
// part order among the audio frames.
func (s *LiveSession) forwardStructuredParts(ev upstream.StructuredParts) error {
	var text strings.Builder
	for _, p := range ev.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() > 0 {
		if err := s.writeJSON(protocol.NewText(text.String())); err != nil {
			return err
		}
	}
	for _, p := range ev.Parts {
		if len(p.Audio) == 0 {
			continue
		}
		if err := s.writeBinary(p.Audio); err != nil {
			return err
		}
	}
	return nil
}

// legacyInlineAudio digs base64 audio out of the { "audio": { "data": ... } }
// shape older upstream builds emit instead of raw binary payloads.
func legacyInlineAudio(raw json.RawMessage) ([]byte, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var envelope struct {
		Audio struct {
			Data string `json:"data"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false
	}
	if envelope.Audio.Data == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Audio.Data)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

package gemini

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/parlo-labs/liverelay/pkg/gateway/upstream"
)

// Wire shapes for the BidiGenerateContent websocket protocol. A client
// message carries exactly one of its fields; the zero fields are omitted.

type clientMessage struct {
	Setup         *setupPayload         `json:"setup,omitempty"`
	RealtimeInput *realtimeInputPayload `json:"realtimeInput,omitempty"`
	ClientContent *clientContentPayload `json:"clientContent,omitempty"`
}

type setupPayload struct {
	Model             string            `json:"model"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *contentPayload   `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig *voiceConfig `json:"voiceConfig,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig *prebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type contentPayload struct {
	Role  string        `json:"role,omitempty"`
	Parts []partPayload `json:"parts"`
}

type partPayload struct {
	Text       *string     `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputPayload struct {
	MediaChunks    []inlineData `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type clientContentPayload struct {
	Turns        []contentPayload `json:"turns"`
	TurnComplete bool             `json:"turnComplete"`
}

type serverContentPayload struct {
	ModelTurn           *contentPayload       `json:"modelTurn,omitempty"`
	OutputTranscription *transcriptionPayload `json:"outputTranscription,omitempty"`
	TurnComplete        bool                  `json:"turnComplete,omitempty"`
	Interrupted         bool                  `json:"interrupted,omitempty"`
}

type transcriptionPayload struct {
	Text string `json:"text"`
}

func newSetupMessage(model string, cfg upstream.ConnectConfig) clientMessage {
	setup := &setupPayload{Model: qualifyModel(model)}

	gen := &generationConfig{}
	for _, m := range cfg.ResponseModalities {
		gen.ResponseModalities = append(gen.ResponseModalities, string(m))
	}
	if cfg.Voice != "" {
		gen.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(gen.ResponseModalities) > 0 || gen.SpeechConfig != nil {
		setup.GenerationConfig = gen
	}
	if cfg.SystemInstruction != "" {
		text := cfg.SystemInstruction
		setup.SystemInstruction = &contentPayload{Parts: []partPayload{{Text: &text}}}
	}
	return clientMessage{Setup: setup}
}

// qualifyModel prepends the resource prefix the setup payload requires.
func qualifyModel(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// decodeServerMessage maps one raw server frame onto the session event
// union. serverContent frames become structured parts or a text delta;
// everything else stays opaque.
func decodeServerMessage(data []byte) upstream.Event {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return upstream.Unrecognized{Raw: json.RawMessage(data)}
	}

	if raw, ok := envelope["serverContent"]; ok {
		var sc serverContentPayload
		if err := json.Unmarshal(raw, &sc); err != nil {
			return upstream.Unrecognized{Raw: json.RawMessage(data)}
		}
		if sc.ModelTurn != nil {
			out := upstream.StructuredParts{
				TurnComplete: sc.TurnComplete,
				Interrupted:  sc.Interrupted,
			}
			for _, p := range sc.ModelTurn.Parts {
				var part upstream.Part
				if p.Text != nil {
					part.Text = *p.Text
				}
				if p.InlineData != nil {
					if audio := decodeBase64(p.InlineData.Data); len(audio) > 0 {
						part.Audio = audio
					}
				}
				if part.Text == "" && len(part.Audio) == 0 {
					continue
				}
				out.Parts = append(out.Parts, part)
			}
			return out
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			return upstream.TextDelta{Text: sc.OutputTranscription.Text}
		}
		if sc.TurnComplete || sc.Interrupted {
			return upstream.StructuredParts{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted}
		}
		return upstream.Unrecognized{Raw: json.RawMessage(data)}
	}

	return upstream.Unrecognized{Raw: json.RawMessage(data)}
}

// decodeBase64 accepts standard or raw (unpadded) encoding.
func decodeBase64(s string) []byte {
	if s == "" {
		return nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b
	}
	return nil
}

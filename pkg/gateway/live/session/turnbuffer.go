package session

import "time"

// Client audio is fixed at PCM16 mono 16 kHz.
const (
	pcmSampleRateHz   = 16000
	pcmBytesPerSample = 2
)

// TurnBuffer accumulates client audio between turn boundaries when the
// upstream session cannot accept incremental chunks. It imposes no size cap
// of its own; the owning connection decides when growth has gone too far.
type TurnBuffer struct {
	buf     []byte
	padding []byte
}

// NewTurnBuffer returns a buffer that appends silencePadding of trailing
// silence to every flushed turn, giving upstream voice-activity detection an
// end-of-turn cue.
func NewTurnBuffer(silencePadding time.Duration) *TurnBuffer {
	return &TurnBuffer{padding: silencePCM16(silencePadding)}
}

// Append adds one audio chunk to the pending turn.
func (b *TurnBuffer) Append(chunk []byte) {
	b.buf = append(b.buf, chunk...)
}

// FlushAsTurn returns the pending audio with trailing silence appended and
// clears the buffer. Returns nil when nothing is buffered.
func (b *TurnBuffer) FlushAsTurn() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, 0, len(b.buf)+len(b.padding))
	out = append(out, b.buf...)
	out = append(out, b.padding...)
	b.buf = b.buf[:0]
	return out
}

// IsEmpty reports whether no audio is pending.
func (b *TurnBuffer) IsEmpty() bool {
	return len(b.buf) == 0
}

// Len is the number of pending audio bytes, excluding padding.
func (b *TurnBuffer) Len() int {
	return len(b.buf)
}

// silencePCM16 renders d of PCM16 mono silence at the client input rate.
func silencePCM16(d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	samples := int(int64(d) * pcmSampleRateHz / int64(time.Second))
	return make([]byte, samples*pcmBytesPerSample)
}

// Package lifecycle tracks whether this relay process is draining. Once the
// flag flips, readiness reports not-ready and the live route refuses new
// sessions while established ones finish or are canceled.
package lifecycle

import "sync/atomic"

// Lifecycle is the process-wide drain flag. The zero value is serving, and a
// nil receiver reads as serving, so partially wired handlers stay safe.
type Lifecycle struct {
	draining atomic.Bool
}

// BeginDrain marks the process as draining and reports whether this call made
// the transition. Draining is one-way; a relay never goes back to serving.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	return l.draining.CompareAndSwap(false, true)
}

// IsDraining reports whether shutdown has begun.
func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

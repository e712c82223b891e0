// Package store holds the relay's view of durable state: a read-only lookup
// of externally-owned practice sessions, plus a best-effort audit trail of
// relay connections.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound reports an unknown session id or an ownership mismatch.
// Callers close the connection with the not-found code; it is not a failure.
var ErrSessionNotFound = errors.New("session not found")

// Practice session statuses, owned by the platform that writes the records.
const (
	SessionStatusPending    = "pending"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
)

// Relay audit actions.
const (
	AuditActionConnect = "live.connect"
	AuditActionClose   = "live.close"
)

// PracticeSession is the externally-owned session record the relay
// authorizes connections against. The relay never mutates it.
type PracticeSession struct {
	ID        string
	UserID    string
	Status    string
	Topic     string
	CreatedAt time.Time
}

// AuditEvent is one relay lifecycle record.
type AuditEvent struct {
	ID        string
	SessionID string
	UserID    string
	Action    string
	Model     string
	Mode      string
	Detail    string
	CreatedAt time.Time
}

// withDefaults fills the id and timestamp when the caller left them zero.
func (ev AuditEvent) withDefaults() AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}

// Store is the relay's durable-state contract.
type Store interface {
	// FindSession returns the session only when it exists and belongs to
	// userID; otherwise ErrSessionNotFound. Pure read.
	FindSession(ctx context.Context, id, userID string) (*PracticeSession, error)
	// RecordAuditEvent persists one lifecycle record. Callers treat
	// failures as non-fatal.
	RecordAuditEvent(ctx context.Context, ev AuditEvent) error
	Ping(ctx context.Context) error
	Close() error
}

package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - account_id is required for tenancy isolation.
// - Actor capture is best-effort; do not block balance flows on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorID is the operator causing the event (if applicable).
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	// Target identifiers (optional, depending on the event type).
	PayerID string `json:"payer_id,omitempty" db:"payer_id"`
	EntryID string `json:"entry_id,omitempty" db:"entry_id"`
	TaskID  string `json:"task_id,omitempty" db:"task_id"`

	DeltaSeconds int64 `json:"delta_seconds,omitempty" db:"delta_seconds"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeBalanceAdjust EventType = "balance_adjust"
	EventTypeAttemptExpire EventType = "attempt_expired"
)

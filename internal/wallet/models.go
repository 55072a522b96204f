package wallet

import "time"

// Balance is a payer account's prepaid seconds.
// Invariant: Seconds equals the sum of the account's ledger entries.
type Balance struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Seconds   int64     `json:"seconds" db:"seconds"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Entry is an immutable ledger row. Every balance change has exactly one.
type Entry struct {
	ID string `json:"id" db:"id"`

	// AccountID is always the payer.
	AccountID string    `json:"account_id" db:"account_id"`
	Kind      EntryKind `json:"kind" db:"kind"`

	// DeltaSeconds is the stored, signed change after minimum rounding.
	DeltaSeconds     int64 `json:"delta_seconds" db:"delta_seconds"`
	// RequestedSeconds is what the caller asked for before rounding.
	RequestedSeconds int64 `json:"requested_seconds" db:"requested_seconds"`

	IdempotencyKey  string `json:"idempotency_key" db:"idempotency_key"`
	// Reference is the task id or external payment reference.
	Reference       string `json:"reference,omitempty" db:"reference"`
	// SourceAccountID is the sub-account that caused the change, if any.
	SourceAccountID string `json:"source_account_id,omitempty" db:"source_account_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryKind string

const (
	EntryKindDebit      EntryKind = "debit"
	EntryKindRefund     EntryKind = "refund"
	EntryKindTopUp      EntryKind = "top_up"
	EntryKindAdmin      EntryKind = "admin"
	EntryKindCorrection EntryKind = "correction"
)

// Transaction is a user-visible billing history row.
// A sub-account gets a mirror of every visible change its usage caused on the payer.
type Transaction struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	PayerID      string    `json:"payer_id" db:"payer_id"`
	EntryID      string    `json:"entry_id" db:"entry_id"`
	Kind         EntryKind `json:"kind" db:"kind"`
	DeltaSeconds int64     `json:"delta_seconds" db:"delta_seconds"`
	Description  string    `json:"description,omitempty" db:"description"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Metadata describes an adjustment.
type Metadata struct {
	Kind           EntryKind
	IdempotencyKey string
	Reference      string
	Description    string
	// Visible adjustments write Transaction rows; internal corrections do not.
	Visible bool
	// AllowNegative lets the balance drop below zero.
	AllowNegative bool
}

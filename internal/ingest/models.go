package ingest

import (
	"errors"
	"time"

	"call-intake/internal/calls"
)

var ErrNotFound = errors.New("ingest: attempt not found")

// Status is the lifecycle state of an ingestion attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// storedPending is the persisted spelling of StatusPending.
const storedPending = "failed"

func (s Status) stored() string {
	if s == StatusPending {
		return storedPending
	}
	return string(s)
}

func parseStored(s string) Status {
	switch s {
	case storedPending, string(StatusPending):
		return StatusPending
	case string(StatusCompleted):
		return StatusCompleted
	default:
		return StatusRejected
	}
}

// Attempt is the persistent dedup/retry record for one provider call.
// (Provider, ProviderCallID) is unique.
type Attempt struct {
	Provider       calls.Provider `json:"provider"`
	ProviderCallID string         `json:"provider_call_id"`
	AccountID      string         `json:"account_id"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
	RetryCount     int            `json:"retry_count"`
	Status         Status         `json:"status"`
	RawPayload     []byte         `json:"raw_payload"`
	CallbackRoute  calls.Route    `json:"callback_route"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	// TaskID is the id promised to an interactive caller; replays reuse it.
	TaskID         string         `json:"task_id,omitempty"`
}

// Raw rebuilds the payload for replay through the original route.
func (a Attempt) Raw() calls.RawCall {
	return calls.RawCall{
		Provider:   a.Provider,
		Route:      a.CallbackRoute,
		AccountID:  a.AccountID,
		Payload:    a.RawPayload,
		ReceivedAt: a.LastAttemptAt,
	}
}

// Record is what RecordOrBump needs to know about a call.
type Record struct {
	Provider       calls.Provider
	ProviderCallID string
	AccountID      string
	Payload        []byte
	Route          calls.Route
	EntityType     string
	EntityID       string
	StartedAt      time.Time
	TaskID         string
}

// RecordOf builds a Record from a normalized call and its raw payload.
func RecordOf(c calls.NormalizedCall) Record {
	return Record{
		Provider:       c.Provider,
		ProviderCallID: c.ProviderCallID,
		AccountID:      c.AccountID,
		Payload:        c.Raw.Payload,
		Route:          c.Raw.Route,
		EntityType:     c.CRMEntityType,
		EntityID:       c.CRMEntityID,
		StartedAt:      c.StartedAt,
	}
}

// Outcome says what RecordOrBump did.
type Outcome int

const (
	// OutcomeCreated: first sighting, attempt is pending with RetryCount 0.
	OutcomeCreated Outcome = iota
	// OutcomeBumped: retry of a pending attempt.
	OutcomeBumped
	// OutcomeExpired: the attempt outlived its TTL and is now rejected.
	OutcomeExpired
	// OutcomeCompleted: already handled, skip.
	OutcomeCompleted
	// OutcomeRejected: permanently rejected earlier, skip.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeBumped:
		return "bumped"
	case OutcomeExpired:
		return "expired"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Proceed reports whether the caller should go on to download and process.
func (o Outcome) Proceed() bool {
	return o == OutcomeCreated || o == OutcomeBumped
}

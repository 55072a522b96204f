package tasks

import (
	"errors"
	"fmt"
	"time"

	"call-intake/internal/calls"
)

var (
	ErrNotFound          = errors.New("tasks: not found")
	ErrInvalidTransition = errors.New("tasks: invalid status transition")
	// ErrDuplicate means a task already exists for the account and file.
	ErrDuplicate = errors.New("tasks: duplicate file for account")
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Step is a free-form progress marker.
type Step string

const (
	StepCreated     Step = "created"
	StepReserved    Step = "balance_reserved"
	StepDownloading Step = "downloading"
	StepTranscribed Step = "transcribed"
	StepDebited     Step = "debited"
	StepAnalyzed    Step = "analyzed"
	StepReported    Step = "reported"
	StepNoted       Step = "crm_noted"
	StepRefunded    Step = "refunded"
)

// Task is the unit of billable work. Tasks are never deleted.
type Task struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	ReportID       string         `json:"report_id"`
	Source         calls.Provider `json:"source"`
	ProviderCallID string         `json:"provider_call_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Status         Status         `json:"status"`
	Step           Step           `json:"step"`

	// DurationSeconds is the billed, measured duration.
	DurationSeconds int    `json:"duration_seconds"`
	// InitialDuration is what the provider reported before download.
	InitialDuration int    `json:"initial_duration"`
	FileURL         string `json:"file_url"`
	ErrorDetails    string `json:"error_details,omitempty"`

	Transcript         string            `json:"transcript,omitempty"`
	// AdvancedTranscript is the speaker-labelled transcript.
	AdvancedTranscript string            `json:"advanced_transcript,omitempty"`
	Answers            map[string]string `json:"answers,omitempty"`
}

// Transition moves t to next. Terminal states are immutable and only
// in_progress may move.
func Transition(t *Task, next Status, now time.Time) error {
	if t.Status == next {
		if next.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.Status)
		}
		return nil
	}
	if t.Status != StatusInProgress || !next.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

package pipeline

import (
	"errors"
	"strings"

	"call-intake/internal/tasks"
	"call-intake/internal/wallet"
)

// UserMessage maps a processing error to text for interactive sources.
// CRM-sourced failures are never shown to the end customer.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return "Call processed."
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "Insufficient balance: top up your minutes to analyze this call."
	case errors.Is(err, ErrDownload):
		return "Could not download the recording. Check that the link is reachable."
	case errors.Is(err, ErrAlreadyProcessed):
		return "This recording has already been processed."
	default:
		return "Something went wrong while processing the call. Please try again later."
	}
}

// TaskMessage is the user-facing status line for a stored task.
func TaskMessage(t tasks.Task) string {
	switch t.Status {
	case tasks.StatusInProgress:
		return "The call is being processed."
	case tasks.StatusDone:
		return UserMessage(nil)
	case tasks.StatusCancelled:
		if strings.Contains(t.ErrorDetails, wallet.ErrInsufficientFunds.Error()) {
			return UserMessage(wallet.ErrInsufficientFunds)
		}
		return UserMessage(errors.New(t.ErrorDetails))
	default:
		if strings.Contains(t.ErrorDetails, ErrDownload.Error()) {
			return UserMessage(ErrDownload)
		}
		return UserMessage(errors.New(t.ErrorDetails))
	}
}

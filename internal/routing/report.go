package routing

import (
	"call-intake/internal/filter"
)

// Report is a tenant rule set: filters plus the questions asked of each accepted call.
// Lower Priority wins.
type Report struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Name      string           `json:"name"`
	Priority  int              `json:"priority"`
	Active    bool             `json:"active"`
	Filters   filter.FilterSet `json:"filters"`
	Questions []Question       `json:"questions"`

	// SheetName is the report sheet rows are appended to.
	SheetName string `json:"sheet_name,omitempty"`
}

// Question is one structured question put to the analyzer.
type Question struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

// Rejection records why a report did not accept a call.
type Rejection struct {
	ReportID string
	Result   filter.Result
}

package filter

import (
	"encoding/json"
	"fmt"
	"time"

	"call-intake/internal/calls"
)

// FilterSet is a tenant-authored rule configuration.
// Nil pointers and empty slices mean "unset": the matching predicate passes.
type FilterSet struct {
	MinDuration *int `json:"min_duration,omitempty"`
	MaxDuration *int `json:"max_duration,omitempty"`

	ResponsibleUsersIn    []string `json:"responsible_users_in,omitempty"`
	ResponsibleUsersNotIn []string `json:"responsible_users_not_in,omitempty"`

	AllowedCallTypes []calls.Direction `json:"allowed_call_types,omitempty"`
	RestrictedPhones []string          `json:"restricted_phones,omitempty"`

	OnlyFirstCall bool `json:"only_first_call,omitempty"`

	PipelinesIn    []string `json:"pipelines_in,omitempty"`
	PipelinesNotIn []string `json:"pipelines_not_in,omitempty"`
	StatusesIn     []string `json:"statuses_in,omitempty"`
	StatusesNotIn  []string `json:"statuses_not_in,omitempty"`

	CustomFields []FieldRule `json:"custom_fields,omitempty"`

	// WriteNote asks the pipeline to post the analysis back to the CRM entity.
	WriteNote bool `json:"write_note,omitempty"`

	// Timezone is an IANA zone used by the recency check. Empty uses the process default.
	Timezone string `json:"timezone,omitempty"`
}

// FieldRule constrains one CRM custom field.
// The call passes when the entity carries any of Values (or none of them, when Exclude).
type FieldRule struct {
	FieldID string   `json:"field_id"`
	Values  []string `json:"values"`
	Exclude bool     `json:"exclude,omitempty"`
}

// Decode parses a stored filter blob. An empty blob is an empty FilterSet.
func Decode(blob []byte) (FilterSet, error) {
	var fs FilterSet
	if len(blob) == 0 || string(blob) == "null" {
		return fs, nil
	}
	if err := json.Unmarshal(blob, &fs); err != nil {
		return FilterSet{}, fmt.Errorf("filter: decode: %w", err)
	}
	if err := fs.Validate(); err != nil {
		return FilterSet{}, err
	}
	return fs, nil
}

func (fs FilterSet) Validate() error {
	if fs.MinDuration != nil && *fs.MinDuration < 0 {
		return fmt.Errorf("filter: min_duration must be >= 0")
	}
	if fs.MinDuration != nil && fs.MaxDuration != nil && *fs.MaxDuration < *fs.MinDuration {
		return fmt.Errorf("filter: max_duration must be >= min_duration")
	}
	for _, d := range fs.AllowedCallTypes {
		if !d.Valid() {
			return fmt.Errorf("filter: unknown call type %q", d)
		}
	}
	if fs.Timezone != "" {
		if _, err := time.LoadLocation(fs.Timezone); err != nil {
			return fmt.Errorf("filter: unknown timezone %q", fs.Timezone)
		}
	}
	return nil
}

// Int is a helper for building FilterSets in code.
func Int(v int) *int { return &v }

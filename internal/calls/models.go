package calls

import (
	"errors"
	"io"
	"time"
)

// Provider identifies an external CRM or telephony system.
type Provider string

const (
	ProviderAmoCRM    Provider = "amocrm"
	ProviderBitrix    Provider = "bitrix"
	ProviderMango     Provider = "mango"
	ProviderZadarma   Provider = "zadarma"
	ProviderOnlinePBX Provider = "onlinepbx"
	ProviderSipuni    Provider = "sipuni"
	ProviderCustom    Provider = "custom"
)

// Direction is the canonical 3-valued call direction.
// Each adapter maps its own vocabulary into it before filtering.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionInbound, DirectionOutbound, DirectionInternal:
		return true
	default:
		return false
	}
}

// Route names the ingress variant that produced a payload.
// It is persisted with retry attempts so replays go through the same parser.
type Route string

const (
	RouteAmoCRMV1 Route = "amocrm/v1"
	RouteAmoCRMV2 Route = "amocrm/v2"
	RouteBitrix   Route = "bitrix"
	RouteCustom   Route = "custom"
	RoutePoll     Route = "poll"
)

// RawCall is a provider payload as received, before normalization.
// Payload is the exact body (form-encoded for push, JSON record for poll)
// and is what gets stored for replay.
type RawCall struct {
	Provider   Provider  `json:"provider"`
	Route      Route     `json:"route"`
	AccountID  string    `json:"account_id,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// NormalizedCall is the provider-agnostic call shape consumed by filtering
// and the task pipeline. It is never persisted verbatim.
type NormalizedCall struct {
	Provider       Provider `json:"provider"`
	ProviderCallID string   `json:"provider_call_id"`
	AccountID      string   `json:"account_id"`

	// StartedAt is zero when the provider did not report a start time.
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Direction       Direction `json:"direction"`

	ResponsibleUserID string `json:"responsible_user_id,omitempty"`

	// RecordingLocator is an opaque provider handle (URL, record id, etc.).
	RecordingLocator string `json:"recording_locator,omitempty"`

	CRMEntityType string `json:"crm_entity_type,omitempty"`
	CRMEntityID   string `json:"crm_entity_id,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`

	Raw RawCall `json:"-"`
}

var ErrInvalidCall = errors.New("invalid call")

// Validate checks the fields every downstream stage relies on.
func (c NormalizedCall) Validate() error {
	if c.Provider == "" || c.ProviderCallID == "" {
		return errors.Join(ErrInvalidCall, errors.New("provider and provider_call_id are required"))
	}
	if c.DurationSeconds < 0 {
		return errors.Join(ErrInvalidCall, errors.New("duration must be >= 0"))
	}
	if c.Direction != "" && !c.Direction.Valid() {
		return errors.Join(ErrInvalidCall, errors.New("unknown direction "+string(c.Direction)))
	}
	return nil
}

// Recording is an audio stream returned by a provider. Callers must close Body.
type Recording struct {
	Body        io.ReadCloser
	ContentType string
	// URL is the resolved download location when the provider exposes one.
	URL string
}

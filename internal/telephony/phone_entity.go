package telephony

import (
	"call-intake/internal/calls"
	"call-intake/internal/filter"
)

// PhoneEntityType marks calls whose "entity" is the client phone number.
// PBX providers have no CRM objects, so first-call history is keyed by phone.
const PhoneEntityType = "phone"

func phoneEntity(c *calls.NormalizedCall) {
	if c.PhoneNumber == "" {
		return
	}
	c.CRMEntityType = PhoneEntityType
	c.CRMEntityID = c.PhoneNumber
	if e164, ok := filter.NormalizePhone(c.PhoneNumber, ""); ok {
		c.CRMEntityID = e164
	}
}

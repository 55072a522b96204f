package filter

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when neither the tenant nor the process configures one.
const DefaultRegion = "RU"

// NormalizePhone returns the E.164 form of raw, parsed in region.
// ok is false when raw is not a plausible phone number.
func NormalizePhone(raw, region string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if region == "" {
		region = DefaultRegion
	}
	// Some PBXs drop the plus on international numbers.
	if !strings.HasPrefix(raw, "+") && len(digitsOnly(raw)) > 10 && !strings.HasPrefix(digitsOnly(raw), "8") {
		raw = "+" + digitsOnly(raw)
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", false
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// PhoneIn reports whether phone matches any entry of list after normalization.
// Entries that fail to normalize fall back to digit comparison.
func PhoneIn(phone string, list []string, region string) bool {
	target, ok := NormalizePhone(phone, region)
	if !ok {
		target = digitsOnly(phone)
		if target == "" {
			return false
		}
	}
	for _, p := range list {
		n, ok := NormalizePhone(p, region)
		if !ok {
			n = digitsOnly(p)
		}
		if n != "" && n == target {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

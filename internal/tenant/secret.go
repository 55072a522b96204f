package tenant

import "crypto/subtle"

// VerifySecret compares a presented client secret with the account's stored one
// in constant time. Accounts without a secret never verify.
func (a Account) VerifySecret(presented string) bool {
	if a.WebhookSecret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.WebhookSecret), []byte(presented)) == 1
}

// Payer returns the account that is billed for a.
func (a Account) Payer() string {
	if a.PayerID != "" {
		return a.PayerID
	}
	return a.ID
}

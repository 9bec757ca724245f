// Package emailaddr canonicalizes and masks email addresses.
package emailaddr

import "strings"

// Normalize returns the canonical form used for uniqueness and lookup:
// trimmed and lowercased. Anything deeper (plus-tag stripping, IDN
// folding) would change which addresses collide and is a product
// decision, not this package's.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Mask redacts an address for display, keeping the first character of
// the local part and the full domain: "t***@example.com". The input is
// normalized first so the mask is stable regardless of the casing the
// caller stored or received. Presentation only; never treat the masked
// form as a security control.
func Mask(email string) string {
	email = Normalize(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}

	local, domain := email[:at], email[at+1:]
	return local[:1] + "***@" + domain
}

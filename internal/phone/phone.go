// Package phone normalizes recipient numbers so dedup and blocklist checks
// compare the same representation.
package phone

import (
	"strings"
	"unicode"

	"github.com/ttacon/libphonenumber"
)

// Normalizer converts raw phone input into E.164 digits without the plus sign
type Normalizer struct {
	region string
}

// NewNormalizer creates a normalizer that assumes region for national numbers
func NewNormalizer(region string) *Normalizer {
	if region == "" {
		region = "BR"
	}
	return &Normalizer{region: strings.ToUpper(region)}
}

// Normalize returns the canonical digits for raw.
// Numbers libphonenumber cannot parse fall back to their digits only.
func (n *Normalizer) Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// WhatsApp JIDs carry a domain suffix
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}

	digits := onlyDigits(raw)
	if digits == "" {
		return ""
	}

	candidate := raw
	if !strings.HasPrefix(candidate, "+") && len(digits) > 11 {
		// long digit strings are already international
		candidate = "+" + digits
	}

	num, err := libphonenumber.Parse(candidate, n.region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return digits
	}
	return strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+")
}

// Valid reports whether raw parses as a valid number for the default region
func (n *Normalizer) Valid(raw string) bool {
	num, err := libphonenumber.Parse(raw, n.region)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

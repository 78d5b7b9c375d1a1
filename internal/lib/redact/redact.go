package redact

import "strings"

// DefaultKeep is how many characters are kept at each end of a token preview.
const DefaultKeep = 8

// Token returns a preview of a credential that keeps only the first and last
// keep characters. Values too short to hide anything are fully masked.
func Token(value string, keep int) string {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if len(value) <= keep*2 {
		return strings.Repeat("*", len(value))
	}
	return value[:keep] + "..." + value[len(value)-keep:]
}

package normalize

import "strings"

// Username returns the canonical form of a username used for storage,
// lookups and token claims: surrounding whitespace trimmed, lower-cased.
func Username(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// ValidUsername reports whether a normalized username is 3-32 characters of
// lower-case letters, digits, '_', '-' or '.'.
func ValidUsername(u string) bool {
	if len(u) < 3 || len(u) > 32 {
		return false
	}
	for _, r := range u {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

package domain

import (
	"fmt"
	"strings"
)

// countryPrefix is what the SMS gateway prepends to every sender.
const countryPrefix = "+1"

// NormalizeSender turns a gateway sender ("+15551234567") into the stored
// 10-digit form.
func NormalizeSender(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, countryPrefix) {
		return "", &ValidationError{Field: "From", Reason: fmt.Sprintf("sender %q lacks %s prefix", raw, countryPrefix)}
	}
	num := raw[len(countryPrefix):]
	if !isDigits(num, 10) {
		return "", &ValidationError{Field: "From", Reason: fmt.Sprintf("sender %q is not a 10-digit number", raw)}
	}
	return num, nil
}

// CanonicalNumber accepts a user-entered number ("(555) 123-4567",
// "+1 555 123 4567", "15551234567") and returns its 10-digit form.
func CanonicalNumber(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '+':
		default:
			return "", &ValidationError{Field: "number", Reason: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", &ValidationError{Field: "number", Reason: fmt.Sprintf("%q is not a 10-digit number", input)}
	}
	return digits, nil
}

// E164 renders a canonical number in the form the gateway expects.
func E164(number string) string { return countryPrefix + number }

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

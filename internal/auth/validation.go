package auth

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidIdentifier is returned for identifiers that are neither an email nor a phone number
var ErrInvalidIdentifier = errors.New("identifier must be an email address or phone number")

// NormalizeIdentifier canonicalises a subscriber identifier so that the same person always maps
// to the same ledger key: emails are lowercased, phone numbers keep only a leading + and digits.
func NormalizeIdentifier(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > 255 {
		return "", ErrInvalidIdentifier
	}

	if strings.Contains(s, "@") {
		s = strings.ToLower(s)
		if !isValidEmail(s) {
			return "", ErrInvalidIdentifier
		}
		return s, nil
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting characters
		default:
			return "", ErrInvalidIdentifier
		}
	}
	phone := b.String()
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 6 || len(digits) > 15 {
		return "", ErrInvalidIdentifier
	}
	return phone, nil
}

func isValidEmail(email string) bool {
	if len(email) < 3 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	if len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false
	}
	if strings.ContainsAny(email, " \t") {
		return false
	}
	return strings.Contains(parts[1], ".")
}

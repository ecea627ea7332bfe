package app

import (
	"fmt"
	"unicode"
)

// minPassphraseLength defines the minimum number of characters required for
// a store passphrase.
const minPassphraseLength = 12

// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
var ErrWeakPassphrase = fmt.Errorf(
	"passphrase is too weak (must be at least %d characters and include upper, lower, "+
		"number, and symbol)",
	minPassphraseLength,
)

// CheckPassphrase enforces a basic strength policy for passphrases that will
// protect a newly created store. Unlocking an existing store accepts
// whatever opens it.
func CheckPassphrase(passphrase string) error {
	if len(passphrase) < minPassphraseLength {
		return ErrWeakPassphrase
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSymbol {
		return ErrWeakPassphrase
	}
	return nil
}

package auth

import (
	"fmt"

	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

const (
	minPasswordLen = 8
	// We put a generous upper cap on password length, so people can use
	// passphrases but we don't allow MBs of data as a password.
	maxPasswordLen = 128
)

var ErrInvalidPassword = fmt.Errorf("invalid password")

// Password is a plaintext password.
//
// It should never be persisted, logged or exposed in any other way. To
// protect ourselves from accidentally doing so, the type implements
// several common interfaces that would allow it to be used inappropriately.
//
// There are only two operations allowed on a Password:
// - Converting it to a hash.
// - Comparing it with an existing hash to see if they match.
type Password struct {
	plain []byte
}

// ParsePassword creates a new Password from a plaintext string. It enforces
// the password policy: length between 8 and 128 characters with at least
// one lowercase letter, one uppercase letter and one digit.
//
// The same rule is applied both when parsing requests and right before
// persisting a new credential, so a bug in one layer can't sneak a weak
// password into the store.
//
// The returned errors wrap ErrInvalidPassword and are safe to show to the
// user, they are about the user's own input.
func ParsePassword(pwd string) (Password, error) {
	if len(pwd) < minPasswordLen || len(pwd) > maxPasswordLen {
		return Password{}, fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidPassword, minPasswordLen, maxPasswordLen)
	}

	var hasLower, hasUpper, hasDigit bool
	for _, r := range pwd {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}

	if !hasLower || !hasUpper || !hasDigit {
		return Password{}, fmt.Errorf("%w: must contain at least one lowercase letter, one uppercase letter and one digit", ErrInvalidPassword)
	}

	return Password{
		plain: []byte(pwd),
	}, nil
}

// Match checks if the plaintext password matches the given hash.
func (p Password) Match(h krypto.Argon2Hash) bool {
	return h.MatchBytes(p.plain)
}

// Hash hashes the plaintext password using the argon2id algorithm.
func (p Password) Hash() (krypto.Argon2Hash, error) {
	return krypto.HashArgon2(p.plain)
}

func (p Password) Format(f fmt.State, verb rune) {
	f.Write([]byte(krypto.SecretMarker))
}

func (p Password) MarshalText() ([]byte, error) {
	return []byte(krypto.SecretMarker), nil
}

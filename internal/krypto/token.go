package krypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
)

const (
	tokenLen = 32

	// prefixLen is the number of leading hex characters of a token that are
	// considered non-sensitive. A prefix is only ever used as a lookup aid
	// for forensic correlation, never as a credential.
	prefixLen = 8
)

var ErrInvalidToken = errors.New("invalid token")

// Token is a random token that is sent to a user out-of-band, usually
// as a link in an email.
//
// The only time a token should be provided in plaintext is as part of
// such an email and the request that echoes it back. Tokens are
// confidential and should never be exposed in logs or persisted in
// plaintext, only their hash is stored.
type Token [tokenLen]byte

// GenerateToken creates a new random token.
func GenerateToken() (Token, error) {
	b, err := genRandomBytes(tokenLen)
	if err != nil {
		return [tokenLen]byte{}, err
	}
	return [tokenLen]byte(b), nil
}

// ParseToken parses a token from a string.
func ParseToken(raw string) (Token, error) {
	if len(raw) != tokenLen*2 {
		return [tokenLen]byte{}, ErrInvalidToken
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return [tokenLen]byte{}, ErrInvalidToken
	}

	return [tokenLen]byte(b), nil
}

// String returns the string representation of the token.
// As opposed to a Password this is allowed, we need to embed the
// token in emails.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Prefix returns the first few hex characters of the token.
func (t Token) Prefix() string {
	return t.String()[:prefixLen]
}

// Hash returns the deterministic hash of the token.
func (t Token) Hash() TokenHash {
	return TokenHash(sha256.Sum256(t[:]))
}

// LogValue implements the slog.Valuer interface.
func (t Token) LogValue() slog.Value {
	return slog.StringValue(SecretMarker)
}

// TokenHash is the SHA-256 digest of a Token. Unlike password hashes it is
// unsalted and deterministic: tokens have 256 bits of entropy so offline
// guessing is not a concern, and stores need to look tokens up by their
// hash in a single statement.
type TokenHash [sha256.Size]byte

// ParseTokenHash parses a token hash from its hex representation.
func ParseTokenHash(raw string) (TokenHash, error) {
	if len(raw) != sha256.Size*2 {
		return TokenHash{}, ErrInvalidToken
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return TokenHash{}, ErrInvalidToken
	}

	return TokenHash(b), nil
}

// String returns the hex representation of the hash. Hashes are not
// reversible, exposing them is acceptable.
func (h TokenHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal compares two hashes in constant time.
func (h TokenHash) Equal(other TokenHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

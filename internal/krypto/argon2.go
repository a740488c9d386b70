package krypto

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonVariant = "argon2id"

	saltLen = 16
	keyLen  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrInvalidHash = errors.New("invalid argon2 hash")

// Argon2Hash is an argon2id hash of some secret value, typically a password.
// The parameters used to create the hash are stored alongside it, so hashes
// created with older parameters keep matching after the defaults change.
type Argon2Hash struct {
	Variant string
	Version int
	Memory  uint32
	Time    uint32
	Threads uint8
	Salt    []byte
	Hash    []byte
}

// HashArgon2 hashes data using the argon2id algorithm with a random salt.
func HashArgon2(data []byte) (Argon2Hash, error) {
	salt, err := genRandomBytes(saltLen)
	if err != nil {
		return Argon2Hash{}, err
	}

	hash := argon2.IDKey(data, salt, argonTime, argonMemory, argonThreads, keyLen)

	return Argon2Hash{
		Variant: argonVariant,
		Version: argon2.Version,
		Memory:  argonMemory,
		Time:    argonTime,
		Threads: argonThreads,
		Salt:    salt,
		Hash:    hash,
	}, nil
}

// MatchBytes checks if data hashes to the same value using the
// parameters and salt stored on the hash. The comparison is constant time.
func (h Argon2Hash) MatchBytes(data []byte) bool {
	if h.Variant != argonVariant {
		return false
	}

	other := argon2.IDKey(data, h.Salt, h.Time, h.Memory, h.Threads, uint32(len(h.Hash)))

	return subtle.ConstantTimeCompare(h.Hash, other) == 1
}

// String encodes the hash in the common PHC string format:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func (h Argon2Hash) String() string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		h.Variant,
		h.Version,
		h.Memory,
		h.Time,
		h.Threads,
		base64.RawStdEncoding.EncodeToString(h.Salt),
		base64.RawStdEncoding.EncodeToString(h.Hash),
	)
}

// ParseArgon2Hash parses a hash in the PHC string format.
func ParseArgon2Hash(raw string) (Argon2Hash, error) {
	parts := strings.Split(raw, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Argon2Hash{}, ErrInvalidHash
	}

	h := Argon2Hash{
		Variant: parts[1],
	}

	if h.Variant != argonVariant {
		return Argon2Hash{}, ErrInvalidHash
	}

	if _, err := fmt.Sscanf(parts[2], "v=%d", &h.Version); err != nil {
		return Argon2Hash{}, ErrInvalidHash
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.Memory, &h.Time, &h.Threads); err != nil {
		return Argon2Hash{}, ErrInvalidHash
	}

	var err error
	h.Salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Hash{}, ErrInvalidHash
	}

	h.Hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Hash{}, ErrInvalidHash
	}

	if len(h.Salt) == 0 || len(h.Hash) == 0 {
		return Argon2Hash{}, ErrInvalidHash
	}

	return h, nil
}

// LogValue implements the slog.Valuer interface. Hashes are not secrets in
// the same sense as plaintext passwords, but there is no reason to ever log
// them either.
func (h Argon2Hash) LogValue() slog.Value {
	return slog.StringValue(SecretMarker)
}

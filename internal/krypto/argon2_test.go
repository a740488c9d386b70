package krypto_test

import (
	"errors"
	"testing"

	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

func Test_HashArgon2(t *testing.T) {
	t.Run("ok, hash and match", func(t *testing.T) {
		hash, err := krypto.HashArgon2([]byte("my secret value"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !hash.MatchBytes([]byte("my secret value")) {
			t.Fatalf("hash does not match its own input")
		}

		if hash.MatchBytes([]byte("another value")) {
			t.Fatalf("hash matches different input")
		}
	})

	t.Run("ok, same input hashes to different values", func(t *testing.T) {
		h1, err := krypto.HashArgon2([]byte("my secret value"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		h2, err := krypto.HashArgon2([]byte("my secret value"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// The random salt should make the encoded hashes differ.
		if h1.String() == h2.String() {
			t.Fatalf("two hashes of the same input are equal: %s", h1)
		}
	})
}

func Test_Argon2Hash_StringRoundTrip(t *testing.T) {
	t.Run("ok, round trip", func(t *testing.T) {
		hash, err := krypto.HashArgon2([]byte("my secret value"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		parsed, err := krypto.ParseArgon2Hash(hash.String())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !parsed.MatchBytes([]byte("my secret value")) {
			t.Fatalf("parsed hash does not match original input")
		}
	})

	failCases := map[string]string{
		"empty":           "",
		"not a phc":       "argon2id",
		"wrong variant":   "$argon2i$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$aGFzaGhhc2hoYXNo",
		"missing salt":    "$argon2id$v=19$m=65536,t=1,p=4$$aGFzaGhhc2hoYXNo",
		"missing hash":    "$argon2id$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$",
		"invalid params":  "$argon2id$v=19$m=what$c29tZXNhbHQ$aGFzaGhhc2hoYXNo",
		"invalid base64":  "$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaGhhc2hoYXNo",
		"too many fields": "$argon2id$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$aGFzaA$extra",
	}

	for name, raw := range failCases {
		t.Run("fail, "+name, func(t *testing.T) {
			_, err := krypto.ParseArgon2Hash(raw)
			if !errors.Is(err, krypto.ErrInvalidHash) {
				t.Fatalf("wanted error %v, got %v (via errors.Is)", krypto.ErrInvalidHash, err)
			}
		})
	}
}

package krypto_test

import (
	"testing"

	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

func Test_BlindIndex(t *testing.T) {
	key := must(krypto.ParseKey("2b671594b775f371eab4050b4d58326682df6b1a6cc2e886717b1a26b4d6c45d"))
	otherKey := must(krypto.ParseKey("90303dfed7994260ea4817a5ca8a392915cd401115b2f97495dadfcbcd14adbf"))

	t.Run("ok, deterministic", func(t *testing.T) {
		i1 := krypto.BlindIndex(key, []byte("alice@example.com"))
		i2 := krypto.BlindIndex(key, []byte("alice@example.com"))

		if i1 != i2 {
			t.Fatalf("got %s want %s", i2, i1)
		}
	})

	t.Run("ok, differs per input", func(t *testing.T) {
		i1 := krypto.BlindIndex(key, []byte("alice@example.com"))
		i2 := krypto.BlindIndex(key, []byte("bob@example.com"))

		if i1 == i2 {
			t.Fatalf("indexes for different inputs are equal: %s", i1)
		}
	})

	t.Run("ok, differs per key", func(t *testing.T) {
		i1 := krypto.BlindIndex(key, []byte("alice@example.com"))
		i2 := krypto.BlindIndex(otherKey, []byte("alice@example.com"))

		if i1 == i2 {
			t.Fatalf("indexes for different keys are equal: %s", i1)
		}
	})
}

func Test_HashIP(t *testing.T) {
	key := must(krypto.ParseKey("2b671594b775f371eab4050b4d58326682df6b1a6cc2e886717b1a26b4d6c45d"))

	t.Run("ok, empty input stays empty", func(t *testing.T) {
		if got := krypto.HashIP(key, ""); got != "" {
			t.Fatalf("got %q want empty string", got)
		}
	})

	t.Run("ok, raw IP does not appear in digest", func(t *testing.T) {
		got := krypto.HashIP(key, "192.0.2.1")
		if got == "" || got == "192.0.2.1" {
			t.Fatalf("unexpected digest %q", got)
		}
	})
}

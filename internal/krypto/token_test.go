package krypto_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

func failTextToToken() map[string]string {
	return map[string]string{
		"fail, empty":              "",
		"fail, too short":          "010203040506070809101112131415161718192021222324252627282930313",
		"fail, too long":           "01020304050607080910111213141516171819202122232425262728293031323",
		"fail, non-hex characters": "010203040506070809101112131415161718192021222324252627282930313g",
	}
}

func Test_Token_GenerateToken(t *testing.T) {
	t.Run("ok, generate a token", func(t *testing.T) {
		tok, err := krypto.GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(tok) != 32 {
			t.Fatalf("got %d want %d", len(tok), 32)
		}
	})

	t.Run("ok, tokens don't repeat", func(t *testing.T) {
		seen := make(map[krypto.Token]bool)
		for i := 0; i < 100; i++ {
			tok, err := krypto.GenerateToken()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if seen[tok] {
				t.Fatalf("token %v generated twice", tok)
			}
			seen[tok] = true
		}
	})
}

func Test_Token_ParseToken(t *testing.T) {
	t.Run("ok, valid", func(t *testing.T) {
		want := krypto.Token{
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16,
			0x17, 0x18, 0x19, 0x20, 0x21, 0x22, 0x23, 0x24,
			0x25, 0x26, 0x27, 0x28, 0x29, 0x30, 0x31, 0x32,
		}

		raw := "0102030405060708091011121314151617181920212223242526272829303132"
		got, err := krypto.ParseToken(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got != want {
			t.Fatalf("got\n%v\nwant\n%v\n", got, want)
		}

		if got.String() != raw {
			t.Fatalf("got\n%s\nwant\n%s\n", got.String(), raw)
		}
	})

	for name, raw := range failTextToToken() {
		t.Run(name, func(t *testing.T) {
			_, err := krypto.ParseToken(raw)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}

			if !errors.Is(err, krypto.ErrInvalidToken) {
				t.Fatalf("expected error %v, got %v", krypto.ErrInvalidToken, err)
			}
		})
	}
}

func Test_Token_Hash(t *testing.T) {
	t.Run("ok, deterministic", func(t *testing.T) {
		tok, err := krypto.GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		h1 := tok.Hash()
		h2 := tok.Hash()

		if !h1.Equal(h2) {
			t.Fatalf("hash of the same token differs: %s vs %s", h1, h2)
		}
	})

	t.Run("ok, different tokens hash differently", func(t *testing.T) {
		tok1, err := krypto.GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		tok2, err := krypto.GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if tok1.Hash().Equal(tok2.Hash()) {
			t.Fatalf("hashes of distinct tokens are equal")
		}
	})

	t.Run("ok, hash round-trips via string", func(t *testing.T) {
		tok, err := krypto.GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		h := tok.Hash()
		got, err := krypto.ParseTokenHash(h.String())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !got.Equal(h) {
			t.Fatalf("got %s want %s", got, h)
		}
	})
}

func Test_Token_Prefix(t *testing.T) {
	raw := "0102030405060708091011121314151617181920212223242526272829303132"
	tok, err := krypto.ParseToken(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tok.Prefix() != "01020304" {
		t.Fatalf("got %s want %s", tok.Prefix(), "01020304")
	}
}

func Test_Token_PreventExposure(t *testing.T) {
	tok, err := krypto.GenerateToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logger.Info("attempting to log a token", "token", tok)

	s := buf.String()
	if !strings.Contains(s, krypto.SecretMarker) {
		t.Errorf("log output\n%s\ndoes not contain secret marker: %s", s, krypto.SecretMarker)
	}

	if strings.Contains(s, tok.String()) {
		t.Errorf("log output\n%s\ncontains raw token", s)
	}
}

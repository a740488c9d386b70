package krypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// BlindIndex computes a deterministic keyed digest of data. It is stored
// next to encrypted columns so they can still be used in equality lookups.
// Anyone with only database access cannot reverse it without the key.
func BlindIndex(key Key, data []byte) string {
	mac := hmac.New(sha256.New, key.SecretValue())
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// HashIP computes a salted digest of a request IP address. Raw IP
// addresses are never persisted, only these digests. The same IP always
// produces the same digest, so digests can still be counted and compared.
func HashIP(key Key, ip string) string {
	if ip == "" {
		return ""
	}
	return BlindIndex(key, []byte(ip))
}

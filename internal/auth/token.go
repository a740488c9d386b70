package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// ErrInvalidToken indicates a token could not be verified. Callers are
// deliberately not told whether the token was unknown, expired or malformed
// to avoid handing an attacker an oracle. The used-token ledger records the
// precise reason.
var ErrInvalidToken = errors.New("invalid token")

// TokenPurpose represents the purpose of a lifecycle token.
type TokenPurpose string

const (
	// TokenPurposeEmailVerification proves ownership of the address used
	// to register.
	TokenPurposeEmailVerification TokenPurpose = "email_verification"
	// TokenPurposePasswordReset authorizes setting a new password.
	TokenPurposePasswordReset TokenPurpose = "password_reset"
	// TokenPurposeEmailChange confirms a move to a new email address.
	// The new address travels along as the token's pending value.
	TokenPurposeEmailChange TokenPurpose = "email_change"
)

// TokenPurposes returns all known token purposes.
func TokenPurposes() []TokenPurpose {
	return []TokenPurpose{
		TokenPurposeEmailVerification,
		TokenPurposePasswordReset,
		TokenPurposeEmailChange,
	}
}

// LifecycleToken is the persisted state of a random token that was sent via
// email. Such tokens are consumed exactly once and have a limited lifetime.
// Only the hash is stored, the raw token exists in the outbound email and
// the inbound verification request.
//
// There is at most one live token per (user, purpose): issuing a new token
// replaces the previous one.
type LifecycleToken struct {
	TokenHash krypto.TokenHash
	UserID    uuid.UUID
	Purpose   TokenPurpose
	// PendingValue carries data the consuming operation needs, currently
	// only the new address for an email change.
	PendingValue string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Used-token ledger entry reasons.
const (
	UsageReasonConsumed = "consumed"
	UsageReasonNotFound = "not_found"
	UsageReasonExpired  = "expired"
)

// UsedToken is an append-only audit record of a token redemption attempt,
// successful or not. Entries are never mutated, they are only removed by
// the retention sweep. Because entries outlive the tokens themselves they
// can attribute a burnt or expired token to a user long after the fact.
type UsedToken struct {
	ID          int64
	TokenHash   krypto.TokenHash
	TokenPrefix string
	Purpose     TokenPurpose
	// UserID is set when the attempt could be resolved to a user. It may
	// be nil for attempts with unknown tokens.
	UserID    *uuid.UUID
	Success   bool
	Reason    string
	IPHash    string
	UserAgent string
	UsedAt    time.Time
	ExpiresAt time.Time
}

// RequestMeta carries non-sensitive request metadata into the used-token
// ledger. The IP address is hashed before it gets here, raw addresses are
// never persisted.
type RequestMeta struct {
	IPHash    string
	UserAgent string
}

// UsagePattern summarizes recent token redemption attempts of a user.
type UsagePattern struct {
	TotalAttempts  int
	FailedAttempts int
	DistinctIPs    int
	Suspicious     bool
}

// evaluatePattern applies the suspicion heuristics to raw counts.
func evaluatePattern(total, failed, distinctIPs int) UsagePattern {
	p := UsagePattern{
		TotalAttempts:  total,
		FailedAttempts: failed,
		DistinctIPs:    distinctIPs,
	}

	failureRatio := 0.0
	if total > 0 {
		failureRatio = float64(failed) / float64(total)
	}

	p.Suspicious = failed > 10 || distinctIPs > 5 || failureRatio > 0.8

	return p
}

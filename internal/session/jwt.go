// Package session issues and verifies stateless session tokens.
//
// Sessions are JWTs signed with a single symmetric key. There is no
// server-side session state and no revocation list, a session stays
// valid until it expires. The short lifetime is the mitigation for
// stolen tokens.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// ErrInvalidSession indicates a session token could not be verified. The
// caller is not told why, a tampered token and an expired one look the same.
var ErrInvalidSession = errors.New("invalid session")

// Session is the verified content of a session token.
type Session struct {
	UserID    uuid.UUID
	Email     email.Address
	Username  string
	ExpiresAt time.Time
}

type claims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Codec issues and verifies session tokens.
type Codec struct {
	secret krypto.Secret
	ttl    time.Duration

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// NewCodec creates a codec that signs tokens with the provided secret and
// issues them with the provided lifetime.
func NewCodec(secret krypto.Secret, ttl time.Duration) (*Codec, error) {
	if len(secret.SecretValue()) == 0 {
		return nil, errors.New("empty session secret")
	}

	if ttl <= 0 {
		return nil, errors.New("non-positive session lifetime")
	}

	return &Codec{
		secret:  secret,
		ttl:     ttl,
		NowFunc: time.Now,
	}, nil
}

// Issue creates a signed session token for the user.
func (c *Codec) Issue(user auth.User) (string, error) {
	now := c.NowFunc()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   user.ID.String(),
		Email:    string(user.Email),
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	})

	return token.SignedString(c.secret.SecretValue())
}

// Verify checks the signature, the expiry and the structure of a session
// token. Tokens with a valid signature but missing or malformed identity
// claims are rejected, a signed token is not automatically a usable one.
func (c *Codec) Verify(raw string) (Session, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.NowFunc),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	var cl claims
	token, err := parser.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return c.secret.SecretValue(), nil
	})
	if err != nil || !token.Valid {
		return Session{}, ErrInvalidSession
	}

	if cl.IssuedAt == nil || cl.ExpiresAt == nil {
		return Session{}, ErrInvalidSession
	}

	userID, err := uuid.Parse(cl.UserID)
	if err != nil || userID == uuid.Nil {
		return Session{}, ErrInvalidSession
	}

	addr, err := email.ParseAddress(cl.Email)
	if err != nil {
		return Session{}, ErrInvalidSession
	}

	if cl.Username == "" {
		return Session{}, ErrInvalidSession
	}

	return Session{
		UserID:    userID,
		Email:     addr,
		Username:  cl.Username,
		ExpiresAt: cl.ExpiresAt.Time,
	}, nil
}

package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// Provider indicates how an account authenticates.
type Provider string

const (
	// ProviderCredentials is for accounts with an email/password combination.
	ProviderCredentials Provider = "credentials"
	// ProviderGoogle is for accounts created via Google OAuth. Such accounts
	// have no password hash.
	ProviderGoogle Provider = "google"
)

// User contains the data for a user.
type User struct {
	ID       uuid.UUID
	Email    email.Address
	Username string
	// PasswordHash is nil for accounts that only authenticate via an
	// OAuth provider.
	PasswordHash  *krypto.Argon2Hash
	Provider      Provider
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Credentials are used to authenticate a user.
type Credentials struct {
	Email    email.Address
	Password Password
}

// Registration is the input for registering a new user.
type Registration struct {
	Email    email.Address
	Username string
	Password Password
}

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// UserFilter is used to filter users.
// Returned users must match all the provided fields.
// If a field is empty or nil, it's ignored.
type UserFilter struct {
	IDs           []uuid.UUID
	Emails        []email.Address
	Usernames     []string
	EmailVerified *bool
}

// LifecycleTokenFilter is used to filter lifecycle tokens.
// Returned tokens must match all the provided fields.
// If a field is empty or nil, it's ignored.
type LifecycleTokenFilter struct {
	UserIDs       []uuid.UUID
	Purposes      []TokenPurpose
	ExpiresBefore *time.Time
}

// UsedTokenFilter is used to filter used-token ledger entries.
// Returned entries must match all the provided fields.
// If a field is empty or nil, it's ignored.
type UsedTokenFilter struct {
	TokenHashes   []krypto.TokenHash
	TokenPrefixes []string
	Purposes      []TokenPurpose
	UserIDs       []uuid.UUID
	UsedAfter     *time.Time
}

// Store provides access to the user store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a transaction. If an error occurs on any of the methods, the
// transaction is considered to have failed and should be rolled back.
// Tx is not safe for concurrent use.
type Tx interface {
	Commit() error
	Rollback() error

	CreateUser(u *User) error
	UpdateUser(u *User) error
	FindUsers(filter *UserFilter) ([]User, error)

	// UpsertLifecycleToken stores t, replacing any previous token for the
	// same user and purpose.
	UpsertLifecycleToken(t *LifecycleToken) error
	// ConsumeLifecycleToken removes and returns the token with the given
	// hash and purpose in a single statement, so two concurrent consumers
	// can never both succeed. It returns errorz.ErrNotFound if there is no
	// such token. Expired tokens are returned (and removed) as well, expiry
	// is checked by the caller.
	ConsumeLifecycleToken(hash krypto.TokenHash, purpose TokenPurpose) (LifecycleToken, error)
	// DeleteLifecycleTokens removes all tokens matching the filter and
	// reports how many were removed.
	DeleteLifecycleTokens(filter *LifecycleTokenFilter) (int64, error)

	CreateUsedToken(ut *UsedToken) error
	FindUsedTokens(filter *UsedTokenFilter) ([]UsedToken, error)
	// DeleteUsedTokens removes all ledger entries that expired before the
	// given time and reports how many were removed.
	DeleteUsedTokens(before time.Time) (int64, error)
}

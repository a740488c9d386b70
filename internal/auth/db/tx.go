package db

import (
	"database/sql"
	"time"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// CreateUser creates a user in the database.
func (t *Tx) CreateUser(u *auth.User) error {
	return insertUser(t.store.newQuery(), t.tx.Exec, u)
}

// UpdateUser updates a user in the database.
// It returns errorz.ErrNotFound if no user is found.
func (t *Tx) UpdateUser(u *auth.User) error {
	return updateUser(t.store.newQuery(), t.tx.Exec, u)
}

// FindUsers queries for users based on the provided filter.
// It returns an empty slice if no users are found.
func (t *Tx) FindUsers(filter *auth.UserFilter) ([]auth.User, error) {
	return selectUsers(t.store.newQuery(), t.tx.Query, filter)
}

// UpsertLifecycleToken stores tok, replacing any previous token for the same
// user and purpose.
func (t *Tx) UpsertLifecycleToken(tok *auth.LifecycleToken) error {
	return upsertLifecycleToken(t.store.newQuery, t.tx.Exec, tok)
}

// ConsumeLifecycleToken removes and returns the token with the given hash
// and purpose. It returns errorz.ErrNotFound if there is no such token.
func (t *Tx) ConsumeLifecycleToken(hash krypto.TokenHash, purpose auth.TokenPurpose) (auth.LifecycleToken, error) {
	return consumeLifecycleToken(t.store.newQuery(), t.tx.Query, hash, purpose)
}

// DeleteLifecycleTokens removes all tokens matching the filter.
func (t *Tx) DeleteLifecycleTokens(filter *auth.LifecycleTokenFilter) (int64, error) {
	return deleteLifecycleTokens(t.store.newQuery(), t.tx.Exec, filter)
}

// CreateUsedToken appends an entry to the used-token ledger.
// It updates the entry's ID when successful.
func (t *Tx) CreateUsedToken(ut *auth.UsedToken) error {
	return insertUsedToken(t.store.newQuery(), t.tx.Exec, ut)
}

// FindUsedTokens queries the used-token ledger based on the provided filter.
func (t *Tx) FindUsedTokens(filter *auth.UsedTokenFilter) ([]auth.UsedToken, error) {
	return selectUsedTokens(t.store.newQuery(), t.tx.Query, filter)
}

// DeleteUsedTokens removes all ledger entries that expired before the given
// time.
func (t *Tx) DeleteUsedTokens(before time.Time) (int64, error) {
	return deleteUsedTokens(t.store.newQuery(), t.tx.Exec, before)
}

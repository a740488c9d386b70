package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/db"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

type execFunc func(query string, params ...any) (sql.Result, error)
type queryFunc func(query string, params ...any) (*sql.Rows, error)

func insertUser(q db.Query, ef execFunc, u *auth.User) error {
	if u.ID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO users (id, email_encrypted, email_blind_index, username, password_hash, auth_provider, email_verified, created_at, updated_at) VALUES (`)
	q.Param(u.ID)
	q.Unsafe(`, `)
	q.ParamEncrypted([]byte(u.Email))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(u.Email))
	q.Unsafe(`, `)
	q.Params(u.Username, nullableHash(u.PasswordHash), u.Provider, u.EmailVerified, u.CreatedAt, u.UpdatedAt)
	q.Unsafe(`)`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func updateUser(q db.Query, ef execFunc, u *auth.User) error {
	q.Unsafe(`UPDATE users SET `)

	q.Unsafe(`email_encrypted = `)
	q.ParamEncrypted([]byte(u.Email))

	q.Unsafe(`, email_blind_index = `)
	q.ParamBlindIndex([]byte(u.Email))

	q.Unsafe(`, username = `)
	q.Param(u.Username)

	q.Unsafe(`, password_hash = `)
	q.Param(nullableHash(u.PasswordHash))

	q.Unsafe(`, auth_provider = `)
	q.Param(u.Provider)

	q.Unsafe(`, email_verified = `)
	q.Param(u.EmailVerified)

	q.Unsafe(`, created_at = `)
	q.Param(u.CreatedAt)

	q.Unsafe(`, updated_at = `)
	q.Param(u.UpdatedAt)

	q.Unsafe(` WHERE id = `)
	q.Params(u.ID)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	result, err := ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errorz.MapDBErr(err)
	}

	if rows == 0 {
		return fmt.Errorf("user not found: %w", errorz.ErrNotFound)
	}

	return nil
}

func selectUsers(q db.Query, qf queryFunc, f *auth.UserFilter) ([]auth.User, error) {
	q.Unsafe(`SELECT id, email_encrypted, username, password_hash, auth_provider, email_verified, created_at, updated_at FROM users WHERE 1=1 `)

	if len(f.IDs) > 0 {
		q.Unsafe(`AND id IN (`)
		q.Params(anySlice(f.IDs)...)
		q.Unsafe(`) `)
	}

	if len(f.Emails) > 0 {
		q.Unsafe(`AND email_blind_index IN (`)
		for i, addr := range f.Emails {
			if i > 0 {
				q.Unsafe(`, `)
			}
			q.ParamBlindIndex([]byte(addr))
		}
		q.Unsafe(`) `)
	}

	if len(f.Usernames) > 0 {
		q.Unsafe(`AND username IN (`)
		q.Params(anySlice(f.Usernames)...)
		q.Unsafe(`) `)
	}

	if f.EmailVerified != nil {
		q.Unsafe(`AND email_verified = `)
		q.Param(f.EmailVerified)
	}

	q.Unsafe(` ORDER BY id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}

	defer rows.Close()

	out := make([]auth.User, 0)
	for rows.Next() {
		var u auth.User
		var pwdHash sql.NullString
		emailBytes := q.DecryptionTarget()
		err := rows.Scan(&u.ID, emailBytes, &u.Username, &pwdHash, &u.Provider, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}

		u.Email, err = email.ParseAddress(string(emailBytes.Data))
		if err != nil {
			return nil, err
		}

		if pwdHash.Valid {
			hash, err := krypto.ParseArgon2Hash(pwdHash.String)
			if err != nil {
				return nil, err
			}
			u.PasswordHash = &hash
		}

		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

// upsertLifecycleToken runs two statements, so it takes the query factory
// instead of a single query.
func upsertLifecycleToken(newQuery func() db.Query, ef execFunc, tok *auth.LifecycleToken) error {
	if tok.UserID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q := newQuery()
	q.Unsafe(`DELETE FROM lifecycle_tokens WHERE user_id = `)
	q.Param(tok.UserID)
	q.Unsafe(` AND purpose = `)
	q.Param(tok.Purpose)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	q = newQuery()
	q.Unsafe(`INSERT INTO lifecycle_tokens (token_hash, user_id, purpose, pending_value_encrypted, expires_at, created_at) VALUES (`)
	q.Params(tok.TokenHash.String(), tok.UserID, tok.Purpose)
	q.Unsafe(`, `)
	// Only email change tokens carry a pending value, the others store NULL.
	if tok.PendingValue == "" {
		q.Param(nil)
	} else {
		q.ParamEncrypted([]byte(tok.PendingValue))
	}
	q.Unsafe(`, `)
	q.Params(tok.ExpiresAt, tok.CreatedAt)
	q.Unsafe(`)`)

	s, params, err = q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

// consumeLifecycleToken deletes and returns the matching token in a single
// statement. Two transactions racing on the same token serialize on the
// write lock and only the first one gets a row back.
func consumeLifecycleToken(q db.Query, qf queryFunc, hash krypto.TokenHash, purpose auth.TokenPurpose) (auth.LifecycleToken, error) {
	q.Unsafe(`DELETE FROM lifecycle_tokens WHERE token_hash = `)
	q.Param(hash.String())
	q.Unsafe(` AND purpose = `)
	q.Param(purpose)
	q.Unsafe(` RETURNING token_hash, user_id, purpose, pending_value_encrypted, expires_at, created_at`)

	s, params, err := q.Get()
	if err != nil {
		return auth.LifecycleToken{}, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return auth.LifecycleToken{}, errorz.MapDBErr(err)
	}

	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return auth.LifecycleToken{}, errorz.MapDBErr(err)
		}
		return auth.LifecycleToken{}, fmt.Errorf("lifecycle token not found: %w", errorz.ErrNotFound)
	}

	var tok auth.LifecycleToken
	var rawHash string
	pendingBytes := q.DecryptionTarget()
	err = rows.Scan(&rawHash, &tok.UserID, &tok.Purpose, pendingBytes, &tok.ExpiresAt, &tok.CreatedAt)
	if err != nil {
		return auth.LifecycleToken{}, errorz.MapDBErr(err)
	}

	tok.TokenHash, err = krypto.ParseTokenHash(rawHash)
	if err != nil {
		return auth.LifecycleToken{}, err
	}
	tok.PendingValue = string(pendingBytes.Data)

	if err := rows.Err(); err != nil {
		return auth.LifecycleToken{}, errorz.MapDBErr(err)
	}

	return tok, nil
}

func deleteLifecycleTokens(q db.Query, ef execFunc, f *auth.LifecycleTokenFilter) (int64, error) {
	q.Unsafe(`DELETE FROM lifecycle_tokens WHERE 1=1 `)

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`) `)
	}

	if len(f.Purposes) > 0 {
		q.Unsafe(`AND purpose IN (`)
		q.Params(anySlice(f.Purposes)...)
		q.Unsafe(`) `)
	}

	if f.ExpiresBefore != nil {
		q.Unsafe(`AND expires_at < `)
		q.Param(*f.ExpiresBefore)
	}

	s, params, err := q.Get()
	if err != nil {
		return 0, err
	}

	result, err := ef(s, params...)
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	return rows, nil
}

func insertUsedToken(q db.Query, ef execFunc, ut *auth.UsedToken) error {
	q.Unsafe(`INSERT INTO used_tokens (token_hash, token_prefix, purpose, user_id, success, reason, ip_hash, user_agent, used_at, expires_at) VALUES (`)
	q.Params(
		ut.TokenHash.String(),
		ut.TokenPrefix,
		ut.Purpose,
		nullableUUID(ut.UserID),
		ut.Success,
		ut.Reason,
		ut.IPHash,
		ut.UserAgent,
		ut.UsedAt,
		ut.ExpiresAt,
	)
	q.Unsafe(`)`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	result, err := ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	ut.ID, err = result.LastInsertId()
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func selectUsedTokens(q db.Query, qf queryFunc, f *auth.UsedTokenFilter) ([]auth.UsedToken, error) {
	q.Unsafe(`SELECT id, token_hash, token_prefix, purpose, user_id, success, reason, ip_hash, user_agent, used_at, expires_at FROM used_tokens WHERE 1=1 `)

	if len(f.TokenHashes) > 0 {
		q.Unsafe(`AND token_hash IN (`)
		for i, h := range f.TokenHashes {
			if i > 0 {
				q.Unsafe(`, `)
			}
			q.Param(h.String())
		}
		q.Unsafe(`) `)
	}

	if len(f.TokenPrefixes) > 0 {
		q.Unsafe(`AND token_prefix IN (`)
		q.Params(anySlice(f.TokenPrefixes)...)
		q.Unsafe(`) `)
	}

	if len(f.Purposes) > 0 {
		q.Unsafe(`AND purpose IN (`)
		q.Params(anySlice(f.Purposes)...)
		q.Unsafe(`) `)
	}

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`) `)
	}

	if f.UsedAfter != nil {
		q.Unsafe(`AND used_at >= `)
		q.Param(*f.UsedAfter)
	}

	q.Unsafe(` ORDER BY id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}

	defer rows.Close()

	out := make([]auth.UsedToken, 0)
	for rows.Next() {
		var ut auth.UsedToken
		var rawHash string
		var userID uuid.NullUUID
		err := rows.Scan(&ut.ID, &rawHash, &ut.TokenPrefix, &ut.Purpose, &userID, &ut.Success, &ut.Reason, &ut.IPHash, &ut.UserAgent, &ut.UsedAt, &ut.ExpiresAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}

		ut.TokenHash, err = krypto.ParseTokenHash(rawHash)
		if err != nil {
			return nil, err
		}

		if userID.Valid {
			id := userID.UUID
			ut.UserID = &id
		}

		out = append(out, ut)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func deleteUsedTokens(q db.Query, ef execFunc, before time.Time) (int64, error) {
	q.Unsafe(`DELETE FROM used_tokens WHERE expires_at < `)
	q.Param(before)

	s, params, err := q.Get()
	if err != nil {
		return 0, err
	}

	result, err := ef(s, params...)
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}

	return rows, nil
}

func nullableHash(h *krypto.Argon2Hash) any {
	if h == nil {
		return nil
	}
	return h.String()
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func anySlice[T any](s []T) []any {
	out := make([]any, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

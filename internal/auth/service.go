package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

var (
	ErrDuplicateUser      = errors.New("duplicate user")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Emailer is used to send templated emails.
type Emailer interface {
	Send(ctx context.Context, template string, to email.Address, data any) error
}

// ErrFunc is a function that handles errors.
type ErrFunc func(error)

// ServiceConfig is the configuration for the Service.
type ServiceConfig struct {
	// WorkerTimeout is the max duration worker goroutines are allowed
	// to take before they are cancelled.
	WorkerTimeout time.Duration
	// VerificationTTL is the duration an email verification token is valid.
	VerificationTTL time.Duration
	// PasswordResetTTL is the duration a password reset token is valid.
	PasswordResetTTL time.Duration
	// EmailChangeTTL is the duration an email change token is valid.
	EmailChangeTTL time.Duration
	// LedgerRetention is how long used-token ledger entries are kept.
	LedgerRetention time.Duration
	// BaseURL is the public URL of the app, used to build links in emails.
	BaseURL string
}

// Service is the type that provides the main rules for authentication
// and the token lifecycle.
type Service struct {
	store      Store
	emailer    Emailer
	wg         *sync.WaitGroup
	errHandler ErrFunc
	cfg        ServiceConfig

	// comparisonHash is used to compare passwords when no user was found.
	comparisonHash krypto.Argon2Hash

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewService(s Store, emailer Emailer, errHandler ErrFunc, cfg ServiceConfig) (*Service, error) {
	tok, err := krypto.GenerateToken()
	if err != nil {
		return nil, err
	}

	hash, err := krypto.HashArgon2(tok[:])
	if err != nil {
		return nil, err
	}

	svc := &Service{
		store:          s,
		emailer:        emailer,
		wg:             &sync.WaitGroup{},
		errHandler:     errHandler,
		cfg:            cfg,
		comparisonHash: hash,
		NowFunc:        time.Now,
	}

	return svc, nil
}

// Wait waits for all open workers to finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RegisterUser registers a new user with the provided details.
// The main work of this method is done in a separate goroutine. The returned
// error does not indicate whether a user was actually registered or not. This
// is by design to prevent information leakage.
func (s *Service) RegisterUser(_ context.Context, reg Registration) error {
	// Hash the password before handing off to the worker, so policy
	// violations surface synchronously.
	pwdHash, err := reg.Password.Hash()
	if err != nil {
		return err
	}

	// The actual work is done in a separate goroutine to prevent:
	// - Waiting for the email to be send might slow down sending a response.
	// - Information leakage. Timing difference between existing/non-existing
	//   user could lead to user enumeration attacks.
	s.async(func(ctx context.Context) error {
		return s.startEmailVerification(ctx, reg, pwdHash)
	})

	// Note that we don't let the caller know if the user was created or not.
	// This is by design, again to prevent information leakage.
	return nil
}

// startEmailVerification begins the verification process for a new user:
// - Create a new auth.User if necessary.
// - Issue an email verification token, superseding any previous one.
// - Send an email to the address with a verification link.
//
// If a verified user with the same email address exists, ErrDuplicateUser
// is returned.
func (s *Service) startEmailVerification(ctx context.Context, reg Registration, pwdHash krypto.Argon2Hash) error {
	now := s.NowFunc()

	user := User{
		ID:            uuid.New(),
		Email:         reg.Email,
		Username:      reg.Username,
		PasswordHash:  &pwdHash,
		Provider:      ProviderCredentials,
		EmailVerified: false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	token, err := krypto.GenerateToken()
	if err != nil {
		return err
	}

	lifecycleToken := LifecycleToken{
		TokenHash: token.Hash(),
		UserID:    user.ID,
		Purpose:   TokenPurposeEmailVerification,
		ExpiresAt: now.Add(s.cfg.VerificationTTL),
		CreatedAt: now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		// Find a user with the same email.
		users, txErr := tx.FindUsers(&UserFilter{
			Emails: []email.Address{user.Email},
		})
		if txErr != nil {
			return txErr
		}

		// Check if we already have an unverified user with the same email,
		// otherwise create a new user.
		if len(users) > 0 {
			if users[0].EmailVerified {
				return ErrDuplicateUser
			}

			lifecycleToken.UserID = users[0].ID
		} else {
			txErr = tx.CreateUser(&user)
			if txErr != nil {
				return txErr
			}
		}

		return tx.UpsertLifecycleToken(&lifecycleToken)
	})

	if err != nil {
		return err
	}

	// Send the email.
	// This could fail independently of the transaction. This is an acceptable
	// risk for now. If the user has not received the email, they can always
	// try to register again.
	//
	// If at some point this becomes unacceptable, we need to consider some
	// kind of outbox pattern.
	return s.emailer.Send(ctx, "email-verification", reg.Email, TokenEmail{
		Username: reg.Username,
		Link:     s.link("verify-email", token),
	})
}

// ResendVerification issues a fresh verification token for an unverified
// user. Like RegisterUser the main work is done in a separate goroutine and
// no output indicates whether the email exists.
func (s *Service) ResendVerification(_ context.Context, addr email.Address) {
	s.async(func(ctx context.Context) error {
		now := s.NowFunc()

		token, err := krypto.GenerateToken()
		if err != nil {
			return err
		}

		var username string

		err = s.inTx(ctx, func(tx Tx) error {
			users, txErr := tx.FindUsers(&UserFilter{
				Emails:        []email.Address{addr},
				EmailVerified: ptr(false),
			})
			if txErr != nil {
				return txErr
			}

			if len(users) != 1 {
				return errorz.ErrNotFound
			}

			username = users[0].Username

			return tx.UpsertLifecycleToken(&LifecycleToken{
				TokenHash: token.Hash(),
				UserID:    users[0].ID,
				Purpose:   TokenPurposeEmailVerification,
				ExpiresAt: now.Add(s.cfg.VerificationTTL),
				CreatedAt: now,
			})
		})
		if err != nil {
			return err
		}

		return s.emailer.Send(ctx, "email-verification", addr, TokenEmail{
			Username: username,
			Link:     s.link("verify-email", token),
		})
	})
}

// VerifyEmail attempts to consume an email verification token and mark the
// corresponding user as verified.
func (s *Service) VerifyEmail(ctx context.Context, token krypto.Token, meta RequestMeta) error {
	return s.consumeToken(ctx, token, TokenPurposeEmailVerification, meta, func(tx Tx, lt LifecycleToken, now time.Time) error {
		users, err := tx.FindUsers(&UserFilter{
			IDs: []uuid.UUID{lt.UserID},
		})
		if err != nil {
			return err
		}

		if len(users) != 1 {
			return errorz.ErrNotFound
		}

		users[0].EmailVerified = true
		users[0].UpdatedAt = now

		return tx.UpdateUser(&users[0])
	})
}

// Authenticate checks if the provided credentials belong to a verified user
// and returns that user. It fails with ErrInvalidCredentials otherwise.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (User, error) {
	var users []User

	err := s.inTx(ctx, func(tx Tx) error {
		var txErr error
		users, txErr = tx.FindUsers(&UserFilter{
			Emails:        []email.Address{c.Email},
			EmailVerified: ptr(true),
		})
		return txErr
	})
	if err != nil {
		return User{}, err
	}

	if len(users) != 1 || users[0].PasswordHash == nil {
		// Even if no user is found we compare to a hash to prevent timing
		// differences that could result in user enumeration attacks. The
		// same applies to OAuth-only accounts without a password.
		_ = c.Password.Match(s.comparisonHash)
		return User{}, ErrInvalidCredentials
	}

	if !c.Password.Match(*users[0].PasswordHash) {
		return User{}, ErrInvalidCredentials
	}

	return users[0], nil
}

// RequestPasswordReset requests a password reset for the user with the
// provided email address. Similar to RegisterUser, the main work is done in
// a separate goroutine and no output is returned to indicate if the request
// was successful.
func (s *Service) RequestPasswordReset(_ context.Context, addr email.Address) {
	s.async(func(ctx context.Context) error {
		now := s.NowFunc()

		token, err := krypto.GenerateToken()
		if err != nil {
			return err
		}

		var username string

		err = s.inTx(ctx, func(tx Tx) error {
			users, txErr := tx.FindUsers(&UserFilter{
				Emails:        []email.Address{addr},
				EmailVerified: ptr(true),
			})
			if txErr != nil {
				return txErr
			}

			// OAuth-only accounts have no password to reset.
			if len(users) != 1 || users[0].PasswordHash == nil {
				return errorz.ErrNotFound
			}

			username = users[0].Username

			return tx.UpsertLifecycleToken(&LifecycleToken{
				TokenHash: token.Hash(),
				UserID:    users[0].ID,
				Purpose:   TokenPurposePasswordReset,
				ExpiresAt: now.Add(s.cfg.PasswordResetTTL),
				CreatedAt: now,
			})
		})
		if err != nil {
			return err
		}

		return s.emailer.Send(ctx, "password-reset-request", addr, TokenEmail{
			Username: username,
			Link:     s.link("reset-password", token),
		})
	})
}

// NewPassword is the input for resetting a password with a reset token.
type NewPassword struct {
	Token    krypto.Token
	Password Password
}

// ResetPassword attempts to consume a password reset token and update the
// corresponding user's password hash. A replay of the same token fails with
// ErrInvalidToken, also when two requests race: only one can consume it.
func (s *Service) ResetPassword(ctx context.Context, np NewPassword, meta RequestMeta) error {
	pwdHash, err := np.Password.Hash()
	if err != nil {
		return err
	}

	var addr email.Address
	var username string

	err = s.consumeToken(ctx, np.Token, TokenPurposePasswordReset, meta, func(tx Tx, lt LifecycleToken, now time.Time) error {
		users, txErr := tx.FindUsers(&UserFilter{
			IDs: []uuid.UUID{lt.UserID},
		})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 {
			return errorz.ErrNotFound
		}

		addr = users[0].Email
		username = users[0].Username

		users[0].PasswordHash = &pwdHash
		users[0].UpdatedAt = now

		return tx.UpdateUser(&users[0])
	})
	if err != nil {
		return err
	}

	// Let the user know their password changed. If this email fails the
	// reset itself already succeeded, so only report the error.
	s.async(func(ctx context.Context) error {
		return s.emailer.Send(ctx, "password-changed", addr, NoticeEmail{
			Username: username,
		})
	})

	return nil
}

// ChangePassword updates the password of an authenticated user after
// checking their current password. Any outstanding password reset tokens
// are invalidated, a reset requested before the change must not work after
// it.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPwd Password) error {
	pwdHash, err := newPwd.Hash()
	if err != nil {
		return err
	}

	now := s.NowFunc()

	return s.inTx(ctx, func(tx Tx) error {
		users, txErr := tx.FindUsers(&UserFilter{
			IDs: []uuid.UUID{userID},
		})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 || users[0].PasswordHash == nil {
			return ErrInvalidCredentials
		}

		if !current.Match(*users[0].PasswordHash) {
			return ErrInvalidCredentials
		}

		users[0].PasswordHash = &pwdHash
		users[0].UpdatedAt = now

		if txErr := tx.UpdateUser(&users[0]); txErr != nil {
			return txErr
		}

		_, txErr = tx.DeleteLifecycleTokens(&LifecycleTokenFilter{
			UserIDs:  []uuid.UUID{userID},
			Purposes: []TokenPurpose{TokenPurposePasswordReset},
		})
		return txErr
	})
}

// RequestEmailChange issues an email change token for the user and sends a
// confirmation link to the new address. The new address is stored as the
// token's pending value, nothing about the user changes until the token is
// consumed. The main work is done in a separate goroutine.
func (s *Service) RequestEmailChange(_ context.Context, userID uuid.UUID, newAddr email.Address) {
	s.async(func(ctx context.Context) error {
		now := s.NowFunc()

		token, err := krypto.GenerateToken()
		if err != nil {
			return err
		}

		var username string

		err = s.inTx(ctx, func(tx Tx) error {
			// Refuse addresses that are already in use.
			existing, txErr := tx.FindUsers(&UserFilter{
				Emails: []email.Address{newAddr},
			})
			if txErr != nil {
				return txErr
			}

			if len(existing) > 0 {
				return ErrDuplicateUser
			}

			users, txErr := tx.FindUsers(&UserFilter{
				IDs: []uuid.UUID{userID},
			})
			if txErr != nil {
				return txErr
			}

			if len(users) != 1 {
				return errorz.ErrNotFound
			}

			username = users[0].Username

			return tx.UpsertLifecycleToken(&LifecycleToken{
				TokenHash:    token.Hash(),
				UserID:       userID,
				Purpose:      TokenPurposeEmailChange,
				PendingValue: string(newAddr),
				ExpiresAt:    now.Add(s.cfg.EmailChangeTTL),
				CreatedAt:    now,
			})
		})
		if err != nil {
			return err
		}

		return s.emailer.Send(ctx, "email-change-confirmation", newAddr, TokenEmail{
			Username: username,
			Link:     s.link("confirm-email-change", token),
		})
	})
}

// ConfirmEmailChange attempts to consume an email change token and move the
// corresponding user to the token's pending address.
func (s *Service) ConfirmEmailChange(ctx context.Context, token krypto.Token, meta RequestMeta) error {
	return s.consumeToken(ctx, token, TokenPurposeEmailChange, meta, func(tx Tx, lt LifecycleToken, now time.Time) error {
		newAddr, err := email.ParseAddress(lt.PendingValue)
		if err != nil {
			return err
		}

		users, err := tx.FindUsers(&UserFilter{
			IDs: []uuid.UUID{lt.UserID},
		})
		if err != nil {
			return err
		}

		if len(users) != 1 {
			return errorz.ErrNotFound
		}

		users[0].Email = newAddr
		users[0].UpdatedAt = now

		return tx.UpdateUser(&users[0])
	})
}

// consumeToken consumes the token and applies the effect in a single
// transaction. The token row is removed before the effect runs and both
// commit or roll back together, so a partially applied effect can never
// leave a spendable token behind.
//
// Every call leaves one used-token ledger entry, also on failure. Ledger
// writes are best-effort: a failure is reported to the error handler but
// never fails the primary operation.
func (s *Service) consumeToken(ctx context.Context, token krypto.Token, purpose TokenPurpose, meta RequestMeta, effect func(tx Tx, lt LifecycleToken, now time.Time) error) error {
	now := s.NowFunc()

	entry := UsedToken{
		TokenHash:   token.Hash(),
		TokenPrefix: token.Prefix(),
		Purpose:     purpose,
		IPHash:      meta.IPHash,
		UserAgent:   meta.UserAgent,
		UsedAt:      now,
		ExpiresAt:   now.Add(s.cfg.LedgerRetention),
	}

	err := s.inTx(ctx, func(tx Tx) error {
		lt, txErr := tx.ConsumeLifecycleToken(token.Hash(), purpose)
		if txErr != nil {
			if errors.Is(txErr, errorz.ErrNotFound) {
				entry.Reason = UsageReasonNotFound
				return ErrInvalidToken
			}
			return txErr
		}

		entry.UserID = ptr(lt.UserID)

		if now.After(lt.ExpiresAt) {
			// Rolling back leaves the expired row in place for the sweep,
			// expiry is enforced here either way.
			entry.Reason = UsageReasonExpired
			return ErrInvalidToken
		}

		if txErr := effect(tx, lt, now); txErr != nil {
			return txErr
		}

		entry.Success = true
		entry.Reason = UsageReasonConsumed
		return nil
	})

	s.recordUsage(entry)

	return err
}

// recordUsage appends an entry to the used-token ledger. It deliberately
// uses its own transaction and a background context: the entry must be
// written also when the consuming transaction rolled back or the request
// context is already cancelled.
func (s *Service) recordUsage(entry UsedToken) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
	defer cancel()

	err := s.inTx(ctx, func(tx Tx) error {
		return tx.CreateUsedToken(&entry)
	})
	if err != nil {
		s.errHandler(fmt.Errorf("failed to record used token: %w", err))
	}
}

// SweepResult reports what an expiry sweep removed.
type SweepResult struct {
	TokensRemoved        int64
	LedgerEntriesRemoved int64
}

// SweepExpired bulk-removes expired lifecycle tokens and used-token ledger
// entries. It is a cleanup optimization, not a security boundary: expiry is
// enforced at verification time. The sweep is idempotent and safe to run
// concurrently with itself.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.NowFunc()

	var res SweepResult
	err := s.inTx(ctx, func(tx Tx) error {
		n, txErr := tx.DeleteLifecycleTokens(&LifecycleTokenFilter{
			ExpiresBefore: ptr(now),
		})
		if txErr != nil {
			return txErr
		}
		res.TokensRemoved = n

		n, txErr = tx.DeleteUsedTokens(now)
		if txErr != nil {
			return txErr
		}
		res.LedgerEntriesRemoved = n

		return nil
	})

	return res, err
}

// TokenEmail is the data for emails that carry a token link.
type TokenEmail struct {
	Username string
	Link     string
}

// NoticeEmail is the data for plain notification emails.
type NoticeEmail struct {
	Username string
}

func (s *Service) link(path string, token krypto.Token) string {
	return fmt.Sprintf("%s/%s?token=%s", s.cfg.BaseURL, path, token)
}

func (s *Service) async(f func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		wCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		if err := f(wCtx); err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) inTx(ctx context.Context, f func(tx Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		rBackErr := tx.Rollback()
		if rBackErr != nil {
			err = errors.Join(err, rBackErr)
		}
		return err
	}

	return tx.Commit()
}

func ptr[T any](v T) *T {
	return &v
}

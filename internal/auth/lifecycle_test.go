package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

func Test_Service_PasswordReset(t *testing.T) {
	t.Run("ok, reset password", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		resetToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		newPwd := must(auth.ParsePassword("evenStrongerPassword2"))
		err := st.svc.ResetPassword(context.Background(), auth.NewPassword{
			Token:    resetToken,
			Password: newPwd,
		}, testMeta())
		if err != nil {
			t.Fatalf("failed to reset password: %v", err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		// The old password no longer works.
		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}

		// The new one does.
		if _, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: newPwd,
		}); err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		// A notification email was send to the user.
		last := st.emailer.emails[len(st.emailer.emails)-1]
		if last.template != "password-changed" || last.recipient != reg.Email {
			t.Errorf("got email %q to %s, want password-changed to %s", last.template, last.recipient, reg.Email)
		}

		st.assertLedgerEntry(resetToken, auth.UsageReasonConsumed, true)
	})

	t.Run("fail, replayed token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		resetToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		np := auth.NewPassword{
			Token:    resetToken,
			Password: must(auth.ParsePassword("evenStrongerPassword2")),
		}

		if err := st.svc.ResetPassword(context.Background(), np, testMeta()); err != nil {
			t.Fatalf("failed to reset password: %v", err)
		}
		st.svc.Wait()
		st.errList.assertNoError(t)

		err := st.svc.ResetPassword(context.Background(), np, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail async, unknown email", func(t *testing.T) {
		st := newServiceTest(t)

		st.svc.RequestPasswordReset(context.Background(), must(email.ParseAddress("nobody@example.com")))
		st.svc.Wait()

		st.errList.assertErrorIs(t, errorz.ErrNotFound)

		if len(st.emailer.emails) != 0 {
			t.Fatalf("expected 0 emails, got %d", len(st.emailer.emails))
		}
	})

	t.Run("fail async, unverified user", func(t *testing.T) {
		st := newServiceTest(t)
		reg, _ := st.registerUser()

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()

		st.errList.assertErrorIs(t, errorz.ErrNotFound)
	})

	t.Run("fail, expired token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		resetToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		// PasswordResetTTL is set to 1 hour.
		st.svc.NowFunc = func() time.Time {
			return time.Now().Add(time.Hour + time.Second)
		}

		err := st.svc.ResetPassword(context.Background(), auth.NewPassword{
			Token:    resetToken,
			Password: must(auth.ParsePassword("evenStrongerPassword2")),
		}, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_ChangePassword(t *testing.T) {
	t.Run("ok, change password", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		newPwd := must(auth.ParsePassword("evenStrongerPassword2"))
		err = st.svc.ChangePassword(context.Background(), user.ID, reg.Password, newPwd)
		if err != nil {
			t.Fatalf("failed to change password: %v", err)
		}

		if _, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: newPwd,
		}); err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}
	})

	t.Run("fail, wrong current password", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		err = st.svc.ChangePassword(
			context.Background(),
			user.ID,
			must(auth.ParsePassword("wrongPassword1")),
			must(auth.ParsePassword("evenStrongerPassword2")),
		)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("ok, invalidates outstanding reset tokens", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		resetToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		newPwd := must(auth.ParsePassword("evenStrongerPassword2"))
		if err := st.svc.ChangePassword(context.Background(), user.ID, reg.Password, newPwd); err != nil {
			t.Fatalf("failed to change password: %v", err)
		}

		// The reset token requested before the change must not work anymore.
		err = st.svc.ResetPassword(context.Background(), auth.NewPassword{
			Token:    resetToken,
			Password: must(auth.ParsePassword("attackerPassword3")),
		}, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_EmailChange(t *testing.T) {
	t.Run("ok, change email", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		newAddr := must(email.ParseAddress("alice-new@example.com"))

		st.svc.RequestEmailChange(context.Background(), user.ID, newAddr)
		st.svc.Wait()
		st.errList.assertNoError(t)

		// The confirmation goes to the new address.
		last := st.emailer.emails[len(st.emailer.emails)-1]
		if last.recipient != newAddr {
			t.Fatalf("got email to %s, want %s", last.recipient, newAddr)
		}

		changeToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		if err := st.svc.ConfirmEmailChange(context.Background(), changeToken, testMeta()); err != nil {
			t.Fatalf("failed to confirm email change: %v", err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		// Authenticating with the new address works, the old one fails.
		if _, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    newAddr,
			Password: reg.Password,
		}); err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("fail async, address already in use", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		st.svc.RequestEmailChange(context.Background(), user.ID, reg.Email)
		st.svc.Wait()

		st.errList.assertErrorIs(t, auth.ErrDuplicateUser)
	})

	t.Run("fail, replayed token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		user, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		newAddr := must(email.ParseAddress("alice-new@example.com"))
		st.svc.RequestEmailChange(context.Background(), user.ID, newAddr)
		st.svc.Wait()
		st.errList.assertNoError(t)

		changeToken := st.tokenFromEmail(len(st.emailer.emails) - 1)

		if err := st.svc.ConfirmEmailChange(context.Background(), changeToken, testMeta()); err != nil {
			t.Fatalf("failed to confirm email change: %v", err)
		}

		err = st.svc.ConfirmEmailChange(context.Background(), changeToken, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_ConcurrentTokenConsume(t *testing.T) {
	t.Run("ok, racing attempts consume the token exactly once", func(t *testing.T) {
		st := newServiceTest(t)
		reg, token := st.registerUser()
		st.verifyEmail(token)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		resetToken := st.tokenFromEmail(len(st.emailer.emails) - 1)
		newPwd := must(auth.ParsePassword("evenStrongerPassword2"))

		const attempts = 4

		var wg sync.WaitGroup
		errs := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = st.svc.ResetPassword(context.Background(), auth.NewPassword{
					Token:    resetToken,
					Password: newPwd,
				}, testMeta())
			}(i)
		}
		wg.Wait()

		st.svc.Wait()
		st.errList.assertNoError(t)

		var succeeded int
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, auth.ErrInvalidToken):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}

		if succeeded != 1 {
			t.Fatalf("got %d successful consumes, want exactly 1", succeeded)
		}

		// Winner and losers all end up in the ledger: one consumed entry
		// and a failed entry per losing attempt.
		var wins, losses int
		for _, e := range st.findLedgerEntries(resetToken) {
			if e.Success {
				wins++
				if e.Reason != auth.UsageReasonConsumed {
					t.Errorf("got successful entry with reason %q, want %q", e.Reason, auth.UsageReasonConsumed)
				}
				continue
			}

			losses++
			if e.Reason != auth.UsageReasonNotFound {
				t.Errorf("got failed entry with reason %q, want %q", e.Reason, auth.UsageReasonNotFound)
			}
		}

		if wins != 1 || losses != attempts-1 {
			t.Fatalf("got %d consumed and %d failed ledger entries, want 1 and %d", wins, losses, attempts-1)
		}
	})
}

func Test_Service_SweepExpired(t *testing.T) {
	t.Run("ok, removes expired tokens and ledger entries", func(t *testing.T) {
		st := newServiceTest(t)
		_, token := st.registerUser()

		// Burn a token so there is a ledger entry.
		unknown := must(krypto.GenerateToken())
		err := st.svc.VerifyEmail(context.Background(), unknown, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}

		// Nothing is expired yet.
		res, err := st.svc.SweepExpired(context.Background())
		if err != nil {
			t.Fatalf("failed to sweep: %v", err)
		}
		if res.TokensRemoved != 0 || res.LedgerEntriesRemoved != 0 {
			t.Fatalf("got %+v, want nothing removed", res)
		}

		// Move past the verification TTL, the token gets swept but the
		// ledger entry stays within its retention.
		st.svc.NowFunc = func() time.Time {
			return time.Now().Add(2 * time.Hour)
		}

		res, err = st.svc.SweepExpired(context.Background())
		if err != nil {
			t.Fatalf("failed to sweep: %v", err)
		}
		if res.TokensRemoved != 1 || res.LedgerEntriesRemoved != 0 {
			t.Fatalf("got %+v, want 1 token and 0 ledger entries removed", res)
		}

		// The swept token no longer verifies.
		err = st.svc.VerifyEmail(context.Background(), token, testMeta())
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}

		// Move past the ledger retention as well.
		st.svc.NowFunc = func() time.Time {
			return time.Now().Add(91 * 24 * time.Hour)
		}

		res, err = st.svc.SweepExpired(context.Background())
		if err != nil {
			t.Fatalf("failed to sweep: %v", err)
		}
		if res.LedgerEntriesRemoved == 0 {
			t.Fatalf("got %+v, want ledger entries removed", res)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)
	})
}

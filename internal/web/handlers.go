package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
	"github.com/mosquitone/setlist-studio-sub001/internal/threat"
)

const maxUsernameLen = 50

type messageResponse struct {
	Message string `json:"message"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

func parseUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" || len(username) > maxUsernameLen {
		return "", fmt.Errorf("must be between 1 and %d characters", maxUsernameLen)
	}

	return username, nil
}

// fieldError ties a validation error to the input field that caused it.
func fieldError(key string, err error) error {
	return errorz.InvalidInput{errorz.Keyed{Key: key, Err: err}}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	addr, err := email.ParseAddress(req.Email)
	if err != nil {
		s.handleError(w, r, fieldError("email", err))
		return
	}

	username, err := parseUsername(req.Username)
	if err != nil {
		s.handleError(w, r, fieldError("username", err))
		return
	}

	pwd, err := auth.ParsePassword(req.Password)
	if err != nil {
		s.handleError(w, r, fieldError("password", err))
		return
	}

	err = s.deps.AuthService.RegisterUser(r.Context(), auth.Registration{
		Email:    addr,
		Username: username,
		Password: pwd,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	// The response is the same whether or not the address was already
	// taken, existence is only revealed via the inbox.
	s.writeJSON(w, r, http.StatusAccepted, messageResponse{
		Message: "follow the instructions that have arrived in your inbox",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	addr, err := email.ParseAddress(req.Email)
	if err != nil {
		s.handleError(w, r, fieldError("email", err))
		return
	}

	pwd, err := auth.ParsePassword(req.Password)
	if err != nil {
		// A password that fails the policy can never match a stored hash,
		// no need to hit the store. Respond like any other bad login.
		s.handleError(w, r, auth.ErrInvalidCredentials)
		return
	}

	// Throttle per client IP and per targeted account, so neither a single
	// host nor a distributed spray on one account gets unlimited attempts.
	meta := s.requestMeta(r)
	if err := s.deps.LoginLimiter.Allow(r.Context(), "ip:"+meta.IPHash); err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := s.deps.LoginLimiter.Allow(r.Context(), "acct:"+krypto.BlindIndex(s.cfg.IPSalt, []byte(addr))); err != nil {
		s.handleError(w, r, err)
		return
	}

	user, err := s.deps.AuthService.Authenticate(r.Context(), auth.Credentials{
		Email:    addr,
		Password: pwd,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	// A CSRF token fixated before authentication is worthless after it,
	// clients fetch a fresh one after login.
	s.clearCSRFCookie(w)

	if err := s.deps.Sessions.Set(w, user); err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, userResponse{
		ID:       user.ID.String(),
		Email:    string(user.Email),
		Username: user.Username,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Clear(w)
	s.clearCSRFCookie(w)

	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromCtx(r.Context())

	s.writeJSON(w, r, http.StatusOK, userResponse{
		ID:       sess.UserID.String(),
		Email:    string(sess.Email),
		Username: sess.Username,
	})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	token, err := krypto.ParseToken(req.Token)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	if err := s.deps.AuthService.VerifyEmail(r.Context(), token, s.requestMeta(r)); err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "email verified, you can now log in"})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	addr, err := email.ParseAddress(req.Email)
	if err != nil {
		s.handleError(w, r, fieldError("email", err))
		return
	}

	delay, err := s.deps.ResendCooldown.Reserve(r.Context(), strings.ToLower(string(addr)))
	if err != nil {
		if errors.Is(err, threat.ErrRateLimited) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
		}
		s.handleError(w, r, err)
		return
	}

	s.deps.AuthService.ResendVerification(r.Context(), addr)

	s.writeJSON(w, r, http.StatusAccepted, struct {
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}{
		Message:           "follow the instructions that have arrived in your inbox",
		RetryAfterSeconds: retryAfterSeconds(delay),
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	addr, err := email.ParseAddress(req.Email)
	if err != nil {
		s.handleError(w, r, fieldError("email", err))
		return
	}

	s.deps.AuthService.RequestPasswordReset(r.Context(), addr)

	s.writeJSON(w, r, http.StatusAccepted, messageResponse{
		Message: "check your inbox for instructions to reset your password",
	})
}

func (s *Server) handleConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	token, err := krypto.ParseToken(req.Token)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	pwd, err := auth.ParsePassword(req.NewPassword)
	if err != nil {
		s.handleError(w, r, fieldError("newPassword", err))
		return
	}

	err = s.deps.AuthService.ResetPassword(r.Context(), auth.NewPassword{
		Token:    token,
		Password: pwd,
	}, s.requestMeta(r))
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "password was reset, log in with your new password"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromCtx(r.Context())

	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	current, err := auth.ParsePassword(req.CurrentPassword)
	if err != nil {
		s.handleError(w, r, auth.ErrInvalidCredentials)
		return
	}

	newPwd, err := auth.ParsePassword(req.NewPassword)
	if err != nil {
		s.handleError(w, r, fieldError("newPassword", err))
		return
	}

	if err := s.deps.AuthService.ChangePassword(r.Context(), sess.UserID, current, newPwd); err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "password changed"})
}

func (s *Server) handleRequestEmailChange(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFromCtx(r.Context())

	var req struct {
		NewEmail string `json:"newEmail"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	addr, err := email.ParseAddress(req.NewEmail)
	if err != nil {
		s.handleError(w, r, fieldError("newEmail", err))
		return
	}

	s.deps.AuthService.RequestEmailChange(r.Context(), sess.UserID, addr)

	// Whether the address was available or not is only revealed via the
	// new inbox.
	s.writeJSON(w, r, http.StatusAccepted, messageResponse{
		Message: "a confirmation has been sent to the new address",
	})
}

func (s *Server) handleConfirmEmailChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}

	token, err := krypto.ParseToken(req.Token)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	if err := s.deps.AuthService.ConfirmEmailChange(r.Context(), token, s.requestMeta(r)); err != nil {
		s.handleError(w, r, err)
		return
	}

	// Existing sessions keep their old email claim until they expire,
	// there is no revocation list. Clients should re-login.
	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "email address changed, log in again"})
}

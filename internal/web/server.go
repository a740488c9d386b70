// Package web exposes the authentication service as a JSON API.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/errorz"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
	"github.com/mosquitone/setlist-studio-sub001/internal/session"
	"github.com/mosquitone/setlist-studio-sub001/internal/threat"
)

// ServerDeps are the dependencies for the server.
type ServerDeps struct {
	Logger         *slog.Logger
	AuthService    *auth.Service
	Sessions       *session.CookieManager
	Analyzer       *threat.Analyzer
	LoginLimiter   *threat.Limiter
	ResendCooldown *threat.Cooldown
}

// ServerConfig is the configuration for the server.
type ServerConfig struct {
	// SecureCookie should only be false in local development.
	SecureCookie bool
	// IPSalt keys the digests of client IP addresses. Raw addresses never
	// leave the request scope.
	IPSalt krypto.Key
}

type Server struct {
	deps    *ServerDeps
	cfg     ServerConfig
	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(deps *ServerDeps, cfg ServerConfig) *Server {
	s := &Server{
		deps: deps,
		cfg:  cfg,
		mux:  http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /api/csrf-token", s.handleCSRFToken)

	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.loggedIn(s.handleLogout))
	s.mux.HandleFunc("GET /api/auth/me", s.loggedIn(s.handleMe))

	s.mux.HandleFunc("POST /api/auth/verify-email", s.handleVerifyEmail)
	s.mux.HandleFunc("POST /api/auth/resend-verification", s.handleResendVerification)

	s.mux.HandleFunc("POST /api/auth/request-password-reset", s.handleRequestPasswordReset)
	s.mux.HandleFunc("POST /api/auth/confirm-password-reset", s.handleConfirmPasswordReset)
	s.mux.HandleFunc("POST /api/auth/change-password", s.loggedIn(s.handleChangePassword))

	s.mux.HandleFunc("POST /api/auth/request-email-change", s.loggedIn(s.handleRequestEmailChange))
	s.mux.HandleFunc("POST /api/auth/confirm-email-change", s.handleConfirmEmailChange)

	// Wrap the mux with global middlewares.
	middlewares := []func(http.Handler) http.Handler{
		s.requestLog,
		s.csrfGuard,
		s.withSession,
		s.threatGate,
	}
	s.handler = s.mux
	for i := len(middlewares) - 1; i >= 0; i-- {
		s.handler = middlewares[i](s.handler)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// requestLog logs every request at debug level. Tokens travel in bodies and
// cookies, never in URLs, so logging the URL is safe.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.Debug("request", "method", r.Method, "url", r.URL.String())
		next.ServeHTTP(w, r)
	})
}

// threatGate rejects requests from identities with high severity threat
// signals. The analyzer is advisory, an analyzer failure never blocks the
// request.
func (s *Server) threatGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userID *uuid.UUID
		if sess, ok := sessionFromCtx(r.Context()); ok {
			userID = &sess.UserID
		}

		threats, err := s.deps.Analyzer.AnalyzeRequest(r.Context(), userID, s.requestMeta(r))
		if err != nil {
			s.deps.Logger.Error("threat analysis failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		for _, t := range threats {
			if t.Severity != threat.SeverityLow {
				s.deps.Logger.Warn("threat signal", "kind", t.Kind, "severity", t.Severity)
			}
		}

		if threat.Blocking(threats) {
			s.handleError(w, r, threat.ErrRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestMeta derives non-sensitive metadata from the request. The client
// IP is hashed right here, nothing downstream sees the raw address.
func (s *Server) requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IPHash:    krypto.HashIP(s.cfg.IPSalt, clientIP(r)),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maxBodySize bounds request bodies, nothing in this API is large.
const maxBodySize = 1 << 20

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))

	if err := dec.Decode(target); err != nil {
		return errorz.InvalidInput{fmt.Errorf("malformed request body")}
	}

	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("failed to write response", "url", r.URL.String(), "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError maps errors to responses. Failure reasons that would help an
// attacker probe the system are collapsed into generic messages, only
// input validation errors are returned verbatim.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
	case errors.Is(err, session.ErrInvalidSession):
		s.writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
	case errors.Is(err, auth.ErrInvalidToken):
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid or expired token"})
	case errors.Is(err, krypto.ErrInvalidToken):
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid or expired token"})
	case errors.Is(err, errCSRF):
		s.writeJSON(w, r, http.StatusForbidden, errorResponse{Error: "invalid csrf token"})
	case errors.Is(err, threat.ErrRateLimited):
		s.writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
	case errors.Is(err, errorz.ErrNotFound):
		s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		var invalidInput errorz.InvalidInput
		if errors.As(err, &invalidInput) {
			s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: invalidInput.Error()})
			return
		}

		if errors.Is(err, auth.ErrInvalidPassword) || errors.Is(err, email.ErrInvalidEmail) {
			s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		s.deps.Logger.Error("internal server error", "url", r.URL.String(), "error", err)
		s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

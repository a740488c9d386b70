package web

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "x-csrf-token"
	csrfCookieAge  = 24 * 60 * 60
)

var errCSRF = errors.New("csrf verification failed")

// csrfGuard enforces the double-submit pattern: state-changing requests
// must carry the csrf_token cookie value in the x-csrf-token header. The
// cookie is readable by scripts on purpose, HttpOnly would defeat the
// pattern, and SameSite=Strict keeps cross-site requests from sending it.
// There are no exemptions besides safe methods, a body-based exemption
// would let attackers smuggle the exempting field into any payload.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			s.handleError(w, r, errCSRF)
			return
		}

		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			s.handleError(w, r, errCSRF)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleCSRFToken issues a fresh CSRF token. The value is set as a cookie
// and returned in the body so the client can echo it in the header.
func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := krypto.GenerateToken()
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token.String(),
		Path:     "/",
		MaxAge:   csrfCookieAge,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})

	s.writeJSON(w, r, http.StatusOK, struct {
		CSRFToken string `json:"csrfToken"`
	}{
		CSRFToken: token.String(),
	})
}

// clearCSRFCookie invalidates the current CSRF token. Called on login so a
// token an attacker fixated before authentication is worthless after it.
func (s *Server) clearCSRFCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   csrfCookieName,
		Path:   "/",
		MaxAge: -1,
	})
}

package session

import (
	"net/http"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
)

// CookieName is the name of the session cookie.
const CookieName = "auth_token"

// CookieManager moves session tokens in and out of an HttpOnly cookie.
type CookieManager struct {
	codec *Codec

	// Secure controls the Secure attribute of the cookie. It should only
	// be false in local development.
	Secure bool
}

func NewCookieManager(codec *Codec, secure bool) *CookieManager {
	return &CookieManager{
		codec:  codec,
		Secure: secure,
	}
}

// Set issues a session token for the user and writes it as a cookie.
func (m *CookieManager) Set(w http.ResponseWriter, user auth.User) error {
	token, err := m.codec.Issue(user)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.codec.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteStrictMode,
	})

	return nil
}

// Clear expires the session cookie.
func (m *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Read verifies the session cookie on the request. A request without a
// cookie or with an invalid one fails with ErrInvalidSession, the cookie is
// cleared in that case so clients don't keep sending a dead token.
func (m *CookieManager) Read(w http.ResponseWriter, r *http.Request) (Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return Session{}, ErrInvalidSession
	}

	s, err := m.codec.Verify(cookie.Value)
	if err != nil {
		m.Clear(w)
		return Session{}, err
	}

	return s, nil
}

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	sessionCookie = "caldavcore_op"
	stateCookie   = "caldavcore_login_state"

	// Operator sessions are deliberately short-lived: the dashboard is an
	// admin surface, not a user product, and re-login is cheap through
	// the IdP.
	sessionTTL = 12 * time.Hour
	loginTTL   = 10 * time.Minute
)

var (
	ErrNoSession    = errors.New("no operator session")
	ErrLoginExpired = errors.New("login attempt expired or state mismatch")
)

// Operator is the authenticated dashboard user.
type Operator struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Sessions issues and reads the operator session cookie, and tracks the
// state nonce of an in-flight OIDC login.
type Sessions struct {
	store *sessions.CookieStore
}

// NewSessions creates a session manager signing cookies with secret.
func NewSessions(secret string, secure bool) *Sessions {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &Sessions{store: store}
}

// Issue writes a session cookie for the operator.
func (s *Sessions) Issue(w http.ResponseWriter, r *http.Request, op *Operator) error {
	session, err := s.store.New(r, sessionCookie)
	if err != nil && session == nil {
		return err
	}
	session.Values["sub"] = op.Subject
	session.Values["email"] = op.Email
	session.Values["name"] = op.Name
	return session.Save(r, w)
}

// Current returns the operator carried by the request's session cookie.
func (s *Sessions) Current(r *http.Request) (*Operator, error) {
	session, err := s.store.Get(r, sessionCookie)
	if err != nil {
		return nil, ErrNoSession
	}

	sub, ok := session.Values["sub"].(string)
	if !ok || sub == "" {
		return nil, ErrNoSession
	}
	op := &Operator{Subject: sub}
	if email, ok := session.Values["email"].(string); ok {
		op.Email = email
	}
	if name, ok := session.Values["name"].(string); ok {
		op.Name = name
	}
	return op, nil
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := s.store.Get(r, sessionCookie)
	if err != nil {
		return nil
	}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// BeginLogin generates the state nonce for an OIDC round trip and
// stores it in a short-lived cookie.
func (s *Sessions) BeginLogin(w http.ResponseWriter, r *http.Request) (string, error) {
	state, err := nonce()
	if err != nil {
		return "", err
	}

	session, err := s.store.New(r, stateCookie)
	if err != nil && session == nil {
		return "", err
	}
	session.Values["state"] = state
	session.Options.MaxAge = int(loginTTL.Seconds())
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return state, nil
}

// FinishLogin consumes the stored nonce and compares it against the
// state echoed back by the IdP. The nonce is single-use: it is cleared
// whether or not the comparison succeeds.
func (s *Sessions) FinishLogin(w http.ResponseWriter, r *http.Request, state string) error {
	session, err := s.store.Get(r, stateCookie)
	if err != nil {
		return ErrLoginExpired
	}

	stored, _ := session.Values["state"].(string)
	session.Options.MaxAge = -1
	if saveErr := session.Save(r, w); saveErr != nil {
		return saveErr
	}

	if state == "" || stored == "" || state != stored {
		return ErrLoginExpired
	}
	return nil
}

func nonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

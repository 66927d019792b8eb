package server

import (
	"net/http"
	"time"

	"cdcgateway/auth"
)

// Cookie names. The two session cookies keep the flows in separate
// namespaces; a browser may hold both.
const (
	CodeSessionCookie   = "cdc_session"
	BearerSessionCookie = "jwt_session"
	AttemptCookie       = "cdc_auth_attempt"
)

// SessionManager sets and clears the gateway's cookies. Cookie values are
// opaque ids; the state lives in the session and pending stores.
type SessionManager struct {
	sessionTTL   time.Duration
	attemptTTL   time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config) *SessionManager {
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	attempt := cfg.Sessions.PendingTTL
	if attempt <= 0 {
		attempt = 10 * time.Minute
	}
	return &SessionManager{
		sessionTTL:   ttl,
		attemptTTL:   attempt,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// cookieFor maps an outcome onto its cookie name.
func cookieFor(outcome auth.AuthOutcome) string {
	switch outcome.(type) {
	case auth.BearerFlowSession:
		return BearerSessionCookie
	default:
		return CodeSessionCookie
	}
}

// Create sets the session cookie for a successful login.
func (sm *SessionManager) Create(w http.ResponseWriter, outcome auth.AuthOutcome) {
	sm.set(w, cookieFor(outcome), outcome.Session().ID, sm.sessionTTL)
}

// SetAttempt remembers the pending authorization attempt id.
func (sm *SessionManager) SetAttempt(w http.ResponseWriter, attemptID string) {
	sm.set(w, AttemptCookie, attemptID, sm.attemptTTL)
}

// Read returns the cookie value, or "" when absent.
func (sm *SessionManager) Read(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Clear removes the named cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
	})
}

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cdcgateway/auth"
	"cdcgateway/store"
)

func TestSessionManagerCreateSetsCookie(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.TTL = time.Hour
	manager := NewSessionManager(cfg)

	tests := []struct {
		outcome auth.AuthOutcome
		cookie  string
	}{
		{auth.CodeFlowSession{Sess: store.Session{ID: "cdc_1"}}, CodeSessionCookie},
		{auth.BearerFlowSession{Sess: store.Session{ID: "jwt_1"}}, BearerSessionCookie},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		manager.Create(w, tt.outcome)

		c := cookieNamed(w, tt.cookie)
		if c == nil {
			t.Fatalf("expected %s cookie to be set", tt.cookie)
		}
		if c.Value != tt.outcome.Session().ID {
			t.Fatalf("cookie value mismatch: %q", c.Value)
		}
		if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
			t.Fatalf("unexpected cookie attributes: %+v", c)
		}
		if c.MaxAge != int(time.Hour.Seconds()) {
			t.Fatalf("cookie max-age mismatch: %d", c.MaxAge)
		}
		if c.Secure {
			t.Fatalf("dev mode cookies should not be Secure")
		}
	}
}

func TestSessionManagerProductionCookie(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.CookieDomain = ".example.com"
	manager := NewSessionManager(cfg)

	w := httptest.NewRecorder()
	manager.SetAttempt(w, "attempt-1")
	c := cookieNamed(w, AttemptCookie)
	if c == nil || !c.Secure {
		t.Fatalf("attempt cookie should be Secure outside dev mode, got %+v", c)
	}
	if c.Domain != "example.com" {
		t.Fatalf("cookie domain mismatch: %q", c.Domain)
	}
	if c.MaxAge != int(store.DefaultPendingTTL.Seconds()) {
		t.Fatalf("attempt cookie should live as long as the pending attempt, got %d", c.MaxAge)
	}
}

func TestSessionManagerReadAndClear(t *testing.T) {
	manager := NewSessionManager(DefaultConfig())

	r := httptest.NewRequest("GET", "/session", nil)
	if got := manager.Read(r, CodeSessionCookie); got != "" {
		t.Fatalf("expected empty value without cookie, got %q", got)
	}
	r.AddCookie(&http.Cookie{Name: CodeSessionCookie, Value: "cdc_abc"})
	if got := manager.Read(r, CodeSessionCookie); got != "cdc_abc" {
		t.Fatalf("read mismatch: %q", got)
	}

	w := httptest.NewRecorder()
	manager.Clear(w, CodeSessionCookie)
	header := w.Header().Get("Set-Cookie")
	if !strings.Contains(header, "Max-Age=0") {
		t.Fatalf("clear should expire the cookie, got %q", header)
	}
}

package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestSecurityOpenRedirect tests that returnTo can never leave the frontend origin
func TestSecurityOpenRedirect(t *testing.T) {
	env := setupTestApp(t)

	maliciousReturns := []string{
		"http://evil.com/callback",
		"https://evil.com",
		"//evil.com/callback",
		"/\\evil.com",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"file:///etc/passwd",
		"http://localhost@evil.com",
		"/ok\r\nLocation: http://evil.com",
	}

	for _, target := range maliciousReturns {
		t.Run("return_"+target, func(t *testing.T) {
			_, cb := loginCodeFlow(t, env, target)
			location := cb.Header().Get("Location")
			if !strings.HasPrefix(location, "http://app.test/") {
				t.Errorf("Open redirect vulnerability: redirected to %s", location)
			}
			if strings.Contains(location, "evil.com") {
				t.Errorf("Open redirect vulnerability: redirected to %s", location)
			}
		})
	}
}

func TestSafeReturnPath(t *testing.T) {
	tests := map[string]string{
		"":                    "/",
		"/":                   "/",
		"/account":            "/account",
		"/search?q=shoes#top": "/search?q=shoes#top",
		"account":             "/",
		"//evil.com":          "/",
		"/\\evil.com":         "/",
		"https://evil.com/x":  "/",
		"/tab\tbed":           "/",
		"/del\x7f":            "/",
		"javascript:alert(1)": "/",
	}
	for in, want := range tests {
		if got := safeReturnPath(in); got != want {
			t.Errorf("safeReturnPath(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestSecurityFakeCookies tests that forged session cookies never authenticate
func TestSecurityFakeCookies(t *testing.T) {
	env := setupTestApp(t)

	tests := []struct {
		name        string
		cookieName  string
		cookieValue string
		endpoint    string
	}{
		{"fake_session_cookie", CodeSessionCookie, "fake-session-12345", "/session"},
		{"guessed_prefix", CodeSessionCookie, "cdc_00000000-0000-0000-0000-000000000000", "/session"},
		{"bare_prefix", BearerSessionCookie, "jwt_", "/bearer/session"},
		{"sql_injection_in_cookie", BearerSessionCookie, "' OR '1'='1", "/bearer/session"},
		{"extremely_long_cookie", CodeSessionCookie, strings.Repeat("A", 50000), "/session"},
		{"cookie_with_special_chars", CodeSessionCookie, "session<script>alert(1)</script>", "/session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.endpoint, "", &http.Cookie{Name: tt.cookieName, Value: tt.cookieValue})

			if w.Code >= 500 {
				t.Errorf("server error %d, should handle gracefully", w.Code)
			}
			if strings.Contains(w.Body.String(), `"authenticated":true`) {
				t.Errorf("fake cookie granted access: %s", w.Body.String())
			}
		})
	}
}

// TestSecurityFakeCookieRefresh tests that refresh and logout ignore forged cookies
func TestSecurityFakeCookieRefresh(t *testing.T) {
	env := setupTestApp(t)
	fake := &http.Cookie{Name: BearerSessionCookie, Value: "jwt_forged"}

	if w := env.do(t, http.MethodPost, "/bearer/refresh", "", fake); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged refresh, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/bearer/logout?all=true", "", fake); w.Code != http.StatusOK {
		t.Fatalf("logout with a forged cookie should be a no-op, got %d", w.Code)
	}
	if env.grants.Load() != 0 {
		t.Fatalf("forged cookies must not reach the token endpoint")
	}
}

// TestSecurityFakeJWT tests the bearer login with malformed assertions
func TestSecurityFakeJWT(t *testing.T) {
	env := setupTestApp(t)

	tokens := []string{
		"not.a.jwt",
		"eyJhbGciOiJub25lIn0.eyJzdWIiOiJhZG1pbiJ9.",
		strings.Repeat("x", 4096),
		"Bearer ",
	}
	for _, tok := range tokens {
		req := httptest.NewRequest(http.MethodPost, "/bearer/login", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)

		if w.Code == http.StatusOK {
			t.Errorf("assertion %.20q should not log in", tok)
		}
		if w.Code >= 500 {
			t.Errorf("assertion %.20q caused server error %d", tok, w.Code)
		}
	}
	if env.grants.Load() != 0 {
		t.Fatalf("rejected assertions must not reach the token endpoint")
	}
}

// TestSecurityOversizedBody tests that request bodies are bounded
func TestSecurityOversizedBody(t *testing.T) {
	env := setupTestApp(t)

	var buf bytes.Buffer
	buf.WriteString(`{"jwt":"`)
	buf.WriteString(strings.Repeat("A", maxBodyBytes+1024))
	buf.WriteString(`"}`)

	req := httptest.NewRequest(http.MethodPost, "/bearer/login", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", w.Code)
	}
}

// TestSecurityInformationDisclosure tests that internal errors stay opaque
func TestSecurityInformationDisclosure(t *testing.T) {
	env := setupTestApp(t)
	env.commerce.Close()

	w := env.do(t, http.MethodPost, "/bearer/login", `{"jwt":"good.jwt"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the token endpoint is down, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "127.0.0.1") || strings.Contains(body, "connection refused") {
		t.Errorf("error response leaks upstream details: %s", body)
	}
	if strings.Contains(body, "goroutine") || strings.Contains(body, "panic") {
		t.Error("error response leaks stack trace information")
	}
}

// TestSecurityMethodNotAllowed tests that state-changing routes only accept POST
func TestSecurityMethodNotAllowed(t *testing.T) {
	env := setupTestApp(t)
	for _, path := range []string{"/authorize", "/logout", "/refresh", "/bearer/login", "/bearer/logout", "/token/exchange"} {
		if w := env.do(t, http.MethodGet, path, ""); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: expected 405, got %d", path, w.Code)
		}
	}
}

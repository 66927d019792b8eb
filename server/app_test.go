package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"cdcgateway/auth"
	"cdcgateway/client"
	"cdcgateway/store"
)

// testSecret is base64("partner-secret").
const testSecret = "cGFydG5lci1zZWNyZXQ="

type stubProvider struct {
	mu        sync.Mutex
	lastNonce string
	calls     atomic.Int32
}

func (p *stubProvider) AuthCodeURL(state, nonce, codeChallenge string) string {
	p.mu.Lock()
	p.lastNonce = nonce
	p.mu.Unlock()
	q := url.Values{"state": {state}, "nonce": {nonce}, "code_challenge": {codeChallenge}}
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (p *stubProvider) Exchange(_ context.Context, code, _ string) (auth.ProviderTokens, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return auth.ProviderTokens{
		AccessToken:  "at-" + code,
		TokenType:    "Bearer",
		RefreshToken: "rt-" + code,
		IDToken:      "id-" + code,
		Expiry:       time.Now().Add(time.Hour),
		Claims: &client.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "cdc-uid-1"},
			Email:            "ada@example.com",
			Name:             "Ada Lovelace",
			Nonce:            p.lastNonce,
		},
	}, nil
}

func (p *stubProvider) Refresh(_ context.Context, refreshToken string) (auth.ProviderTokens, error) {
	return auth.ProviderTokens{
		AccessToken:  "at-refreshed",
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

type stubValidator struct {
	valid map[string]*client.Claims
}

func (v stubValidator) Validate(_ context.Context, assertion string) client.ValidationResult {
	if c, ok := v.valid[assertion]; ok {
		return client.ValidationResult{Valid: true, Claims: c}
	}
	return client.ValidationResult{Err: client.ErrKeyNotFound}
}

type testEnv struct {
	app      *App
	handler  http.Handler
	provider *stubProvider
	commerce *httptest.Server
	grants   atomic.Int32
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(tokenURL string) Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://gateway.test"
	cfg.Server.FrontendURL = "http://app.test"
	cfg.Server.SuccessPath = "/welcome"
	cfg.Server.ErrorPath = "/login"
	cfg.CDC.APIKey = "3_testkey"
	cfg.CDC.ClientID = "web-client"
	cfg.Commerce.TokenURL = tokenURL
	cfg.Commerce.ClientID = "storefront"
	cfg.Commerce.ClientSecret = "storefront-secret"
	return cfg
}

// setupTestApp builds an App against a stub provider, a stub validator and
// an in-process commerce token endpoint.
func setupTestApp(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{provider: &stubProvider{}}

	env.commerce = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.grants.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "commerce-at-2", "token_type": "Bearer", "expires_in": 3600,
			})
		default:
			if r.PostForm.Get("assertion") == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "commerce-at", "token_type": "Bearer", "expires_in": 3600, "refresh_token": "commerce-rt",
			})
		}
	}))
	t.Cleanup(env.commerce.Close)

	cfg := testConfig(env.commerce.URL + "/oauth/token")
	for _, fn := range mutate {
		fn(&cfg)
	}

	validator := stubValidator{valid: map[string]*client.Claims{
		"good.jwt": {
			RegisteredClaims: jwt.RegisteredClaims{Subject: "uid-42"},
			Email:            "grace@example.com",
			Name:             "Grace Hopper",
		},
	}}

	app, err := NewApp(context.Background(), cfg, discardLogger(),
		WithProvider(env.provider),
		WithValidator(validator),
		WithHTTPClient(env.commerce.Client()),
	)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	env.app = app
	env.handler = app.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func cookieNamed(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestNewAppDefaultsToMemorySessions(t *testing.T) {
	env := setupTestApp(t)
	if _, ok := env.app.Store.(*store.MemorySessions); !ok {
		t.Fatalf("expected memory session store, got %T", env.app.Store)
	}
	if env.app.Signatures != nil {
		t.Fatalf("signature verifier should be disabled without a secret")
	}
	if env.app.Metrics == nil {
		t.Fatalf("metrics should be enabled by default")
	}
}

func TestNewAppWithSecretBuildsSignatureVerifier(t *testing.T) {
	env := setupTestApp(t, func(c *Config) { c.CDC.SecretKey = testSecret })
	if env.app.Signatures == nil {
		t.Fatalf("expected signature verifier")
	}
	if env.app.Accounts == nil {
		t.Fatalf("expected accounts client when api key and secret are set")
	}
}

func TestNewAppRejectsInvalidSecret(t *testing.T) {
	cfg := testConfig("http://commerce.test/oauth/token")
	cfg.CDC.SecretKey = "%%%not-base64"
	_, err := NewApp(context.Background(), cfg, discardLogger(),
		WithProvider(&stubProvider{}), WithValidator(stubValidator{}))
	if err == nil {
		t.Fatalf("expected error for invalid secret")
	}
}

func TestNewAppRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	env := setupTestApp(t, func(c *Config) {
		c.Sessions.Backend = BackendRedis
		c.Sessions.Redis.Addrs = []string{mr.Addr()}
	})
	if _, ok := env.app.Store.(*store.RedisSessions); !ok {
		t.Fatalf("expected redis session store, got %T", env.app.Store)
	}

	w := env.do(t, http.MethodPost, "/bearer/login", `{"jwt":"good.jwt"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer login status %d: %s", w.Code, w.Body.String())
	}
	if len(mr.Keys()) == 0 {
		t.Fatalf("expected session keys in redis")
	}
}

func TestNewAppRedisUnreachable(t *testing.T) {
	cfg := testConfig("http://commerce.test/oauth/token")
	cfg.Sessions.Backend = BackendRedis
	cfg.Sessions.Redis.Addrs = []string{"127.0.0.1:1"}
	_, err := NewApp(context.Background(), cfg, discardLogger(),
		WithProvider(&stubProvider{}), WithValidator(stubValidator{}))
	if err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestJanitorSweepsThroughApp(t *testing.T) {
	env := setupTestApp(t)
	if w := env.do(t, http.MethodPost, "/bearer/login", `{"jwt":"good.jwt"}`); w.Code != http.StatusOK {
		t.Fatalf("bearer login status %d", w.Code)
	}
	env.app.Janitor().SweepOnce(context.Background())
	if n := env.app.Exchange.CacheLen(); n != 1 {
		t.Fatalf("live cache entry should survive the sweep, got %d entries", n)
	}
}

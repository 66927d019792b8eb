package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcgateway/autherr"
	"cdcgateway/client"
	"cdcgateway/metrics"
)

type tokenEndpoint struct {
	calls     atomic.Int32
	status    int
	expiresIn int64
	mu        sync.Mutex
	lastForm  map[string]string
	lastUser  string
	lastPass  string
	srv       *httptest.Server
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{status: http.StatusOK, expiresIn: 3600}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		user, pass, _ := r.BasicAuth()
		te.mu.Lock()
		te.lastForm = map[string]string{}
		for k := range r.PostForm {
			te.lastForm[k] = r.PostForm.Get(k)
		}
		te.lastUser, te.lastPass = user, pass
		status, expiresIn := te.status, te.expiresIn
		te.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client", "error_description": "bad credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.PostForm.Get("grant_type"),
			"token_type":    "bearer",
			"expires_in":    expiresIn,
			"refresh_token": "refresh-1",
		})
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func (te *tokenEndpoint) form() map[string]string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.lastForm
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, te *tokenEndpoint, clk *clock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithClock(clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	svc, err := NewService(Config{
		TokenURL:     te.srv.URL + "/authorizationserver/oauth/token",
		ClientID:     "storefront",
		ClientSecret: "s3cret",
	}, opts...)
	require.NoError(t, err)
	return svc
}

func TestExchangeCachesWithinTTL(t *testing.T) {
	te := newTokenEndpoint(t)
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	m := metrics.New()
	svc := newService(t, te, clk, WithMetrics(m))
	claims := &client.Claims{}
	claims.Subject = "uid-1"

	first, err := svc.Exchange(context.Background(), "assertion-a", claims)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	second, err := svc.Exchange(context.Background(), "assertion-a", claims)
	require.NoError(t, err)

	assert.EqualValues(t, 1, te.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, clk.now.Add(-10*time.Minute).UnixMilli(), first.ObtainedAtMs)

	form := te.form()
	assert.Equal(t, GrantTypeJWTBearer, form["grant_type"])
	assert.Equal(t, "assertion-a", form["assertion"])
	assert.Empty(t, form["client_secret"], "credentials belong in the auth header")
	assert.Equal(t, "storefront", te.lastUser)
	assert.Equal(t, "s3cret", te.lastPass)
}

func TestExchangeRecomputesWithinBuffer(t *testing.T) {
	te := newTokenEndpoint(t)
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	svc := newService(t, te, clk)

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)

	// 3600s token: cached until obtainedAt+3540s.
	clk.Advance(3540 * time.Second)
	_, err = svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, te.calls.Load())
}

func TestExchangeDistinctAssertionsDoNotShareCache(t *testing.T) {
	te := newTokenEndpoint(t)
	svc := newService(t, te, &clock{now: time.Now()})

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)
	_, err = svc.Exchange(context.Background(), "assertion-b", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, te.calls.Load())
	assert.Equal(t, 2, svc.CacheLen())
}

func TestExchangeShortLivedTokenNotCached(t *testing.T) {
	te := newTokenEndpoint(t)
	te.expiresIn = 60
	svc := newService(t, te, &clock{now: time.Now()})

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)
	_, err = svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2, te.calls.Load())
	assert.Zero(t, svc.CacheLen())
}

func TestExchangeFailureSurfacesStatusAndSkipsCache(t *testing.T) {
	te := newTokenEndpoint(t)
	te.status = http.StatusUnauthorized
	svc := newService(t, te, &clock{now: time.Now()})

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	require.Error(t, err)

	var ae *autherr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, autherr.ExchangeFailed, ae.Code)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
	assert.Contains(t, ae.Message, "invalid_client")
	assert.Zero(t, svc.CacheLen())
	assert.EqualValues(t, 1, te.calls.Load(), "failures are not retried")
}

func TestExchangeUnavailable(t *testing.T) {
	te := newTokenEndpoint(t)
	svc := newService(t, te, &clock{now: time.Now()})
	te.srv.Close()

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	assert.True(t, autherr.HasCode(err, autherr.Unavailable), "got %v", err)
}

func TestRefreshBypassesCache(t *testing.T) {
	te := newTokenEndpoint(t)
	svc := newService(t, te, &clock{now: time.Now()})

	tok, err := svc.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-refresh_token", tok.AccessToken)
	assert.Equal(t, "refresh-1", te.form()["refresh_token"])
	assert.Zero(t, svc.CacheLen())

	_, err = svc.Refresh(context.Background(), "")
	assert.True(t, autherr.HasCode(err, autherr.InvalidRequest))
}

func TestParamsAuthStyle(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, err := NewService(Config{
		TokenURL:     te.srv.URL,
		ClientID:     "storefront",
		ClientSecret: "s3cret",
		AuthStyle:    AuthStyleParams,
	})
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)
	form := te.form()
	assert.Equal(t, "storefront", form["client_id"])
	assert.Equal(t, "s3cret", form["client_secret"])
	assert.Empty(t, te.lastUser)
}

func TestEvictExpired(t *testing.T) {
	te := newTokenEndpoint(t)
	clk := &clock{now: time.Now()}
	svc := newService(t, te, clk)

	_, err := svc.Exchange(context.Background(), "assertion-a", nil)
	require.NoError(t, err)
	assert.Zero(t, svc.EvictExpired())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, svc.EvictExpired())
	assert.Zero(t, svc.CacheLen())
}

func TestTokenIsExpired(t *testing.T) {
	tok := Token{ExpiresIn: 120, ObtainedAtMs: 1_000_000}
	assert.False(t, tok.IsExpired(1_000_000+59_999))
	assert.True(t, tok.IsExpired(1_000_000+60_000))
	assert.Equal(t, int64(1_120_000), tok.ExpiresAtMs())
	assert.NotContains(t, Token{AccessToken: "secret"}.String(), "secret")
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{ClientID: "x"})
	assert.Error(t, err)
	_, err = NewService(Config{TokenURL: "https://example.com/token"})
	assert.Error(t, err)
}

package auth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cdcgateway/client"
	"cdcgateway/exchange"
	"cdcgateway/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProvider echoes the nonce of the last authorization request into the
// claims it returns, unless nonceOverride is set.
type fakeProvider struct {
	clock *fakeClock

	mu            sync.Mutex
	lastNonce     string
	lastVerifier  string
	nonceOverride string
	omitIDToken   bool
	refreshToken  string
	exchangeErr   error
	refreshErr    error
	refreshCalls  atomic.Int32
}

func (p *fakeProvider) AuthCodeURL(state, nonce, codeChallenge string) string {
	p.mu.Lock()
	p.lastNonce = nonce
	p.mu.Unlock()
	q := url.Values{}
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (p *fakeProvider) Exchange(_ context.Context, code, codeVerifier string) (ProviderTokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastVerifier = codeVerifier
	if p.exchangeErr != nil {
		return ProviderTokens{}, p.exchangeErr
	}
	out := ProviderTokens{
		AccessToken:  "at-" + code,
		TokenType:    "Bearer",
		RefreshToken: p.refreshToken,
		Expiry:       p.clock.Now().Add(time.Hour),
	}
	if p.omitIDToken {
		return out, nil
	}
	nonce := p.lastNonce
	if p.nonceOverride != "" {
		nonce = p.nonceOverride
	}
	out.IDToken = "id-token"
	out.Claims = &client.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "cdc-uid-1"},
		Email:            "ada@example.com",
		Name:             "Ada Lovelace",
		Nonce:            nonce,
	}
	return out, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (ProviderTokens, error) {
	p.refreshCalls.Add(1)
	if p.refreshErr != nil {
		return ProviderTokens{}, p.refreshErr
	}
	return ProviderTokens{
		AccessToken:  "at-refreshed",
		RefreshToken: refreshToken + "-next",
		Expiry:       p.clock.Now().Add(time.Hour),
	}, nil
}

type fakeValidator struct {
	valid map[string]*client.Claims
}

func (v *fakeValidator) Validate(_ context.Context, assertion string) client.ValidationResult {
	if c, ok := v.valid[assertion]; ok {
		return client.ValidationResult{Valid: true, Claims: c}
	}
	return client.ValidationResult{Err: client.ErrKeyNotFound}
}

type fakeExchanger struct {
	clock *fakeClock

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	lastAssertion atomic.Value
	exchangeErr   error
	refreshErr    error
	refreshToken  string
}

func (e *fakeExchanger) Exchange(_ context.Context, assertion string, _ *client.Claims) (exchange.Token, error) {
	e.exchangeCalls.Add(1)
	e.lastAssertion.Store(assertion)
	if e.exchangeErr != nil {
		return exchange.Token{}, e.exchangeErr
	}
	return exchange.Token{
		AccessToken:  "commerce-at",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		RefreshToken: e.refreshToken,
		ObtainedAtMs: e.clock.Now().UnixMilli(),
	}, nil
}

func (e *fakeExchanger) Refresh(_ context.Context, refreshToken string) (exchange.Token, error) {
	e.refreshCalls.Add(1)
	if e.refreshErr != nil {
		return exchange.Token{}, e.refreshErr
	}
	return exchange.Token{
		AccessToken:  "commerce-at-2",
		ExpiresIn:    3600,
		ObtainedAtMs: e.clock.Now().UnixMilli(),
	}, nil
}

func newSessions(clock *fakeClock) *store.MemorySessions {
	return store.NewMemorySessions(clock.Now)
}

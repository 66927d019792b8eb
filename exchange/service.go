// Package exchange trades validated identity assertions for commerce backend
// credentials and refreshes them, caching exchanged tokens per assertion.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cdcgateway/autherr"
	"cdcgateway/client"
	"cdcgateway/metrics"
)

const (
	// GrantTypeJWTBearer is the RFC 7523 assertion grant.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantTypeRefresh   = "refresh_token"

	// BufferMs is subtracted from every expiry so tokens are renewed early.
	BufferMs int64 = 60_000

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20
	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// AuthStyle selects how client credentials reach the token endpoint.
type AuthStyle int

const (
	// AuthStyleHeader sends HTTP Basic credentials.
	AuthStyleHeader AuthStyle = iota
	// AuthStyleParams sends client_id and client_secret in the form body.
	AuthStyleParams
)

// Config describes the commerce token endpoint.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	GrantType    string
	Scope        string
	AuthStyle    AuthStyle
	HTTPClient   *http.Client
}

// Token is an exchanged credential. All expiry math is done in epoch
// milliseconds relative to ObtainedAtMs.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ObtainedAtMs int64  `json:"-"`
}

// ExpiresAtMs is the absolute expiry without buffer.
func (t Token) ExpiresAtMs() int64 {
	return t.ObtainedAtMs + t.ExpiresIn*1000
}

// ExpiresAt is ExpiresAtMs as a time.Time.
func (t Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.ExpiresAtMs())
}

// IsExpired reports now >= obtainedAt + expiresIn*1000 - BufferMs.
func (t Token) IsExpired(nowMs int64) bool {
	return nowMs >= t.ExpiresAtMs()-BufferMs
}

func (t Token) String() string {
	access := redactedPlaceholder
	if t.AccessToken == "" {
		access = emptyPlaceholder
	}
	refresh := redactedPlaceholder
	if t.RefreshToken == "" {
		refresh = emptyPlaceholder
	}
	return fmt.Sprintf("Token{AccessToken: %s, TokenType: %s, ExpiresIn: %d, RefreshToken: %s}",
		access, t.TokenType, t.ExpiresIn, refresh)
}

type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type cacheEntry struct {
	token       Token
	expiresAtMs int64
}

// Service performs exchanges and refreshes against one token endpoint.
type Service struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates the configuration and builds a Service.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("exchange: token url is required")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("exchange: token url is not valid: %w", err)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("exchange: client id is required")
	}
	if cfg.GrantType == "" {
		cfg.GrantType = GrantTypeJWTBearer
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	s := &Service{
		cfg:    cfg,
		client: httpClient,
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CacheKey is hex(sha256(assertion)).
func CacheKey(assertion string) string {
	sum := sha256.Sum256([]byte(assertion))
	return hex.EncodeToString(sum[:])
}

// Exchange returns a cached token for the assertion when one is still valid
// beyond the buffer, otherwise performs the grant call. Two concurrent misses
// for the same assertion may both reach the endpoint.
func (s *Service) Exchange(ctx context.Context, assertion string, claims *client.Claims) (Token, error) {
	if strings.TrimSpace(assertion) == "" {
		return Token{}, autherr.New(autherr.InvalidRequest, "assertion required")
	}
	key := CacheKey(assertion)
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	entry, ok := s.cache[key]
	if ok && entry.expiresAtMs <= nowMs {
		delete(s.cache, key)
		ok = false
	}
	s.mu.Unlock()

	if ok && !entry.token.IsExpired(nowMs) {
		s.metrics.CacheLookup(true)
		return entry.token, nil
	}
	s.metrics.CacheLookup(false)

	form := url.Values{}
	form.Set("grant_type", s.cfg.GrantType)
	form.Set("assertion", assertion)
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	tok, err := s.call(ctx, "jwt-bearer", form)
	if err != nil {
		return Token{}, err
	}

	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	ttlMs := tok.ExpiresIn*1000 - BufferMs
	if ttlMs <= 0 {
		s.logger.Debug("exchange.not_cached", "subject", subject, "expires_in", tok.ExpiresIn)
		return tok, nil
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{token: tok, expiresAtMs: tok.ObtainedAtMs + ttlMs}
	s.mu.Unlock()
	s.logger.Debug("exchange.cached", "subject", subject, "expires_in", tok.ExpiresIn)
	return tok, nil
}

// Refresh redeems a refresh token. The assertion cache is neither read nor
// written.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, autherr.New(autherr.InvalidRequest, "refresh token required")
	}
	form := url.Values{}
	form.Set("grant_type", grantTypeRefresh)
	form.Set("refresh_token", refreshToken)
	return s.call(ctx, grantTypeRefresh, form)
}

// EvictExpired drops cache entries past their TTL and returns the count.
func (s *Service) EvictExpired() int {
	nowMs := s.now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.cache {
		if e.expiresAtMs <= nowMs {
			delete(s.cache, k)
			n++
		}
	}
	return n
}

// CacheLen returns the number of cached entries.
func (s *Service) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Service) call(ctx context.Context, grant string, form url.Values) (Token, error) {
	if s.cfg.AuthStyle == AuthStyleParams {
		form.Set("client_id", s.cfg.ClientID)
		if s.cfg.ClientSecret != "" {
			form.Set("client_secret", s.cfg.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, autherr.Wrap(autherr.Internal, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.cfg.AuthStyle == AuthStyleHeader {
		req.SetBasicAuth(url.QueryEscape(s.cfg.ClientID), url.QueryEscape(s.cfg.ClientSecret))
	}

	started := time.Now()
	resp, err := s.client.Do(req)
	s.metrics.ObserveUpstream("commerce_token", time.Since(started))
	if err != nil {
		s.metrics.ExchangeCompleted(grant, "unavailable")
		s.logger.Warn("exchange.unavailable", "grant", grant, "error", err)
		return Token{}, autherr.Wrap(autherr.Unavailable, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		s.metrics.ExchangeCompleted(grant, "unavailable")
		return Token{}, autherr.Wrap(autherr.Unavailable, "read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.metrics.ExchangeCompleted(grant, "rejected")
		msg := errorMessage(resp.StatusCode, body)
		s.logger.Warn("exchange.rejected", "grant", grant, "status", resp.StatusCode, "message", msg)
		return Token{}, autherr.Exchange(resp.StatusCode, msg)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		s.metrics.ExchangeCompleted(grant, "invalid_response")
		e := autherr.Wrap(autherr.ExchangeFailed, "decode token response", err)
		e.Status = resp.StatusCode
		return Token{}, e
	}
	if tok.AccessToken == "" {
		s.metrics.ExchangeCompleted(grant, "invalid_response")
		return Token{}, autherr.Exchange(resp.StatusCode, "token endpoint returned empty access_token")
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	tok.ObtainedAtMs = s.now().UnixMilli()

	s.metrics.ExchangeCompleted(grant, "success")
	return tok, nil
}

func errorMessage(status int, body []byte) string {
	var oe oAuthError
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		if oe.ErrorDescription != "" {
			return oe.Error + ": " + oe.ErrorDescription
		}
		return oe.Error
	}
	return http.StatusText(status)
}

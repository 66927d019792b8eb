// Package client validates externally issued identity assertions against the
// issuer's published JSON Web Key Set.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultClockSkew is the tolerance applied to exp, nbf and iat.
const DefaultClockSkew = 30 * time.Second

// MinRefetchInterval bounds how often an unknown kid may force a key set
// fetch.
const MinRefetchInterval = 30 * time.Second

var (
	ErrEmptyAssertion  = errors.New("assertion required")
	ErrKeyNotFound     = errors.New("signing key not found")
	ErrKeySetFetch     = errors.New("key set unavailable")
	ErrMissingSubject  = errors.New("subject claim missing")
	ErrNotConfigured   = errors.New("jwks url not configured")
	ErrNoIssuer        = errors.New("expected issuer not configured")
	errUnexpectedPanic = errors.New("malformed assertion")
)

// ValidatorConfig configures the assertion validator.
type ValidatorConfig struct {
	Issuer     string
	JWKSURL    string
	Audiences  []string
	CacheTTL   time.Duration
	ClockSkew  time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// Validator verifies RS/ES/PS signed JWT assertions.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	now    func() time.Time
	mu     sync.RWMutex
	cache  jwksCache
	fetch  singleflight.Group
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// Claims is the closed set of claims the gateway reads from an assertion.
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
}

// DisplayName prefers name, then given/family name, then email.
func (c *Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if full := strings.TrimSpace(c.GivenName + " " + c.FamilyName); full != "" {
		return full
	}
	return c.Email
}

// ValidationResult is the tagged outcome of Validate. Err explains an
// invalid result and is nil when Valid is true.
type ValidationResult struct {
	Valid  bool
	Claims *Claims
	Err    error
}

// Reason returns a human readable explanation for an invalid result.
func (r ValidationResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{cfg: cfg, client: client, now: now}
}

// Validate checks signature, issuer, audience, expiry and subject. It never
// returns an error or panics; every failure is reported as Valid=false.
// A validator without an expected issuer rejects every assertion.
func (v *Validator) Validate(ctx context.Context, assertion string) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ValidationResult{Err: fmt.Errorf("%w: %v", errUnexpectedPanic, r)}
		}
	}()

	if v.cfg.Issuer == "" {
		return ValidationResult{Err: ErrNoIssuer}
	}
	raw := StripBearer(assertion)
	if raw == "" {
		return ValidationResult{Err: ErrEmptyAssertion}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuer(v.cfg.Issuer),
	}
	if len(v.cfg.Audiences) > 0 {
		opts = append(opts, jwt.WithAudience(v.cfg.Audiences...))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		return ValidationResult{Err: classify(err)}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ValidationResult{Err: ErrMissingSubject}
	}
	return ValidationResult{Valid: true, Claims: claims}
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("audience rejected: %w", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("issuer mismatch: %w", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("assertion expired: %w", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("signature invalid: %w", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("malformed assertion: %w", err)
	default:
		return err
	}
}

func (v *Validator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)

	set, err := v.ensureJWKS(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetFetch, err)
	}
	key := findKey(set, kid)
	if key == nil && kid != "" {
		// Force refresh on kid miss
		set, err = v.ensureJWKS(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeySetFetch, err)
		}
		key = findKey(set, kid)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	return key.Key, nil
}

// ensureJWKS returns the cached key set while it is fresh. A forced refresh
// is skipped when the set was fetched less than MinRefetchInterval ago, and
// concurrent fetches share one request.
func (v *Validator) ensureJWKS(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	if v.cfg.JWKSURL == "" {
		return jose.JSONWebKeySet{}, ErrNotConfigured
	}

	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil {
		now := v.now()
		if !force && now.Before(cache.expires) {
			return cache.set, nil
		}
		if force && now.Sub(cache.fetched) < MinRefetchInterval {
			return cache.set, nil
		}
	}

	set, err, _ := v.fetch.Do("jwks", func() (any, error) {
		return v.fetchJWKS(ctx, cache)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return set.(jose.JSONWebKeySet), nil
}

func (v *Validator) fetchJWKS(ctx context.Context, cache jwksCache) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cache.set.Keys != nil {
		cache.fetched = v.now()
		cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{set: set, fetched: v.now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	parts := strings.Split(header, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil && secs > 0 {
				return secs
			}
		}
	}
	return fallback
}

// Package sigutil implements the CDC shared-secret signature scheme:
// user signatures over "<timestamp>_<uid>" and signed outbound REST calls.
package sigutil

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge bounds the clock distance accepted for a user signature.
const DefaultMaxAge = 300 * time.Second

var (
	ErrMissingSecret = errors.New("sigutil: secret not configured")
	ErrInvalidSecret = errors.New("sigutil: secret is not valid base64")
)

// Verifier checks signatures made with a single partner secret.
type Verifier struct {
	key []byte
	now func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier decodes the base64 partner secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	v := &Verifier{key: key, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateUserSignature recomputes the signature for uid at timestamp and
// compares it in constant time. A malformed timestamp is simply invalid.
func (v *Verifier) ValidateUserSignature(uid, timestamp, signature string, maxAge time.Duration) bool {
	if uid == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil || ts <= 0 {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	// Sub saturates instead of wrapping for far-off timestamps.
	age := v.now().Sub(time.Unix(ts, 0))
	if age > maxAge || age < -maxAge {
		return false
	}

	return hmac.Equal([]byte(v.UserSignature(uid, timestamp)), []byte(signature))
}

// UserSignature returns the UIDSignature CDC issues for uid at timestamp.
func (v *Verifier) UserSignature(uid, timestamp string) string {
	return CalcSignature(v.key, timestamp+"_"+uid)
}

// SignRequest signs an outbound call with the verifier's secret.
func (v *Verifier) SignRequest(method, rawURL string, params map[string]string) (string, error) {
	base, err := BaseString(method, rawURL, params)
	if err != nil {
		return "", err
	}
	return CalcSignature(v.key, base), nil
}

// SignRequest builds the canonical base string and signs it with the base64
// secret.
func SignRequest(method, rawURL string, params map[string]string, secret string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	base, err := BaseString(method, rawURL, params)
	if err != nil {
		return "", err
	}
	return CalcSignature(key, base), nil
}

// CalcSignature returns base64(HMAC-SHA1(key, base)).
func CalcSignature(key []byte, base string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// BaseString returns METHOD&enc(normalizedURL)&enc(sortedParams).
func BaseString(method, rawURL string, params map[string]string) (string, error) {
	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, PercentEncode(k)+"="+PercentEncode(params[k]))
	}

	return strings.ToUpper(method) + "&" + PercentEncode(normalized) + "&" + PercentEncode(strings.Join(pairs, "&")), nil
}

// PercentEncode escapes everything except the RFC 3986 unreserved set.
func PercentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("sigutil: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("sigutil: url %q must be absolute", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

func decodeSecret(secret string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

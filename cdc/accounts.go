// Package cdc is a small client for the CDC accounts REST API. Requests are
// signed with the partner secret using sigutil.
package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cdcgateway/metrics"
	"cdcgateway/sigutil"
)

// DefaultInclude is the account projection requested by GetAccountInfo.
const DefaultInclude = "profile,data,emails,loginIDs"

const maxResponseBytes = 1 << 20

var ErrNotConfigured = errors.New("cdc: api key and secret are required")

// APIError is a non-zero errorCode in a CDC response.
type APIError struct {
	Code       int    `json:"errorCode"`
	Message    string `json:"errorMessage"`
	Details    string `json:"errorDetails,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	CallID     string `json:"callId,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("cdc: error %d: %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// Profile is the subset of the CDC profile schema the gateway reads.
type Profile struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Country   string `json:"country,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

type Emails struct {
	Verified   []string `json:"verified,omitempty"`
	Unverified []string `json:"unverified,omitempty"`
}

type LoginIDs struct {
	Emails   []string `json:"emails,omitempty"`
	Username string   `json:"username,omitempty"`
}

// Account is an accounts.getAccountInfo result.
type Account struct {
	UID        string         `json:"UID"`
	IsActive   bool           `json:"isActive"`
	IsVerified bool           `json:"isVerified"`
	Profile    Profile        `json:"profile"`
	Data       map[string]any `json:"data,omitempty"`
	Emails     Emails         `json:"emails"`
	LoginIDs   LoginIDs       `json:"loginIDs"`
}

// SearchResult is an accounts.search result.
type SearchResult struct {
	Results      []Account `json:"results"`
	ObjectsCount int       `json:"objectsCount"`
	TotalCount   int       `json:"totalCount"`
	NextCursorID string    `json:"nextCursorId,omitempty"`
}

// SchemaField describes one field of an accounts schema.
type SchemaField struct {
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	WriteAccess string `json:"writeAccess,omitempty"`
	Encrypt     string `json:"encrypt,omitempty"`
	AllowNull   bool   `json:"allowNull,omitempty"`
}

// FieldSchema is one section of the site schema, keyed by field path.
type FieldSchema struct {
	Fields        map[string]SchemaField `json:"fields"`
	DynamicSchema bool                   `json:"dynamicSchema,omitempty"`
}

// Schema is an accounts.getSchema result.
type Schema struct {
	ProfileSchema       FieldSchema `json:"profileSchema"`
	DataSchema          FieldSchema `json:"dataSchema"`
	SubscriptionsSchema FieldSchema `json:"subscriptionsSchema"`
	PreferencesSchema   FieldSchema `json:"preferencesSchema"`
}

// Config locates a CDC site.
type Config struct {
	APIKey     string
	SecretKey  string
	DataCenter string
	// BaseURL overrides https://accounts.<dc>.gigya.com.
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls signed accounts.* methods.
type Client struct {
	apiKey  string
	baseURL string
	signer  *sigutil.Verifier
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient fails when the api key or secret is missing.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	signer, err := sigutil.NewVerifier(cfg.SecretKey)
	if err != nil {
		if errors.Is(err, sigutil.ErrMissingSecret) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://accounts." + DataCenterDomain(cfg.DataCenter)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: base,
		signer:  signer,
		http:    httpClient,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DataCenterDomain maps a data center id onto its API domain.
func DataCenterDomain(dc string) string {
	dc = strings.ToLower(strings.TrimSpace(dc))
	if dc == "" {
		dc = "us1"
	}
	return dc + ".gigya.com"
}

// GetAccountInfo loads the account identified by uid.
func (c *Client) GetAccountInfo(ctx context.Context, uid string) (Account, error) {
	if strings.TrimSpace(uid) == "" {
		return Account{}, errors.New("cdc: uid required")
	}
	var acc Account
	err := c.call(ctx, "accounts.getAccountInfo", map[string]string{
		"UID":     uid,
		"include": DefaultInclude,
	}, &acc)
	return acc, err
}

// SearchAccounts runs an accounts.search query such as
// "SELECT * FROM accounts WHERE profile.email = 'a@b.c'".
func (c *Client) SearchAccounts(ctx context.Context, query string, limit int) (SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return SearchResult{}, errors.New("cdc: query required")
	}
	if limit <= 0 {
		limit = 100
	}
	var res SearchResult
	err := c.call(ctx, "accounts.search", map[string]string{
		"query": query,
		"limit": strconv.Itoa(limit),
	}, &res)
	return res, err
}

// GetSchema loads the site's profile, data, subscriptions and preferences
// schemas.
func (c *Client) GetSchema(ctx context.Context) (Schema, error) {
	var schema Schema
	err := c.call(ctx, "accounts.getSchema", nil, &schema)
	return schema, err
}

func (c *Client) call(ctx context.Context, method string, params map[string]string, out any) error {
	endpoint := c.baseURL + "/" + method

	signed := make(map[string]string, len(params)+6)
	for k, v := range params {
		signed[k] = v
	}
	signed["apiKey"] = c.apiKey
	signed["format"] = "json"
	signed["httpStatusCodes"] = "false"
	signed["nonce"] = uuid.NewString()
	signed["timestamp"] = strconv.FormatInt(c.now().Unix(), 10)

	sig, err := c.signer.SignRequest(http.MethodPost, endpoint, signed)
	if err != nil {
		return fmt.Errorf("cdc: sign %s: %w", method, err)
	}

	form := url.Values{}
	for k, v := range signed {
		form.Set(k, v)
	}
	form.Set("sig", sig)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("cdc: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveUpstream("cdc."+method, time.Since(started))
	if err != nil {
		return fmt.Errorf("cdc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("cdc: read %s response: %w", method, err)
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("cdc: decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if apiErr.Code != 0 {
		c.logger.Warn("cdc.api_error", "method", method, "error_code", apiErr.Code, "message", apiErr.Message, "call_id", apiErr.CallID)
		return &apiErr
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("cdc: decode %s result: %w", method, err)
	}
	return nil
}

package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cdcgateway/auth"
	"cdcgateway/cdc"
	"cdcgateway/exchange"
	"cdcgateway/sigutil"
	"cdcgateway/store"
)

// Session and cookie defaults
const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultHSTSMaxAge = 31536000
)

// Session storage backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CDC      CDCConfig      `yaml:"cdc"`
	Commerce CommerceConfig `yaml:"commerce"`
	Sessions SessionsConfig `yaml:"sessions"`
	Sweeps   SweepsConfig   `yaml:"sweeps"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	FrontendURL     string    `yaml:"frontend_url"`
	SuccessPath     string    `yaml:"success_path"`
	ErrorPath       string    `yaml:"error_path"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CDCConfig locates the CDC site: its OIDC provider for the code flow, its
// JWT key set for the bearer flow and its partner secret for signatures.
type CDCConfig struct {
	APIKey            string        `yaml:"api_key"`
	SecretKey         string        `yaml:"secret_key"`
	DataCenter        string        `yaml:"data_center"`
	Issuer            string        `yaml:"issuer"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	RedirectURL       string        `yaml:"redirect_url"`
	Scopes            []string      `yaml:"scopes"`
	CredentialsInBody bool          `yaml:"credentials_in_body"`
	JWTIssuer         string        `yaml:"jwt_issuer"`
	JWKSURL           string        `yaml:"jwks_url"`
	Audiences         []string      `yaml:"audiences"`
	ClockSkew         time.Duration `yaml:"clock_skew"`
	SignatureMaxAge   time.Duration `yaml:"signature_max_age"`
	EnrichAccounts    bool          `yaml:"enrich_accounts"`
}

// CommerceConfig describes the commerce token endpoint used for the
// assertion exchange.
type CommerceConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	GrantType    string `yaml:"grant_type"`
	Scope        string `yaml:"scope"`
	AuthStyle    string `yaml:"auth_style"`
}

// SessionsConfig selects the session backend and lifetimes.
type SessionsConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when sessions.backend is redis.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// SweepsConfig sets the background cleanup intervals.
type SweepsConfig struct {
	PendingInterval  time.Duration `yaml:"pending_interval"`
	SessionInterval  time.Duration `yaml:"session_interval"`
	ExchangeInterval time.Duration `yaml:"exchange_interval"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			FrontendURL:     "http://127.0.0.1:3000",
			SuccessPath:     "/",
			ErrorPath:       "/login",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				CacheDir:   ".autocert",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		CDC: CDCConfig{
			DataCenter:      "us1",
			Scopes:          []string{"openid", "profile", "email"},
			ClockSkew:       30 * time.Second,
			SignatureMaxAge: sigutil.DefaultMaxAge,
		},
		Commerce: CommerceConfig{
			GrantType: exchange.GrantTypeJWTBearer,
			AuthStyle: "header",
		},
		Sessions: SessionsConfig{
			Backend:    BackendMemory,
			TTL:        DefaultSessionTTL,
			PendingTTL: store.DefaultPendingTTL,
			Redis: RedisConfig{
				Addrs:     []string{"127.0.0.1:6379"},
				KeyPrefix: "cdcgw",
			},
		},
		Sweeps: SweepsConfig{
			PendingInterval:  auth.PendingSweepInterval,
			SessionInterval:  auth.SessionSweepInterval,
			ExchangeInterval: auth.ExchangeSweepInterval,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"CDCGW_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"CDCGW_SERVER_FRONTEND_URL":      func(v string) { cfg.Server.FrontendURL = v },
		"CDCGW_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"CDCGW_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"CDCGW_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"CDCGW_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"CDCGW_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"CDCGW_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"CDCGW_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"CDCGW_CDC_API_KEY":              func(v string) { cfg.CDC.APIKey = v },
		"CDCGW_CDC_SECRET_KEY":           func(v string) { cfg.CDC.SecretKey = v },
		"CDCGW_CDC_DATA_CENTER":          func(v string) { cfg.CDC.DataCenter = v },
		"CDCGW_CDC_ISSUER":               func(v string) { cfg.CDC.Issuer = v },
		"CDCGW_CDC_CLIENT_ID":            func(v string) { cfg.CDC.ClientID = v },
		"CDCGW_CDC_CLIENT_SECRET":        func(v string) { cfg.CDC.ClientSecret = v },
		"CDCGW_CDC_JWKS_URL":             func(v string) { cfg.CDC.JWKSURL = v },
		"CDCGW_CDC_JWT_ISSUER":           func(v string) { cfg.CDC.JWTIssuer = v },
		"CDCGW_CDC_AUDIENCES":            func(v string) { cfg.CDC.Audiences = splitAndTrim(v) },
		"CDCGW_CDC_CLOCK_SKEW":           func(v string) { cfg.CDC.ClockSkew = parseDuration(v, cfg.CDC.ClockSkew) },
		"CDCGW_COMMERCE_TOKEN_URL":       func(v string) { cfg.Commerce.TokenURL = v },
		"CDCGW_COMMERCE_CLIENT_ID":       func(v string) { cfg.Commerce.ClientID = v },
		"CDCGW_COMMERCE_CLIENT_SECRET":   func(v string) { cfg.Commerce.ClientSecret = v },
		"CDCGW_COMMERCE_AUTH_STYLE":      func(v string) { cfg.Commerce.AuthStyle = v },
		"CDCGW_SESSIONS_BACKEND":         func(v string) { cfg.Sessions.Backend = v },
		"CDCGW_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"CDCGW_REDIS_ADDRS":              func(v string) { cfg.Sessions.Redis.Addrs = splitAndTrim(v) },
		"CDCGW_REDIS_PASSWORD":           func(v string) { cfg.Sessions.Redis.Password = v },
		"CDCGW_REDIS_DB":                 func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
		"CDCGW_METRICS_ENABLED":          func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if c.CDC.ResolvedIssuer() == "" {
		slog.Error("Missing required configuration", "field", "cdc.issuer", "reason", "set cdc.issuer or cdc.api_key")
		return errors.New("cdc.issuer or cdc.api_key is required")
	}
	if c.CDC.ClientID == "" {
		slog.Error("Missing required configuration", "field", "cdc.client_id")
		return errors.New("cdc.client_id is required")
	}
	if c.CDC.ResolvedJWKSURL() == "" {
		slog.Error("Missing required configuration", "field", "cdc.jwks_url", "reason", "set cdc.jwks_url or cdc.api_key")
		return errors.New("cdc.jwks_url or cdc.api_key is required")
	}
	if !isHTTPURL(c.CDC.ResolvedJWKSURL()) {
		slog.Error("Invalid configuration value", "field", "cdc.jwks_url", "value", c.CDC.JWKSURL, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("cdc.jwks_url must start with http:// or https://, got: %s", c.CDC.JWKSURL)
	}
	if c.CDC.ResolvedJWTIssuer() == "" {
		slog.Error("Missing required configuration", "field", "cdc.jwt_issuer", "reason", "set cdc.jwt_issuer or cdc.api_key")
		return errors.New("cdc.jwt_issuer or cdc.api_key is required")
	}
	if c.CDC.ClockSkew < 0 || c.CDC.SignatureMaxAge < 0 {
		slog.Error("Invalid configuration value", "field", "cdc.clock_skew", "reason", "durations must not be negative")
		return errors.New("cdc.clock_skew and cdc.signature_max_age must not be negative")
	}

	if c.Commerce.TokenURL == "" {
		slog.Error("Missing required configuration", "field", "commerce.token_url")
		return errors.New("commerce.token_url is required")
	}
	if !isHTTPURL(c.Commerce.TokenURL) {
		slog.Error("Invalid configuration value", "field", "commerce.token_url", "value", c.Commerce.TokenURL, "reason", "must be a valid HTTP(S) URL")
		return fmt.Errorf("commerce.token_url must start with http:// or https://, got: %s", c.Commerce.TokenURL)
	}
	if c.Commerce.ClientID == "" {
		slog.Error("Missing required configuration", "field", "commerce.client_id")
		return errors.New("commerce.client_id is required")
	}
	if _, err := parseAuthStyle(c.Commerce.AuthStyle); err != nil {
		slog.Error("Invalid configuration value", "field", "commerce.auth_style", "value", c.Commerce.AuthStyle, "valid_values", []string{"header", "params"})
		return err
	}

	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Sessions.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "sessions.redis.addrs")
			return errors.New("sessions.redis.addrs is required for the redis backend")
		}
	default:
		slog.Error("Invalid session backend", "field", "sessions.backend", "value", c.Sessions.Backend, "valid_values", []string{BackendMemory, BackendRedis})
		return fmt.Errorf("sessions.backend must be %q or %q, got: %s", BackendMemory, BackendRedis, c.Sessions.Backend)
	}
	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return errors.New("sessions.ttl must be positive")
	}

	if c.Sweeps.PendingInterval < 0 || c.Sweeps.SessionInterval < 0 || c.Sweeps.ExchangeInterval < 0 {
		slog.Error("Invalid sweep interval", "pending", c.Sweeps.PendingInterval, "sessions", c.Sweeps.SessionInterval, "exchange", c.Sweeps.ExchangeInterval)
		return errors.New("sweeps intervals must not be negative")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		slog.Error("Invalid configuration value", "field", "metrics.path", "value", c.Metrics.Path)
		return fmt.Errorf("metrics.path must start with /, got: %s", c.Metrics.Path)
	}

	return nil
}

func (c Config) validateServer() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Server.FrontendURL != "" && !isHTTPURL(c.Server.FrontendURL) {
		slog.Error("Invalid configuration value", "field", "server.frontend_url", "value", c.Server.FrontendURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.frontend_url must start with http:// or https://, got: %s", c.Server.FrontendURL)
	}
	for field, p := range map[string]string{"server.success_path": c.Server.SuccessPath, "server.error_path": c.Server.ErrorPath} {
		if p != "" && safeReturnPath(p) != p {
			slog.Error("Invalid configuration value", "field", field, "value", p, "reason", "must be a relative path")
			return fmt.Errorf("%s must be a relative path starting with /, got: %s", field, p)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host
	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}
	return nil
}

// ResolvedIssuer is cdc.issuer, or the OIDC issuer derived from the data
// center and API key.
func (c CDCConfig) ResolvedIssuer() string {
	if c.Issuer != "" {
		return strings.TrimSuffix(c.Issuer, "/")
	}
	if c.APIKey == "" {
		return ""
	}
	return auth.CDCIssuer(c.DataCenter, c.APIKey)
}

// ResolvedJWTIssuer is the iss expected on bearer assertions.
func (c CDCConfig) ResolvedJWTIssuer() string {
	if c.JWTIssuer != "" {
		return c.JWTIssuer
	}
	if c.APIKey == "" {
		return ""
	}
	return cdc.JWTIssuer(c.APIKey)
}

// ResolvedJWKSURL is cdc.jwks_url, or the site's accounts.getJWTPublicKey
// endpoint.
func (c CDCConfig) ResolvedJWKSURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if c.APIKey == "" {
		return ""
	}
	return cdc.JWKSURL(c.DataCenter, c.APIKey)
}

// ResolvedAudiences defaults to the OIDC client id.
func (c CDCConfig) ResolvedAudiences() []string {
	if len(c.Audiences) > 0 {
		return c.Audiences
	}
	if c.ClientID == "" {
		return nil
	}
	return []string{c.ClientID}
}

// ResolvedRedirectURL defaults to <public_url>/callback.
func (c Config) ResolvedRedirectURL() string {
	if c.CDC.RedirectURL != "" {
		return c.CDC.RedirectURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}

func parseAuthStyle(v string) (exchange.AuthStyle, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "header", "basic":
		return exchange.AuthStyleHeader, nil
	case "params", "body":
		return exchange.AuthStyleParams, nil
	default:
		return 0, fmt.Errorf("commerce.auth_style must be 'header' or 'params', got: %s", v)
	}
}

func isHTTPURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"cdcgateway/auth"
	"cdcgateway/cdc"
	"cdcgateway/client"
	"cdcgateway/exchange"
	"cdcgateway/metrics"
	"cdcgateway/sigutil"
	"cdcgateway/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Sessions   *SessionManager
	Pending    *store.PendingStore
	Store      store.SessionStore
	Exchange   *exchange.Service
	Code       *auth.CodeFlow
	Bearer     *auth.BearerFlow
	Signatures *sigutil.Verifier
	Accounts   *cdc.Client

	now     func() time.Time
	closers []func() error
}

// Option overrides a dependency NewApp would otherwise build from config.
type Option func(*appDeps)

type appDeps struct {
	provider   auth.IdentityProvider
	validator  auth.AssertionValidator
	sessions   store.SessionStore
	httpClient *http.Client
	now        func() time.Time
}

// WithProvider skips OIDC discovery and uses p for the code flow.
func WithProvider(p auth.IdentityProvider) Option {
	return func(d *appDeps) { d.provider = p }
}

// WithValidator replaces the JWKS-backed assertion validator.
func WithValidator(v auth.AssertionValidator) Option {
	return func(d *appDeps) { d.validator = v }
}

// WithSessionStore replaces the configured session backend.
func WithSessionStore(s store.SessionStore) Option {
	return func(d *appDeps) { d.sessions = s }
}

// WithHTTPClient is used for every upstream call.
func WithHTTPClient(c *http.Client) Option {
	return func(d *appDeps) { d.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *appDeps) { d.now = now }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	deps := appDeps{now: time.Now}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.httpClient == nil {
		deps.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	var m *metrics.Recorder
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Sessions: NewSessionManager(cfg),
		Pending:  store.NewPendingStore(cfg.Sessions.PendingTTL, deps.now),
		now:      deps.now,
	}

	sessions := deps.sessions
	if sessions == nil {
		var err error
		sessions, err = app.buildSessionStore(ctx, deps.now)
		if err != nil {
			return nil, err
		}
	}
	app.Store = sessions

	authStyle, err := parseAuthStyle(cfg.Commerce.AuthStyle)
	if err != nil {
		return nil, err
	}
	svc, err := exchange.NewService(exchange.Config{
		TokenURL:     cfg.Commerce.TokenURL,
		ClientID:     cfg.Commerce.ClientID,
		ClientSecret: cfg.Commerce.ClientSecret,
		GrantType:    cfg.Commerce.GrantType,
		Scope:        cfg.Commerce.Scope,
		AuthStyle:    authStyle,
		HTTPClient:   deps.httpClient,
	}, exchange.WithLogger(logger), exchange.WithMetrics(m), exchange.WithClock(deps.now))
	if err != nil {
		return nil, fmt.Errorf("init token exchange: %w", err)
	}
	app.Exchange = svc

	provider := deps.provider
	if provider == nil {
		provider, err = auth.NewOIDCProvider(ctx, auth.ProviderConfig{
			Issuer:            cfg.CDC.ResolvedIssuer(),
			ClientID:          cfg.CDC.ClientID,
			ClientSecret:      cfg.CDC.ClientSecret,
			RedirectURL:       cfg.ResolvedRedirectURL(),
			Scopes:            cfg.CDC.Scopes,
			CredentialsInBody: cfg.CDC.CredentialsInBody,
			HTTPClient:        deps.httpClient,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init cdc provider: %w", err)
		}
	}

	validator := deps.validator
	if validator == nil {
		validator = client.NewValidator(client.ValidatorConfig{
			Issuer:     cfg.CDC.ResolvedJWTIssuer(),
			JWKSURL:    cfg.CDC.ResolvedJWKSURL(),
			Audiences:  cfg.CDC.ResolvedAudiences(),
			ClockSkew:  cfg.CDC.ClockSkew,
			HTTPClient: deps.httpClient,
			Now:        deps.now,
		})
	}

	app.Code = auth.NewCodeFlow(provider, app.Pending, sessions, logger,
		auth.WithCodeFlowClock(deps.now), auth.WithCodeFlowMetrics(m))
	app.Bearer = auth.NewBearerFlow(validator, svc, sessions, logger,
		auth.WithBearerFlowClock(deps.now), auth.WithBearerFlowMetrics(m))

	if cfg.CDC.SecretKey != "" {
		app.Signatures, err = sigutil.NewVerifier(cfg.CDC.SecretKey, sigutil.WithClock(deps.now))
		if err != nil {
			return nil, fmt.Errorf("init signature verifier: %w", err)
		}
		if cfg.CDC.APIKey != "" {
			app.Accounts, err = cdc.NewClient(cdc.Config{
				APIKey:     cfg.CDC.APIKey,
				SecretKey:  cfg.CDC.SecretKey,
				DataCenter: cfg.CDC.DataCenter,
				HTTPClient: deps.httpClient,
			}, cdc.WithLogger(logger), cdc.WithMetrics(m), cdc.WithClock(deps.now))
			if err != nil {
				return nil, fmt.Errorf("init cdc accounts client: %w", err)
			}
		}
	} else {
		logger.Warn("cdc.secret_key not set; signature verification disabled")
	}

	return app, nil
}

func (a *App) buildSessionStore(ctx context.Context, now func() time.Time) (store.SessionStore, error) {
	if a.Config.Sessions.Backend != BackendRedis {
		return store.NewMemorySessions(now), nil
	}
	rc := a.Config.Sessions.Redis
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    rc.Addrs,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %v: %w", rc.Addrs, err)
	}
	a.closers = append(a.closers, rdb.Close)
	a.Logger.Info("session store ready", "backend", BackendRedis, "addrs", rc.Addrs)
	return store.NewRedisSessions(rdb, rc.KeyPrefix, a.Config.Sessions.TTL, now), nil
}

// Janitor returns the background sweeps for the process lifecycle to run.
func (a *App) Janitor() *auth.Janitor {
	sw := a.Config.Sweeps
	return auth.NewJanitor(a.Logger, a.Metrics,
		auth.PendingSweep(a.Pending, sw.PendingInterval),
		auth.SessionSweep(a.Store, sw.SessionInterval),
		auth.ExchangeCacheSweep(a.Exchange, sw.ExchangeInterval),
	)
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

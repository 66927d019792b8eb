package auth

import (
	"context"
	"log/slog"
	"time"

	"cdcgateway/autherr"
	"cdcgateway/client"
	"cdcgateway/exchange"
	"cdcgateway/metrics"
	"cdcgateway/store"
)

// AssertionValidator checks an externally issued identity assertion.
type AssertionValidator interface {
	Validate(ctx context.Context, assertion string) client.ValidationResult
}

// TokenExchanger trades assertions and refresh tokens for commerce tokens.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion string, claims *client.Claims) (exchange.Token, error)
	Refresh(ctx context.Context, refreshToken string) (exchange.Token, error)
}

// BearerFlow logs a caller in from a CDC-issued JWT without a browser
// redirect.
type BearerFlow struct {
	validator AssertionValidator
	exchanger TokenExchanger
	keeper    *sessionKeeper
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

type BearerFlowOption func(*BearerFlow)

func WithBearerFlowClock(now func() time.Time) BearerFlowOption {
	return func(f *BearerFlow) { f.now = now }
}

func WithBearerFlowMetrics(m *metrics.Recorder) BearerFlowOption {
	return func(f *BearerFlow) { f.metrics = m }
}

func NewBearerFlow(validator AssertionValidator, exchanger TokenExchanger, sessions store.SessionStore, logger *slog.Logger, opts ...BearerFlowOption) *BearerFlow {
	f := &BearerFlow{
		validator: validator,
		exchanger: exchanger,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.keeper = &sessionKeeper{
		flow:     store.FlowBearer,
		prefix:   BearerSessionPrefix,
		sessions: sessions,
		refresh:  f.refreshTokens,
		logger:   logger,
		metrics:  f.metrics,
		now:      f.now,
	}
	return f
}

// Login validates the assertion, exchanges it and opens a session. An
// assertion that fails validation never reaches the token endpoint.
func (f *BearerFlow) Login(ctx context.Context, assertion string) (BearerFlowSession, error) {
	raw := client.StripBearer(assertion)
	if raw == "" {
		return BearerFlowSession{}, f.fail(autherr.New(autherr.InvalidRequest, "jwt is required"))
	}

	res := f.validator.Validate(ctx, raw)
	if !res.Valid {
		f.logger.Warn("bearer.assertion_rejected", "reason", res.Reason())
		return BearerFlowSession{}, f.fail(autherr.Wrap(autherr.InvalidAssertion, "assertion rejected", res.Err))
	}
	claims := res.Claims

	tok, err := f.exchanger.Exchange(ctx, raw, claims)
	if err != nil {
		f.logger.Error("bearer.exchange_failed", "subject", claims.Subject, "error", err)
		return BearerFlowSession{}, f.fail(err)
	}

	sess, err := f.keeper.create(ctx, store.Session{
		SubjectID:                 claims.Subject,
		Email:                     claims.Email,
		DisplayName:               claims.DisplayName(),
		ExternalUID:               claims.Subject,
		CommerceAccessToken:       tok.AccessToken,
		CommerceAccessTokenExpiry: tok.ExpiresAt(),
		CommerceRefreshToken:      tok.RefreshToken,
	})
	if err != nil {
		return BearerFlowSession{}, f.fail(err)
	}
	return BearerFlowSession{Sess: sess}, nil
}

// Session reports the bearer session for id, refreshing it when due.
func (f *BearerFlow) Session(ctx context.Context, id string) (SessionStatus, error) {
	return f.keeper.check(ctx, id)
}

func (f *BearerFlow) Refresh(ctx context.Context, id string) (store.Session, error) {
	return f.keeper.forceRefresh(ctx, id)
}

func (f *BearerFlow) Logout(ctx context.Context, id string) error {
	return f.keeper.logout(ctx, id)
}

// LogoutEverywhere ends every session held by the subject owning id.
func (f *BearerFlow) LogoutEverywhere(ctx context.Context, id string) (int, error) {
	return f.keeper.logoutEverywhere(ctx, id)
}

func (f *BearerFlow) refreshTokens(ctx context.Context, refreshToken string) (renewal, error) {
	tok, err := f.exchanger.Refresh(ctx, refreshToken)
	if err != nil {
		return renewal{}, err
	}
	return renewal{
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		expiry:       tok.ExpiresAt(),
	}, nil
}

func (f *BearerFlow) fail(err error) error {
	f.metrics.AuthFailure(string(store.FlowBearer), string(autherr.CodeOf(err)))
	return err
}

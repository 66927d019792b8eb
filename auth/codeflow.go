package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cdcgateway/autherr"
	"cdcgateway/metrics"
	"cdcgateway/pkce"
	"cdcgateway/store"
)

// FlowState names the stages of one authorization attempt.
type FlowState string

const (
	StateIdle                   FlowState = "idle"
	StateAuthorizationRequested FlowState = "authorization_requested"
	StateAwaitingCallback       FlowState = "awaiting_callback"
	StateExchanged              FlowState = "exchanged"
	StateFailed                 FlowState = "failed"
)

// defaultTokenLifetime applies when the provider omits expires_in.
const defaultTokenLifetime = time.Hour

// AuthorizationRequest is returned to the browser to start a login.
type AuthorizationRequest struct {
	URL       string
	AttemptID string
	State     string
	Nonce     string
	ExpiresAt time.Time
}

// CallbackParams are the query parameters of the provider redirect plus the
// attempt id read from the transient cookie.
type CallbackParams struct {
	AttemptID        string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CodeFlow orchestrates the OIDC authorization-code flow with PKCE.
type CodeFlow struct {
	provider IdentityProvider
	pending  *store.PendingStore
	keeper   *sessionKeeper
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// CodeFlowOption customises a CodeFlow.
type CodeFlowOption func(*CodeFlow)

func WithCodeFlowClock(now func() time.Time) CodeFlowOption {
	return func(f *CodeFlow) { f.now = now }
}

func WithCodeFlowMetrics(m *metrics.Recorder) CodeFlowOption {
	return func(f *CodeFlow) { f.metrics = m }
}

// NewCodeFlow wires the orchestrator to its provider and stores.
func NewCodeFlow(provider IdentityProvider, pending *store.PendingStore, sessions store.SessionStore, logger *slog.Logger, opts ...CodeFlowOption) *CodeFlow {
	f := &CodeFlow{
		provider: provider,
		pending:  pending,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.keeper = &sessionKeeper{
		flow:     store.FlowCode,
		prefix:   CodeSessionPrefix,
		sessions: sessions,
		refresh:  f.refreshTokens,
		logger:   logger,
		metrics:  f.metrics,
		now:      f.now,
	}
	return f
}

// RequestAuthorization moves an attempt from Idle to AwaitingCallback: it
// stores a fresh verifier/state/nonce triple and builds the provider URL.
func (f *CodeFlow) RequestAuthorization(ctx context.Context, returnPath string) (AuthorizationRequest, error) {
	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
	if err != nil {
		return AuthorizationRequest{}, autherr.Wrap(autherr.Internal, "generate verifier", err)
	}
	state, err := pkce.GenerateState()
	if err != nil {
		return AuthorizationRequest{}, autherr.Wrap(autherr.Internal, "generate state", err)
	}
	nonce, err := pkce.GenerateNonce()
	if err != nil {
		return AuthorizationRequest{}, autherr.Wrap(autherr.Internal, "generate nonce", err)
	}

	now := f.now()
	pa := store.PendingAuthorization{
		AttemptID:    uuid.NewString(),
		CodeVerifier: verifier,
		State:        state,
		Nonce:        nonce,
		ReturnPath:   returnPath,
		CreatedAt:    now,
	}
	if err := f.pending.Save(pa); err != nil {
		return AuthorizationRequest{}, autherr.Wrap(autherr.Internal, "store pending authorization", err)
	}

	authURL := f.provider.AuthCodeURL(state, nonce, pkce.DeriveChallenge(verifier))
	f.logger.Info("authorize.requested", "attempt_id", pa.AttemptID, "state", StateAwaitingCallback, "return_path", returnPath)

	return AuthorizationRequest{
		URL:       authURL,
		AttemptID: pa.AttemptID,
		State:     state,
		Nonce:     nonce,
		ExpiresAt: now.Add(f.pending.TTL()),
	}, nil
}

// HandleCallback completes an attempt. The pending entry is consumed before
// any comparison so a state value can never be used twice.
func (f *CodeFlow) HandleCallback(ctx context.Context, p CallbackParams) (CodeFlowSession, error) {
	if p.Error != "" {
		if p.AttemptID != "" {
			_, _ = f.pending.Consume(p.AttemptID)
		}
		msg := p.Error
		if p.ErrorDescription != "" {
			msg += ": " + p.ErrorDescription
		}
		return CodeFlowSession{}, f.fail(p.AttemptID, autherr.New(autherr.ProviderError, msg))
	}
	if p.AttemptID == "" || p.Code == "" || p.State == "" {
		return CodeFlowSession{}, f.fail(p.AttemptID, autherr.New(autherr.InvalidRequest, "missing attempt, code or state"))
	}

	pa, err := f.pending.Consume(p.AttemptID)
	if err != nil {
		reason := "unknown authorization attempt"
		if errors.Is(err, store.ErrExpired) {
			reason = "authorization attempt expired"
		}
		return CodeFlowSession{}, f.fail(p.AttemptID, autherr.Wrap(autherr.InvalidRequest, reason, err))
	}

	if subtle.ConstantTimeCompare([]byte(p.State), []byte(pa.State)) != 1 {
		f.logger.Warn("callback.state_mismatch", "attempt_id", p.AttemptID)
		return CodeFlowSession{}, f.fail(p.AttemptID, autherr.New(autherr.StateMismatch, "state does not match the authorization request"))
	}

	tokens, err := f.provider.Exchange(ctx, p.Code, pa.CodeVerifier)
	if err != nil {
		f.logger.Error("callback.exchange_failed", "attempt_id", p.AttemptID, "error", err)
		return CodeFlowSession{}, f.fail(p.AttemptID, err)
	}
	if err := f.checkNonce(p.AttemptID, tokens, pa.Nonce); err != nil {
		return CodeFlowSession{}, f.fail(p.AttemptID, err)
	}
	if tokens.Claims == nil || tokens.Claims.Subject == "" {
		return CodeFlowSession{}, f.fail(p.AttemptID, autherr.New(autherr.InvalidAssertion, "provider response carried no identity token"))
	}

	sess, err := f.keeper.create(ctx, f.sessionFromTokens(tokens))
	if err != nil {
		return CodeFlowSession{}, f.fail(p.AttemptID, err)
	}
	f.logger.Info("callback.completed", "attempt_id", p.AttemptID, "state", StateExchanged, "session_id", sess.ID)
	return CodeFlowSession{Sess: sess, ReturnPath: pa.ReturnPath}, nil
}

// ExchangeCode is the client-driven variant of the callback: the caller
// holds the verifier and receives the provider tokens directly.
func (f *CodeFlow) ExchangeCode(ctx context.Context, code, codeVerifier, nonce string) (ProviderTokens, error) {
	if code == "" || codeVerifier == "" {
		return ProviderTokens{}, f.fail("", autherr.New(autherr.InvalidRequest, "code and codeVerifier are required"))
	}
	if !pkce.IsValidVerifier(codeVerifier) {
		return ProviderTokens{}, f.fail("", autherr.New(autherr.InvalidRequest, "codeVerifier is malformed"))
	}
	tokens, err := f.provider.Exchange(ctx, code, codeVerifier)
	if err != nil {
		return ProviderTokens{}, f.fail("", err)
	}
	if nonce != "" {
		if err := f.checkNonce("", tokens, nonce); err != nil {
			return ProviderTokens{}, f.fail("", err)
		}
	}
	return tokens, nil
}

// Session reports the code-flow session for id, refreshing it when due.
func (f *CodeFlow) Session(ctx context.Context, id string) (SessionStatus, error) {
	return f.keeper.check(ctx, id)
}

// Refresh renews the session in place, or deletes it when it has no
// refresh token.
func (f *CodeFlow) Refresh(ctx context.Context, id string) (store.Session, error) {
	return f.keeper.forceRefresh(ctx, id)
}

// Logout deletes the session; unknown ids are not an error.
func (f *CodeFlow) Logout(ctx context.Context, id string) error {
	return f.keeper.logout(ctx, id)
}

func (f *CodeFlow) checkNonce(attemptID string, tokens ProviderTokens, expected string) error {
	if tokens.Claims == nil || expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(tokens.Claims.Nonce), []byte(expected)) != 1 {
		f.logger.Warn("callback.nonce_mismatch", "attempt_id", attemptID)
		return autherr.New(autherr.NonceMismatch, "id_token nonce does not match the authorization request")
	}
	return nil
}

func (f *CodeFlow) sessionFromTokens(tokens ProviderTokens) store.Session {
	expiry := tokens.Expiry
	if expiry.IsZero() {
		expiry = f.now().Add(defaultTokenLifetime)
	}
	c := tokens.Claims
	return store.Session{
		SubjectID:                 c.Subject,
		Email:                     c.Email,
		DisplayName:               c.DisplayName(),
		ExternalUID:               c.Subject,
		CommerceAccessToken:       tokens.AccessToken,
		CommerceAccessTokenExpiry: expiry,
		CommerceRefreshToken:      tokens.RefreshToken,
		IDToken:                   tokens.IDToken,
	}
}

func (f *CodeFlow) refreshTokens(ctx context.Context, refreshToken string) (renewal, error) {
	tokens, err := f.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return renewal{}, err
	}
	expiry := tokens.Expiry
	if expiry.IsZero() {
		expiry = f.now().Add(defaultTokenLifetime)
	}
	return renewal{
		accessToken:  tokens.AccessToken,
		refreshToken: tokens.RefreshToken,
		idToken:      tokens.IDToken,
		expiry:       expiry,
	}, nil
}

func (f *CodeFlow) fail(attemptID string, err error) error {
	f.metrics.AuthFailure(string(store.FlowCode), string(autherr.CodeOf(err)))
	f.logger.Debug("authorize.failed", "attempt_id", attemptID, "state", StateFailed, "code", autherr.CodeOf(err))
	return err
}

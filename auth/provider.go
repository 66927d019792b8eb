package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"cdcgateway/autherr"
	"cdcgateway/client"
	"cdcgateway/pkce"
)

// IdentityProvider represents the behaviour the code flow needs from the CDC
// OpenID provider.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (ProviderTokens, error)
	Refresh(ctx context.Context, refreshToken string) (ProviderTokens, error)
}

// ProviderTokens is a token response from the provider. Claims is set when
// the response carried an ID token that passed verification.
type ProviderTokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Claims       *client.Claims
}

// ExpiresIn returns the remaining lifetime in whole seconds.
func (t ProviderTokens) ExpiresIn(now time.Time) int64 {
	if t.Expiry.IsZero() {
		return 0
	}
	secs := int64(t.Expiry.Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// ProviderConfig locates and authenticates against the provider.
type ProviderConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// CredentialsInBody sends client_id/client_secret as form fields instead
	// of HTTP Basic.
	CredentialsInBody bool
	HTTPClient        *http.Client
}

// OIDCProvider wraps discovery, the oauth2 config and the ID token verifier.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	logger      *slog.Logger
}

// CDCIssuer derives the OIDC issuer of a CDC site from its data center
// (us1, eu1, au1, ...) and API key.
func CDCIssuer(dataCenter, apiKey string) string {
	dc := strings.ToLower(strings.TrimSpace(dataCenter))
	if dc == "" {
		dc = "us1"
	}
	return fmt.Sprintf("https://fidm.%s.gigya.com/oidc/op/v1.0/%s", dc, strings.TrimSpace(apiKey))
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required for provider")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id required for provider")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Issuer, err)
	}

	endpoint := op.Endpoint()
	if cfg.CredentialsInBody || cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// AuthCodeURL constructs the authorization request carrying state, nonce
// and an S256 challenge.
func (p *OIDCProvider) AuthCodeURL(state, nonce, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
		)
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange redeems an authorization code with its PKCE verifier.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (ProviderTokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return ProviderTokens{}, tokenError("exchange code", err)
	}
	return p.tokens(ctx, tok)
}

// Refresh redeems a refresh token at the provider token endpoint.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (ProviderTokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return ProviderTokens{}, tokenError("refresh token", err)
	}
	out, err := p.tokens(ctx, tok)
	if err != nil {
		return ProviderTokens{}, err
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func (p *OIDCProvider) tokens(ctx context.Context, tok *oauth2.Token) (ProviderTokens, error) {
	out := ProviderTokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return out, nil
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderTokens{}, autherr.Wrap(autherr.InvalidAssertion, "id_token rejected", err)
	}
	var claims client.Claims
	if err := idToken.Claims(&claims); err != nil {
		return ProviderTokens{}, autherr.Wrap(autherr.InvalidAssertion, "parse id_token claims", err)
	}
	out.IDToken = rawIDToken
	out.Claims = &claims
	return out, nil
}

// tokenError classifies oauth2 failures: a token endpoint answer becomes
// ExchangeFailed with its status, anything else is Unavailable.
func tokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := http.StatusBadGateway
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		msg := rErr.ErrorCode
		if rErr.ErrorDescription != "" {
			msg += ": " + rErr.ErrorDescription
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		e := autherr.Exchange(status, msg)
		e.Cause = err
		return e
	}
	return autherr.Wrap(autherr.Unavailable, op, err)
}

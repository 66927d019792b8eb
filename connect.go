package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cdcgateway/auth"
	"cdcgateway/pkce"
	"cdcgateway/server"
)

const maxConnectRedirects = 10

func buildProvider(ctx context.Context, cfg server.Config, logger *slog.Logger) (auth.IdentityProvider, error) {
	return auth.NewOIDCProvider(ctx, auth.ProviderConfig{
		Issuer:            cfg.CDC.ResolvedIssuer(),
		ClientID:          cfg.CDC.ClientID,
		ClientSecret:      cfg.CDC.ClientSecret,
		RedirectURL:       cfg.ResolvedRedirectURL(),
		Scopes:            cfg.CDC.Scopes,
		CredentialsInBody: cfg.CDC.CredentialsInBody,
	}, logger)
}

// runConnect builds a real PKCE authorization URL and follows it until the
// provider's login page answers. Nothing is persisted; the verifier is
// discarded.
func runConnect(ctx context.Context, logger *slog.Logger, provider auth.IdentityProvider, httpClient *http.Client) error {
	if provider == nil {
		return errors.New("no identity provider configured")
	}

	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
	if err != nil {
		return err
	}
	state, err := pkce.GenerateState()
	if err != nil {
		return err
	}
	nonce, err := pkce.GenerateNonce()
	if err != nil {
		return err
	}
	authURL := provider.AuthCodeURL(state, nonce, pkce.DeriveChallenge(verifier))
	logger.Info("connect.authorize_url", "url", authURL, "hint", "open this URL in a browser to try an interactive login")

	client := &http.Client{Timeout: 30 * time.Second}
	if httpClient != nil {
		copied := *httpClient
		client = &copied
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Debug("connect.redirect", "hop", len(via), "url", req.URL.Redacted())
		if len(via) >= maxConnectRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("build authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	final := resp.Request.URL.Redacted()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("authorize endpoint answered %s at %s", resp.Status, final)
	}
	logger.Info("connect.login_page", "status", resp.StatusCode, "url", final)
	return nil
}

type probeTarget struct {
	name string
	url  string
}

// probeTargets lists the upstream endpoints the gateway depends on.
func probeTargets(cfg server.Config) []probeTarget {
	targets := []probeTarget{
		{name: "cdc_discovery", url: strings.TrimSuffix(cfg.CDC.ResolvedIssuer(), "/") + "/.well-known/openid-configuration"},
		{name: "cdc_jwks", url: cfg.CDC.ResolvedJWKSURL()},
	}
	if cfg.Commerce.TokenURL != "" {
		targets = append(targets, probeTarget{name: "commerce_token", url: cfg.Commerce.TokenURL})
	}
	return targets
}

// probeAll checks every target and reports the failures. It never aborts
// early so a single run lists everything that is unreachable.
func probeAll(ctx context.Context, cfg server.Config, logger *slog.Logger) []error {
	var failed []error
	for _, t := range probeTargets(cfg) {
		if err := validateURL(ctx, t.url); err != nil {
			logger.Warn("probe.unreachable", "target", t.name, "url", t.url, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		logger.Debug("probe.ok", "target", t.name, "url", t.url)
	}
	return failed
}

// validateStartupURLs only warns; the gateway still starts when an upstream
// is down.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if failed := probeAll(ctx, cfg, logger); len(failed) > 0 {
		logger.Warn("startup.upstreams_unreachable", "count", len(failed), "note", "logins will fail until these recover")
	}
}

// validateURL treats any response below 500 as reachable: token endpoints
// answer GET with 400 or 405.
func validateURL(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

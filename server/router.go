package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	// Authorization-code flow
	r.Post("/authorize", a.handleAuthorize)
	r.Get("/callback", a.handleCallback)
	r.Post("/token/exchange", a.handleTokenExchange)
	r.Get("/session", a.handleSession)
	r.Post("/refresh", a.handleRefresh)
	r.Post("/logout", a.handleLogout)

	// JWT-bearer flow
	r.Route("/bearer", func(r chi.Router) {
		r.Post("/login", a.handleBearerLogin)
		r.Get("/session", a.handleBearerSession)
		r.Post("/refresh", a.handleBearerRefresh)
		r.Post("/logout", a.handleBearerLogout)
	})

	r.Post("/cdc/signature/verify", a.handleVerifySignature)

	return r
}

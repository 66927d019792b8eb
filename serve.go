package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"cdcgateway/server"
)

const shutdownTimeout = 15 * time.Second

type listener struct {
	name   string
	srv    *http.Server
	listen func() error
}

// serve runs the gateway until ctx is cancelled or a listener fails. The
// sweep janitor shares the same lifetime.
func serve(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancel()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("app.close", "error", err)
		}
	}()

	servers := listeners(cfg, app.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Janitor().Run(gctx)
	})
	for _, l := range servers {
		g.Go(func() error {
			logger.Info("server.listening", "listener", l.name, "addr", l.srv.Addr, "dev", cfg.Server.DevMode)
			if err := l.listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, l := range servers {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.name, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// listeners returns a single plain listener in dev mode. Otherwise it serves
// TLS with ACME certificates and redirects plain HTTP, answering the ACME
// http-01 challenge on the way.
func listeners(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		return []listener{{name: "dev", srv: srv, listen: srv.ListenAndServe}}
	}

	certs := &autocert.Manager{
		Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	redirect := &http.Server{
		Addr:              cfg.Server.HTTPListenAddr,
		Handler:           certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	secure := &http.Server{
		Addr:    cfg.Server.HTTPSListenAddr,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: certs.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		},
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return []listener{
		{name: "http-redirect", srv: redirect, listen: redirect.ListenAndServe},
		{name: "https", srv: secure, listen: func() error { return secure.ListenAndServeTLS("", "") }},
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

package server

import (
	"net/url"
	"strings"
)

// safeReturnPath accepts only same-origin relative paths. Anything else
// (absolute URLs, protocol-relative "//host", backslashes, control bytes)
// collapses to "/".
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	if strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	for _, c := range p {
		if c < 0x20 || c == 0x7f {
			return "/"
		}
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return p
}

// frontendURL joins the configured frontend origin with a safe path and
// optional query parameters.
func (a *App) frontendURL(path string, query url.Values) string {
	base := strings.TrimSuffix(a.Config.Server.FrontendURL, "/")
	target := base + safeReturnPath(path)
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	return target
}

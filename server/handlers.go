package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"cdcgateway/auth"
	"cdcgateway/autherr"
	"cdcgateway/store"
)

type authorizeRequest struct {
	ReturnTo string `json:"returnTo"`
}

type authorizeResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	Nonce            string `json:"nonce"`
}

type tokenExchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	Nonce        string `json:"nonce"`
}

type tokenExchangeResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	User          *auth.User `json:"user,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	if req.ReturnTo == "" {
		req.ReturnTo = r.URL.Query().Get("returnTo")
	}

	ar, err := a.Code.RequestAuthorization(r.Context(), safeReturnPath(req.ReturnTo))
	if err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	a.Sessions.SetAttempt(w, ar.AttemptID)
	logAttrs(r.Context(), "attempt_id", ar.AttemptID)

	writeJSON(w, http.StatusOK, authorizeResponse{
		AuthorizationURL: ar.URL,
		State:            ar.State,
		Nonce:            ar.Nonce,
	})
}

// handleCallback always answers with a redirect to the frontend: the
// session cookie and return path on success, the error path otherwise.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := auth.CallbackParams{
		AttemptID:        a.Sessions.Read(r, AttemptCookie),
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	a.Sessions.Clear(w, AttemptCookie)
	logAttrs(r.Context(), "attempt_id", params.AttemptID)

	out, err := a.Code.HandleCallback(r.Context(), params)
	if err != nil {
		code := autherr.CodeOf(err)
		a.Logger.Warn("callback failed", "request_id", RequestIDFromContext(r.Context()), "code", code, "error", err)
		query := url.Values{"error": {string(code)}}
		if code == autherr.ProviderError {
			query.Set("provider_error", params.Error)
		}
		http.Redirect(w, r, a.frontendURL(a.Config.Server.ErrorPath, query), http.StatusFound)
		return
	}

	a.Sessions.Create(w, out)
	logAttrs(r.Context(), "user_sub", out.Sess.SubjectID, "session_flow", out.Sess.Flow)

	target := out.ReturnPath
	if target == "" || target == "/" {
		target = a.Config.Server.SuccessPath
	}
	http.Redirect(w, r, a.frontendURL(target, nil), http.StatusFound)
}

func (a *App) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req tokenExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, a.Logger, err)
		return
	}

	tokens, err := a.Code.ExchangeCode(r.Context(), req.Code, req.CodeVerifier, req.Nonce)
	if err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	if tokens.Claims != nil {
		logAttrs(r.Context(), "user_sub", tokens.Claims.Subject)
	}

	writeJSON(w, http.StatusOK, tokenExchangeResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn(a.now()),
	})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	a.checkSession(w, r, CodeSessionCookie, a.Code.Session)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.refreshSession(w, r, CodeSessionCookie, a.Code.Refresh)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := a.Sessions.Read(r, CodeSessionCookie); id != "" {
		if err := a.Code.Logout(r.Context(), id); err != nil {
			writeError(w, r, a.Logger, err)
			return
		}
	}
	a.Sessions.Clear(w, CodeSessionCookie)
	writeJSON(w, http.StatusOK, okMessage("logged out"))
}

// checkSession answers {authenticated, user?} and drops the cookie of a
// session that no longer authenticates.
func (a *App) checkSession(w http.ResponseWriter, r *http.Request, cookie string, check func(ctx context.Context, id string) (auth.SessionStatus, error)) {
	id := a.Sessions.Read(r, cookie)
	if id == "" {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	status, err := check(r.Context(), id)
	if err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	if !status.Authenticated {
		a.Sessions.Clear(w, cookie)
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	user := auth.UserFromSession(status.Session)
	expires := status.Session.CommerceAccessTokenExpiry
	logAttrs(r.Context(), "user_sub", user.Subject, "refreshed", status.Refreshed)
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: &user, ExpiresAt: &expires})
}

func (a *App) refreshSession(w http.ResponseWriter, r *http.Request, cookie string, refresh func(ctx context.Context, id string) (store.Session, error)) {
	id := a.Sessions.Read(r, cookie)
	if id == "" {
		writeError(w, r, a.Logger, autherr.New(autherr.SessionExpired, "no active session"))
		return
	}
	if _, err := refresh(r.Context(), id); err != nil {
		if autherr.HasCode(err, autherr.SessionExpired) {
			a.Sessions.Clear(w, cookie)
		}
		writeError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, okMessage("session refreshed"))
}

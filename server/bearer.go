package server

import (
	"net/http"

	"cdcgateway/auth"
	"cdcgateway/client"
)

type bearerLoginRequest struct {
	JWT string `json:"jwt"`
}

type bearerLoginResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	User      auth.User `json:"user"`
}

func (a *App) handleBearerLogin(w http.ResponseWriter, r *http.Request) {
	var req bearerLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	if req.JWT == "" {
		req.JWT = client.StripBearer(r.Header.Get("Authorization"))
	}

	out, err := a.Bearer.Login(r.Context(), req.JWT)
	if err != nil {
		writeError(w, r, a.Logger, err)
		return
	}

	a.Sessions.Create(w, out)
	logAttrs(r.Context(), "user_sub", out.Sess.SubjectID, "session_flow", out.Sess.Flow)
	writeJSON(w, http.StatusOK, bearerLoginResponse{
		Success:   true,
		SessionID: out.Sess.ID,
		User:      auth.UserFromSession(out.Sess),
	})
}

func (a *App) handleBearerSession(w http.ResponseWriter, r *http.Request) {
	a.checkSession(w, r, BearerSessionCookie, a.Bearer.Session)
}

func (a *App) handleBearerRefresh(w http.ResponseWriter, r *http.Request) {
	a.refreshSession(w, r, BearerSessionCookie, a.Bearer.Refresh)
}

// handleBearerLogout ends the current session, or with ?all=true every
// session of the same subject.
func (a *App) handleBearerLogout(w http.ResponseWriter, r *http.Request) {
	id := a.Sessions.Read(r, BearerSessionCookie)
	all := parseBool(r.URL.Query().Get("all"), false)

	msg := okMessage("logged out")
	if id != "" {
		if all {
			n, err := a.Bearer.LogoutEverywhere(r.Context(), id)
			if err != nil {
				writeError(w, r, a.Logger, err)
				return
			}
			msg = okMessage("logged out of %d sessions", n)
		} else if err := a.Bearer.Logout(r.Context(), id); err != nil {
			writeError(w, r, a.Logger, err)
			return
		}
	}
	a.Sessions.Clear(w, BearerSessionCookie)
	writeJSON(w, http.StatusOK, msg)
}

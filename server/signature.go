package server

import (
	"net/http"

	"cdcgateway/autherr"
	"cdcgateway/cdc"
)

type verifySignatureRequest struct {
	UID                string `json:"UID"`
	UIDSignature       string `json:"UIDSignature"`
	SignatureTimestamp string `json:"signatureTimestamp"`
}

type verifySignatureResponse struct {
	Valid   bool         `json:"valid"`
	Error   string       `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
	Account *cdc.Account `json:"account,omitempty"`
}

// handleVerifySignature checks a CDC UID signature made with the partner
// secret and, when configured, returns the matching account.
func (a *App) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	if a.Signatures == nil {
		writeError(w, r, a.Logger, autherr.New(autherr.Unavailable, "signature verification is not configured"))
		return
	}

	var req verifySignatureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, a.Logger, err)
		return
	}
	if req.UID == "" || req.UIDSignature == "" || req.SignatureTimestamp == "" {
		writeError(w, r, a.Logger, autherr.New(autherr.InvalidRequest, "UID, UIDSignature and signatureTimestamp are required"))
		return
	}
	logAttrs(r.Context(), "user_sub", req.UID)

	if !a.Signatures.ValidateUserSignature(req.UID, req.SignatureTimestamp, req.UIDSignature, a.Config.CDC.SignatureMaxAge) {
		a.Logger.Warn("signature.rejected", "uid", req.UID, "timestamp", req.SignatureTimestamp)
		a.Metrics.AuthFailure("signature", string(autherr.InvalidAssertion))
		writeJSON(w, http.StatusUnauthorized, verifySignatureResponse{
			Error:   string(autherr.InvalidAssertion),
			Message: "signature is invalid or expired",
		})
		return
	}

	resp := verifySignatureResponse{Valid: true}
	if a.Config.CDC.EnrichAccounts && a.Accounts != nil {
		acc, err := a.Accounts.GetAccountInfo(r.Context(), req.UID)
		if err != nil {
			a.Logger.Warn("signature.account_lookup_failed", "uid", req.UID, "error", err)
		} else {
			resp.Account = &acc
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

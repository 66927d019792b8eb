package cdc

import (
	"net/url"
	"strings"
)

// JWTIssuer is the iss claim of JWTs minted by accounts.getJWT for a site.
func JWTIssuer(apiKey string) string {
	return "https://fidm.gigya.com/jwt/" + strings.TrimSpace(apiKey) + "/"
}

// JWKSURL is the site's public key set in JWKS form.
func JWKSURL(dataCenter, apiKey string) string {
	q := url.Values{}
	q.Set("V2", "true")
	q.Set("apiKey", strings.TrimSpace(apiKey))
	return "https://accounts." + DataCenterDomain(dataCenter) + "/accounts.getJWTPublicKey?" + q.Encode()
}

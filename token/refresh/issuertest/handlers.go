package issuertest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const contentTypeJSON = "application/json; charset=utf-8"

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken      *string `json:"access_token,omitempty"`
	TokenType        string  `json:"token_type,omitempty"`
	ExpiresIn        int     `json:"expires_in,omitempty"`
	RefreshToken     *string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int     `json:"refresh_expires_in,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (i *Issuer) discovery(w http.ResponseWriter, r *http.Request) {
	baseURL := i.server.URL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                baseURL,
		"authorization_endpoint":                baseURL + "/oauth2/authorize",
		"token_endpoint":                        baseURL + RouteToken,
		"userinfo_endpoint":                     baseURL + RouteUserInfo,
		"jwks_uri":                              baseURL + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
	})
}

// token implements the refresh_token grant: the presented token must be
// known and unexpired, and is replaced by a new one when rotating.
func (i *Issuer) token(w http.ResponseWriter, r *http.Request) {
	i.tokenCalls.Add(1)
	if i.unavailable.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily_unavailable"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "invalid_request"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: err.Error()})
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported_grant_type"})
		return
	}

	presented := r.PostForm.Get("refresh_token")
	i.lock.RLock()
	rt, ok := i.tokens[presented]
	i.lock.RUnlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: "invalid refresh token"})
		return
	}
	if i.nowFunc().Sub(rt.Iat) > i.refreshTTL {
		i.Revoke(presented)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_grant", ErrorDescription: "refresh token expired"})
		return
	}

	accessToken, err := i.createAccessToken(rt.UserID, rt.ClientID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error"})
		return
	}
	resp := TokenResponse{
		AccessToken: &accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(i.accessTTL.Seconds()),
	}
	if i.rotate {
		i.Revoke(presented)
		next := i.createRefreshToken(rt.UserID, rt.ClientID)
		resp.RefreshToken = &next
		resp.RefreshExpiresIn = int(i.refreshTTL.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireAuth validates the bearer access token's signature and expiry.
func (i *Issuer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", ErrorDescription: "missing bearer token"})
			return
		}
		token, err := i.verify(parts[1])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", ErrorDescription: "invalid token"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, token.Claims)))
	}
}

type claimsKey struct{}

func (i *Issuer) userInfo(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey{}).(jwt.MapClaims)
	writeJSON(w, http.StatusOK, map[string]any{"sub": claims["sub"], "role": claims["role"]})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

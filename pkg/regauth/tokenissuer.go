package regauth

import (
	"encoding/json"
	"net/http"
	"time"
)

// TokenIssuer implements GET /auth/token (the Docker token-auth
// handshake), grounded on the teacher's auth.TokenHandler: it accepts
// HTTP Basic credentials, verifies them against UserStore, and
// returns a bearer JWT an AuthAdapter built with the same JWTSecret
// will accept. It is a SUPPLEMENTED FEATURE — spec.md's AuthAdapter
// only specifies authenticate()/authorize()/challenge(), not how a
// client obtains a token in the first place, which a runnable engine
// still needs an endpoint for.
type TokenIssuer struct {
	users     *UserStore
	jwtSecret string
	ttl       time.Duration
}

// NewTokenIssuer builds a TokenIssuer. users may be nil: requests
// without Basic credentials then still get an "anonymous" token, and
// requests with Basic credentials are rejected with 401.
func NewTokenIssuer(users *UserStore, jwtSecret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{users: users, jwtSecret: jwtSecret, ttl: ttl}
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// ServeHTTP handles GET /auth/token: Basic-auth credentials in, a
// bearer JWT out. The "scope" query parameter is accepted but not
// otherwise interpreted here — per-repository action authorization is
// still enforced by Adapter.Authorize on every subsequent request, so
// a token is never itself a capability grant.
func (t *TokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectName := "anonymous"

	if username, password, ok := r.BasicAuth(); ok {
		if t.users == nil {
			http.Error(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication not configured"}]}`, http.StatusUnauthorized)
			return
		}
		subject, err := t.users.Verify(r.Context(), username, password)
		if err != nil {
			w.Header().Set("Www-Authenticate", `Basic realm="registryd"`)
			http.Error(w, `{"errors":[{"code":"UNAUTHORIZED","message":"invalid credentials"}]}`, http.StatusUnauthorized)
			return
		}
		subjectName = subject.Name
	}

	tokenString, err := signToken([]byte(t.jwtSecret), subjectName, t.ttl)
	if err != nil {
		http.Error(w, `{"errors":[{"code":"UNKNOWN","message":"token signing failed"}]}`, http.StatusInternalServerError)
		return
	}

	resp := tokenResponse{
		Token:       tokenString,
		AccessToken: tokenString,
		ExpiresIn:   int(t.ttl.Seconds()),
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

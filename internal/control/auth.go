package control

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return e.Message
}

// Authenticator checks the bearer token on privileged control endpoints.
// With no token configured every privileged request is refused.
type Authenticator struct {
	token string
}

func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: strings.TrimSpace(token)}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && a.token != ""
}

func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return &AuthError{Status: http.StatusServiceUnavailable, Message: "control token not configured"}
	}
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || token == "" {
		return &AuthError{Status: http.StatusUnauthorized, Message: "token required"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return &AuthError{Status: http.StatusUnauthorized, Message: "token invalid"}
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

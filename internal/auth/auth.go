// Package auth authenticates internal control calls (start/stop, events)
// against the shared runner control secret.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// SecretHeader carries the control secret on start/stop requests.
const SecretHeader = "X-Runner-Secret"

var (
	// ErrUnauthorized means the presented secret is absent or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMisconfigured means no control secret is configured.
	ErrMisconfigured = errors.New("control secret not configured")
)

// SecretVerifier compares presented secrets to the configured control secret.
type SecretVerifier struct {
	secret string
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: secret}
}

// Verify checks a presented header value.
func (v *SecretVerifier) Verify(presented string) error {
	if v == nil || v.secret == "" {
		return ErrMisconfigured
	}
	if !constantTimeEqual(presented, v.secret) {
		return ErrUnauthorized
	}
	return nil
}

// VerifyRequest reads the secret from r and verifies it.
func (v *SecretVerifier) VerifyRequest(r *http.Request) error {
	return v.Verify(ExtractSecret(r))
}

// ExtractSecret returns the X-Runner-Secret header, falling back to an
// Authorization: Bearer token for callers that cannot set custom headers.
func ExtractSecret(r *http.Request) string {
	if s := r.Header.Get(SecretHeader); s != "" {
		return s
	}
	token, err := ExtractBearerToken(r)
	if err != nil {
		return ""
	}
	return token
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

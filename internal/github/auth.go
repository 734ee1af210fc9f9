package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/runnerctl/internal/clock"
)

// tokenRotationMargin is how far before expiry installation tokens are
// replaced. Tokens live for one hour.
const tokenRotationMargin = 5 * time.Minute

// authenticator yields Authorization header values.
type authenticator interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

type tokenAuth struct {
	header string
}

func newTokenAuth(token string) *tokenAuth {
	return &tokenAuth{header: "Bearer " + token}
}

func (a *tokenAuth) AuthorizationHeader(context.Context) (string, error) {
	return a.header, nil
}

// appAuth authenticates as a GitHub App installation: an RS256 JWT signed
// with the App key is exchanged for an installation token, cached until
// shortly before it expires.
type appAuth struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	clock          clock.Clock
	httpClient     *http.Client
	baseURL        string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAppAuth(appID, installationID int64, privateKeyPEM string, clk clock.Clock, httpClient *http.Client, baseURL string) (*appAuth, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &appAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		clock:          clk,
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
	}, nil
}

// parsePrivateKey accepts PKCS1 or PKCS8 PEM. Literal "\n" sequences, as
// left by single-line environment variables, are expanded first.
func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("decode app private key: no PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("parse app private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("app private key is not RSA")
	}
	return rsaKey, nil
}

func (a *appAuth) AuthorizationHeader(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.clock.Now().Before(a.expiresAt.Add(-tokenRotationMargin)) {
		return "Bearer " + a.token, nil
	}

	token, expiresAt, err := a.rotate(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expiresAt = expiresAt
	return "Bearer " + token, nil
}

// rotate must be called with a.mu held.
func (a *appAuth) rotate(ctx context.Context) (string, time.Time, error) {
	jwt, err := a.signJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign app jwt: %w", err)
	}

	url := a.baseURL + "/app/installations/" + strconv.FormatInt(a.installationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, fmt.Errorf("token exchange returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token exchange response: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, fmt.Errorf("token exchange returned empty token")
	}
	return result.Token, result.ExpiresAt, nil
}

// signJWT returns a ten-minute RS256 App JWT. iat is backdated a minute for
// clock skew.
func (a *appAuth) signJWT() (string, error) {
	now := a.clock.Now()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, err := json.Marshal(struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}{
		IssuedAt:  now.Add(-60 * time.Second).Unix(),
		ExpiresAt: now.Add(10 * time.Minute).Unix(),
		Issuer:    strconv.FormatInt(a.appID, 10),
	})
	if err != nil {
		return "", err
	}

	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claims)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// authTransport sets Authorization on every request. It runs beneath the
// go-gh header round tripper, so its value wins.
type authTransport struct {
	auth authenticator
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	header, err := t.auth.AuthorizationHeader(req.Context())
	if err != nil {
		return nil, fmt.Errorf("github auth: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", header)
	return t.base.RoundTrip(clone)
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
)

// SignatureHeader carries the body signature on GitHub deliveries.
const SignatureHeader = "X-Hub-Signature-256"

const signatureAlgorithm = "sha256"

// SignatureVerifier checks X-Hub-Signature-256 values against a shared secret.
type SignatureVerifier struct {
	secret []byte
	logger *slog.Logger
}

// NewSignatureVerifier returns a verifier for secret. An empty secret makes
// every verification fail.
func NewSignatureVerifier(secret string, logger *slog.Logger) *SignatureVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureVerifier{
		secret: []byte(secret),
		logger: logger,
	}
}

// Verify reports whether header is a valid "sha256=<hex>" signature of body.
func (v *SignatureVerifier) Verify(body []byte, header string) bool {
	if header == "" {
		v.logger.Warn("webhook signature missing", "header", SignatureHeader)
		return false
	}
	if len(v.secret) == 0 {
		v.logger.Error("webhook secret not configured")
		return false
	}

	algorithm, signature, ok := strings.Cut(header, "=")
	if !ok {
		v.logger.Warn("webhook signature header malformed")
		return false
	}
	if algorithm != signatureAlgorithm {
		v.logger.Warn("webhook signature algorithm unsupported", "algorithm", algorithm)
		return false
	}

	expected := computeSignature(body, v.secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		v.logger.Warn("webhook signature mismatch")
		return false
	}
	return true
}

// Sign returns the X-Hub-Signature-256 value GitHub would send for body.
func Sign(body []byte, secret string) string {
	return signatureAlgorithm + "=" + computeSignature(body, []byte(secret))
}

func computeSignature(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

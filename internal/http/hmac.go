package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Clickgate-Signature"

// HMACAuth authenticates the edge router calling /validate. The signing key
// is derived from the shared secret so the raw secret never keys a MAC.
type HMACAuth struct {
	key    []byte
	logger *slog.Logger
}

// NewHMACAuth returns nil for an empty secret, which disables verification.
func NewHMACAuth(secret string, logger *slog.Logger) *HMACAuth {
	if secret == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HMACAuth{
		key:    deriveKey([]byte(secret)),
		logger: logger.With("component", "hmac"),
	}
}

func deriveKey(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("clickgate-validate-signing-key"))
	return mac.Sum(nil)
}

// Sign returns the signature a caller must send for body.
func (h *HMACAuth) Sign(body []byte) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the provided signature in constant time. A nil receiver
// accepts everything.
func (h *HMACAuth) Verify(provided string, body []byte) bool {
	if h == nil {
		return true
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		h.logger.Warn("signature verification failed: missing " + SignatureHeader)
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		h.logger.Warn("signature verification failed: malformed signature")
		return false
	}
	want, _ := hex.DecodeString(h.Sign(body))
	if !hmac.Equal(got, want) {
		h.logger.Warn("signature verification failed: mismatch")
		return false
	}
	return true
}

// Package security is the authenticity filter that stands between the raw
// webhook archive and the ingestion engine: HMAC-SHA256
// signature verification, timestamp freshness, and nonce-replay rejection.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

)

// NonceReserver is the subset of internal/kv.Store that nonce-replay
// rejection needs. Declared locally so Verifier can be tested against a
// fake without a real Redis connection.
type NonceReserver interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Signature-Timestamp"
	headerNonce     = "X-Nonce"

	nonceKeyPrefix = "webhook:nonce:"
)

// Reason tags the specific way verification failed, for logging and for
// the raw-archive rejection reason column. These are not returned to the
// caller; the HTTP surface collapses them to a bare 401, or a bare 400 when
// VerifyError.Malformed is set (an unparseable timestamp).
type Reason string

const (
	ReasonMissingHeaders  Reason = "missing_headers"
	ReasonBadTimestamp    Reason = "bad_timestamp"
	ReasonStale           Reason = "stale_timestamp"
	ReasonNonceReplay     Reason = "nonce_replay"
	ReasonBadSignature    Reason = "bad_signature"
)

// VerifyError carries the reason a request failed authenticity checks, and
// whether it should surface as 400 (malformed) or 401 (authenticity) to the
// caller.
type VerifyError struct {
	Reason     Reason
	Malformed  bool
	wrapped    error
}

func (e *VerifyError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("security: %s: %v", e.Reason, e.wrapped)
	}
	return fmt.Sprintf("security: %s", e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.wrapped }

func newVerifyError(reason Reason, malformed bool, wrapped error) *VerifyError {
	return &VerifyError{Reason: reason, Malformed: malformed, wrapped: wrapped}
}

// Config configures the authenticity filter.
type Config struct {
	Secret          []byte
	FreshnessWindow time.Duration // default 300s
	NonceTTL        time.Duration // default equals FreshnessWindow
}

// Verifier runs the six-step authenticity check on inbound webhooks.
type Verifier struct {
	secret    []byte
	freshness time.Duration
	nonceTTL  time.Duration
	nonces    NonceReserver
}

// NewVerifier builds a Verifier. ValidateSecret must be called (and must
// succeed) before a Verifier backed by this secret is put into service.
func NewVerifier(cfg Config, nonces NonceReserver) *Verifier {
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = 300 * time.Second
	}
	nonceTTL := cfg.NonceTTL
	if nonceTTL <= 0 {
		nonceTTL = freshness
	}
	return &Verifier{secret: cfg.Secret, freshness: freshness, nonceTTL: nonceTTL, nonces: nonces}
}

// Verify runs the full six-step check against a buffered request body.
// The body must already be fully read by the caller (it is re-used
// downstream by the ingestion engine, so callers must not pass a
// once-readable io.Reader here).
func (v *Verifier) Verify(ctx context.Context, header http.Header, body []byte) error {
	signature := strings.TrimSpace(header.Get(headerSignature))
	timestampStr := strings.TrimSpace(header.Get(headerTimestamp))
	nonce := strings.TrimSpace(header.Get(headerNonce))

	if signature == "" || timestampStr == "" || nonce == "" {
		return newVerifyError(ReasonMissingHeaders, false, nil)
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return newVerifyError(ReasonBadTimestamp, true, err)
	}

	now := time.Now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.freshness {
		return newVerifyError(ReasonStale, false, nil)
	}

	reserved, err := v.nonces.SetNX(ctx, nonceKeyPrefix+nonce, v.nonceTTL)
	if err != nil {
		return fmt.Errorf("security: nonce reservation: %w", err)
	}
	if !reserved {
		return newVerifyError(ReasonNonceReplay, false, nil)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestampStr))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) != len(expected) || subtle.ConstantTimeCompare(provided, expected) != 1 {
		return newVerifyError(ReasonBadSignature, false, nil)
	}

	return nil
}

// weakDefaults is the startup blacklist of secrets that must never be
// accepted, however long they happen to be.
var weakDefaults = map[string]bool{
	"changeme":                        true,
	"secret":                          true,
	"password":                        true,
	"development":                     true,
	"00000000000000000000000000000000": true,
}

// ValidateSecret enforces the startup invariant on the HMAC key: the
// secret must be present, at least 32 bytes, and not a known weak default.
// Called once from cmd/chain-monitor/main.go before the server starts
// listening; failure is fatal.
func ValidateSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("security: hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	if weakDefaults[strings.ToLower(secret)] {
		return fmt.Errorf("security: hmac secret matches a known weak default")
	}
	return nil
}

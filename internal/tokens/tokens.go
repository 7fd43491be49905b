// Package tokens implements the token service: RSA-4096/RS256
// session tokens bound to a per-session fingerprint split between an
// HttpOnly cookie and the token claims, with a revocation denylist.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FingerprintCookieName is the HttpOnly cookie that carries the raw,
// per-session fingerprint; only its SHA-256 digest ever appears in the
// token claims or anywhere server-persisted.
const FingerprintCookieName = "cm_fp"

// clockSkew is the verification-time tolerance on issued-at/expiry.
const clockSkew = 60 * time.Second

// Claims is the JWT claim set for a session token.
type Claims struct {
	Role            string `json:"role"`
	FingerprintHash string `json:"fph"`
	jwt.RegisteredClaims
}

// Revoker is the subset of the revocation store the Verifier consults on
// every request.
type Revoker interface {
	IsRevoked(ctx context.Context, digest string) (bool, error)
}

// Config configures the Issuer/Verifier pair.
type Config struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	KeyID      string
	Issuer     string
	Expiration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Expiration == 0 {
		c.Expiration = 15 * time.Minute
	}
	if c.Issuer == "" {
		c.Issuer = "chain-monitor"
	}
	return c
}

// Issuer mints session tokens.
type Issuer struct {
	cfg Config
}

// NewIssuer builds an Issuer.
func NewIssuer(cfg Config) *Issuer {
	return &Issuer{cfg: cfg.withDefaults()}
}

// Issued is the pair of values a successful login hands back to the
// transport: the bearer token and the raw fingerprint to deliver as an
// HttpOnly cookie. The two must travel over different channels for
// fingerprint binding to mean anything.
type Issued struct {
	Token       string
	Fingerprint string
	ExpiresAt   time.Time
}

// Issue mints a token for subjectEmail with role, generating a fresh
// per-session fingerprint.
func (iss *Issuer) Issue(subjectEmail, role string) (*Issued, error) {
	fingerprint, err := newFingerprint()
	if err != nil {
		return nil, fmt.Errorf("tokens: generate fingerprint: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(iss.cfg.Expiration)

	claims := &Claims{
		Role:            role,
		FingerprintHash: hashFingerprint(fingerprint),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectEmail,
			Issuer:    iss.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if iss.cfg.KeyID != "" {
		token.Header["kid"] = iss.cfg.KeyID
	}

	signed, err := token.SignedString(iss.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tokens: sign: %w", err)
	}

	return &Issued{Token: signed, Fingerprint: fingerprint, ExpiresAt: expiresAt}, nil
}

// Verifier validates session tokens on every authenticated request.
type Verifier struct {
	cfg     Config
	revoker Revoker
}

// NewVerifier builds a Verifier.
func NewVerifier(cfg Config, revoker Revoker) *Verifier {
	return &Verifier{cfg: cfg.withDefaults(), revoker: revoker}
}

// ErrInvalid is returned for every verification failure; no
// distinguishing signal is returned to unauthenticated callers, so a
// single sentinel (wrapped for internal logging only) is deliberate.
var ErrInvalid = fmt.Errorf("tokens: invalid session")

// Verify validates tokenString's signature, issuer, and expiration (with
// clock skew tolerance), re-hashes cookieFingerprint and compares it to
// the claim in constant time, and checks the token's whole-token digest
// against the revocation denylist.
func (v *Verifier) Verify(ctx context.Context, tokenString, cookieFingerprint string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalid
		}
		return v.cfg.PublicKey, nil
	}, jwt.WithLeeway(clockSkew), jwt.WithIssuer(v.cfg.Issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalid
	}

	if cookieFingerprint == "" {
		return nil, ErrInvalid
	}
	want := hashFingerprint(cookieFingerprint)
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.FingerprintHash)) != 1 {
		return nil, ErrInvalid
	}

	digest := Digest(tokenString)
	if v.revoker != nil {
		revoked, err := v.revoker.IsRevoked(ctx, digest)
		if err != nil {
			return nil, fmt.Errorf("tokens: check revocation: %w", err)
		}
		if revoked {
			return nil, ErrInvalid
		}
	}

	return claims, nil
}

// Digest returns the SHA-256 hex digest of a whole token, the key used
// throughout the revocation denylist.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hashFingerprint(fp string) string {
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:])
}

func newFingerprint() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

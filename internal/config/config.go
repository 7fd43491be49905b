// Package config loads the service's typed configuration surface on top
// of infrastructure/config's generic env/secret helpers.
package config

import (
	"fmt"
	"time"

	infraconfig "github.com/r3e-network/chain-monitor/infrastructure/config"
)

// HMAC configures the webhook authenticity filter (internal/security).
type HMAC struct {
	Secret          string
	FreshnessWindow time.Duration
}

// RateLimit configures internal/ratelimit.
type RateLimit struct {
	RequestsPerMinute int
}

// Token configures internal/tokens.
type Token struct {
	PrivateKeyPath string
	PublicKeyPath  string
	KeyID          string
	Expiration     time.Duration
	Issuer         string
}

// Notifications configures the email delivery channel (internal/dispatch).
type Notifications struct {
	EmailEnabled bool
	EmailFrom    string
	EmailHost    string
	EmailPort    int
}

// Dispatch configures internal/dispatch.Dispatcher's retry policy.
type Dispatch struct {
	MaxAttempts   int
	BackoffBaseMs int
}

// Circuit configures internal/dispatch.Dispatcher's per-channel breaker.
type Circuit struct {
	Window         int
	FailureRatePct int
	CoolOff        time.Duration
}

// KV configures the shared ephemeral store connection (internal/kv).
type KV struct {
	URL      string
	Password string
	NonceTTL time.Duration
}

// DB configures the durable store connection (internal/chain and friends).
type DB struct {
	URL            string
	MigrationsPath string
}

// DLQ configures the dead-letter staleness report.
type DLQ struct {
	StalenessWarn time.Duration
}

// Config is the fully-loaded, typed configuration surface.
type Config struct {
	Addr          string
	HMAC          HMAC
	RateLimit     RateLimit
	Token         Token
	Notifications Notifications
	Dispatch      Dispatch
	Circuit       Circuit
	KV            KV
	DB            DB
	DLQ           DLQ
}

// Load reads every recognized option from environment variables (secrets
// through infrastructure/config's EnvOrSecret helpers, which read the
// environment only, not files), applying documented defaults.
func Load() (*Config, error) {
	secret, err := infraconfig.EnvOrSecretBytes("HMAC_SECRET")
	if err != nil {
		return nil, fmt.Errorf("config: hmac secret: %w", err)
	}

	freshness := time.Duration(infraconfig.GetEnvInt("HMAC_FRESHNESS_SECONDS", 300)) * time.Second

	cfg := &Config{
		Addr: infraconfig.GetEnv("ADDR", ":8080"),
		HMAC: HMAC{
			Secret:          string(secret),
			FreshnessWindow: freshness,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: infraconfig.GetEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 100),
		},
		Token: Token{
			PrivateKeyPath: infraconfig.GetEnv("TOKEN_PRIVATE_KEY_PATH", ""),
			PublicKeyPath:  infraconfig.GetEnv("TOKEN_PUBLIC_KEY_PATH", ""),
			KeyID:          infraconfig.GetEnv("TOKEN_KEY_ID", ""),
			Expiration:     time.Duration(infraconfig.GetEnvInt("TOKEN_EXPIRATION_SECONDS", 900)) * time.Second,
			Issuer:         infraconfig.GetEnv("TOKEN_ISSUER", "chain-monitor"),
		},
		Notifications: Notifications{
			EmailEnabled: infraconfig.GetEnvBool("NOTIFICATIONS_EMAIL_ENABLED", false),
			EmailFrom:    infraconfig.GetEnv("NOTIFICATIONS_EMAIL_FROM", ""),
			EmailHost:    infraconfig.GetEnv("NOTIFICATIONS_EMAIL_HOST", "localhost"),
			EmailPort:    infraconfig.GetEnvInt("NOTIFICATIONS_EMAIL_PORT", 25),
		},
		Dispatch: Dispatch{
			MaxAttempts:   infraconfig.GetEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
			BackoffBaseMs: infraconfig.GetEnvInt("DISPATCH_BACKOFF_BASE_MS", 1000),
		},
		Circuit: Circuit{
			Window:         infraconfig.GetEnvInt("CIRCUIT_WINDOW", 10),
			FailureRatePct: infraconfig.GetEnvInt("CIRCUIT_FAILURE_RATE_PCT", 50),
			CoolOff:        time.Duration(infraconfig.GetEnvInt("CIRCUIT_COOL_OFF_SECONDS", 30)) * time.Second,
		},
		KV: KV{
			URL:      infraconfig.GetEnv("KV_URL", "localhost:6379"),
			Password: infraconfig.GetEnv("KV_PASSWORD", ""),
			NonceTTL: time.Duration(infraconfig.GetEnvInt("KV_NONCE_TTL_SECONDS", 300)) * time.Second,
		},
		DB: DB{
			URL:            infraconfig.RequireEnvOrSecret("DB_URL"),
			MigrationsPath: infraconfig.GetEnv("DB_MIGRATIONS_PATH", "embedded"),
		},
		DLQ: DLQ{
			StalenessWarn: time.Duration(infraconfig.GetEnvInt("DLQ_STALENESS_WARN_SECONDS", 3600)) * time.Second,
		},
	}

	return cfg, nil
}

// Package httpapi wires the service's external interfaces: the inbound
// webhook endpoint and the operator admin endpoints, composed with the
// ambient middleware chain and internal/tokens session auth.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/r3e-network/chain-monitor/infrastructure/logging"
	"github.com/r3e-network/chain-monitor/infrastructure/middleware"
	"github.com/r3e-network/chain-monitor/internal/tokens"
	"github.com/r3e-network/chain-monitor/internal/webhook"
)

// Verifier is the subset of internal/security.Verifier the webhook
// endpoint needs.
type Verifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) error
}

// Archiver is the subset of internal/webhook.Store the webhook endpoint
// needs.
type Archiver interface {
	Archive(ctx context.Context, header http.Header, body []byte) (*webhook.Raw, error)
	MarkRejected(ctx context.Context, rawID int64, reason string) error
	MarkFailed(ctx context.Context, rawID int64, errMsg, trace string) error
	MarkProcessed(ctx context.Context, rawID int64) error
}

// Limiter is the subset of internal/ratelimit.Limiter the webhook endpoint
// needs.
type Limiter interface {
	Allow(ctx context.Context, principal string) (bool, error)
}

// Ingestor is the subset of internal/ingestion.Engine the webhook endpoint
// needs.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) error
}

// Replayer is the subset of internal/webhook.Replayer the admin replay
// endpoint needs.
type Replayer interface {
	ReplayRaw(ctx context.Context, rawID int64) error
}

// DLQResolver is the subset of internal/dispatch.Store the admin DLQ
// endpoint needs.
type DLQResolver interface {
	ResolveDLQ(ctx context.Context, id int64, processedBy, notes string) error
}

// SessionVerifier is the subset of internal/tokens.Verifier the auth
// middleware needs.
type SessionVerifier interface {
	Verify(ctx context.Context, tokenString, cookieFingerprint string) (*tokens.Claims, error)
}

// Deps bundles everything the router needs to build its handlers.
type Deps struct {
	Logger    *logging.Logger
	Verifier  Verifier
	Archive   Archiver
	RateLimit Limiter
	Ingest    Ingestor
	Replay    Replayer
	DLQ       DLQResolver
	Sessions  SessionVerifier
	AdminRole string
}

// NewRouter builds the gorilla/mux router exposing the service's external
// interfaces: plain HandleFunc registration with per-route Methods().
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()

	h := &handlers{deps: deps}

	r.HandleFunc("/webhooks/chain", h.webhook).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAuth(deps.AdminRole))
	admin.HandleFunc("/replay/{rawID}", h.replay).Methods(http.MethodPost)
	admin.HandleFunc("/dlq/{id}/resolve", h.resolveDLQ).Methods(http.MethodPost)

	r.HandleFunc("/healthz", middleware.LivenessHandler()).Methods(http.MethodGet)

	return r
}

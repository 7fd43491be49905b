package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/r3e-network/chain-monitor/infrastructure/httputil"
	"github.com/r3e-network/chain-monitor/internal/ratelimit"
	"github.com/r3e-network/chain-monitor/internal/security"
	"github.com/r3e-network/chain-monitor/internal/tokens"
)

type handlers struct {
	deps Deps
}

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// webhook implements POST /webhooks/chain: the archive -> verify ->
// rate-limit -> ingest pipeline. The raw body is archived before any
// authenticity decision is made about it, independent of everything
// downstream.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	if int64(len(body)) > maxWebhookBodyBytes {
		httputil.BadRequest(w, "request body too large")
		return
	}

	raw, err := h.deps.Archive.Archive(ctx, r.Header, body)
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.WithError(err).Error("httpapi: archive webhook delivery")
		}
		httputil.InternalError(w, "")
		return
	}

	if err := h.deps.Verifier.Verify(ctx, r.Header, body); err != nil {
		var verr *security.VerifyError
		status := http.StatusUnauthorized
		reason := "verification_error"
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
			if verr.Malformed {
				status = http.StatusBadRequest
			}
		}
		_ = h.deps.Archive.MarkRejected(ctx, raw.ID, err.Error())
		if h.deps.Logger != nil {
			h.deps.Logger.LogSecurityEvent(ctx, "webhook_rejected", map[string]interface{}{
				"reason":    reason,
				"raw_id":    raw.ID,
				"source_ip": httputil.ClientIP(r),
			})
		}
		httputil.WriteError(w, status, "authenticity check failed")
		return
	}

	principal := ratelimit.PrincipalFromRequest("", httputil.ClientIP(r))
	allowed, err := h.deps.RateLimit.Allow(ctx, principal)
	if err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.WithError(err).Error("httpapi: rate limit check")
		}
		httputil.InternalError(w, "")
		return
	}
	if !allowed {
		httputil.WriteErrorWithCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return
	}

	if err := h.deps.Ingest.Ingest(ctx, body); err != nil {
		_ = h.deps.Archive.MarkFailed(ctx, raw.ID, err.Error(), "")
		httputil.InternalError(w, "ingestion failed")
		return
	}

	_ = h.deps.Archive.MarkProcessed(ctx, raw.ID)
	w.WriteHeader(http.StatusOK)
}

// replay implements POST /admin/replay/{rawID}.
func (h *handlers) replay(w http.ResponseWriter, r *http.Request) {
	rawID, ok := pathInt64(w, r, "rawID")
	if !ok {
		return
	}
	if err := h.deps.Replay.ReplayRaw(r.Context(), rawID); err != nil {
		if h.deps.Logger != nil {
			h.deps.Logger.WithError(err).Warn("httpapi: replay failed")
			h.deps.Logger.LogAudit(r.Context(), "replay", "raw_webhook_event", strconv.FormatInt(rawID, 10), "failure")
		}
		httputil.WriteError(w, http.StatusUnprocessableEntity, "replay failed: "+err.Error())
		return
	}
	if h.deps.Logger != nil {
		h.deps.Logger.LogAudit(r.Context(), "replay", "raw_webhook_event", strconv.FormatInt(rawID, 10), "success")
	}
	w.WriteHeader(http.StatusOK)
}

// resolveDLQRequest is the body of POST /admin/dlq/{id}/resolve.
type resolveDLQRequest struct {
	ProcessedBy string `json:"processed_by"`
	Notes       string `json:"notes"`
}

// resolveDLQ implements POST /admin/dlq/{id}/resolve.
func (h *handlers) resolveDLQ(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}

	var req resolveDLQRequest
	if !httputil.DecodeJSONOptional(w, r, &req) {
		return
	}
	if req.ProcessedBy == "" {
		req.ProcessedBy = sessionFromContext(r.Context()).Subject
	}

	if err := h.deps.DLQ.ResolveDLQ(r.Context(), id, req.ProcessedBy, req.Notes); err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "resolve failed: "+err.Error())
		return
	}
	if h.deps.Logger != nil {
		h.deps.Logger.LogAudit(r.Context(), "resolve", "dlq", strconv.FormatInt(id, 10), "success")
	}
	w.WriteHeader(http.StatusOK)
}

// requireAuth enforces the authenticated-request
// contract: bearer token plus fingerprint cookie, verified by
// internal/tokens, with an optional role gate.
func (h *handlers) requireAuth(requiredRole string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				httputil.Unauthorized(w, "")
				return
			}
			cookie, err := r.Cookie(tokens.FingerprintCookieName)
			if err != nil {
				httputil.Unauthorized(w, "")
				return
			}

			claims, err := h.deps.Sessions.Verify(r.Context(), token, cookie.Value)
			if err != nil {
				httputil.Unauthorized(w, "")
				return
			}

			if requiredRole != "" && claims.Role != requiredRole {
				httputil.Forbidden(w, "")
				return
			}

			ctx := withSession(r.Context(), session{Subject: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid "+name)
		return 0, false
	}
	return v, true
}

type sessionContextKey struct{}

type session struct {
	Subject string
	Role    string
}

func withSession(ctx context.Context, s session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

func sessionFromContext(ctx context.Context) session {
	s, _ := ctx.Value(sessionContextKey{}).(session)
	return s
}

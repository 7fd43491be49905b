package webhook

import (
	"context"
	"fmt"
	"net/http"
)

// Verifier is the subset of internal/security.Verifier that replay needs.
// Declared locally to avoid internal/security depending back on
// internal/webhook just to mark rows rejected.
type Verifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) error
}

// Ingestor is the subset of internal/ingestion.Engine that replay needs.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) error
}

// Replayer re-dispatches a pending or failed archived delivery through the
// ingestion engine, without the caller having to re-POST the original
// bytes.
//
// A failed row already passed the authenticity filter on its original
// delivery (a row is only ever marked failed after Verify succeeded and
// ingestion errored), and that delivery consumed the row's nonce and
// timestamp-freshness window. Re-running Verify against the archived
// header/body would therefore reject every such replay as a nonce replay
// or a stale timestamp, which would make the transient-ingestion-failure
// case replay exists for permanently unrecoverable. Failed rows go
// straight back to ingestion; only pending rows, which were archived but
// never verified, run the full filter first.
type Replayer struct {
	store    *Store
	verifier Verifier
	ingestor Ingestor
}

// NewReplayer builds a Replayer over the given archive, authenticity
// filter, and ingestion engine.
func NewReplayer(store *Store, verifier Verifier, ingestor Ingestor) *Replayer {
	return &Replayer{store: store, verifier: verifier, ingestor: ingestor}
}

// ReplayRaw re-runs one archived delivery and updates its status to
// reflect the outcome.
func (r *Replayer) ReplayRaw(ctx context.Context, rawID int64) error {
	raw, err := r.store.Get(ctx, rawID)
	if err != nil {
		return fmt.Errorf("webhook: replay lookup: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("webhook: replay: raw event %d not found", rawID)
	}
	if raw.Status != StatusPending && raw.Status != StatusFailed {
		return fmt.Errorf("webhook: replay: raw event %d has status %s, not replayable", rawID, raw.Status)
	}

	if raw.Status == StatusPending {
		header, err := HeaderFromJSON(raw.Headers)
		if err != nil {
			return fmt.Errorf("webhook: replay: %w", err)
		}

		if err := r.verifier.Verify(ctx, header, raw.Body); err != nil {
			_ = r.store.MarkRejected(ctx, rawID, err.Error())
			return fmt.Errorf("webhook: replay rejected: %w", err)
		}
	}

	if err := r.ingestor.Ingest(ctx, raw.Body); err != nil {
		_ = r.store.MarkFailed(ctx, rawID, err.Error(), "")
		return fmt.Errorf("webhook: replay ingestion failed: %w", err)
	}

	return r.store.MarkProcessed(ctx, rawID)
}

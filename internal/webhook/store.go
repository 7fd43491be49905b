package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Store persists the raw webhook archive: methods on a struct holding
// *sql.DB, plain $N-placeholder statements, no ORM.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for the raw webhook archive.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive records an inbound delivery in its own short-lived transaction,
// independent of the caller's later authenticity/ingestion transactions, so
// the archive row exists even if everything downstream fails outright.
func (s *Store) Archive(ctx context.Context, header http.Header, body []byte) (*Raw, error) {
	headerJSON, err := json.Marshal(map[string][]string(header))
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: begin archive tx: %w", err)
	}
	defer tx.Rollback()

	r := &Raw{
		Status: StatusPending,
		Body:   body,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO raw_webhook_event (headers, body, status, received_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, received_at
	`, string(headerJSON), body, StatusPending).Scan(&r.ID, &r.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("webhook: insert raw event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("webhook: commit archive tx: %w", err)
	}

	r.Headers = string(headerJSON)
	return r, nil
}

// MarkRejected records that the authenticity filter rejected the delivery.
func (s *Store) MarkRejected(ctx context.Context, rawID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_webhook_event SET status = $1, error = $2
		WHERE id = $3
	`, StatusRejected, reason, rawID)
	if err != nil {
		return fmt.Errorf("webhook: mark rejected: %w", err)
	}
	return nil
}

// MarkFailed records an ingestion failure along with its error trace, so an
// operator can diagnose a bad delivery without re-running it against prod.
func (s *Store) MarkFailed(ctx context.Context, rawID int64, errMsg, trace string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_webhook_event SET status = $1, error = $2, error_trace = $3
		WHERE id = $4
	`, StatusFailed, errMsg, trace, rawID)
	if err != nil {
		return fmt.Errorf("webhook: mark failed: %w", err)
	}
	return nil
}

// MarkProcessed records successful ingestion.
func (s *Store) MarkProcessed(ctx context.Context, rawID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_webhook_event SET status = $1, processed_at = now()
		WHERE id = $2
	`, StatusProcessed, rawID)
	if err != nil {
		return fmt.Errorf("webhook: mark processed: %w", err)
	}
	return nil
}

// Get returns a single archived delivery by id.
func (s *Store) Get(ctx context.Context, rawID int64) (*Raw, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, received_at, headers, body, status, COALESCE(error, ''), COALESCE(error_trace, ''), processed_at
		FROM raw_webhook_event WHERE id = $1
	`, rawID)

	var r Raw
	err := row.Scan(&r.ID, &r.ReceivedAt, &r.Headers, &r.Body, &r.Status, &r.Error, &r.ErrorTrace, &r.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: get raw event: %w", err)
	}
	return &r, nil
}

// Replayable returns pending or failed deliveries, oldest first, candidates
// for an operator-triggered replay.
func (s *Store) Replayable(ctx context.Context, limit int) ([]Raw, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, headers, body, status, COALESCE(error, ''), COALESCE(error_trace, ''), processed_at
		FROM raw_webhook_event
		WHERE status IN ($1, $2)
		ORDER BY received_at ASC
		LIMIT $3
	`, StatusPending, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook: list replayable: %w", err)
	}
	defer rows.Close()

	var out []Raw
	for rows.Next() {
		var r Raw
		if err := rows.Scan(&r.ID, &r.ReceivedAt, &r.Headers, &r.Body, &r.Status, &r.Error, &r.ErrorTrace, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("webhook: scan replayable: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HeaderFromJSON decodes a Raw.Headers string back into an http.Header, for
// replay.
func HeaderFromJSON(raw string) (http.Header, error) {
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("webhook: decode headers: %w", err)
	}
	return http.Header(m), nil
}

// Age reports how long ago a delivery was received, for staleness checks.
func (r *Raw) Age() time.Duration {
	return time.Since(r.ReceivedAt)
}

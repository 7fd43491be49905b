package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store persists dispatcher state transitions: notification status,
// attempt accounting, and dead-letter rows.
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type payloadDescription struct {
	Description string `json:"description"`
}

// notificationRow is the scan target for Load's join.
type notificationRow struct {
	ID            int64         `db:"id"`
	RuleID        int64         `db:"rule_id"`
	RuleName      string        `db:"rule_name"`
	Severity      string        `db:"severity"`
	Channel       Channel       `db:"channel"`
	Emails        string        `db:"emails"`
	WebhookURL    string        `db:"webhook_url"`
	TransactionID int64         `db:"transaction_id"`
	TxID          string        `db:"tx_id"`
	Sender        string        `db:"sender"`
	Success       bool          `db:"success"`
	BlockHeight   int64         `db:"block_height"`
	EventID       sql.NullInt64 `db:"event_id"`
	EventVariant  string        `db:"event_variant"`
	EventIndex    sql.NullInt64 `db:"event_index"`
	ContractID    string        `db:"contract_id"`
	Payload       string        `db:"payload"`
	AttemptCount  int           `db:"attempt_count"`
	TriggeredAt   time.Time     `db:"triggered_at"`
}


// Load fetches the delivery-ready view of a set of notification ids,
// joining the rule (for delivery targets), the transaction, its block
// (for height), and the triggering event/contract call if any. Invalidated
// notifications are silently excluded: a reorg may invalidate a
// notification between its creation and the dispatcher's observation of
// the commit-bound event.
func (s *Store) Load(ctx context.Context, ids []int64) ([]Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT n.id, n.rule_id, r.name AS rule_name, r.severity, n.channel, r.emails, r.webhook_url,
		       n.transaction_id, t.tx_id, t.sender, t.success, b.height AS block_height,
		       n.event_id, COALESCE(e.variant, '') AS event_variant, e.event_index,
		       COALESCE(cc.contract_id, '') AS contract_id,
		       n.payload, n.attempt_count, n.triggered_at
		FROM notification n
		JOIN rule r ON r.id = n.rule_id
		JOIN transaction t ON t.id = n.transaction_id
		JOIN block b ON b.id = t.block_id
		LEFT JOIN event e ON e.id = n.event_id
		LEFT JOIN contract_call cc ON cc.transaction_id = t.id
		WHERE n.id = ANY($1) AND n.invalidated = false
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("dispatch: load notifications: %w", err)
	}

	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		n := Notification{
			ID:            row.ID,
			RuleID:        row.RuleID,
			RuleName:      row.RuleName,
			Severity:      row.Severity,
			Channel:       row.Channel,
			Emails:        splitCSV(row.Emails),
			WebhookURL:    row.WebhookURL,
			TransactionID: row.TransactionID,
			TxID:          row.TxID,
			Sender:        row.Sender,
			Success:       row.Success,
			BlockHeight:   row.BlockHeight,
			EventVariant:  row.EventVariant,
			ContractID:    row.ContractID,
			Payload:       row.Payload,
			AttemptCount:  row.AttemptCount,
			TriggeredAt:   row.TriggeredAt,
		}
		if row.EventID.Valid {
			id := row.EventID.Int64
			n.EventID = &id
		}
		if row.EventIndex.Valid {
			idx := int(row.EventIndex.Int64)
			n.EventIndex = &idx
		}
		var pd payloadDescription
		if err := json.Unmarshal([]byte(row.Payload), &pd); err == nil {
			n.Description = pd.Description
		}
		out = append(out, n)
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MarkDelivering transitions a notification into the delivering state.
func (s *Store) MarkDelivering(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notification SET status = $1 WHERE id = $2`, StatusDelivering, id)
	if err != nil {
		return fmt.Errorf("dispatch: mark delivering: %w", err)
	}
	return nil
}

// RecordAttempt increments attempt_count and records last_attempt_at /
// last_error for one delivery attempt, win or lose.
func (s *Store) RecordAttempt(ctx context.Context, id int64, attempt int, attemptErr error) error {
	var lastErr sql.NullString
	if attemptErr != nil {
		lastErr = sql.NullString{String: attemptErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification
		SET attempt_count = $1, last_attempt_at = now(), last_error = $2,
		    first_attempt_at = COALESCE(first_attempt_at, now())
		WHERE id = $3
	`, attempt, lastErr, id)
	if err != nil {
		return fmt.Errorf("dispatch: record attempt: %w", err)
	}
	return nil
}

// MarkDelivered transitions a notification to its terminal success state.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notification SET status = $1 WHERE id = $2`, StatusDelivered, id)
	if err != nil {
		return fmt.Errorf("dispatch: mark delivered: %w", err)
	}
	return nil
}

// MarkRetrying transitions a notification back to retrying between attempts.
func (s *Store) MarkRetrying(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notification SET status = $1 WHERE id = $2`, StatusRetrying, id)
	if err != nil {
		return fmt.Errorf("dispatch: mark retrying: %w", err)
	}
	return nil
}

// MarkFailed transitions a notification to the terminal failed state;
// no retry budget was ever spent on it.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notification SET status = $1 WHERE id = $2`, StatusFailed, id)
	if err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	return nil
}

// MarkDeadLetterAndEnqueue transitions a notification to dead_letter and
// inserts its denormalized DLQ snapshot, in one transaction so the two
// never diverge.
func (s *Store) MarkDeadLetterAndEnqueue(ctx context.Context, n *Notification, reason FailureReason, errMsg, trace string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dispatch: begin dead-letter tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE notification SET status = $1 WHERE id = $2`, StatusDeadLetter, n.ID); err != nil {
		return fmt.Errorf("dispatch: mark dead_letter: %w", err)
	}

	recipient := n.WebhookURL
	if n.Channel == ChannelEmail {
		recipient = strings.Join(n.Emails, ",")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dlq (notification_id, alert_rule_id, alert_rule_name, channel, recipient,
		                  failure_reason, error_message, error_trace, attempt_count,
		                  first_attempt_at, last_attempt_at, queued_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), now(), false)
	`, n.ID, n.RuleID, n.RuleName, n.Channel, recipient, reason, errMsg, trace, n.AttemptCount); err != nil {
		return fmt.Errorf("dispatch: insert dlq row: %w", err)
	}

	return tx.Commit()
}

// StaleDLQCount returns the number of unresolved DLQ rows older than since,
// for the cron staleness report.
func (s *Store) StaleDLQCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM dlq WHERE processed = false AND queued_at < $1
	`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dispatch: stale dlq count: %w", err)
	}
	return n, nil
}

// ResolveDLQ marks a DLQ row processed with operator-supplied resolution
// notes (internal/httpapi's POST /admin/dlq/{id}/resolve).
func (s *Store) ResolveDLQ(ctx context.Context, id int64, processedBy, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq SET processed = true, processed_at = now(), processed_by = $1, resolution_notes = $2
		WHERE id = $3 AND processed = false
	`, processedBy, notes, id)
	if err != nil {
		return fmt.Errorf("dispatch: resolve dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatch: resolve dlq rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

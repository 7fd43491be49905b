package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrVersionConflict is returned when an Update's expected version does not
// match the row's current version, an optimistic-lock conflict that the
// caller (an HTTP handler) surfaces as 409.
var ErrVersionConflict = errors.New("rules: version conflict")

// Store persists rules with the same plain-SQL Store idiom as
// internal/webhook and internal/chain.
type Store struct {
	db *sql.DB
}

// NewStore wraps a *sql.DB for the rule table.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListActive returns every active rule, the input to an Index rebuild.
func (s *Store) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, variant, contract_id, function_name, asset_id,
		       watched_address, amount_threshold, severity, cooldown_s, channels,
		       emails, webhook_url, active, last_triggered_at, version
		FROM rule WHERE active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("rules: list active: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a single rule by id, active or not.
func (s *Store) Get(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, variant, contract_id, function_name, asset_id,
		       watched_address, amount_threshold, severity, cooldown_s, channels,
		       emails, webhook_url, active, last_triggered_at, version
		FROM rule WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: get: %w", err)
	}
	return r, nil
}

// scanner abstracts over *sql.Row and *sql.Rows, both exposing Scan.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(sc scanner) (*Rule, error) {
	var r Rule
	var channelsCSV, emailsCSV string
	if err := sc.Scan(
		&r.ID, &r.UserID, &r.Name, &r.Variant, &r.ContractID, &r.FunctionName, &r.AssetID,
		&r.WatchedAddress, &r.AmountThreshold, &r.Severity, &r.CooldownSeconds, &channelsCSV,
		&emailsCSV, &r.WebhookURL, &r.Active, &r.LastTriggeredAt, &r.Version,
	); err != nil {
		return nil, err
	}
	r.Channels = parseChannels(channelsCSV)
	r.Emails = splitNonEmpty(emailsCSV)
	return &r, nil
}

func parseChannels(csv string) []Channel {
	var out []Channel
	for _, c := range splitNonEmpty(csv) {
		out = append(out, Channel(c))
	}
	return out
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinChannels(channels []Channel) string {
	parts := make([]string, len(channels))
	for i, c := range channels {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// Create inserts a new rule at version 1.
func (s *Store) Create(ctx context.Context, r *Rule) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rule (user_id, name, variant, contract_id, function_name, asset_id,
		                   watched_address, amount_threshold, severity, cooldown_s, channels,
		                   emails, webhook_url, active, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		RETURNING id
	`, r.UserID, r.Name, r.Variant, r.ContractID, r.FunctionName, r.AssetID,
		r.WatchedAddress, r.AmountThreshold, r.Severity, r.CooldownSeconds, joinChannels(r.Channels),
		strings.Join(r.Emails, ","), r.WebhookURL, r.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("rules: create: %w", err)
	}
	return id, nil
}

// Update applies a full rewrite of the mutable fields, guarded by an
// optimistic-lock check against expectedVersion. Returns ErrVersionConflict
// if the row's current version does not match.
func (s *Store) Update(ctx context.Context, r *Rule, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rule SET name=$1, contract_id=$2, function_name=$3, asset_id=$4,
		       watched_address=$5, amount_threshold=$6, severity=$7, cooldown_s=$8,
		       channels=$9, emails=$10, webhook_url=$11, active=$12, version=version+1
		WHERE id=$13 AND version=$14
	`, r.Name, r.ContractID, r.FunctionName, r.AssetID, r.WatchedAddress, r.AmountThreshold,
		r.Severity, r.CooldownSeconds, joinChannels(r.Channels), strings.Join(r.Emails, ","),
		r.WebhookURL, r.Active, r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("rules: update: %w", err)
	}
	return checkVersionedUpdate(res)
}

// SetActive flips a rule's active flag, guarded by the same optimistic
// lock, used by the activate/deactivate/delete-by-deactivation operations.
func (s *Store) SetActive(ctx context.Context, id int64, active bool, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rule SET active=$1, version=version+1
		WHERE id=$2 AND version=$3
	`, active, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("rules: set active: %w", err)
	}
	return checkVersionedUpdate(res)
}

func checkVersionedUpdate(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rules: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Delete permanently removes a rule row. Distinct from SetActive(false, …):
// a deactivated rule is retained for audit; a deleted one is gone.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rule WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rules: delete: %w", err)
	}
	return nil
}

// execer abstracts over *sql.DB and *sql.Tx so the cooldown gate can run
// inside the caller's ingestion transaction, which is required: the gate
// and the notification insert it guards must commit or roll back together.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TryTriggerCooldown is the matcher's race-free cooldown gate: exactly
// one concurrent caller observes rowsAffected=1 ("won the
// gate"); the rest observe 0 and must not emit notifications. No
// read-check-write window exists because the WHERE clause and the write
// happen in a single statement. Runs against the caller's transaction.
func TryTriggerCooldown(ctx context.Context, ex execer, ruleID int64, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		UPDATE rule SET last_triggered_at = $1
		WHERE id = $2 AND (last_triggered_at IS NULL OR last_triggered_at <= $3)
	`, now, ruleID, now.Add(-cooldown))
	if err != nil {
		return false, fmt.Errorf("rules: cooldown gate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rules: cooldown gate rows affected: %w", err)
	}
	return n == 1, nil
}

// Package matcher implements the alert matcher: for each
// newly persisted or restored transaction, select candidate rules from the
// rule index, evaluate their predicates, and, for every rule that wins
// the cooldown gate, insert pending notification rows.
package matcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/chain-monitor/internal/chain"
	"github.com/r3e-network/chain-monitor/internal/rules"
)

// IndexSource supplies the current rule index snapshot.
type IndexSource interface {
	Get(ctx context.Context) (*rules.Index, error)
}

// MetricsRecorder is the subset of infrastructure/metrics the matcher reports
// match-duration timings through.
type MetricsRecorder interface {
	RecordAlertMatch(kind string, eventCount int, duration time.Duration)
}

// Matcher ties the rule index to notification creation. It runs entirely
// inside the caller's ingestion transaction: the cooldown gate and the
// notification insert it guards must commit or roll back atomically with
// the chain-state writes that triggered them.
type Matcher struct {
	index   IndexSource
	metrics MetricsRecorder
}

// New builds a Matcher.
func New(index IndexSource, metrics MetricsRecorder) *Matcher {
	return &Matcher{index: index, metrics: metrics}
}

// Match runs all three candidate-selection steps for one transaction
// (contract call, per-event, failed-transaction) and returns the ids of
// any notifications created. Per the resolved Open Question on co-firing
// rules, the three steps are independent: a transaction that is both a
// failed contract call and a watched-address transfer can create
// notifications from every matching rule, each gated by its own cooldown.
func (m *Matcher) Match(ctx context.Context, tx *sql.Tx, txn *chain.Transaction, call *chain.ContractCall, events []chain.Event) ([]int64, error) {
	start := time.Now()
	idx, err := m.index.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("matcher: load index: %w", err)
	}

	var created []int64
	now := time.Now()

	if call != nil {
		for _, r := range idx.ContractCallCandidates(call.ContractID, call.FunctionName) {
			if !r.MatchesContractCall(call.ContractID, call.FunctionName) {
				continue
			}
			ids, err := m.fire(ctx, tx, r, txn, nil, now)
			if err != nil {
				return nil, err
			}
			created = append(created, ids...)
		}
	}

	for i := range events {
		ev := &events[i]
		if ev.Variant.IsTokenTransfer() {
			for _, r := range idx.AssetCandidates(ev.AssetID) {
				if !r.MatchesTokenTransfer(ev.AssetID, ev.Amount) {
					continue
				}
				ids, err := m.fire(ctx, tx, r, txn, ev, now)
				if err != nil {
					return nil, err
				}
				created = append(created, ids...)
			}
			for _, addr := range []string{ev.Sender, ev.Recipient} {
				if addr == "" {
					continue
				}
				for _, r := range idx.AddressCandidates(addr) {
					if !r.MatchesAddressActivity(addr) {
						continue
					}
					ids, err := m.fire(ctx, tx, r, txn, ev, now)
					if err != nil {
						return nil, err
					}
					created = append(created, ids...)
				}
			}
		}
		if ev.Variant == chain.EventSmartContractLog {
			for _, r := range idx.TypeCandidates(rules.VariantPrintEvent) {
				if !r.MatchesPrintEvent() {
					continue
				}
				ids, err := m.fire(ctx, tx, r, txn, ev, now)
				if err != nil {
					return nil, err
				}
				created = append(created, ids...)
			}
		}
	}

	if !txn.Success {
		for _, r := range idx.TypeCandidates(rules.VariantFailedTransaction) {
			if !r.MatchesFailedTransaction() {
				continue
			}
			ids, err := m.fire(ctx, tx, r, txn, nil, now)
			if err != nil {
				return nil, err
			}
			created = append(created, ids...)
		}
	}

	if m.metrics != nil {
		kind := string(classifyKind(txn, call))
		m.metrics.RecordAlertMatch(kind, len(events), time.Since(start))
	}

	return created, nil
}

func classifyKind(txn *chain.Transaction, call *chain.ContractCall) chain.Kind {
	if call != nil {
		return chain.KindContractCall
	}
	if !txn.Success {
		return chain.KindOther
	}
	return chain.KindTransfer
}

// fire attempts the cooldown gate for one rule; on a win, it inserts one
// notification row per channel and returns their ids.
func (m *Matcher) fire(ctx context.Context, tx *sql.Tx, r *rules.Rule, txn *chain.Transaction, ev *chain.Event, now time.Time) ([]int64, error) {
	won, err := rules.TryTriggerCooldown(ctx, tx, r.ID, now, time.Duration(r.CooldownSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("matcher: cooldown gate for rule %d: %w", r.ID, err)
	}
	if !won {
		return nil, nil
	}

	var eventID sql.NullInt64
	if ev != nil {
		eventID = sql.NullInt64{Int64: ev.ID, Valid: true}
	}

	payload := buildPayload(r, txn, ev)

	var ids []int64
	for _, ch := range r.Channels {
		id, created, err := insertNotification(ctx, tx, r, txn.ID, eventID, ch, payload, now)
		if err != nil {
			return nil, err
		}
		if created {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// insertNotification performs the idempotent notification insert: a
// unique-key violation on (rule_id, transaction_id, event_id, channel) is
// a duplicate, treated as a no-op rather than an error.
func insertNotification(ctx context.Context, tx *sql.Tx, r *rules.Rule, transactionID int64, eventID sql.NullInt64, channel rules.Channel, payload string, now time.Time) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO notification (rule_id, transaction_id, event_id, channel, status, attempt_count, payload, triggered_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, now())
		ON CONFLICT (rule_id, transaction_id, event_id, channel) DO NOTHING
		RETURNING id
	`, r.ID, transactionID, eventID, channel, payload, now).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("matcher: insert notification: %w", err)
	}
	return id, true, nil
}

// notificationPayload is the opaque record persisted on the notification
// row; the dispatcher uses it to build the channel-specific message.
type notificationPayload struct {
	RuleID        int64  `json:"rule_id"`
	RuleName      string `json:"rule_name"`
	Severity      string `json:"severity"`
	TransactionID int64  `json:"transaction_id"`
	EventVariant  string `json:"event_variant,omitempty"`
	Description   string `json:"description,omitempty"`
}

// buildPayload composes the persisted notification payload. When the
// triggering event is a smart_contract_log, its free-form decoded_value is
// queried with gjson for a human-readable "message" or "description"
// field. The payload shape varies per contract, so there is no fixed
// struct to unmarshal into.
func buildPayload(r *rules.Rule, txn *chain.Transaction, ev *chain.Event) string {
	p := notificationPayload{
		RuleID:        r.ID,
		RuleName:      r.Name,
		Severity:      r.Severity,
		TransactionID: txn.ID,
	}
	if ev != nil {
		p.EventVariant = string(ev.Variant)
		if ev.Variant == chain.EventSmartContractLog && ev.DecodedValue != "" {
			result := gjson.Get(ev.DecodedValue, "message")
			if !result.Exists() {
				result = gjson.Get(ev.DecodedValue, "description")
			}
			p.Description = result.String()
		}
	}
	out, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(out)
}

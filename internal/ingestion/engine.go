// Package ingestion implements the ingestion engine: a
// single transaction per webhook payload, rollback entries processed
// before apply entries, idempotent upsert of blocks/transactions/events,
// bulk notification invalidation on reorg, and commit-bound publication of
// newly created notification ids.
package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/chain-monitor/internal/chain"
)

// Matcher is the subset of internal/matcher.Matcher the engine drives per
// newly persisted or restored transaction.
type Matcher interface {
	Match(ctx context.Context, tx *sql.Tx, txn *chain.Transaction, call *chain.ContractCall, events []chain.Event) ([]int64, error)
}

// Publisher is the subset of internal/notify the engine uses to publish
// the commit-bound notification event as the last statement before
// COMMIT.
type Publisher interface {
	PublishNotificationIDs(ctx context.Context, tx *sql.Tx, ids []int64) error
}

// Engine drives one webhook payload through the ingestion pipeline.
type Engine struct {
	db      *sql.DB
	store   *chain.Store
	matcher Matcher
	pub     Publisher
}

// New builds an Engine.
func New(db *sql.DB, store *chain.Store, matcher Matcher, pub Publisher) *Engine {
	return &Engine{db: db, store: store, matcher: matcher, pub: pub}
}

// Ingest decodes and processes a single payload end to end, in one
// transaction. Any error rolls back every write the payload would have
// produced, including any notifications the matcher created. The
// dispatcher never observes uncommitted state because the commit-bound
// publish is the transaction's last statement.
func (e *Engine) Ingest(ctx context.Context, body []byte) error {
	var payload chain.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("ingestion: decode payload: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ingestion: begin: %w", err)
	}
	defer tx.Rollback()

	var notificationIDs []int64

	for _, be := range payload.Rollback {
		if err := e.processRollback(ctx, tx, be); err != nil {
			return fmt.Errorf("ingestion: rollback block %s: %w", be.BlockHash, err)
		}
	}

	for _, be := range payload.Apply {
		ids, err := e.processApply(ctx, tx, be)
		if err != nil {
			return fmt.Errorf("ingestion: apply block %s: %w", be.BlockHash, err)
		}
		notificationIDs = append(notificationIDs, ids...)
	}

	if len(notificationIDs) > 0 {
		if err := e.pub.PublishNotificationIDs(ctx, tx, notificationIDs); err != nil {
			return fmt.Errorf("ingestion: publish commit-bound event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ingestion: commit: %w", err)
	}
	return nil
}

// processApply handles one block's worth of apply data: insert-or-restore
// the block, idempotently upsert its transactions and events, and run the
// matcher against every newly persisted or restored transaction.
func (e *Engine) processApply(ctx context.Context, tx *sql.Tx, be chain.BlockEvent) ([]int64, error) {
	existing, err := e.store.GetBlockByHash(ctx, tx, be.BlockHash)
	if err != nil {
		return nil, err
	}

	var blockID int64
	restoring := false

	switch {
	case existing == nil:
		blockID, err = e.store.InsertBlock(ctx, tx, &chain.Block{
			BlockHash:  be.BlockHash,
			Height:     be.Height,
			ParentHash: be.ParentHash,
			Timestamp:  be.Timestamp,
		})
		if err != nil {
			return nil, err
		}
	case existing.Deleted:
		if err := e.store.RestoreBlock(ctx, tx, existing.ID); err != nil {
			return nil, err
		}
		blockID = existing.ID
		restoring = true
	default:
		// Live block re-delivered: a pure no-op.
		return nil, nil
	}

	var notificationIDs []int64

	for _, txWire := range be.Transactions {
		transactionID, inserted, err := e.store.UpsertTransaction(ctx, tx, blockID, txWire, restoring)
		if err != nil {
			return nil, err
		}
		if !inserted && !restoring {
			// Re-delivery of an existing live transaction: events are
			// already persisted and already matched.
			continue
		}

		if restoring {
			if err := e.store.RestoreTransactionEvents(ctx, tx, transactionID); err != nil {
				return nil, err
			}
		}

		for _, evWire := range txWire.Events {
			if err := e.store.UpsertEvent(ctx, tx, transactionID, evWire); err != nil {
				return nil, err
			}
		}

		txn, err := e.store.Transaction(ctx, tx, transactionID)
		if err != nil {
			return nil, err
		}
		call, err := e.store.ContractCallFor(ctx, tx, transactionID)
		if err != nil {
			return nil, err
		}
		events, err := e.store.EventsFor(ctx, tx, transactionID)
		if err != nil {
			return nil, err
		}

		ids, err := e.matcher.Match(ctx, tx, txn, call, events)
		if err != nil {
			return nil, err
		}
		notificationIDs = append(notificationIDs, ids...)
	}

	return notificationIDs, nil
}

// processRollback tombstones a block and bulk-invalidates its
// notifications. Both operations are idempotent: a second rollback of the
// same block hash is a no-op.
func (e *Engine) processRollback(ctx context.Context, tx *sql.Tx, be chain.BlockEvent) error {
	existing, err := e.store.GetBlockByHash(ctx, tx, be.BlockHash)
	if err != nil {
		return err
	}
	if existing == nil || existing.Deleted {
		return nil
	}

	if err := e.store.TombstoneBlock(ctx, tx, existing.ID); err != nil {
		return err
	}

	return invalidateNotificationsForBlock(ctx, tx, existing.ID)
}

// invalidateNotificationsForBlock is a single bulk UPDATE; the WHERE
// clause makes a second call a no-op.
func invalidateNotificationsForBlock(ctx context.Context, tx *sql.Tx, blockID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE notification SET invalidated = true, invalidated_at = now(), invalidation_reason = 'chain_reorg'
		WHERE invalidated = false AND transaction_id IN (SELECT id FROM transaction WHERE block_id = $1)
	`, blockID)
	if err != nil {
		return fmt.Errorf("ingestion: invalidate notifications: %w", err)
	}
	return nil
}

// CurrentTip exposes the observed chain tip for the operational status
// surface.
func (e *Engine) CurrentTip(ctx context.Context) (height int64, hash string, err error) {
	return e.store.CurrentTip(ctx, e.db)
}

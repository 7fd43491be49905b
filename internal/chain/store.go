package chain

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Store persists blocks, transactions, and events inside a caller-supplied
// transaction. Every write is idempotent on a content-derived key
// (block_hash, tx_id, or the (transaction_id, event_index, variant)
// triple), so retrying a whole payload after a constraint violation is
// always safe.
type Store struct{}

// NewStore returns a chain Store. It is stateless; all methods take an
// explicit *sql.Tx so the ingestion engine controls the commit boundary.
func NewStore() *Store {
	return &Store{}
}

// GetBlockByHash looks up a block by its unique hash, live or tombstoned.
func (s *Store) GetBlockByHash(ctx context.Context, tx *sql.Tx, hash string) (*Block, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version
		FROM block WHERE block_hash = $1
	`, hash)

	var b Block
	err := row.Scan(&b.ID, &b.BlockHash, &b.Height, &b.ParentHash, &b.Timestamp, &b.Deleted, &b.DeletedAt, &b.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain: get block by hash: %w", err)
	}
	return &b, nil
}

// InsertBlock inserts a new block row. On a unique-constraint violation
// (block_hash already taken by a concurrent delivery), it is treated as a
// success: InsertBlock looks the existing row up via GetBlockByHash and
// returns its id.
func (s *Store) InsertBlock(ctx context.Context, tx *sql.Tx, b *Block) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO block (block_hash, height, parent_hash, timestamp, deleted, version)
		VALUES ($1, $2, $3, $4, false, 1)
		ON CONFLICT (block_hash) DO NOTHING
		RETURNING id
	`, b.BlockHash, b.Height, b.ParentHash, b.Timestamp).Scan(&id)
	if err == sql.ErrNoRows {
		// Someone else won the race; look the row up.
		existing, lookupErr := s.GetBlockByHash(ctx, tx, b.BlockHash)
		if lookupErr != nil {
			return 0, lookupErr
		}
		if existing == nil {
			return 0, fmt.Errorf("chain: insert block %s raced but lookup found nothing", b.BlockHash)
		}
		return existing.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chain: insert block: %w", err)
	}
	return id, nil
}

// RestoreBlock clears the tombstone on a previously rolled-back block. It
// never touches notification.invalidated.
func (s *Store) RestoreBlock(ctx context.Context, tx *sql.Tx, blockID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE block SET deleted = false, deleted_at = NULL, version = version + 1
		WHERE id = $1
	`, blockID)
	if err != nil {
		return fmt.Errorf("chain: restore block: %w", err)
	}
	return nil
}

// TombstoneBlock soft-deletes a block and cascades the tombstone to its
// transactions and their events in one call.
func (s *Store) TombstoneBlock(ctx context.Context, tx *sql.Tx, blockID int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE block SET deleted = true, deleted_at = now(), version = version + 1
		WHERE id = $1 AND deleted = false
	`, blockID); err != nil {
		return fmt.Errorf("chain: tombstone block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transaction SET deleted = true, deleted_at = now()
		WHERE block_id = $1 AND deleted = false
	`, blockID); err != nil {
		return fmt.Errorf("chain: tombstone transactions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE event SET deleted = true
		WHERE deleted = false AND transaction_id IN (SELECT id FROM transaction WHERE block_id = $1)
	`, blockID); err != nil {
		return fmt.Errorf("chain: tombstone events: %w", err)
	}

	return nil
}

// UpsertTransaction inserts a transaction, or returns the existing row's id
// on a tx_id collision (idempotent re-delivery). When restoring is true,
// the row's deleted flag is cleared rather than left alone, since restoring
// a tombstoned block must also restore its transactions.
func (s *Store) UpsertTransaction(ctx context.Context, tx *sql.Tx, blockID int64, w TransactionWire, restoring bool) (int64, bool, error) {
	var id int64
	var inserted bool

	err := tx.QueryRowContext(ctx, `
		INSERT INTO transaction (tx_id, block_id, sender, success, position, nonce, fee, cost_units, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
		ON CONFLICT (tx_id) DO NOTHING
		RETURNING id
	`, w.TxID, blockID, w.Sender, w.Success, w.Position, w.Nonce, w.Fee, w.CostUnits).Scan(&id)

	if err == sql.ErrNoRows {
		row := tx.QueryRowContext(ctx, `SELECT id FROM transaction WHERE tx_id = $1`, w.TxID)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, false, fmt.Errorf("chain: lookup existing transaction: %w", scanErr)
		}
		if restoring {
			if _, err := tx.ExecContext(ctx, `UPDATE transaction SET deleted = false, deleted_at = NULL WHERE id = $1`, id); err != nil {
				return 0, false, fmt.Errorf("chain: restore transaction: %w", err)
			}
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chain: insert transaction: %w", err)
	}
	inserted = true

	if w.Contract != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contract_call (transaction_id, contract_id, function_name, args_json)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (transaction_id) DO NOTHING
		`, id, w.Contract.ContractID, w.Contract.FunctionName, w.Contract.ArgsJSON); err != nil {
			return 0, false, fmt.Errorf("chain: insert contract call: %w", err)
		}
	}

	return id, inserted, nil
}

// RestoreTransactionEvents clears the tombstone on every event belonging
// to a transaction being restored after a rollback+reapply. Restoring a
// transaction must also restore its events; UpsertEvent alone cannot do
// this since it only inserts, it never clears an existing row's deleted
// flag.
func (s *Store) RestoreTransactionEvents(ctx context.Context, tx *sql.Tx, transactionID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE event SET deleted = false WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("chain: restore transaction events: %w", err)
	}
	return nil
}

// UpsertEvent inserts an event row, a no-op on a
// (transaction_id, event_index, variant) collision.
func (s *Store) UpsertEvent(ctx context.Context, tx *sql.Tx, transactionID int64, w EventWire) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event (transaction_id, event_index, variant, asset_id, amount, sender, recipient, topic, decoded_value, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		ON CONFLICT (transaction_id, event_index, variant) DO NOTHING
	`, transactionID, w.EventIndex, w.Variant, w.AssetID, w.Amount, w.Sender, w.Recipient, w.Topic, w.DecodedValue)
	if err != nil {
		return fmt.Errorf("chain: insert event: %w", err)
	}
	return nil
}

// ContractCallFor returns the contract-call facet of a transaction, if any.
func (s *Store) ContractCallFor(ctx context.Context, tx *sql.Tx, transactionID int64) (*ContractCall, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT transaction_id, contract_id, function_name, args_json
		FROM contract_call WHERE transaction_id = $1
	`, transactionID)

	var c ContractCall
	err := row.Scan(&c.TransactionID, &c.ContractID, &c.FunctionName, &c.ArgsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain: get contract call: %w", err)
	}
	return &c, nil
}

// EventsFor returns the live events for a transaction in event_index order.
func (s *Store) EventsFor(ctx context.Context, tx *sql.Tx, transactionID int64) ([]Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, transaction_id, event_index, variant, asset_id, amount, sender, recipient, topic, decoded_value, deleted
		FROM event WHERE transaction_id = $1 AND deleted = false
		ORDER BY event_index ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("chain: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.EventIndex, &e.Variant, &e.AssetID, &e.Amount, &e.Sender, &e.Recipient, &e.Topic, &e.DecodedValue, &e.Deleted); err != nil {
			return nil, fmt.Errorf("chain: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Transaction returns a transaction by its persisted id.
func (s *Store) Transaction(ctx context.Context, tx *sql.Tx, id int64) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tx_id, block_id, sender, success, position, nonce, fee, cost_units, deleted, deleted_at
		FROM transaction WHERE id = $1
	`, id)

	var t Transaction
	err := row.Scan(&t.ID, &t.TxID, &t.BlockID, &t.Sender, &t.Success, &t.Position, &t.Nonce, &t.Fee, &t.CostUnits, &t.Deleted, &t.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain: get transaction: %w", err)
	}
	return &t, nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (error code 23505), the only constraint violation the
// ingestion engine treats as a benign duplicate rather than a failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CurrentTip returns the highest-height live block, for the operational
// status surface.
func (s *Store) CurrentTip(ctx context.Context, db *sql.DB) (height int64, hash string, err error) {
	row := db.QueryRowContext(ctx, `
		SELECT height, block_hash FROM block
		WHERE deleted = false
		ORDER BY height DESC LIMIT 1
	`)
	err = row.Scan(&height, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("chain: current tip: %w", err)
	}
	return height, hash, nil
}

package ingestion

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/chain-monitor/internal/chain"
)

type fakeMatcher struct {
	ids []int64
}

func (f fakeMatcher) Match(context.Context, *sql.Tx, *chain.Transaction, *chain.ContractCall, []chain.Event) ([]int64, error) {
	return f.ids, nil
}

type fakePublisher struct {
	published []int64
}

func (f *fakePublisher) PublishNotificationIDs(_ context.Context, _ *sql.Tx, ids []int64) error {
	f.published = append(f.published, ids...)
	return nil
}

func TestIngestNewBlockCommitsAndPublishes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := chain.NewStore()
	pub := &fakePublisher{}
	engine := New(db, store, fakeMatcher{ids: []int64{42}}, pub)

	mock.ExpectBegin()

	mock.ExpectQuery(`SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version\s+FROM block WHERE block_hash = \$1`).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery(`INSERT INTO block`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	mock.ExpectQuery(`INSERT INTO transaction`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	mock.ExpectQuery(`SELECT id, tx_id, block_id, sender, success, position, nonce, fee, cost_units, deleted, deleted_at\s+FROM transaction WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tx_id", "block_id", "sender", "success", "position", "nonce", "fee", "cost_units", "deleted", "deleted_at"}).
			AddRow(int64(10), "tx-1", int64(1), "sender-1", true, 0, int64(1), "0", "0", false, nil))

	mock.ExpectQuery(`SELECT transaction_id, contract_id, function_name, args_json\s+FROM contract_call WHERE transaction_id = \$1`).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery(`SELECT id, transaction_id, event_index, variant, asset_id, amount, sender, recipient, topic, decoded_value, deleted\s+FROM event WHERE transaction_id = \$1 AND deleted = false`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "event_index", "variant", "asset_id", "amount", "sender", "recipient", "topic", "decoded_value", "deleted"}))

	mock.ExpectCommit()

	body := []byte(`{"apply":[{"hash":"b1","height":1,"parent_hash":"b0","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `","txs":[{"tx_id":"tx-1","sender":"sender-1","success":true}]}]}`)

	err = engine.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, []int64{42}, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestLiveBlockRedeliverySkips(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := chain.NewStore()
	pub := &fakePublisher{}
	engine := New(db, store, fakeMatcher{}, pub)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "block_hash", "height", "parent_hash", "timestamp", "deleted", "deleted_at", "version"}).
			AddRow(int64(1), "b1", int64(1), "b0", time.Now(), false, nil, int64(1)))
	mock.ExpectCommit()

	body := []byte(`{"apply":[{"hash":"b1","height":1,"parent_hash":"b0","txs":[]}]}`)

	err = engine.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Empty(t, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRollbackInvalidatesNotifications(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := chain.NewStore()
	pub := &fakePublisher{}
	engine := New(db, store, fakeMatcher{}, pub)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "block_hash", "height", "parent_hash", "timestamp", "deleted", "deleted_at", "version"}).
			AddRow(int64(1), "b1", int64(1), "b0", time.Now(), false, nil, int64(1)))
	mock.ExpectExec(`UPDATE block SET deleted = true`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE transaction SET deleted = true`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event SET deleted = true`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE notification SET invalidated = true`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := []byte(`{"rollback":[{"hash":"b1","height":1}]}`)

	err = engine.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

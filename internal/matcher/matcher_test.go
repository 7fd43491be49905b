package matcher

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/chain-monitor/internal/chain"
	"github.com/r3e-network/chain-monitor/internal/rules"
)

type fixedIndex struct {
	idx *rules.Index
}

func (f fixedIndex) Get(context.Context) (*rules.Index, error) { return f.idx, nil }

type noopMetrics struct{}

func (noopMetrics) RecordAlertMatch(string, int, time.Duration) {}

func TestMatchContractCallFiresOnWinningCooldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rule := &rules.Rule{ID: 1, Name: "watch-mint", Severity: "high", Variant: rules.VariantContractCall,
		ContractID: "c1", FunctionName: "mint", Channels: []rules.Channel{rules.ChannelEmail}, Active: true}
	idx := rules.NewIndex([]*rules.Rule{rule})

	m := New(fixedIndex{idx}, noopMetrics{})

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE rule SET last_triggered_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO notification`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))

	txn := &chain.Transaction{ID: 5, Success: true}
	call := &chain.ContractCall{ContractID: "c1", FunctionName: "mint"}

	created, err := m.Match(context.Background(), tx, txn, call, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchSkipsOnLostCooldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rule := &rules.Rule{ID: 1, Name: "watch-mint", Variant: rules.VariantContractCall,
		ContractID: "c1", FunctionName: "mint", Channels: []rules.Channel{rules.ChannelEmail}, Active: true}
	idx := rules.NewIndex([]*rules.Rule{rule})
	m := New(fixedIndex{idx}, noopMetrics{})

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE rule SET last_triggered_at`).WillReturnResult(sqlmock.NewResult(0, 0))

	txn := &chain.Transaction{ID: 5, Success: true}
	call := &chain.ContractCall{ContractID: "c1", FunctionName: "mint"}

	created, err := m.Match(context.Background(), tx, txn, call, nil)
	require.NoError(t, err)
	require.Empty(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchFailedTransactionRule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rule := &rules.Rule{ID: 2, Name: "failed-tx", Variant: rules.VariantFailedTransaction,
		Channels: []rules.Channel{rules.ChannelWebhook}, Active: true}
	idx := rules.NewIndex([]*rules.Rule{rule})
	m := New(fixedIndex{idx}, noopMetrics{})

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE rule SET last_triggered_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO notification`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(200)))

	txn := &chain.Transaction{ID: 9, Success: false}

	created, err := m.Match(context.Background(), tx, txn, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{200}, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPayloadExtractsDescriptionFromSmartContractLog(t *testing.T) {
	rule := &rules.Rule{ID: 1, Name: "r", Severity: "low"}
	txn := &chain.Transaction{ID: 1}
	ev := &chain.Event{Variant: chain.EventSmartContractLog, DecodedValue: `{"message":"hello"}`}

	payload := buildPayload(rule, txn, ev)
	require.Contains(t, payload, `"description":"hello"`)
}

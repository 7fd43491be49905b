package tokens

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestStoreRevokeInsertsIdempotently(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectExec(`INSERT INTO revoked_token`).
		WithArgs("digest-1", "alice@example.test", "logout", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Revoke(context.Background(), "digest-1", "alice@example.test", "logout", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIsRevokedTrue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectQuery(`SELECT count\(\*\) FROM revoked_token WHERE digest = \$1`).
		WithArgs("digest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	revoked, err := store.IsRevoked(context.Background(), "digest-1")
	require.NoError(t, err)
	require.True(t, revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRevokeAllForUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectExec(`DELETE FROM revoked_token WHERE user_email = \$1`).
		WithArgs("alice@example.test").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err = store.RevokeAllForUser(context.Background(), "alice@example.test")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSweepExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectExec(`DELETE FROM revoked_token WHERE expires_at < now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.sweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

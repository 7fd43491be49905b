package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *fakeHandler) Send(context.Context, *Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestDispatchOneSuccessMarksDelivered(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	handler := &fakeHandler{}
	d := New(store, map[Channel]Handler{ChannelWebhook: handler}, nil, nil, Config{RetryBaseDelay: time.Millisecond})

	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDelivering, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDelivered, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n := &Notification{ID: 1, Channel: ChannelWebhook, WebhookURL: "https://example.test/hook"}
	d.dispatchOne(context.Background(), n)

	require.Equal(t, 1, handler.callCount())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOneNoHandlerMarksFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	d := New(store, map[Channel]Handler{}, nil, nil, Config{})

	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusFailed, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n := &Notification{ID: 7, Channel: ChannelEmail}
	d.dispatchOne(context.Background(), n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOneExhaustsRetriesAndDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	handler := &fakeHandler{err: errors.New("boom")}
	d := New(store, map[Channel]Handler{ChannelWebhook: handler}, nil, nil, Config{RetryAttempts: 3, RetryBaseDelay: time.Millisecond})

	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDelivering, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for attempt := 1; attempt <= 3; attempt++ {
		mock.ExpectExec(`UPDATE notification\s+SET attempt_count = \$1`).
			WithArgs(attempt, sqlmock.AnyArg(), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if attempt < 3 {
			mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
				WithArgs(StatusRetrying, int64(2)).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
	}
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDeadLetter, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO dlq`).
		WithArgs(int64(2), int64(0), "", ChannelWebhook, "https://example.test/hook",
			ReasonMaxRetriesExceeded, "boom", "", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n := &Notification{ID: 2, Channel: ChannelWebhook, WebhookURL: "https://example.test/hook"}
	d.dispatchOne(context.Background(), n)

	require.Equal(t, 3, handler.callCount())
	require.Equal(t, 3, n.AttemptCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOneInvalidRecipientSkipsRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	handler := &fakeHandler{err: &ErrInvalidRecipient{Reason: "no webhook_url"}}
	d := New(store, map[Channel]Handler{ChannelWebhook: handler}, nil, nil, Config{RetryAttempts: 3, RetryBaseDelay: time.Millisecond})

	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDelivering, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE notification\s+SET attempt_count = \$1`).
		WithArgs(1, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notification SET status = \$1 WHERE id = \$2`).
		WithArgs(StatusDeadLetter, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO dlq`).
		WithArgs(int64(3), int64(0), "", ChannelWebhook, "", ReasonInvalidRecipient,
			sqlmock.AnyArg(), "", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n := &Notification{ID: 3, Channel: ChannelWebhook}
	d.dispatchOne(context.Background(), n)

	require.Equal(t, 1, handler.callCount())
	require.NoError(t, mock.ExpectationsWereMet())
}

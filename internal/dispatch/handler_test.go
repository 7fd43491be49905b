package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/chain-monitor/infrastructure/testutil"
)

func TestWebhookHandlerSendSuccessOn2xx(t *testing.T) {
	var received WebhookBody
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewWebhookHandler(nil)
	n := &Notification{ID: 1, RuleID: 2, RuleName: "watch", Severity: "critical", WebhookURL: server.URL, TxID: "tx-1"}

	err := h.Send(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, int64(1), received.NotificationID)
	require.Equal(t, "tx-1", received.Transaction.TxID)
}

func TestWebhookHandlerSendFailureOnNon2xx(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := NewWebhookHandler(nil)
	n := &Notification{ID: 1, WebhookURL: server.URL}

	err := h.Send(context.Background(), n)
	require.Error(t, err)
}

func TestWebhookHandlerSendMissingURLIsInvalidRecipient(t *testing.T) {
	h := NewWebhookHandler(nil)
	n := &Notification{ID: 1}

	err := h.Send(context.Background(), n)
	require.Error(t, err)
	var invalid *ErrInvalidRecipient
	require.ErrorAs(t, err, &invalid)
}

func TestEmailHandlerSendMissingRecipientsIsInvalidRecipient(t *testing.T) {
	h := NewEmailHandler(EmailConfig{Host: "localhost", Port: 25, From: "alerts@example.test"})
	n := &Notification{ID: 1, Severity: "warning", RuleName: "watch"}

	err := h.Send(context.Background(), n)
	require.Error(t, err)
	var invalid *ErrInvalidRecipient
	require.ErrorAs(t, err, &invalid)
}

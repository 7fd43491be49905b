// Package dispatch implements the notification dispatcher:
// consumes the commit-bound event published by internal/notify, selects a
// per-channel handler, and drives each notification through its delivery
// state machine with per-channel retry and circuit breaking.
package dispatch

import "time"

// Status is a notification's position in the dispatch state machine:
// pending → delivering → {delivered | retrying → delivering | … | dead_letter | failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
	StatusFailed     Status = "failed"
)

// FailureReason tags why a notification ended in dead_letter or failed.
type FailureReason string

const (
	ReasonCircuitOpen        FailureReason = "circuit_open"
	ReasonMaxRetriesExceeded FailureReason = "max_retries_exceeded"
	ReasonTimeout            FailureReason = "timeout"
	ReasonInvalidRecipient   FailureReason = "invalid_recipient"
	ReasonNoHandler          FailureReason = "no_handler"
)

// Channel is the delivery channel a notification targets.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Notification is a single notification row joined with everything a
// channel handler needs to build its message: the triggering rule,
// transaction, and (if any) event.
type Notification struct {
	ID            int64
	RuleID        int64
	RuleName      string
	Severity      string
	Channel       Channel
	Emails        []string
	WebhookURL    string
	TransactionID int64
	TxID          string
	Sender        string
	Success       bool
	BlockHeight   int64
	EventID       *int64
	EventVariant  string
	EventIndex    *int
	ContractID    string
	Description   string
	Payload       string
	AttemptCount  int
	TriggeredAt   time.Time
}

// Subject composes the email subject line: "[<severity>] <rule name>".
func (n *Notification) Subject() string {
	return "[" + n.Severity + "] " + n.RuleName
}

// WebhookBody is the JSON body posted to a webhook channel target.
type WebhookBody struct {
	NotificationID int64      `json:"notification_id"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AlertRuleID    int64      `json:"alert_rule_id"`
	AlertRuleName  string     `json:"alert_rule_name"`
	Severity       string     `json:"severity"`
	Transaction    webhookTx  `json:"transaction"`
	Event          *webhookEv `json:"event,omitempty"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
}

type webhookTx struct {
	TxID        string `json:"tx_id"`
	Sender      string `json:"sender"`
	Success     bool   `json:"success"`
	BlockHeight int64  `json:"block_height"`
}

type webhookEv struct {
	Variant            string `json:"variant"`
	EventIndex         int    `json:"event_index"`
	ContractIdentifier string `json:"contract_identifier,omitempty"`
	Description        string `json:"description,omitempty"`
}

// Body builds the webhook payload for n.
func (n *Notification) Body() WebhookBody {
	b := WebhookBody{
		NotificationID: n.ID,
		TriggeredAt:    n.TriggeredAt,
		AlertRuleID:    n.RuleID,
		AlertRuleName:  n.RuleName,
		Severity:       n.Severity,
		Transaction: webhookTx{
			TxID:        n.TxID,
			Sender:      n.Sender,
			Success:     n.Success,
			BlockHeight: n.BlockHeight,
		},
		Message:   n.Description,
		Timestamp: time.Now().UTC(),
	}
	if n.EventID != nil {
		idx := 0
		if n.EventIndex != nil {
			idx = *n.EventIndex
		}
		b.Event = &webhookEv{
			Variant:            n.EventVariant,
			EventIndex:         idx,
			ContractIdentifier: n.ContractID,
			Description:        n.Description,
		}
	}
	return b
}

// DeadLetter is the denormalized DLQ snapshot inserted on permanent
// dispatch failure.
type DeadLetter struct {
	ID             int64
	NotificationID int64
	AlertRuleID    int64
	AlertRuleName  string
	Channel        Channel
	Recipient      string
	FailureReason  FailureReason
	ErrorMessage   string
	ErrorTrace     string
	AttemptCount   int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	QueuedAt       time.Time
	Processed      bool
}

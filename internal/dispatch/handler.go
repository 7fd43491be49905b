package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Handler delivers one notification over its channel. A non-nil error is
// treated as a retryable delivery failure unless it is (or wraps)
// ErrInvalidRecipient, which maps directly to ReasonInvalidRecipient
// without spending retry budget.
type Handler interface {
	Send(ctx context.Context, n *Notification) error
}

// ErrInvalidRecipient marks a delivery failure that retrying cannot fix:
// the handler contract distinguishes this from a
// transient transport error.
type ErrInvalidRecipient struct {
	Reason string
}

func (e *ErrInvalidRecipient) Error() string {
	return "dispatch: invalid recipient: " + e.Reason
}

// EmailConfig configures the SMTP email handler.
type EmailConfig struct {
	Host string
	Port int
	From string
	Auth smtp.Auth
}

// EmailHandler sends notifications over SMTP. No pack example wires a
// third-party mail client (gomail, SES, SendGrid); net/smtp is the
// standard library's own MTA client, used here for lack of a better-fit
// dependency in the retrieved corpus.
type EmailHandler struct {
	cfg EmailConfig
}

// NewEmailHandler builds an EmailHandler.
func NewEmailHandler(cfg EmailConfig) *EmailHandler {
	return &EmailHandler{cfg: cfg}
}

// Send implements Handler for the email channel: subject
// "[<severity>] <rule_name>", recipients are the rule's comma-separated
// or structured email list.
func (h *EmailHandler) Send(ctx context.Context, n *Notification) error {
	recipients := n.Emails
	if len(recipients) == 0 {
		return &ErrInvalidRecipient{Reason: "no email recipients configured for rule"}
	}

	subject := n.Subject()
	body := n.Description
	if body == "" {
		body = fmt.Sprintf("Rule %q matched transaction %s", n.RuleName, n.TxID)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", h.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
	msg.WriteString(body)

	addr := net.JoinHostPort(h.cfg.Host, fmt.Sprintf("%d", h.cfg.Port))
	if err := smtp.SendMail(addr, h.cfg.Auth, h.cfg.From, recipients, msg.Bytes()); err != nil {
		return fmt.Errorf("dispatch: smtp send: %w", err)
	}
	return nil
}

// WebhookHandler posts the notification's JSON body to the rule's
// configured webhook URL.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler builds a WebhookHandler with a bounded request
// timeout; the dispatcher layers its own per-attempt deadline on top via
// the context passed to Send.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookHandler{client: client}
}

// Send implements Handler for the webhook channel: a 2xx
// response is success; anything else, including a transport error, is
// a failure.
func (h *WebhookHandler) Send(ctx context.Context, n *Notification) error {
	if n.WebhookURL == "" {
		return &ErrInvalidRecipient{Reason: "no webhook_url configured for rule"}
	}

	body, err := json.Marshal(n.Body())
	if err != nil {
		return fmt.Errorf("dispatch: marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &ErrInvalidRecipient{Reason: "malformed webhook_url: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Package webhook archives every inbound chain-event delivery before any
// authenticity or business-logic decision is made about it.
// The archive is the system's record of what was received, independent of
// whether it was later accepted, rejected, or failed to ingest.
package webhook

import "time"

// Status is the lifecycle state of an archived delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusProcessed Status = "processed"
)

// Raw is one archived webhook delivery.
type Raw struct {
	ID          int64
	ReceivedAt  time.Time
	Headers     string // JSON-encoded map[string][]string
	Body        []byte
	Status      Status
	Error       string
	ErrorTrace  string
	ProcessedAt *time.Time
}

// Package notify is the thin domain layer over pkg/pgnotify's commit-bound
// pub/sub half: the ingestion engine publishes the ids of
// notifications it created as the last statement before COMMIT, and the
// dispatcher subscribes to receive exactly those ids once the transaction
// that created them actually commits.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/r3e-network/chain-monitor/pkg/pgnotify"
)

// Channel is the single Postgres NOTIFY channel used for commit-bound
// notification dispatch.
const Channel = "notifications.committed"

// Bus is the subset of pkg/pgnotify.Bus the registry depends on, declared
// locally so a unit test can substitute an in-memory fake instead of a real
// Postgres LISTEN/NOTIFY connection.
type Bus interface {
	PublishTx(ctx context.Context, tx *sql.Tx, channel string, payload interface{}) error
	Subscribe(channel string, handler pgnotify.Handler) error
}

// Registry publishes and consumes the commit-bound notification event.
type Registry struct {
	bus Bus
}

// New builds a Registry over an already-connected bus.
func New(bus Bus) *Registry {
	return &Registry{bus: bus}
}

// PublishNotificationIDs implements internal/ingestion.Publisher. Called as
// the ingestion transaction's last statement before commit; pg_notify
// executed inside a transaction is only delivered to listeners once that
// transaction actually commits, so a rollback after this call is observed
// by nobody.
func (r *Registry) PublishNotificationIDs(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.bus.PublishTx(ctx, tx, Channel, ids); err != nil {
		return fmt.Errorf("notify: publish notification ids: %w", err)
	}
	return nil
}

// Subscribe registers the dispatcher's handler against the commit-bound
// channel. The handler receives the decoded id list for each event.
func (r *Registry) Subscribe(handler func(ctx context.Context, ids []int64) error) error {
	return r.bus.Subscribe(Channel, func(ctx context.Context, ev pgnotify.Event) error {
		var ids []int64
		if err := json.Unmarshal(ev.Payload, &ids); err != nil {
			return fmt.Errorf("notify: decode notification ids: %w", err)
		}
		return handler(ctx, ids)
	})
}

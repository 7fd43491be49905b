package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/chain-monitor/infrastructure/logging"
)

// Store persists revoked-token digests.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Revoke inserts (digest, user, reason, revoked_at, expires_at) for one
// token, idempotently: revoking the same token twice is a no-op.
func (s *Store) Revoke(ctx context.Context, digest, userEmail, reason string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_token (digest, user_email, revocation_reason, revoked_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (digest) DO NOTHING
	`, digest, userEmail, reason, expiresAt)
	if err != nil {
		return fmt.Errorf("tokens: revoke: %w", err)
	}
	return nil
}

// RevokeAllForUser deletes every revocation row for userEmail.
func (s *Store) RevokeAllForUser(ctx context.Context, userEmail string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM revoked_token WHERE user_email = $1`, userEmail)
	if err != nil {
		return fmt.Errorf("tokens: bulk revoke for user: %w", err)
	}
	return nil
}

// IsRevoked implements Revoker.
func (s *Store) IsRevoked(ctx context.Context, digest string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM revoked_token WHERE digest = $1`, digest).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("tokens: check revoked: %w", err)
	}
	return n > 0, nil
}

// sweepExpired deletes revocation rows whose expires_at has passed: once
// a token's own expiry has elapsed, its revocation entry is pointless
// (the signature check alone rejects it).
func (s *Store) sweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_token WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("tokens: sweep expired: %w", err)
	}
	return res.RowsAffected()
}

// Sweeper runs the scheduled cleanup of expired revocation rows, using
// the same robfig/cron/v3 idiom as internal/dispatch's DLQ staleness
// report.
type Sweeper struct {
	store  *Store
	logger *logging.Logger
	cron   *cron.Cron
}

// NewSweeper builds a Sweeper.
func NewSweeper(store *Store, logger *logging.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger}
}

// Start schedules the sweep per the given cron spec and begins running it.
func (sw *Sweeper) Start(spec string) error {
	sw.cron = cron.New()
	_, err := sw.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := sw.store.sweepExpired(ctx)
		if err != nil {
			if sw.logger != nil {
				sw.logger.WithError(err).Warn("tokens: revoked-token sweep failed")
			}
			return
		}
		if sw.logger != nil && n > 0 {
			sw.logger.WithField("rows_deleted", n).Info("tokens: swept expired revocation rows")
		}
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the sweep.
func (sw *Sweeper) Stop() {
	if sw.cron != nil {
		sw.cron.Stop()
	}
}

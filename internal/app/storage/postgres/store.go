// Package postgres implements the ledger storage interfaces backed by
// PostgreSQL. Every RunTransaction call runs SERIALIZABLE; serialization
// failures are retried transparently, which is how the conflict-retry
// contract of storage.Ledger is met.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/claim"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/storage"
)

//go:embed schema.sql
var schemaSQL string

const maxTxAttempts = 5

// Store implements storage.Ledger on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ storage.Ledger = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RunTransaction executes fn in a SERIALIZABLE transaction, retrying on
// serialization or deadlock failures. fn may therefore run several
// times; a non-nil error from fn aborts without retry.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, &sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// retryable reports whether the error is a serialization failure
// (SQLSTATE 40001), deadlock (40P01), or unique violation (23505).
// Postgres can raise a unique violation in place of a serialization
// failure when two SERIALIZABLE transactions insert the same key: the
// btree uniqueness check sees the winner's committed tuple first. The
// loser's retry re-reads the row and takes the existing-document path,
// which is how the claim marker stays idempotent under concurrency.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01" || pqErr.Code == "23505"
}

// GetNonce reads a nonce outside any transaction.
func (s *Store) GetNonce(ctx context.Context, id string) (reward.Nonce, bool, error) {
	return scanNonce(s.db.QueryRowContext(ctx, `
		SELECT id, anon_id, status, bind_ip, bind_ua, bind_origin, bind_referer,
		       baseline_earned, baseline_reset_at, issued_at, redeemed_at
		FROM ad_nonces
		WHERE id = $1
	`, id))
}

// AppendAudit inserts an audit event outside any ledger transaction.
func (s *Store) AppendAudit(ctx context.Context, evt audit.Event) error {
	fieldsJSON, err := json.Marshal(evt.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, subject, fields, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.ID, evt.Type, evt.Subject, fieldsJSON, evt.CreatedAt.UTC())
	return err
}

// ListAudit returns up to limit audit events, oldest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, subject, fields, created_at
		FROM audit_events
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Event
	for rows.Next() {
		var (
			evt       audit.Event
			fieldsRaw []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Subject, &fieldsRaw, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if len(fieldsRaw) > 0 {
			_ = json.Unmarshal(fieldsRaw, &evt.Fields)
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}

// sqlTx adapts *sql.Tx to storage.Tx. Read-your-writes comes directly
// from running every statement on the same database transaction.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) GetBalance(ctx context.Context, identity string) (credit.Balance, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT identity, credits, last_reset_at, last_refill_at, refill_armed, updated_at
		FROM credit_balances
		WHERE identity = $1
	`, identity)

	var (
		b          credit.Balance
		lastRefill sql.NullTime
	)
	if err := row.Scan(&b.Identity, &b.Credits, &b.LastResetAt, &lastRefill, &b.RefillArmed, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credit.Balance{}, false, nil
		}
		return credit.Balance{}, false, err
	}
	if lastRefill.Valid {
		b.LastRefillAt = lastRefill.Time.UTC()
	}
	return b, true, nil
}

func (t *sqlTx) PutBalance(ctx context.Context, b credit.Balance) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_balances (identity, credits, last_reset_at, last_refill_at, refill_armed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity) DO UPDATE
		SET credits = EXCLUDED.credits,
		    last_reset_at = EXCLUDED.last_reset_at,
		    last_refill_at = EXCLUDED.last_refill_at,
		    refill_armed = EXCLUDED.refill_armed,
		    updated_at = EXCLUDED.updated_at
	`, b.Identity, b.Credits, b.LastResetAt, toNullTime(b.LastRefillAt), b.RefillArmed, time.Now().UTC())
	return err
}

func (t *sqlTx) GetCounter(ctx context.Context, anonID string) (reward.Counter, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT anon_id, today_earned, last_earned_at, last_reset_at
		FROM reward_counters
		WHERE anon_id = $1
	`, anonID)

	var (
		c          reward.Counter
		lastEarned sql.NullTime
	)
	if err := row.Scan(&c.AnonID, &c.TodayEarned, &lastEarned, &c.LastResetAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reward.Counter{}, false, nil
		}
		return reward.Counter{}, false, err
	}
	if lastEarned.Valid {
		c.LastEarnedAt = lastEarned.Time.UTC()
	}
	return c, true, nil
}

func (t *sqlTx) PutCounter(ctx context.Context, c reward.Counter) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reward_counters (anon_id, today_earned, last_earned_at, last_reset_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (anon_id) DO UPDATE
		SET today_earned = EXCLUDED.today_earned,
		    last_earned_at = EXCLUDED.last_earned_at,
		    last_reset_at = EXCLUDED.last_reset_at
	`, c.AnonID, c.TodayEarned, toNullTime(c.LastEarnedAt), c.LastResetAt)
	return err
}

func (t *sqlTx) GetNonce(ctx context.Context, id string) (reward.Nonce, bool, error) {
	return scanNonce(t.tx.QueryRowContext(ctx, `
		SELECT id, anon_id, status, bind_ip, bind_ua, bind_origin, bind_referer,
		       baseline_earned, baseline_reset_at, issued_at, redeemed_at
		FROM ad_nonces
		WHERE id = $1
	`, id))
}

func (t *sqlTx) PutNonce(ctx context.Context, n reward.Nonce) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ad_nonces (id, anon_id, status, bind_ip, bind_ua, bind_origin, bind_referer,
		                       baseline_earned, baseline_reset_at, issued_at, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    redeemed_at = EXCLUDED.redeemed_at
	`, n.ID, n.AnonID, n.Status, n.Binding.IP, n.Binding.UA, n.Binding.Origin, n.Binding.Referer,
		n.BaselineEarned, n.BaselineResetAt, n.IssuedAt.UTC(), toNullTime(n.RedeemedAt))
	return err
}

func (t *sqlTx) HasClaimMarker(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM claim_markers WHERE key = $1)
	`, key).Scan(&exists)
	return exists, err
}

func (t *sqlTx) PutClaimMarker(ctx context.Context, m claim.Marker) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO claim_markers (key, identity, device_id, ip, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.Key, m.Identity, m.DeviceID, m.IP, m.CreatedAt.UTC())
	return err
}

func (t *sqlTx) GetDailyCount(ctx context.Context, key string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT count FROM daily_counters WHERE key = $1
	`, key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (t *sqlTx) IncrDailyCount(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_counters (key, count)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET count = daily_counters.count + 1
	`, key)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNonce(row rowScanner) (reward.Nonce, bool, error) {
	var (
		n        reward.Nonce
		redeemed sql.NullTime
	)
	err := row.Scan(&n.ID, &n.AnonID, &n.Status, &n.Binding.IP, &n.Binding.UA, &n.Binding.Origin,
		&n.Binding.Referer, &n.BaselineEarned, &n.BaselineResetAt, &n.IssuedAt, &redeemed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reward.Nonce{}, false, nil
		}
		return reward.Nonce{}, false, err
	}
	if redeemed.Valid {
		n.RedeemedAt = redeemed.Time.UTC()
	}
	return n, true, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Package storage defines the persistence contract for the credit
// ledger: a transactional document store plus a best-effort audit sink.
package storage

import (
	"context"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/claim"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
)

// Tx provides read-your-writes access to ledger documents inside one
// atomic transaction. Reads observe writes staged earlier in the same
// transaction; nothing becomes visible to other transactions until the
// enclosing RunTransaction commits.
type Tx interface {
	GetBalance(ctx context.Context, identity string) (credit.Balance, bool, error)
	PutBalance(ctx context.Context, b credit.Balance) error

	GetCounter(ctx context.Context, anonID string) (reward.Counter, bool, error)
	PutCounter(ctx context.Context, c reward.Counter) error

	GetNonce(ctx context.Context, id string) (reward.Nonce, bool, error)
	PutNonce(ctx context.Context, n reward.Nonce) error

	HasClaimMarker(ctx context.Context, key string) (bool, error)
	PutClaimMarker(ctx context.Context, m claim.Marker) error

	GetDailyCount(ctx context.Context, key string) (int, error)
	IncrDailyCount(ctx context.Context, key string) error
}

// Ledger is the transactional store the coordinators run against.
//
// RunTransaction executes fn atomically: either every staged write
// commits or none does. Conflicting transactions are retried
// transparently, so fn may run more than once and must have no side
// effects other than staged writes. A non-nil error from fn aborts the
// transaction and is returned unchanged.
type Ledger interface {
	audit.Sink

	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetNonce reads a nonce outside any transaction, for cheap
	// pre-checks that must not hold a transaction open.
	GetNonce(ctx context.Context, id string) (reward.Nonce, bool, error)

	// ListAudit returns up to limit persisted audit events, oldest
	// first. Intended for operations and tests.
	ListAudit(ctx context.Context, limit int) ([]audit.Event, error)
}

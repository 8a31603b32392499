// Package spend implements the spend coordinator: deducting from a
// per-identity balance with lazy daily reset and time-based refill.
package spend

import (
	"context"
	"strconv"
	"time"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/pkg/logger"
)

// Rejection codes returned in Result.Code.
const (
	CodeBadRequest   = "bad-request"
	CodeInsufficient = "insufficient"
)

// Result is the outcome of a spend or balance read. On rejection Code
// is set and the balance fields reflect the rebased (persisted) state.
type Result struct {
	OK           bool      `json:"ok"`
	Code         string    `json:"code,omitempty"`
	Credits      int       `json:"credits"`
	RefillArmed  bool      `json:"refillArmed"`
	LastRefillAt time.Time `json:"lastRefillAt"`
}

// Service coordinates balance mutations against the ledger.
type Service struct {
	ledger   storage.Ledger
	rules    credit.Rules
	maxSpend int
	recorder *audit.Recorder
	log      *logger.Logger
	now      func() time.Time
}

// New creates a spend coordinator.
func New(ledger storage.Ledger, rules credit.Rules, maxSpend int, recorder *audit.Recorder, log *logger.Logger) *Service {
	return &Service{
		ledger:   ledger,
		rules:    rules,
		maxSpend: maxSpend,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TrySpend deducts amount from the identity's balance. Malformed
// amounts are rejected before any store access. An insufficient balance
// still persists the rebased record so reset and refill progress is
// never lost.
func (s *Service) TrySpend(ctx context.Context, identity string, amount int) (Result, error) {
	if amount <= 0 || amount > s.maxSpend {
		return Result{Code: CodeBadRequest}, nil
	}

	now := s.now().UTC()
	var res Result

	err := s.ledger.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, ok, err := tx.GetBalance(ctx, identity)
		if err != nil {
			return err
		}
		if !ok {
			b = credit.Balance{Identity: identity}
		}
		b = credit.Rebase(b, now, s.rules)

		if b.Credits < amount {
			res = Result{Code: CodeInsufficient, Credits: b.Credits, RefillArmed: b.RefillArmed, LastRefillAt: b.LastRefillAt}
			return tx.PutBalance(ctx, b)
		}

		b.Credits -= amount
		if b.Credits < s.rules.DailyCap && !b.RefillArmed {
			// Arming starts the refill clock; a spend against an
			// already-armed balance must not restart it.
			b.RefillArmed = true
			b.LastRefillAt = now
		}

		res = Result{OK: true, Credits: b.Credits, RefillArmed: b.RefillArmed, LastRefillAt: b.LastRefillAt}
		return tx.PutBalance(ctx, b)
	})
	if err != nil {
		return Result{}, err
	}

	if res.OK {
		s.recorder.Record(audit.Event{
			Type:    audit.TypeSpendSettled,
			Subject: identity,
			Fields: map[string]string{
				"amount":  strconv.Itoa(amount),
				"credits": strconv.Itoa(res.Credits),
			},
		})
		s.log.WithField("identity", identity).WithField("amount", amount).Debug("spend settled")
	}
	return res, nil
}

// Get returns the identity's balance after applying the lazy rebase.
// The rebased record is persisted, same as on a spend.
func (s *Service) Get(ctx context.Context, identity string) (Result, error) {
	now := s.now().UTC()
	var res Result

	err := s.ledger.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, ok, err := tx.GetBalance(ctx, identity)
		if err != nil {
			return err
		}
		if !ok {
			b = credit.Balance{Identity: identity}
		}
		b = credit.Rebase(b, now, s.rules)
		res = Result{OK: true, Credits: b.Credits, RefillArmed: b.RefillArmed, LastRefillAt: b.LastRefillAt}
		return tx.PutBalance(ctx, b)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Grant adds amount to the identity's balance inside the supplied
// transaction, clamped to the daily cap. Used by the claim coordinator
// so the grant shares the claim's atomic boundary.
func Grant(ctx context.Context, tx storage.Tx, identity string, amount int, now time.Time, rules credit.Rules) (credit.Balance, error) {
	b, ok, err := tx.GetBalance(ctx, identity)
	if err != nil {
		return credit.Balance{}, err
	}
	if !ok {
		b = credit.Balance{Identity: identity}
	}
	b = credit.Rebase(b, now, rules)

	b.Credits += amount
	if b.Credits > rules.DailyCap {
		b.Credits = rules.DailyCap
	}
	return b, tx.PutBalance(ctx, b)
}

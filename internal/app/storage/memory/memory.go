// Package memory implements the ledger storage interfaces in process
// memory. Transactions are serialized by a single mutex, which trivially
// satisfies the isolation contract; staged writes become visible only on
// commit. Primarily intended for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/claim"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/storage"
)

// Store is an in-memory implementation of storage.Ledger. Safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	balances map[string]credit.Balance
	counters map[string]reward.Counter
	nonces   map[string]reward.Nonce
	markers  map[string]claim.Marker
	counts   map[string]int

	auditMu sync.Mutex
	events  []audit.Event
}

var _ storage.Ledger = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		balances: make(map[string]credit.Balance),
		counters: make(map[string]reward.Counter),
		nonces:   make(map[string]reward.Nonce),
		markers:  make(map[string]claim.Marker),
		counts:   make(map[string]int),
	}
}

// RunTransaction executes fn under the store mutex with staged writes.
// Serialized execution means fn never observes a conflict, so it runs
// exactly once.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetNonce reads a nonce outside any transaction.
func (s *Store) GetNonce(ctx context.Context, id string) (reward.Nonce, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nonces[id]
	return n, ok, nil
}

// AppendAudit stores the event in the in-memory trail.
func (s *Store) AppendAudit(ctx context.Context, evt audit.Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

// ListAudit returns up to limit events, oldest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Event, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]audit.Event, limit)
	copy(out, s.events[:limit])
	return out, nil
}

// memTx stages writes against the store maps. Reads consult the staged
// values first so the transaction sees its own writes.
type memTx struct {
	s *Store

	balances map[string]credit.Balance
	counters map[string]reward.Counter
	nonces   map[string]reward.Nonce
	markers  map[string]claim.Marker
	incrs    map[string]int
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:        s,
		balances: make(map[string]credit.Balance),
		counters: make(map[string]reward.Counter),
		nonces:   make(map[string]reward.Nonce),
		markers:  make(map[string]claim.Marker),
		incrs:    make(map[string]int),
	}
}

func (t *memTx) commit() {
	for k, v := range t.balances {
		t.s.balances[k] = v
	}
	for k, v := range t.counters {
		t.s.counters[k] = v
	}
	for k, v := range t.nonces {
		t.s.nonces[k] = v
	}
	for k, v := range t.markers {
		t.s.markers[k] = v
	}
	for k, v := range t.incrs {
		t.s.counts[k] += v
	}
}

func (t *memTx) GetBalance(_ context.Context, identity string) (credit.Balance, bool, error) {
	if b, ok := t.balances[identity]; ok {
		return b, true, nil
	}
	b, ok := t.s.balances[identity]
	return b, ok, nil
}

func (t *memTx) PutBalance(_ context.Context, b credit.Balance) error {
	t.balances[b.Identity] = b
	return nil
}

func (t *memTx) GetCounter(_ context.Context, anonID string) (reward.Counter, bool, error) {
	if c, ok := t.counters[anonID]; ok {
		return c, true, nil
	}
	c, ok := t.s.counters[anonID]
	return c, ok, nil
}

func (t *memTx) PutCounter(_ context.Context, c reward.Counter) error {
	t.counters[c.AnonID] = c
	return nil
}

func (t *memTx) GetNonce(_ context.Context, id string) (reward.Nonce, bool, error) {
	if n, ok := t.nonces[id]; ok {
		return n, true, nil
	}
	n, ok := t.s.nonces[id]
	return n, ok, nil
}

func (t *memTx) PutNonce(_ context.Context, n reward.Nonce) error {
	t.nonces[n.ID] = n
	return nil
}

func (t *memTx) HasClaimMarker(_ context.Context, key string) (bool, error) {
	if _, ok := t.markers[key]; ok {
		return true, nil
	}
	_, ok := t.s.markers[key]
	return ok, nil
}

func (t *memTx) PutClaimMarker(_ context.Context, m claim.Marker) error {
	t.markers[m.Key] = m
	return nil
}

func (t *memTx) GetDailyCount(_ context.Context, key string) (int, error) {
	return t.s.counts[key] + t.incrs[key], nil
}

func (t *memTx) IncrDailyCount(_ context.Context, key string) error {
	t.incrs[key]++
	return nil
}

// SeedNonce installs a nonce directly, for tests that need an issued
// nonce without going through the reward service.
func (s *Store) SeedNonce(n reward.Nonce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[n.ID] = n
}

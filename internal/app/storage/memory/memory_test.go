package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/storage"
)

func TestTransactionReadYourWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutBalance(ctx, credit.Balance{Identity: "u1", Credits: 5}); err != nil {
			return err
		}
		b, ok, err := tx.GetBalance(ctx, "u1")
		if err != nil {
			return err
		}
		if !ok || b.Credits != 5 {
			t.Fatalf("staged write not visible: ok=%v credits=%d", ok, b.Credits)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
}

func TestAbortDiscardsStagedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutBalance(ctx, credit.Balance{Identity: "u1", Credits: 5}); err != nil {
			return err
		}
		if err := tx.IncrDailyCount(ctx, "device:d1:2026-09-01"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	err = s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, ok, err := tx.GetBalance(ctx, "u1"); err != nil || ok {
			t.Fatalf("aborted balance write leaked: ok=%v err=%v", ok, err)
		}
		n, err := tx.GetDailyCount(ctx, "device:d1:2026-09-01")
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("aborted counter increment leaked: %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
}

func TestIncrDailyCountStacksWithinTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.IncrDailyCount(ctx, "ip:10.0.0.1:2026-09-01"); err != nil {
				return err
			}
		}
		n, err := tx.GetDailyCount(ctx, "ip:10.0.0.1:2026-09-01")
		if err != nil {
			return err
		}
		if n != 3 {
			t.Fatalf("in-tx count = %d, want 3", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
}

func TestConcurrentIncrementsSerialize(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
				return tx.IncrDailyCount(ctx, "ip:10.0.0.1:2026-09-01")
			})
		}()
	}
	wg.Wait()

	var got int
	err := s.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.GetDailyCount(ctx, "ip:10.0.0.1:2026-09-01")
		got = n
		return err
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if got != 50 {
		t.Fatalf("count = %d, want 50", got)
	}
}

func TestNonceRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.SeedNonce(reward.Nonce{ID: "n1", AnonID: "a1", Status: reward.StatusIssued, IssuedAt: time.Now()})

	n, ok, err := s.GetNonce(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("GetNonce: ok=%v err=%v", ok, err)
	}
	if n.Status != reward.StatusIssued {
		t.Fatalf("status = %q, want issued", n.Status)
	}

	if _, ok, _ := s.GetNonce(ctx, "missing"); ok {
		t.Fatal("unexpected nonce")
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := s.AppendAudit(ctx, audit.Event{ID: id, Type: audit.TypeSpendSettled, Subject: "u1", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	events, err := s.ListAudit(ctx, 2)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
}

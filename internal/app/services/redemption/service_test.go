package redemption

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/domain/window"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/internal/app/storage/memory"
	"github.com/pickwise/credit_layer/pkg/logger"
)

var testCfg = Config{
	RewardAmount: 5,
	DailyCap:     50,
	Cooldown:     60 * time.Second,
	SessionTTL:   10 * time.Minute,
	SessionKey:   []byte("test-session-key"),
}

var testBinding = reward.Binding{
	IP:      "10.0.0.1",
	UA:      "Mozilla/5.0",
	Origin:  "https://app.example",
	Referer: "https://app.example/play",
}

func newService(store storage.Ledger, at time.Time) *Service {
	log := logger.New(logger.LoggingConfig{Level: "error", Output: io.Discard})
	svc := New(store, testCfg, audit.NewRecorder(10, nil), log)
	return svc.WithClock(func() time.Time { return at })
}

func seedCounter(t *testing.T, store storage.Ledger, c reward.Counter) {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.PutCounter(ctx, c)
	})
	if err != nil {
		t.Fatalf("seed counter: %v", err)
	}
}

func TestBeginThenRedeem(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if begun.Token == "" || begun.NonceID == "" {
		t.Fatalf("incomplete begin result: %+v", begun)
	}

	res, err := svc.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.OK {
		t.Fatalf("res = %+v, want ok", res)
	}

	err = store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		n, _, err := tx.GetNonce(ctx, begun.NonceID)
		if err != nil {
			return err
		}
		if n.Status != reward.StatusRedeemed {
			t.Fatalf("nonce status = %q, want redeemed", n.Status)
		}
		c, _, err := tx.GetCounter(ctx, "a1")
		if err != nil {
			return err
		}
		if c.TodayEarned != testCfg.RewardAmount {
			t.Fatalf("todayEarned = %d, want %d", c.TodayEarned, testCfg.RewardAmount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRedeemRejectsInvalidToken(t *testing.T) {
	svc := newService(memory.New(), time.Now().UTC())

	res, err := svc.Redeem(context.Background(), "not-a-jwt", "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.OK || res.Code != CodeInvalidToken {
		t.Fatalf("res = %+v, want invalid_token", res)
	}
}

func TestRedeemRejectsExpiredToken(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)

	begun, err := svc.Begin(context.Background(), "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	svc.WithClock(func() time.Time { return now.Add(testCfg.SessionTTL + time.Minute) })
	res, err := svc.Redeem(context.Background(), begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeInvalidToken {
		t.Fatalf("res = %+v, want invalid_token for expired session", res)
	}
}

func TestRedeemAidChecks(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	res, err := svc.Redeem(ctx, begun.Token, "", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeAidCookieMissing {
		t.Fatalf("res = %+v, want aid_cookie_missing", res)
	}

	res, err = svc.Redeem(ctx, begun.Token, "someone-else", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeAidMismatch {
		t.Fatalf("res = %+v, want aid_mismatch", res)
	}
}

func TestRedeemContextMismatchMutatesNothing(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	stolen := testBinding
	stolen.IP = "192.168.1.44"
	res, err := svc.Redeem(ctx, begun.Token, "a1", stolen)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeContextMismatch {
		t.Fatalf("res = %+v, want context_mismatch", res)
	}

	n, _, err := store.GetNonce(ctx, begun.NonceID)
	if err != nil {
		t.Fatalf("GetNonce: %v", err)
	}
	if n.Status != reward.StatusIssued {
		t.Fatalf("nonce status = %q, rejection must not consume it", n.Status)
	}
}

func TestRedeemUnknownNonce(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Fresh store: the nonce referenced by the token does not exist.
	svc2 := newService(memory.New(), now)
	res, err := svc2.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeNonceNotFound {
		t.Fatalf("res = %+v, want nonce_not_found", res)
	}
}

func TestRedeemCooldown(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	seedCounter(t, store, reward.Counter{
		AnonID:       "a1",
		TodayEarned:  5,
		LastEarnedAt: now.Add(-20 * time.Second),
		LastResetAt:  window.Key(now),
	})

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := svc.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeCooldown {
		t.Fatalf("res = %+v, want cooldown", res)
	}
	if want := (40 * time.Second).Milliseconds(); res.MsToNext != want {
		t.Fatalf("msToNext = %d, want %d", res.MsToNext, want)
	}

	// Cooldown rejections leave the nonce retriable.
	svc.WithClock(func() time.Time { return now.Add(time.Minute) })
	res, err = svc.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.OK {
		t.Fatalf("res = %+v, want ok after cooldown elapsed", res)
	}
}

func TestRedeemGraceCrossingThenDailyCap(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	// Session starts at 45 earned, under the 50 cap.
	seedCounter(t, store, reward.Counter{
		AnonID:      "a1",
		TodayEarned: 45,
		LastResetAt: window.Key(now),
	})
	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// A concurrent session pushes the counter to 48 before this one
	// finishes. The baseline was under cap, so it may cross once.
	seedCounter(t, store, reward.Counter{
		AnonID:      "a1",
		TodayEarned: 48,
		LastResetAt: window.Key(now),
	})
	res, err := svc.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.OK {
		t.Fatalf("res = %+v, want grace crossing to succeed", res)
	}

	var earned int
	err = store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		c, _, err := tx.GetCounter(ctx, "a1")
		earned = c.TodayEarned
		return err
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if earned != 53 {
		t.Fatalf("todayEarned = %d, want 53", earned)
	}

	// A new session begun at 53 has its baseline over the cap; no grace.
	later := now.Add(2 * time.Minute)
	svc.WithClock(func() time.Time { return later })
	begun2, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err = svc.Redeem(ctx, begun2.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code != CodeDailyCap {
		t.Fatalf("res = %+v, want daily_cap", res)
	}
	if res.Debug == nil {
		t.Fatal("daily_cap rejection must carry debug counters")
	}
}

func TestRedeemGraceRequiresSameWindowBaseline(t *testing.T) {
	store := memory.New()
	day1 := time.Date(2026, 8, 31, 23, 50, 0, 0, time.UTC)
	svc := newService(store, day1)
	ctx := context.Background()

	seedCounter(t, store, reward.Counter{
		AnonID:      "a1",
		TodayEarned: 45,
		LastResetAt: window.Key(day1),
	})
	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// The window rolls over before redemption; the counter rebases to 0
	// and the stale baseline must not grant a crossing. At 0 earned the
	// cap check does not even trigger, so redemption just succeeds.
	day2 := time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return day2 })
	res, err := svc.Redeem(ctx, begun.Token, "a1", testBinding)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !res.OK {
		t.Fatalf("res = %+v, want ok after window rollover", res)
	}
}

func TestConcurrentRedeemSingleSuccess(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(store, now)
	ctx := context.Background()

	begun, err := svc.Begin(ctx, "a1", testBinding)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		consumed  atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Redeem(ctx, begun.Token, "a1", testBinding)
			if err != nil {
				t.Errorf("Redeem: %v", err)
				return
			}
			switch {
			case res.OK:
				successes.Add(1)
			case res.Code == CodeNonceConsumed:
				consumed.Add(1)
			default:
				t.Errorf("unexpected result: %+v", res)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes.Load())
	}
	if consumed.Load() != 7 {
		t.Fatalf("nonce_consumed = %d, want 7", consumed.Load())
	}
}

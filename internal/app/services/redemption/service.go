// Package redemption implements the ad-reward nonce lifecycle: issuing
// a single-use session nonce when an ad view starts, and redeeming it
// into earned credits under replay, context, cooldown, and daily-cap
// checks.
package redemption

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/reward"
	"github.com/pickwise/credit_layer/internal/app/domain/window"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/pkg/logger"
)

// Rejection codes returned in Result.Code.
const (
	CodeInvalidToken     = "invalid_token"
	CodeAidCookieMissing = "aid_cookie_missing"
	CodeAidMismatch      = "aid_mismatch"
	CodeNonceNotFound    = "nonce_not_found"
	CodeNonceConsumed    = "nonce_consumed"
	CodeContextMismatch  = "context_mismatch"
	CodeCooldown         = "cooldown"
	CodeDailyCap         = "daily_cap"
)

// Config holds the reward accounting rules.
type Config struct {
	RewardAmount int
	DailyCap     int
	Cooldown     time.Duration
	SessionTTL   time.Duration
	SessionKey   []byte
}

// Result is the outcome of a redemption attempt. MsToNext is set only
// for cooldown rejections; Debug only for daily-cap rejections.
type Result struct {
	OK       bool
	Code     string
	MsToNext int64
	Debug    map[string]any
}

// BeginResult is the outcome of issuing a reward session.
type BeginResult struct {
	Token     string
	NonceID   string
	ExpiresAt time.Time
}

// sessionClaims is the signed payload of a reward session token. The
// aid claim binds the token to the browser that started the session.
type sessionClaims struct {
	NonceID string `json:"nonce_id"`
	AnonID  string `json:"aid"`
	jwt.RegisteredClaims
}

// Service coordinates nonce issuance and redemption.
type Service struct {
	ledger   storage.Ledger
	cfg      Config
	recorder *audit.Recorder
	log      *logger.Logger
	now      func() time.Time
}

// New creates a redemption coordinator.
func New(ledger storage.Ledger, cfg Config, recorder *audit.Recorder, log *logger.Logger) *Service {
	return &Service{
		ledger:   ledger,
		cfg:      cfg,
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

// Begin mints an issued nonce bound to the caller's request context and
// returns a signed session token carrying the nonce id and anonymous
// id. The counter baseline captured here is what later allows a single
// grace crossing of the daily cap.
func (s *Service) Begin(ctx context.Context, anonID string, binding reward.Binding) (BeginResult, error) {
	now := s.now().UTC()

	n := reward.Nonce{
		ID:       uuid.NewString(),
		AnonID:   anonID,
		Status:   reward.StatusIssued,
		Binding:  binding,
		IssuedAt: now,
	}

	err := s.ledger.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		c, ok, err := tx.GetCounter(ctx, anonID)
		if err != nil {
			return err
		}
		if !ok {
			c = reward.Counter{AnonID: anonID}
		}
		// Baseline comes from the rebased view; the counter itself is
		// only mutated during redemption.
		c = c.Rebase(now)
		n.BaselineEarned = c.TodayEarned
		n.BaselineResetAt = c.LastResetAt
		return tx.PutNonce(ctx, n)
	})
	if err != nil {
		return BeginResult{}, err
	}

	expires := now.Add(s.cfg.SessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		NonceID: n.ID,
		AnonID:  anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.cfg.SessionKey)
	if err != nil {
		return BeginResult{}, fmt.Errorf("sign session token: %w", err)
	}

	return BeginResult{Token: signed, NonceID: n.ID, ExpiresAt: expires}, nil
}

// Redeem consumes a session token into earned credits. Replay, theft,
// cooldown, and cap rejections come back as typed results; only
// infrastructure failures return an error.
func (s *Service) Redeem(ctx context.Context, token, cookieAID string, binding reward.Binding) (Result, error) {
	now := s.now().UTC()

	claims, err := s.verifyToken(token)
	if err != nil {
		return Result{Code: CodeInvalidToken}, nil
	}
	if cookieAID == "" {
		return Result{Code: CodeAidCookieMissing}, nil
	}
	if cookieAID != claims.AnonID {
		return Result{Code: CodeAidMismatch}, nil
	}

	// Cheap pre-checks, no transaction held.
	n, found, err := s.ledger.GetNonce(ctx, claims.NonceID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Code: CodeNonceNotFound}, nil
	}
	if n.Status != reward.StatusIssued {
		return Result{Code: CodeNonceConsumed}, nil
	}
	if !n.Binding.Matches(binding) {
		return Result{Code: CodeContextMismatch}, nil
	}

	var res Result
	err = s.ledger.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Re-read under the transaction: two concurrent redemptions of
		// the same token must yield exactly one success.
		n, found, err := tx.GetNonce(ctx, claims.NonceID)
		if err != nil {
			return err
		}
		if !found {
			res = Result{Code: CodeNonceNotFound}
			return nil
		}
		if n.Status != reward.StatusIssued {
			res = Result{Code: CodeNonceConsumed}
			return nil
		}

		c, ok, err := tx.GetCounter(ctx, n.AnonID)
		if err != nil {
			return err
		}
		if !ok {
			c = reward.Counter{AnonID: n.AnonID}
		}
		c = c.Rebase(now)

		if !c.LastEarnedAt.IsZero() {
			if wait := s.cfg.Cooldown - now.Sub(c.LastEarnedAt); wait > 0 {
				res = Result{Code: CodeCooldown, MsToNext: wait.Milliseconds()}
				return nil
			}
		}

		if c.TodayEarned >= s.cfg.DailyCap {
			// One grace crossing: the session started under the cap in
			// the current window, so it may finish over it.
			grace := n.BaselineEarned < s.cfg.DailyCap && n.BaselineResetAt == window.Key(now)
			if !grace {
				res = Result{Code: CodeDailyCap, Debug: map[string]any{
					"todayEarned":    c.TodayEarned,
					"dailyCap":       s.cfg.DailyCap,
					"baselineEarned": n.BaselineEarned,
				}}
				return nil
			}
		}

		n.Status = reward.StatusRedeemed
		n.RedeemedAt = now
		if err := tx.PutNonce(ctx, n); err != nil {
			return err
		}

		c.TodayEarned += s.cfg.RewardAmount
		c.LastEarnedAt = now
		if err := tx.PutCounter(ctx, c); err != nil {
			return err
		}

		res = Result{OK: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.OK {
		s.recorder.Record(audit.Event{
			Type:    audit.TypeRewardRedeemed,
			Subject: claims.AnonID,
			Fields: map[string]string{
				"nonce":  claims.NonceID,
				"amount": strconv.Itoa(s.cfg.RewardAmount),
			},
		})
		s.log.WithField("aid", claims.AnonID).WithField("nonce", claims.NonceID).Debug("reward redeemed")
	}
	return res, nil
}

func (s *Service) verifyToken(token string) (*sessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.SessionKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || claims.NonceID == "" {
		return nil, fmt.Errorf("invalid session claims")
	}
	return claims, nil
}

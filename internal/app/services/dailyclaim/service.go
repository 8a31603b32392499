// Package dailyclaim implements the daily free-credit grant: one grant
// per identity per accounting window, bounded per device and per IP.
package dailyclaim

import (
	"context"
	"strconv"
	"time"

	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/claim"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/services/spend"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/pkg/logger"
)

// Rejection codes returned in Result.Code.
const (
	CodeDeviceLimit = "limit/device"
	CodeIPLimit     = "limit/ip"
)

// Config holds the grant amount and daily abuse limits.
type Config struct {
	Amount       int
	MaxPerDevice int
	MaxPerIP     int
}

// Result is the outcome of a claim. Already is true when the identity
// had claimed earlier in the same window; the call is then a no-op.
type Result struct {
	OK      bool   `json:"ok"`
	Already bool   `json:"already"`
	Code    string `json:"code,omitempty"`
}

// Service coordinates daily claims against the ledger.
type Service struct {
	ledger   storage.Ledger
	cfg      Config
	rules    credit.Rules
	recorder *audit.Recorder
	log      *logger.Logger
	now      func() time.Time
}

// New creates a claim coordinator.
func New(ledger storage.Ledger, cfg Config, rules credit.Rules, recorder *audit.Recorder, log *logger.Logger) *Service {
	return &Service{
		ledger:   ledger,
		cfg:      cfg,
		rules:    rules,
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

// Claim grants the daily credit to identity, at most once per window.
// The idempotency marker, both abuse counters, and the balance grant
// all commit in one transaction, so a client retry after a timeout is
// safe and concurrent claims cannot double-grant.
func (s *Service) Claim(ctx context.Context, identity, deviceID, ip string) (Result, error) {
	now := s.now().UTC()
	var res Result

	err := s.ledger.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		markerKey := claim.MarkerKey(identity, now)
		exists, err := tx.HasClaimMarker(ctx, markerKey)
		if err != nil {
			return err
		}
		if exists {
			res = Result{OK: true, Already: true}
			return nil
		}

		deviceKey := claim.DeviceKey(deviceID, now)
		deviceCount, err := tx.GetDailyCount(ctx, deviceKey)
		if err != nil {
			return err
		}
		if deviceCount >= s.cfg.MaxPerDevice {
			res = Result{Code: CodeDeviceLimit}
			return nil
		}

		ipKey := claim.IPKey(ip, now)
		ipCount, err := tx.GetDailyCount(ctx, ipKey)
		if err != nil {
			return err
		}
		if ipCount >= s.cfg.MaxPerIP {
			res = Result{Code: CodeIPLimit}
			return nil
		}

		if err := tx.PutClaimMarker(ctx, claim.Marker{
			Key:       markerKey,
			Identity:  identity,
			DeviceID:  deviceID,
			IP:        ip,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := spend.Grant(ctx, tx, identity, s.cfg.Amount, now, s.rules); err != nil {
			return err
		}
		if err := tx.IncrDailyCount(ctx, deviceKey); err != nil {
			return err
		}
		if err := tx.IncrDailyCount(ctx, ipKey); err != nil {
			return err
		}

		res = Result{OK: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.OK && !res.Already {
		s.recorder.Record(audit.Event{
			Type:    audit.TypeClaimGranted,
			Subject: identity,
			Fields: map[string]string{
				"device": deviceID,
				"ip":     ip,
				"amount": strconv.Itoa(s.cfg.Amount),
			},
		})
		s.log.WithField("identity", identity).Debug("daily claim granted")
	}
	return res, nil
}

// Package app wires the coordinator services to their storage and
// configuration.
package app

import (
	"github.com/pickwise/credit_layer/internal/app/audit"
	"github.com/pickwise/credit_layer/internal/app/domain/credit"
	"github.com/pickwise/credit_layer/internal/app/services/dailyclaim"
	"github.com/pickwise/credit_layer/internal/app/services/redemption"
	"github.com/pickwise/credit_layer/internal/app/services/spend"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/internal/app/storage/memory"
	"github.com/pickwise/credit_layer/internal/config"
	"github.com/pickwise/credit_layer/pkg/logger"
)

// Stores aggregates the persistence backend. A nil Ledger defaults to
// the in-memory store, which is what tests and local development use.
type Stores struct {
	Ledger storage.Ledger
}

// Application bundles the coordinator services behind one wiring point.
type Application struct {
	Ledger  storage.Ledger
	Spend   *spend.Service
	Claims  *dailyclaim.Service
	Rewards *redemption.Service
	Audit   *audit.Recorder
	Log     *logger.Logger
}

// New constructs the application from configuration.
func New(stores Stores, cfg *config.Config, log *logger.Logger) *Application {
	if stores.Ledger == nil {
		stores.Ledger = memory.New()
	}
	if log == nil {
		log = logger.NewDefault("credit-layer")
	}

	recorder := audit.NewRecorder(200, stores.Ledger)

	rules := credit.Rules{
		BaseDaily:      cfg.Ledger.BaseDaily,
		DailyCap:       cfg.Ledger.DailyCap,
		RefillInterval: cfg.Ledger.RefillInterval,
		RefillAmount:   cfg.Ledger.RefillAmount,
	}

	return &Application{
		Ledger: stores.Ledger,
		Spend:  spend.New(stores.Ledger, rules, cfg.Ledger.MaxSpend, recorder, log.WithField("service", "spend")),
		Claims: dailyclaim.New(stores.Ledger, dailyclaim.Config{
			Amount:       cfg.Ledger.ClaimAmount,
			MaxPerDevice: cfg.Ledger.MaxClaimsPerDevice,
			MaxPerIP:     cfg.Ledger.MaxClaimsPerIP,
		}, rules, recorder, log.WithField("service", "claim")),
		Rewards: redemption.New(stores.Ledger, redemption.Config{
			RewardAmount: cfg.Ledger.RewardAmount,
			DailyCap:     cfg.Ledger.RewardDailyCap,
			Cooldown:     cfg.Ledger.RewardCooldown,
			SessionTTL:   cfg.Ledger.SessionTTL,
			SessionKey:   []byte(cfg.Auth.JWTSecret),
		}, recorder, log.WithField("service", "reward")),
		Audit: recorder,
		Log:   log,
	}
}

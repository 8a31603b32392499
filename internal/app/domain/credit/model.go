// Package credit models the per-identity spendable balance and the pure
// reset/refill transform applied to it on every access.
package credit

import "time"

// Balance is the spendable credit document for one authenticated
// identity. It is created lazily on first access and never deleted.
type Balance struct {
	Identity     string
	Credits      int
	LastResetAt  string    // window key of the last reset
	LastRefillAt time.Time // zero while refill is disarmed
	RefillArmed  bool
	UpdatedAt    time.Time
}

// Rules holds the accounting parameters the rebase transform needs.
type Rules struct {
	BaseDaily      int
	DailyCap       int
	RefillInterval time.Duration
	RefillAmount   int
}

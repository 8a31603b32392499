package credit

import (
	"time"

	"github.com/pickwise/credit_layer/internal/app/domain/window"
)

// Rebase brings a balance up to date with the current accounting window
// and any refill intervals that elapsed since the last access. It is
// pure: no store access, no side effects beyond the returned value.
//
// A window change discards leftover credits and refill state; within the
// same window, an armed refill accrues whole elapsed intervals and the
// refill clock advances by exactly those intervals rather than jumping
// to now, so partial intervals are never lost.
func Rebase(b Balance, now time.Time, r Rules) Balance {
	if window.Stale(b.LastResetAt, now) {
		b.Credits = r.BaseDaily
		b.LastResetAt = window.Key(now)
		b.LastRefillAt = time.Time{}
		b.RefillArmed = false
		return b
	}

	if !b.RefillArmed || b.LastRefillAt.IsZero() {
		return b
	}

	elapsed := now.Sub(b.LastRefillAt)
	if elapsed < r.RefillInterval {
		return b
	}

	steps := int(elapsed / r.RefillInterval)
	b.Credits += steps * r.RefillAmount
	b.LastRefillAt = b.LastRefillAt.Add(time.Duration(steps) * r.RefillInterval)
	if b.Credits >= r.DailyCap {
		b.Credits = r.DailyCap
		b.RefillArmed = false
	}
	return b
}

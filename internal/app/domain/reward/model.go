// Package reward models the anonymous ad-earning counter and the
// single-use nonce that proves a reward-eligible session occurred.
package reward

import (
	"time"

	"github.com/pickwise/credit_layer/internal/app/domain/window"
)

// Nonce statuses. A nonce is minted as issued and transitions to
// redeemed exactly once; redeemed is terminal.
const (
	StatusIssued   = "issued"
	StatusRedeemed = "redeemed"
)

// Counter tracks credits earned today by one anonymous browser id.
// It lives in a different identity space than credit.Balance and the
// two are never reconciled.
type Counter struct {
	AnonID       string
	TodayEarned  int
	LastEarnedAt time.Time // zero until the first earn of the window
	LastResetAt  string
}

// Rebase resets the counter when the accounting window has rolled over.
// Pure, like credit.Rebase.
func (c Counter) Rebase(now time.Time) Counter {
	if window.Stale(c.LastResetAt, now) {
		c.TodayEarned = 0
		c.LastEarnedAt = time.Time{}
		c.LastResetAt = window.Key(now)
	}
	return c
}

// Binding is the request context captured when a nonce is issued. Each
// field is compared against the redeeming request; a mismatch where both
// sides are non-empty rejects the redemption.
type Binding struct {
	IP      string
	UA      string
	Origin  string
	Referer string
}

// Matches reports whether other could come from the same browser that
// the binding was captured from. Missing values on either side are
// tolerated; conflicting non-empty values are not.
func (b Binding) Matches(other Binding) bool {
	return fieldMatches(b.IP, other.IP) &&
		fieldMatches(b.UA, other.UA) &&
		fieldMatches(b.Origin, other.Origin) &&
		fieldMatches(b.Referer, other.Referer)
}

func fieldMatches(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b
}

// Nonce is the single-use redemption token record. BaselineEarned and
// BaselineResetAt snapshot the counter at issuance so a session that
// started under the daily cap can cross it once (grace crossing).
type Nonce struct {
	ID              string
	AnonID          string
	Status          string
	Binding         Binding
	BaselineEarned  int
	BaselineResetAt string
	IssuedAt        time.Time
	RedeemedAt      time.Time // zero until redeemed
}

// Package window defines the accounting window shared by every ledger
// document. Balances, reward counters, and claim markers all scope their
// daily state to the key returned here; a key change invalidates whatever
// the previous window accumulated.
package window

import "time"

// Key returns the identifier of the accounting window containing now.
// It changes exactly once per UTC calendar day.
func Key(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Stale reports whether a stored reset key belongs to an earlier window
// than now. An empty key is always stale, which is what materializes
// lazily created documents on first access.
func Stale(lastResetAt string, now time.Time) bool {
	return lastResetAt != Key(now)
}

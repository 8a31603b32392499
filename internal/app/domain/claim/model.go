// Package claim models the daily free-credit grant: a per-identity
// idempotency marker plus day-scoped device and IP counters that bound
// multi-identity abuse from one browser or network.
package claim

import (
	"time"

	"github.com/pickwise/credit_layer/internal/app/domain/window"
)

// Marker records that an identity already claimed within its window.
// Created once, immutable, never deleted.
type Marker struct {
	Key       string
	Identity  string
	DeviceID  string
	IP        string
	CreatedAt time.Time
}

// MarkerKey returns the document key for an identity's claim in the
// window containing now.
func MarkerKey(identity string, now time.Time) string {
	return identity + ":" + window.Key(now)
}

// DeviceKey returns the daily counter key for a device id.
func DeviceKey(deviceID string, now time.Time) string {
	return "device:" + deviceID + ":" + window.Key(now)
}

// IPKey returns the daily counter key for a client IP.
func IPKey(ip string, now time.Time) string {
	return "ip:" + ip + ":" + window.Key(now)
}

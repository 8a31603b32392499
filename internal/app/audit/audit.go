// Package audit provides the append-only event trail for settled ledger
// mutations. Events are advisory: losing or duplicating one is
// acceptable, so recording never blocks or gates the mutation it
// describes.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the coordinators.
const (
	TypeSpendSettled   = "spend.settled"
	TypeClaimGranted   = "claim.granted"
	TypeRewardRedeemed = "reward.redeemed"
)

// Event is one append-only audit record.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Subject   string            `json:"subject"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink persists events. Implementations must tolerate concurrent calls.
type Sink interface {
	AppendAudit(ctx context.Context, evt Event) error
}

// Recorder keeps a bounded in-process ring of recent events and forwards
// each one to an optional sink on a best-effort basis.
type Recorder struct {
	mu      sync.Mutex
	entries []Event
	max     int
	sink    Sink
}

// NewRecorder builds a recorder retaining up to max recent events.
func NewRecorder(max int, sink Sink) *Recorder {
	if max <= 0 {
		max = 200
	}
	return &Recorder{max: max, sink: sink}
}

// Record stamps and stores the event, then hands it to the sink in the
// background. Sink failures are dropped; the primary mutation has
// already settled by the time Record is called.
func (r *Recorder) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.entries = append(r.entries, evt)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sink.AppendAudit(ctx, evt)
		}()
	}
}

// Recent returns up to limit most recent events, newest last.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]Event, limit)
	copy(out, r.entries[len(r.entries)-limit:])
	return out
}

package watch

import "sync/atomic"

// Stats is a point-in-time snapshot of the orchestrator's counters.
type Stats struct {
	Watched       int    `json:"watched"`
	Received      uint64 `json:"received"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	Deleted       uint64 `json:"deleted"`
	DeleteErrors  uint64 `json:"delete_errors"`
	ExtendErrors  uint64 `json:"extend_errors"`
	ReceiveErrors uint64 `json:"receive_errors"`
	Panics        uint64 `json:"panics"`
	Confirmations uint64 `json:"confirmations"`
	ConfirmErrors uint64 `json:"confirm_errors"`
}

type counters struct {
	received      atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	deleted       atomic.Uint64
	deleteErrors  atomic.Uint64
	extendErrors  atomic.Uint64
	receiveErrors atomic.Uint64
	panics        atomic.Uint64
	confirmations atomic.Uint64
	confirmErrors atomic.Uint64
}

func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	watched := len(o.watches)
	o.mu.RUnlock()
	c := &o.stats
	return Stats{
		Watched:       watched,
		Received:      c.received.Load(),
		Succeeded:     c.succeeded.Load(),
		Failed:        c.failed.Load(),
		Deleted:       c.deleted.Load(),
		DeleteErrors:  c.deleteErrors.Load(),
		ExtendErrors:  c.extendErrors.Load(),
		ReceiveErrors: c.receiveErrors.Load(),
		Panics:        c.panics.Load(),
		Confirmations: c.confirmations.Load(),
		ConfirmErrors: c.confirmErrors.Load(),
	}
}

package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultAckTTL is how long a registered waiter is kept without an ack.
const DefaultAckTTL = 2 * time.Minute

type waiter struct {
	homeID  string
	deliver func(AckEvent)
	expires time.Time
}

// AckRouter maps request ids to the callers waiting for their ack.
//
// A waiter is bound to the home it was registered for; an ack arriving from
// a different home's gateway is not delivered to it. Waiters are removed on
// delivery or after the TTL.
type AckRouter struct {
	mu      sync.Mutex
	waiters map[string]waiter
	ttl     time.Duration
	now     func() time.Time
}

// NewAckRouter creates a router. ttl <= 0 uses DefaultAckTTL.
func NewAckRouter(ttl time.Duration) *AckRouter {
	if ttl <= 0 {
		ttl = DefaultAckTTL
	}
	return &AckRouter{
		waiters: make(map[string]waiter),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Watch registers deliver for the ack of requestID from homeID's gateway.
// A later Watch for the same id replaces the earlier one.
func (a *AckRouter) Watch(requestID, homeID string, deliver func(AckEvent)) {
	a.mu.Lock()
	a.waiters[requestID] = waiter{homeID: homeID, deliver: deliver, expires: a.now().Add(a.ttl)}
	a.mu.Unlock()
}

// Cancel drops the waiter for requestID, if any.
func (a *AckRouter) Cancel(requestID string) {
	a.mu.Lock()
	delete(a.waiters, requestID)
	a.mu.Unlock()
}

// Deliver hands e to its waiter and reports whether one was found.
// The callback runs outside the router's lock.
func (a *AckRouter) Deliver(e AckEvent) bool {
	a.mu.Lock()
	w, ok := a.waiters[e.RequestID]
	if ok && (w.homeID != e.HomeID || a.now().After(w.expires)) {
		ok = false
	}
	if ok {
		delete(a.waiters, e.RequestID)
	}
	a.mu.Unlock()

	if ok {
		w.deliver(e)
	}
	return ok
}

// Pending returns the number of registered waiters.
func (a *AckRouter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

// Sweep removes expired waiters and returns how many were dropped.
func (a *AckRouter) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, w := range a.waiters {
		if now.After(w.expires) {
			delete(a.waiters, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (a *AckRouter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Sweep()
		}
	}
}

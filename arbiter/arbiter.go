// Package arbiter implements the pending-send scheduler: when an
// endpoint's am_short/am_bcopy call reports no resources, the send is
// recorded here and retried in FIFO order from the owning interface's
// progress loop, once per endpoint per dispatch so a single endpoint
// stuck behind a full destination does not starve its peers.
//
// Grounded on the fixed-size-array-plus-mutex pending-transfer queue a
// USB device stack uses to track in-flight transfers per endpoint,
// generalized from "one array of transfers per endpoint address" to
// "one queue of retry closures per endpoint identity".
package arbiter

import "sync"

// Elem is one scheduled retry. It returns true if the send succeeded (so
// the arbiter removes it) or false if it must be retried again later
// (still no resources).
type Elem func() bool

// Arbiter is a per-endpoint FIFO-order retry queue, dispatched from
// Dispatch in round-robin order across endpoints so that one endpoint's
// backlog cannot monopolize progress.
type Arbiter struct {
	mu    sync.Mutex
	queue map[uint64][]Elem
	order []uint64
}

// New constructs an empty Arbiter.
func New() *Arbiter {
	return &Arbiter{queue: make(map[uint64][]Elem)}
}

// Add appends a retry for endpoint epID. Called by an endpoint that just
// received a no-resources result and needs to be retried on a future
// progress call.
func (a *Arbiter) Add(epID uint64, e Elem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queue[epID]; !ok {
		a.order = append(a.order, epID)
	}
	a.queue[epID] = append(a.queue[epID], e)
}

// Purge drops every pending retry for epID without running them, used
// when an endpoint is being torn down.
func (a *Arbiter) Purge(epID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queue[epID]; !ok {
		return
	}
	delete(a.queue, epID)
	for i, id := range a.order {
		if id == epID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Empty reports whether any endpoint has a pending retry. Used by the
// arm protocol, which must refuse to arm while sends are still pending.
func (a *Arbiter) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order) == 0
}

// Dispatch attempts the head-of-queue retry for every endpoint that has
// one, once each, in the order endpoints first registered a pending
// send. An endpoint whose retry succeeds is popped; one that still fails
// keeps its place at the head of its own queue for the next Dispatch.
func (a *Arbiter) Dispatch() {
	a.mu.Lock()
	order := append([]uint64(nil), a.order...)
	a.mu.Unlock()

	for _, epID := range order {
		a.mu.Lock()
		q := a.queue[epID]
		if len(q) == 0 {
			a.mu.Unlock()
			continue
		}
		head := q[0]
		a.mu.Unlock()

		if !head() {
			continue
		}

		a.mu.Lock()
		q = a.queue[epID]
		if len(q) > 0 {
			q = q[1:]
		}
		if len(q) == 0 {
			delete(a.queue, epID)
			for i, id := range a.order {
				if id == epID {
					a.order = append(a.order[:i], a.order[i+1:]...)
					break
				}
			}
		} else {
			a.queue[epID] = q
		}
		a.mu.Unlock()
	}
}

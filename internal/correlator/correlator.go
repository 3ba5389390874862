// Package correlator assigns the integer correlation ids that link an
// outgoing request to the reply that eventually arrives on the shared
// dynamic reply-to address, and dispatches each reply to the caller that is
// still waiting on it. It is connection-scoped: one Correlator per
// APIConnection.
package correlator

import (
	"fmt"
	"sync"
)

// Dispatch is invoked exactly once for the cid it was registered under:
// either with the matching reply, or with ok == false if the cid was
// cancelled (timeout, connection teardown) before a reply arrived.
type Dispatch func(msg any, ok bool)

// Correlator hands out correlation ids and tracks the in-flight dispatch
// for each one. Correlation ids never roll over within a connection's
// lifetime: the counter is a uint64, so a connection would need to issue
// more than 2^64 requests before a cid could be reused and misdelivered to
// the wrong waiter.
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]Dispatch
	closed  bool
}

// New constructs an empty Correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[uint64]Dispatch)}
}

// NewCID allocates a fresh correlation id and registers dispatch to receive
// whatever arrives for it. It returns an error once the Correlator has been
// closed: no new requests can be started on a connection that is tearing
// down.
func (c *Correlator) NewCID(dispatch Dispatch) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("correlator: closed")
	}
	c.next++
	cid := c.next
	c.pending[cid] = dispatch
	return cid, nil
}

// CancelCID forgets cid without dispatching a reply to it, and reports
// whether cid was still pending. Call it when a caller gives up waiting
// (context cancellation, timeout) so a reply arriving afterward finds
// nothing registered and is dropped rather than misdelivered.
func (c *Correlator) CancelCID(cid uint64) bool {
	c.mu.Lock()
	dispatch, ok := c.pending[cid]
	if ok {
		delete(c.pending, cid)
	}
	c.mu.Unlock()
	if ok && dispatch != nil {
		dispatch(nil, false)
	}
	return ok
}

// DispatchReply delivers msg to the caller waiting on cid and forgets cid.
// It reports whether any caller was in fact waiting; a false return means
// the reply arrived after the caller already gave up (CancelCID) or the
// cid was never issued by this Correlator, and the caller should treat the
// reply as unroutable rather than act on it.
func (c *Correlator) DispatchReply(cid uint64, msg any) bool {
	c.mu.Lock()
	dispatch, ok := c.pending[cid]
	if ok {
		delete(c.pending, cid)
	}
	c.mu.Unlock()
	if !ok || dispatch == nil {
		return false
	}
	dispatch(msg, true)
	return true
}

// Close cancels every still-pending cid and marks the Correlator closed, so
// NewCID starts failing immediately. It is idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]Dispatch)
	c.mu.Unlock()
	for _, dispatch := range pending {
		if dispatch != nil {
			dispatch(nil, false)
		}
	}
}

// Len reports the number of cids currently awaiting a reply. Used for
// diagnostics and tests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

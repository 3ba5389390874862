// Package dispositionmux routes link-wide disposition events — a single
// transport link reports accepted/rejected/released/modified/settled
// updates for many deliveries on one stream — to the per-delivery update
// hook that was registered when each delivery was sent. It is the map from
// delivery handle to disposition hook described in the design notes;
// the in-memory fake in internal/transporttest owns one Mux per sender
// link; the go-amqp adapter does not use one.
package dispositionmux

import (
	"sync"

	"github.com/rs/xid"

	"github.com/amqpmux/amqpmux/internal/transport"
)

// Hook is invoked for every disposition update reported for a delivery,
// including the final settlement.
type Hook func(transport.Disposition)

// Mux demultiplexes a link's disposition stream to per-delivery hooks.
type Mux struct {
	mu    sync.Mutex
	hooks map[string]Hook
}

// New constructs an empty Mux.
func New() *Mux {
	return &Mux{hooks: make(map[string]Hook)}
}

// Register mints a fresh delivery id, attaches hook to it, and returns the
// id the caller must use as the key for subsequent Dispatch/Remove calls.
// hook may be nil, in which case disposition updates for this delivery are
// simply dropped (the caller doesn't need per-event notification, only the
// settle capability).
func (m *Mux) Register(hook Hook) string {
	id := xid.New().String()
	m.mu.Lock()
	m.hooks[id] = hook
	m.mu.Unlock()
	return id
}

// Dispatch invokes the hook registered for id, if any. It does not remove
// the hook — a delivery may receive several dispositions (Accepted with
// Settled=false, then later Settled=true) before it is done.
func (m *Mux) Dispatch(id string, d transport.Disposition) {
	m.mu.Lock()
	hook := m.hooks[id]
	m.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

// Remove idempotently forgets id. Call it once a delivery is fully settled.
func (m *Mux) Remove(id string) {
	m.mu.Lock()
	delete(m.hooks, id)
	m.mu.Unlock()
}

// Len reports the number of deliveries currently tracked. Used for
// diagnostics/tests, not for control flow.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}

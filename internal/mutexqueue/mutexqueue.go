// Package mutexqueue implements the per-name FIFO distributed mutex state
// machine the server side of the acquire protocol hangs requests off of.
// Each MutexInstance is either Empty or Held by exactly one waiter at a
// time; everyone else queued behind it waits in strict arrival order. The
// fairness and expiry shape is the same one a lease-acquire retry loop
// gives you, but nothing here is storage-backed or polled: a waiter is
// granted by a direct callback the instant the mutex becomes available,
// since this protocol's grant signal is the disposition sent back to an
// open delivery, not a row written to a backing store.
package mutexqueue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is a MutexInstance's occupancy.
type State int

const (
	StateEmpty State = iota
	StateHeld
)

func (s State) String() string {
	if s == StateHeld {
		return "held"
	}
	return "empty"
}

// waiter is one outstanding acquire request.
type waiter struct {
	acquisitionID string
	onGrant       func(acquisitionID string)
	onDrop        func(reason string)
	granted       bool
}

// MutexInstance is one named mutex's wait queue.
type MutexInstance struct {
	mu      sync.Mutex
	name    string
	state   State
	holder  *waiter
	waiting []*waiter
}

func newInstance(name string) *MutexInstance {
	return &MutexInstance{name: name, state: StateEmpty}
}

// Name returns the mutex's name.
func (m *MutexInstance) Name() string { return m.name }

// Acquire enqueues a new acquire request and returns the acquisition id
// minted for it. If the mutex is currently Empty, onGrant is invoked
// synchronously before Acquire returns. Otherwise the waiter joins the FIFO
// tail and onGrant fires later, from a Release call, unless the waiter is
// dropped first (see Drop).
func (m *MutexInstance) Acquire(onGrant func(acquisitionID string), onDrop func(reason string)) string {
	acquisitionID := uuid.NewString()
	w := &waiter{acquisitionID: acquisitionID, onGrant: onGrant, onDrop: onDrop}

	m.mu.Lock()
	if m.state == StateEmpty {
		m.state = StateHeld
		m.holder = w
		w.granted = true
		m.mu.Unlock()
		if onGrant != nil {
			onGrant(acquisitionID)
		}
		return acquisitionID
	}
	m.waiting = append(m.waiting, w)
	m.mu.Unlock()
	return acquisitionID
}

// Release transitions the mutex held by acquisitionID back to Empty, or to
// Held by the next FIFO waiter if one is queued. It reports whether
// acquisitionID was in fact the current holder; releasing an
// acquisitionID that isn't the holder (already released, never granted, or
// belonging to another mutex entirely) is a no-op that reports false.
func (m *MutexInstance) Release(acquisitionID string) bool {
	m.mu.Lock()
	if m.holder == nil || m.holder.acquisitionID != acquisitionID {
		m.mu.Unlock()
		return false
	}
	m.holder = nil
	var next *waiter
	if len(m.waiting) > 0 {
		next = m.waiting[0]
		m.waiting = m.waiting[1:]
		next.granted = true
		m.holder = next
		m.state = StateHeld
	} else {
		m.state = StateEmpty
	}
	m.mu.Unlock()

	if next != nil && next.onGrant != nil {
		next.onGrant(next.acquisitionID)
	}
	return true
}

// Drop removes a still-queued (not yet granted) waiter identified by
// acquisitionID — the wait_time timeout path for everyone but the head of
// a wait that is itself still waiting on the current holder. It invokes
// onDrop with reason and reports whether the waiter was found. Dropping the
// current holder's acquisitionID is not supported; call Release instead.
func (m *MutexInstance) Drop(acquisitionID string, reason string) bool {
	m.mu.Lock()
	idx := -1
	for i, w := range m.waiting {
		if w.acquisitionID == acquisitionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	w := m.waiting[idx]
	m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
	m.mu.Unlock()

	if w.onDrop != nil {
		w.onDrop(reason)
	}
	return true
}

// State reports the mutex's current occupancy.
func (m *MutexInstance) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Holder reports the current holder's acquisition id, if any.
func (m *MutexInstance) Holder() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == nil {
		return "", false
	}
	return m.holder.acquisitionID, true
}

// QueuePosition reports acquisitionID's 1-based position among still-queued
// waiters (0 means it is the current holder, not queued at all). ok is
// false if acquisitionID is neither the holder nor queued.
func (m *MutexInstance) QueuePosition(acquisitionID string) (position int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != nil && m.holder.acquisitionID == acquisitionID {
		return 0, true
	}
	for i, w := range m.waiting {
		if w.acquisitionID == acquisitionID {
			return i + 1, true
		}
	}
	return 0, false
}

// QueueLen reports the number of waiters queued behind the current holder.
func (m *MutexInstance) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Set is the server-wide collection of named mutexes, created lazily on
// first acquire and never removed — an Empty instance with no waiters costs
// one small struct, and removing it the moment it goes Empty would race
// against a concurrent Acquire that is about to find it again by name.
type Set struct {
	mu        sync.Mutex
	instances map[string]*MutexInstance
}

// NewSet constructs an empty Set.
func NewSet() *Set {
	return &Set{instances: make(map[string]*MutexInstance)}
}

// Get returns the named MutexInstance, creating it if this is the first
// reference to name.
func (s *Set) Get(name string) (*MutexInstance, error) {
	if name == "" {
		return nil, fmt.Errorf("mutexqueue: mutex name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		inst = newInstance(name)
		s.instances[name] = inst
	}
	return inst, nil
}

// Len reports the number of distinct mutex names ever referenced.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// TotalQueueLen sums QueueLen across every distinct mutex name ever
// referenced in the set — a diagnostic used for the mutex queue depth
// gauge, not for any correctness decision.
func (s *Set) TotalQueueLen() int {
	s.mu.Lock()
	instances := make([]*MutexInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()
	total := 0
	for _, inst := range instances {
		total += inst.QueueLen()
	}
	return total
}

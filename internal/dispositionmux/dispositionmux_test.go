package dispositionmux

import (
	"testing"

	"github.com/amqpmux/amqpmux/internal/transport"
)

func TestRegisterAssignsDistinctIDs(t *testing.T) {
	m := New()
	first := m.Register(nil)
	second := m.Register(nil)
	if first == second {
		t.Fatalf("Register returned duplicate ids: %q", first)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}

func TestDispatchInvokesRegisteredHook(t *testing.T) {
	m := New()
	var got transport.Disposition
	calls := 0
	id := m.Register(func(d transport.Disposition) {
		calls++
		got = d
	})

	m.Dispatch(id, transport.Disposition{State: transport.StateAccepted})
	if calls != 1 {
		t.Fatalf("hook called %d times, want 1", calls)
	}
	if got.State != transport.StateAccepted {
		t.Fatalf("State = %v, want Accepted", got.State)
	}

	// A delivery can report several dispositions before it settles.
	m.Dispatch(id, transport.Disposition{State: transport.StateAccepted, Settled: true})
	if calls != 2 {
		t.Fatalf("hook called %d times, want 2", calls)
	}
	if !got.Settled {
		t.Fatal("second dispatch did not report Settled")
	}
}

func TestDispatchToNilHookDoesNotPanic(t *testing.T) {
	m := New()
	id := m.Register(nil)
	m.Dispatch(id, transport.Disposition{State: transport.StateRejected})
}

func TestDispatchToUnknownIDIsNoop(t *testing.T) {
	m := New()
	m.Dispatch("unknown-id", transport.Disposition{State: transport.StateReleased})
}

func TestRemoveForgetsHook(t *testing.T) {
	m := New()
	calls := 0
	id := m.Register(func(transport.Disposition) { calls++ })

	m.Remove(id)
	if m.Len() != 0 {
		t.Fatalf("Len() = %d after Remove, want 0", m.Len())
	}

	m.Dispatch(id, transport.Disposition{State: transport.StateAccepted})
	if calls != 0 {
		t.Fatal("Dispatch invoked a hook removed earlier")
	}

	// Remove is idempotent.
	m.Remove(id)
}

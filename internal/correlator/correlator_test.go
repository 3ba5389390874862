package correlator

import "testing"

func TestNewCIDAllocatesDistinctIDs(t *testing.T) {
	c := New()
	first, err := c.NewCID(func(any, bool) {})
	if err != nil {
		t.Fatalf("NewCID: %v", err)
	}
	second, err := c.NewCID(func(any, bool) {})
	if err != nil {
		t.Fatalf("NewCID: %v", err)
	}
	if first == second {
		t.Fatalf("NewCID returned duplicate ids: %d", first)
	}
}

func TestDispatchReplyDeliversAndForgets(t *testing.T) {
	c := New()
	var got any
	var ok bool
	cid, err := c.NewCID(func(msg any, success bool) {
		got = msg
		ok = success
	})
	if err != nil {
		t.Fatalf("NewCID: %v", err)
	}

	if delivered := c.DispatchReply(cid, "reply-body"); !delivered {
		t.Fatal("DispatchReply reported no waiter")
	}
	if !ok || got != "reply-body" {
		t.Fatalf("dispatch = (%v, %v), want (reply-body, true)", got, ok)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after dispatch, want 0", c.Len())
	}

	if delivered := c.DispatchReply(cid, "stale"); delivered {
		t.Fatal("DispatchReply delivered a second time for the same cid")
	}
}

func TestCancelCIDPreventsLateDelivery(t *testing.T) {
	c := New()
	called := false
	cid, _ := c.NewCID(func(msg any, ok bool) {
		called = true
		if ok {
			t.Fatal("cancelled dispatch invoked with ok=true")
		}
	})

	if cancelled := c.CancelCID(cid); !cancelled {
		t.Fatal("CancelCID reported nothing pending")
	}
	if !called {
		t.Fatal("CancelCID did not invoke the dispatch")
	}

	if delivered := c.DispatchReply(cid, "too-late"); delivered {
		t.Fatal("DispatchReply delivered to a cancelled cid")
	}
	if cancelled := c.CancelCID(cid); cancelled {
		t.Fatal("CancelCID reported pending for an already-cancelled cid")
	}
}

func TestCloseCancelsAllPending(t *testing.T) {
	c := New()
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		if _, err := c.NewCID(func(_ any, ok bool) { results <- ok }); err != nil {
			t.Fatalf("NewCID: %v", err)
		}
	}

	c.Close()

	for i := 0; i < 3; i++ {
		if ok := <-results; ok {
			t.Fatal("Close dispatched with ok=true")
		}
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after Close, want 0", c.Len())
	}

	if _, err := c.NewCID(func(any, bool) {}); err == nil {
		t.Fatal("NewCID succeeded after Close")
	}

	// Close is idempotent.
	c.Close()
}

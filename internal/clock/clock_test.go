package clock_test

import (
	"testing"
	"time"

	"github.com/amqpmux/amqpmux/internal/clock"
)

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	mc := clock.NewManual(time.Unix(0, 0))
	ch := mc.After(100 * time.Millisecond)
	if mc.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", mc.Pending())
	}

	mc.Advance(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	mc.Advance(50 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire once its deadline elapsed")
	}
	if mc.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0 after firing", mc.Pending())
	}
}

func TestManualAfterZeroDurationFiresImmediately(t *testing.T) {
	t.Parallel()

	mc := clock.NewManual(time.Unix(0, 0))
	ch := mc.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("zero-duration After did not fire immediately")
	}
	if mc.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", mc.Pending())
	}
}

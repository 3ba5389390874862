package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/correlation"
	"github.com/amqpmux/amqpmux/internal/outbox"
	"github.com/amqpmux/amqpmux/internal/transport"
)

// MutexError is returned when the server refuses an acquire with a
// non-200 status.
type MutexError struct {
	Status      int
	Description string
}

func (e *MutexError) Error() string {
	return fmt.Sprintf("Mutex error: (%d) %s", e.Status, e.Description)
}

// ErrMutexDropped is returned when the server (or network) releases an
// accepted acquisition unilaterally, before the client settled it itself.
var ErrMutexDropped = fmt.Errorf("Mutex was dropped prematurely")

// Inner is the critical-section body, run with the acquisition id once the
// mutex is granted. Its return value becomes CriticalSection's result.
type Inner func(ctx context.Context, acquisitionID string) (any, error)

// acquireState tracks the two independent signals (the application-level
// 200/non-200 reply, and the delivery's own disposition stream) a single
// acquire request receives, and the race between them the protocol
// explicitly calls out: whichever arrives second must see that the other
// side already finished and act accordingly instead of assuming its own
// arrival order.
type acquireState struct {
	mu             sync.Mutex
	handle         transport.DeliveryHandle
	handleKnown    bool
	innerCompleted bool
	locallySettled bool
}

// CriticalSectionOptions configures a CriticalSection call.
type CriticalSectionOptions struct {
	Timeout  time.Duration // 0 means wait forever
	WaitTime time.Duration // forwarded to the server; drops a non-head waiter after this long
	Label    string
	Body     []byte
}

// CriticalSection acquires mutexName at path, runs inner once granted, and
// settles the acquisition (the release signal) once inner returns. If the
// server or network drops the acquisition before inner's release
// settlement, onCancel is invoked and the call fails with
// ErrMutexDropped — the application should treat that as a signal to stop
// work in progress, if onCancel is non-nil.
func (e *Endpoint) CriticalSection(ctx context.Context, path, mutexName string, inner Inner, onCancel func(), opts CriticalSectionOptions) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	state := &acquireState{}

	var innerResultOnce sync.Once
	finish := func(result any, err error) {
		innerResultOnce.Do(func() {
			done <- outcome{result: result, err: err}
		})
	}

	var cid uint64
	var cidErr error
	cid, cidErr = e.correlator.NewCID(func(msg any, ok bool) {
		if !ok {
			finish(nil, &TimeoutError{Op: "acquire", Path: path})
			return
		}
		m := msg.(*transport.Message)
		props, decErr := api.DecodeResponseProperties(m.Properties)
		if decErr != nil {
			finish(nil, decErr)
			return
		}
		if props.Status != api.StatusOK {
			finish(nil, &MutexError{Status: props.Status, Description: props.StatusDescription})
			return
		}

		// inner runs on its own goroutine rather than inline: the correlator
		// dispatches replies from the connection's single receive path, and a
		// slow critical section body must never stall delivery of everyone
		// else's replies and dispositions on that same connection.
		go func() {
			result, innerErr := inner(ctx, props.AcquisitionID)

			state.mu.Lock()
			state.innerCompleted = true
			handle := state.handle
			handleKnown := state.handleKnown
			alreadySettled := state.locallySettled
			if handleKnown && !alreadySettled {
				state.locallySettled = true
			}
			state.mu.Unlock()

			if handleKnown && !alreadySettled && handle != nil {
				_ = handle.Settle(ctx)
			}
			finish(result, innerErr)
		}()
	})
	if cidErr != nil {
		return nil, cidErr
	}

	onUpdate := func(d transport.Disposition) {
		switch {
		case d.State == transport.StateAccepted && !d.Settled:
			state.mu.Lock()
			alreadySettled := state.locallySettled
			innerDone := state.innerCompleted
			if innerDone && !alreadySettled {
				state.locallySettled = true
			}
			state.mu.Unlock()
			if innerDone && !alreadySettled {
				if h := state.handleFor(); h != nil {
					_ = h.Settle(ctx)
				}
			}
		case d.Remote && d.Settled:
			state.mu.Lock()
			alreadySettled := state.locallySettled
			state.locallySettled = true
			state.mu.Unlock()
			if !alreadySettled {
				if onCancel != nil {
					onCancel()
				}
				finish(nil, ErrMutexDropped)
			}
		}
	}

	label := opts.Label
	if label == "" {
		label = correlation.ID(ctx)
	}
	msg := &transport.Message{
		CorrelationID: cid,
		Properties: api.EncodeRequestProperties(api.RequestProperties{
			Op:        api.OpAcquire,
			Path:      path,
			MutexName: mutexName,
			WaitTime:  opts.WaitTime,
			Label:     label,
		}),
		Body: opts.Body,
	}

	sent := make(chan outbox.Result, 1)
	if err := e.mutexQueue.Enqueue(ctx, outbox.Entry{Message: msg, OnUpdate: onUpdate, Sent: sent}); err != nil {
		e.correlator.CancelCID(cid)
		return nil, err
	}

	go func() {
		res := <-sent
		if res.Err != nil {
			return
		}
		state.mu.Lock()
		state.handle = res.Handle
		state.handleKnown = true
		innerDone := state.innerCompleted
		alreadySettled := state.locallySettled
		if innerDone && !alreadySettled {
			state.locallySettled = true
		}
		state.mu.Unlock()
		if innerDone && !alreadySettled {
			_ = res.Handle.Settle(ctx)
		}
	}()

	if opts.Timeout <= 0 {
		o := <-done
		return o.result, o.err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		e.correlator.CancelCID(cid)
		return nil, fmt.Errorf("Timed out waiting for the mutex. Critical section did not run.")
	case <-ctx.Done():
		e.correlator.CancelCID(cid)
		return nil, ctx.Err()
	}
}

func (s *acquireState) handleFor() transport.DeliveryHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Package outbox implements the credit-gated send queue each client
// endpoint keeps per link class. A FETCH queue and a MUTEX queue run independent
// pump goroutines against independent transport.Sender links, so a burst of
// bulk fetches can never delay an acquire that is already queued behind
// it — the head-of-line isolation the two-link-class design exists for.
package outbox

import (
	"context"
	"sync"

	"github.com/amqpmux/amqpmux/internal/transport"
)

// Entry is one outgoing message and the disposition hook its sender should
// invoke for it.
type Entry struct {
	Message  *transport.Message
	OnUpdate func(transport.Disposition)

	// Sent receives the resulting transport.DeliveryHandle once the pump has
	// handed the message to the sender, or the send error if any. Callers
	// that need the handle (to settle their own delivery later, as the
	// critical_section release path does) must supply a buffered channel of
	// capacity 1; callers that only fire-and-forget may leave it nil.
	Sent chan<- Result
}

// Result is what a pump reports back through Entry.Sent.
type Result struct {
	Handle transport.DeliveryHandle
	Err    error
}

// Queue is one link class's FIFO send queue. Enqueue is safe to call before
// the underlying link's address is known (the dynamic reply-to link hasn't
// finished opening yet); entries simply wait in the channel until Start is
// called.
type Queue struct {
	entries chan Entry

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Queue with the given backlog capacity. A full queue makes
// Enqueue block, which in turn back-pressures whatever is producing
// outgoing messages — deliberately, so an unbounded backlog can't build up
// in memory ahead of a stalled link.
func New(capacity int) *Queue {
	return &Queue{entries: make(chan Entry, capacity)}
}

// Enqueue appends entry to the FIFO. It blocks if the queue is full or
// returns ctx.Err() if ctx is done first.
func (q *Queue) Enqueue(ctx context.Context, entry Entry) error {
	select {
	case q.entries <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the pump goroutine against sender. It is a no-op if
// already started, so callers that discover the dynamic reply address only
// after some entries were already enqueued can call Start exactly once
// that address becomes known — entries enqueued earlier simply wait in the
// channel until then. replyTo, if non-nil, is consulted for every entry
// immediately before it is handed to sender: it stamps Message.ReplyTo at
// drain time rather than at enqueue time, so a fetch issued before the
// connection's dynamic reply address resolved still gets the right
// address once it is finally sent.
func (q *Queue) Start(ctx context.Context, sender transport.Sender, replyTo func() string) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	q.mu.Unlock()

	go q.pump(pumpCtx, sender, replyTo)
}

func (q *Queue) pump(ctx context.Context, sender transport.Sender, replyTo func() string) {
	defer close(q.done)
	for {
		select {
		case entry, ok := <-q.entries:
			if !ok {
				return
			}
			if replyTo != nil {
				entry.Message.ReplyTo = replyTo()
			}
			handle, err := sender.Send(ctx, entry.Message, entry.OnUpdate)
			if entry.Sent != nil {
				entry.Sent <- Result{Handle: handle, Err: err}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the pump and waits for it to exit. It is safe to call on a
// Queue that was never Started.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Len reports the number of entries currently queued but not yet handed to
// the sender. Used for diagnostics and tests.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Package server implements the receiving side of the protocol: routing
// incoming FETCH and MUTEX deliveries by path to registered handlers or to
// a named mutex's wait queue, and replying over the connection's anonymous
// sender. Manual accept and manual settle are used throughout — the
// mutex protocol depends on settlement carrying meaning independent of
// disposition state.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/clock"
	"github.com/amqpmux/amqpmux/internal/correlation"
	"github.com/amqpmux/amqpmux/internal/loadguard"
	"github.com/amqpmux/amqpmux/internal/mutexqueue"
	"github.com/amqpmux/amqpmux/internal/pathtrie"
	"github.com/amqpmux/amqpmux/internal/svcfields"
	"github.com/amqpmux/amqpmux/internal/transport"
	"pkt.systems/pslog"
)

// Endpoint routes requests arriving on two link classes to registered
// handlers or mutex sets, per spec's ServerEndpoint.
type Endpoint struct {
	address string
	sender  transport.Sender // the connection's shared anonymous sender, used for replies
	trie    *pathtrie.Trie
	guard   *loadguard.Guard
	clock   clock.Clock
	logger  pslog.Logger

	mu         sync.Mutex
	mutexes    map[string]*mutexqueue.Set // path -> mutex set, for Stats() only
	fetchPaths map[string]struct{}       // path -> presence, for Stats() only
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint)

// WithLoadGuard gates FETCH dispatch on g. MUTEX dispatch is never gated.
func WithLoadGuard(g *loadguard.Guard) Option {
	return func(e *Endpoint) { e.guard = g }
}

// WithClock overrides the clock used to schedule wait_time timeouts,
// primarily for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Endpoint) { e.clock = c }
}

// WithLogger overrides the endpoint's logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Endpoint) { e.logger = logger }
}

// New constructs an Endpoint bound to address, replying over sender.
func New(address string, sender transport.Sender, opts ...Option) *Endpoint {
	e := &Endpoint{
		address: normalizeAddress(address),
		sender:  sender,
		trie:    pathtrie.New(),
		clock:   clock.Real{},
		logger:  pslog.NoopLogger(),
		mutexes:    make(map[string]*mutexqueue.Set),
		fetchPaths: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = svcfields.WithSubsystem(e.logger, svcfields.Subsystem("server", e.address))
	return e
}

// Address returns the endpoint's normalized address.
func (e *Endpoint) Address() string { return e.address }

// Handle registers handler for op at path, appended after any handler
// already registered for the same verb at the same path — spec's
// handlers-as-list semantics, invoked in registration order. It fails if
// path is already registered as a mutex (acquire) endpoint.
func (e *Endpoint) Handle(path string, op api.Op, handler Handler) error {
	if node, ok := e.trie.Lookup(path); ok {
		hn := node.(*handlerNode)
		if hn.mutexes != nil {
			return fmt.Errorf("server: %q is a mutex endpoint, cannot register a %s handler", path, op)
		}
		hn.handlers[op] = append(hn.handlers[op], handler)
		return nil
	}
	hn := newFetchNode(path)
	hn.handlers[op] = []Handler{handler}
	if err := e.trie.Insert(path, hn); err != nil {
		return err
	}
	e.mu.Lock()
	e.fetchPaths[path] = struct{}{}
	e.mu.Unlock()
	return nil
}

// HandleMutex registers path as an acquire endpoint. Re-registering an
// already-registered path fails — duplicate route registration is
// rejected, not silently overwritten.
func (e *Endpoint) HandleMutex(path string) error {
	if _, ok := e.trie.Lookup(path); ok {
		return fmt.Errorf("server: %q is already registered", path)
	}
	hn := newMutexNode(path)
	if err := e.trie.Insert(path, hn); err != nil {
		return err
	}
	e.mu.Lock()
	e.mutexes[path] = hn.mutexes
	e.mu.Unlock()
	return nil
}

// Stats is a read-only diagnostic snapshot of an Endpoint, per
// APIConnection.get_stats and the mutex queue depth gauge it feeds.
type Stats struct {
	FetchPathCount int
	MutexPathCount int
	// MutexQueueDepth maps each registered mutex path to the sum of queue
	// lengths across every distinct mutex name ever referenced at that
	// path — a best-effort diagnostic, not used for correctness.
	MutexQueueDepth map[string]int
}

// Stats reports a diagnostic snapshot of this Endpoint's registered paths
// and current mutex wait-queue depths.
func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		FetchPathCount:  len(e.fetchPaths),
		MutexPathCount:  len(e.mutexes),
		MutexQueueDepth: make(map[string]int, len(e.mutexes)),
	}
	for path, set := range e.mutexes {
		s.MutexQueueDepth[path] = set.TotalQueueLen()
	}
	return s
}

// Dispatch routes one received delivery. class selects which of the two
// independent gating policies (load-shed FETCH, never-shed MUTEX) applies.
// Callers — the connection's serialized event-loop task — invoke this once
// per received delivery; Dispatch itself never blocks on I/O beyond the
// reply send.
func (e *Endpoint) Dispatch(ctx context.Context, class api.LinkClass, msg *transport.Message, delivery transport.IncomingDelivery) {
	props, err := api.DecodeRequestProperties(msg.Properties)
	if err != nil {
		e.replyAndSettle(ctx, delivery, msg, api.StatusBadRequest, "malformed request", "")
		return
	}
	if props.Label != "" {
		ctx = correlation.Set(ctx, props.Label)
	}

	if class == api.ClassFetch && e.guard != nil {
		if d := e.guard.Decide(); d.Throttle && d.State == loadguard.StateEngaged {
			e.logger.Warn("server.dispatch.overloaded", "path", props.Path, "reason", d.Reason, "correlation_id", correlation.ID(ctx))
			e.replyAndSettle(ctx, delivery, msg, api.StatusServiceUnavailable, "server overloaded", "")
			return
		}
	}

	node, ok := e.trie.Lookup(props.Path)
	if !ok {
		e.replyAndSettle(ctx, delivery, msg, api.StatusNotFound, "No resource found at path", "")
		return
	}
	hn := node.(*handlerNode)

	if props.Op == api.OpAcquire {
		e.dispatchAcquire(ctx, hn, props, msg, delivery)
		return
	}
	e.dispatchFetch(ctx, hn, props, msg, delivery)
}

func (e *Endpoint) dispatchFetch(ctx context.Context, hn *handlerNode, props api.RequestProperties, msg *transport.Message, delivery transport.IncomingDelivery) {
	if hn.mutexes != nil {
		e.replyAndSettle(ctx, delivery, msg, api.StatusBadRequest, "Not Permitted", "")
		return
	}
	handlers := hn.handlers[props.Op]
	if len(handlers) == 0 {
		e.replyAndSettle(ctx, delivery, msg, api.StatusBadRequest, "Not Permitted", "")
		return
	}

	resp := newResponse(replyDeliverer(e.sender, msg.ReplyTo, msg.CorrelationID))
	resp.Status(api.StatusOK)
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("server.dispatch.panic", "path", props.Path, "panic", r, "correlation_id", correlation.ID(ctx))
				if !resp.Sent() {
					resp.Status(500).Describe("internal error")
				}
			}
		}()
		for _, h := range handlers {
			h(ctx, &props, msg.Body, resp)
		}
	}()
	if !resp.Sent() {
		_ = resp.End(ctx)
	}
	_ = delivery.Accept(ctx)
	_ = delivery.Settle(ctx)
}

func (e *Endpoint) dispatchAcquire(ctx context.Context, hn *handlerNode, props api.RequestProperties, msg *transport.Message, delivery transport.IncomingDelivery) {
	if hn.mutexes == nil {
		e.replyAndSettle(ctx, delivery, msg, api.StatusBadRequest, "Not Permitted", "")
		return
	}
	inst, err := hn.mutexes.Get(props.MutexName)
	if err != nil {
		e.replyAndSettle(ctx, delivery, msg, api.StatusBadRequest, err.Error(), "")
		return
	}

	var stopTimer func()
	acquisitionID := inst.Acquire(
		func(acquisitionID string) {
			if stopTimer != nil {
				stopTimer()
			}
			e.grant(ctx, inst, acquisitionID, msg, delivery)
		},
		func(reason string) {
			e.replyAndSettle(ctx, delivery, msg, api.StatusRequestTimeout, reason, "")
		},
	)

	// A non-head waiter (QueuePosition >= 1, i.e. not yet granted) with a
	// positive wait_time gets a drop timer; the head is never armed since
	// it is granted synchronously above, before this point is reached.
	if props.WaitTime > 0 {
		if pos, ok := inst.QueuePosition(acquisitionID); ok && pos >= 1 {
			stopTimer = afterFunc(e.clock, props.WaitTime, func() {
				inst.Drop(acquisitionID, "Timed out waiting for the mutex.")
			})
		}
	}
}

func (e *Endpoint) grant(ctx context.Context, inst *mutexqueue.MutexInstance, acquisitionID string, msg *transport.Message, delivery transport.IncomingDelivery) {
	_ = delivery.Accept(ctx)
	delivery.OnRemoteSettled(func() {
		inst.Release(acquisitionID)
		_ = delivery.Settle(ctx)
	})

	resp := newResponse(replyDeliverer(e.sender, msg.ReplyTo, msg.CorrelationID))
	resp.Status(api.StatusOK).Acquisition(acquisitionID)
	_ = resp.End(ctx)
}

func (e *Endpoint) replyAndSettle(ctx context.Context, delivery transport.IncomingDelivery, msg *transport.Message, status int, desc string, acquisitionID string) {
	resp := newResponse(replyDeliverer(e.sender, msg.ReplyTo, msg.CorrelationID))
	resp.Status(status).Describe(desc)
	if acquisitionID != "" {
		resp.Acquisition(acquisitionID)
	}
	_ = resp.End(ctx)
	_ = delivery.Accept(ctx)
	_ = delivery.Settle(ctx)
}

func normalizeAddress(address string) string {
	if address == "" || address[0] == '/' {
		return address
	}
	return "/" + address
}

// afterFunc invokes fn once d elapses on c, unless the returned stop
// function is called first. Built on Clock.After (a channel) rather than
// assuming a Timer type, so it works identically against clock.Real and
// the deterministic clock.Manual used in tests.
func afterFunc(c clock.Clock, d time.Duration, fn func()) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-c.After(d):
			fn()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}

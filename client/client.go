// Package client implements the caller-facing portal: fetch for REST-like
// request/response calls and critical_section for the distributed-mutex
// protocol. An Endpoint owns the two link classes' OutboxQueues for one
// logical server address; the connection-wide Correlator and dynamic reply
// receiver are shared with every other Endpoint on the same connection.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/correlation"
	"github.com/amqpmux/amqpmux/internal/correlator"
	"github.com/amqpmux/amqpmux/internal/outbox"
	"github.com/amqpmux/amqpmux/internal/transport"
)

// DefaultFetchTimeout is applied when FetchOptions.Timeout is zero.
const DefaultFetchTimeout = 10 * time.Second

// FetchOptions configures a Fetch call. The zero value issues a GET with
// no body and the default timeout.
type FetchOptions struct {
	Op      api.Op
	Timeout time.Duration
	Body    []byte
}

// FetchResult is what a successful (non-timeout) Fetch resolves with,
// including non-2xx server replies — callers inspect Status themselves.
type FetchResult struct {
	status int
	desc   string
	body   []byte
}

// Status returns the reply's HTTP-style status code.
func (r *FetchResult) Status() int { return r.status }

// StatusDescription returns the reply's human-readable status text.
func (r *FetchResult) StatusDescription() string { return r.desc }

// Data returns the reply body.
func (r *FetchResult) Data() []byte { return r.body }

// TimeoutError is returned by Fetch when the call's deadline elapses before
// a reply arrives, and by Fetch or CriticalSection when the pending request
// is cancelled on the correlator before any reply (for example when the
// connection closes). CriticalSection's own Timeout elapsing returns a
// plain error instead.
type TimeoutError struct {
	Op   string
	Path string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out waiting for a reply", e.Op, e.Path)
}

// Endpoint is the client-side portal bound to one logical server address.
type Endpoint struct {
	address    string
	correlator *correlator.Correlator
	fetchQueue *outbox.Queue
	mutexQueue *outbox.Queue
}

// New constructs an Endpoint addressed at serverAddress. fetchQueue and
// mutexQueue must already be Started (or will be started once the
// connection's dynamic reply address is known) against senders targeting
// serverAddress's FETCH and MUTEX links respectively.
func New(serverAddress string, corr *correlator.Correlator, fetchQueue, mutexQueue *outbox.Queue) *Endpoint {
	return &Endpoint{
		address:    serverAddress,
		correlator: corr,
		fetchQueue: fetchQueue,
		mutexQueue: mutexQueue,
	}
}

// Address returns the server address this Endpoint targets.
func (e *Endpoint) Address() string { return e.address }

// Fetch issues a REST-like request and waits for its reply or for opts'
// timeout (default 10s) to elapse.
func (e *Endpoint) Fetch(ctx context.Context, path string, opts FetchOptions) (*FetchResult, error) {
	op := opts.Op
	if op == "" {
		op = api.OpGET
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}

	type outcome struct {
		result *FetchResult
		err    error
	}
	done := make(chan outcome, 1)

	cid, err := e.correlator.NewCID(func(msg any, ok bool) {
		if !ok {
			done <- outcome{err: &TimeoutError{Op: string(op), Path: path}}
			return
		}
		m := msg.(*transport.Message)
		props, decErr := api.DecodeResponseProperties(m.Properties)
		if decErr != nil {
			done <- outcome{err: decErr}
			return
		}
		done <- outcome{result: &FetchResult{status: props.Status, desc: props.StatusDescription, body: m.Body}}
	})
	if err != nil {
		return nil, err
	}

	msg := &transport.Message{
		CorrelationID: cid,
		Properties:    api.EncodeRequestProperties(api.RequestProperties{Op: op, Path: path, Label: correlation.ID(ctx)}),
		Body:          opts.Body,
	}
	if err := e.fetchQueue.Enqueue(ctx, outbox.Entry{Message: msg}); err != nil {
		e.correlator.CancelCID(cid)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		e.correlator.CancelCID(cid)
		return nil, &TimeoutError{Op: string(op), Path: path}
	case <-ctx.Done():
		e.correlator.CancelCID(cid)
		return nil, ctx.Err()
	}
}

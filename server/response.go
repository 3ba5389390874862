package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/transport"
)

// Response is the one-shot reply builder handed to every verb handler. A
// handler calls status (optionally) and then exactly one of send or end;
// a further Send or End after the first fails with ErrAlreadySent, and
// Status, Describe or Acquisition calls after it leave the reply unchanged
// without reporting an error.
type Response struct {
	mu            sync.Mutex
	status        int
	desc          string
	acquisitionID string
	sent          bool

	deliverFn func(ctx context.Context, props api.ResponseProperties, body []byte) error
}

// ErrAlreadySent is returned by Send/End once the response has
// already been emitted once.
var ErrAlreadySent = fmt.Errorf("server: response already sent")

func newResponse(deliver func(ctx context.Context, props api.ResponseProperties, body []byte) error) *Response {
	return &Response{status: api.StatusOK, deliverFn: deliver}
}

// Status sets the HTTP-style status code for the eventual reply and
// returns the Response for chaining. Once the response has been sent, the
// call has no effect and reports no error.
func (r *Response) Status(code int) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return r
	}
	r.status = code
	return r
}

// Describe sets the status_description carried with the reply.
func (r *Response) Describe(desc string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return r
	}
	r.desc = desc
	return r
}

// Acquisition sets the acquisition_id carried with a 200 acquire reply.
func (r *Response) Acquisition(id string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return r
	}
	r.acquisitionID = id
	return r
}

// Send emits the reply with body and marks the Response sent.
func (r *Response) Send(ctx context.Context, body []byte) error {
	return r.finish(ctx, body)
}

// End emits the reply with an empty body and marks the Response sent.
func (r *Response) End(ctx context.Context) error {
	return r.finish(ctx, nil)
}

func (r *Response) finish(ctx context.Context, body []byte) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return ErrAlreadySent
	}
	r.sent = true
	props := api.ResponseProperties{Status: r.status, StatusDescription: r.desc, AcquisitionID: r.acquisitionID}
	r.mu.Unlock()
	return r.deliverFn(ctx, props, body)
}

// Sent reports whether the response has already been emitted.
func (r *Response) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// replyDeliverer builds the deliver closure a Response uses, addressed back
// to an inbound request's reply_to/correlation_id over the endpoint's reply
// sender.
func replyDeliverer(sender transport.Sender, replyTo string, correlationID uint64) func(ctx context.Context, props api.ResponseProperties, body []byte) error {
	return func(ctx context.Context, props api.ResponseProperties, body []byte) error {
		msg := &transport.Message{
			To:            replyTo,
			CorrelationID: correlationID,
			Properties: map[string]any{
				"status":             props.Status,
				"status_description": props.StatusDescription,
			},
			Body: body,
		}
		if props.AcquisitionID != "" {
			msg.Properties["acquisition_id"] = props.AcquisitionID
		}
		_, err := sender.Send(ctx, msg, nil)
		return err
	}
}

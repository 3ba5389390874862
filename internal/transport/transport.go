// Package transport states the contract this module requires from the
// underlying AMQP-1.0-style session/link library: dynamic-source receivers,
// anonymous senders, manual accept/settle, and a per-delivery disposition
// stream. Everything above this package is written against these
// interfaces, never against a concrete client library directly, so the core
// correlator/outbox/mutex-queue mechanics can be exercised against the
// in-memory fake in internal/transporttest without a live broker.
package transport

import "context"

// DispositionState is the terminal outcome reported for a delivery.
type DispositionState int

const (
	StateUnknown DispositionState = iota
	StateAccepted
	StateRejected
	StateReleased
	StateModified
)

func (s DispositionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateReleased:
		return "released"
	case StateModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Disposition is one update in a delivery's lifecycle. A delivery may report
// State == StateAccepted with Settled == false (the server has taken the
// request but left it unsettled, e.g. a granted mutex acquisition still
// held), followed later by
// a second Disposition with Settled == true (the release signal) or by the
// remote settling unilaterally before the local side does.
type Disposition struct {
	State    DispositionState
	Settled  bool
	Remote   bool // true when this update originates from the peer's settlement, not ours
}

// Message is the transport-neutral envelope. All protocol meaning for this
// module lives in Properties; Body is opaque.
type Message struct {
	To            string
	ReplyTo       string
	CorrelationID uint64
	Properties    map[string]any
	Body          []byte
}

// Conn is a single transport connection.
type Conn interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session multiplexes senders and receivers over one Conn.
type Session interface {
	// NewSender opens a sender link. An empty target makes the sender
	// anonymous: every message sent on it must carry an explicit To.
	NewSender(ctx context.Context, target string) (Sender, error)
	// NewReceiver opens a receiver link bound to source. When dynamic is
	// true, source is ignored and the peer assigns an address, available
	// from Receiver.Address() once the link has opened.
	NewReceiver(ctx context.Context, source string, dynamic bool) (Receiver, error)
	Close(ctx context.Context) error
}

// DeliveryHandle is returned by Sender.Send and is the capability to settle
// that specific outbound delivery — settling an acquire delivery is the
// mutex release signal.
type DeliveryHandle interface {
	Settle(ctx context.Context) error
}

// Sender transmits messages, gated by the link's own credit window. Send
// blocks only long enough to hand the message to the transport (which may
// itself block on credit); it does not wait for disposition. onUpdate is
// invoked for every disposition event this delivery receives, including the
// final settlement, on whichever goroutine the transport observes the event
// (the in-memory fake calls it from the goroutine that accepts or settles
// the delivery).
type Sender interface {
	Send(ctx context.Context, msg *Message, onUpdate func(Disposition)) (DeliveryHandle, error)
	Close(ctx context.Context) error
}

// IncomingDelivery is a single received message's manual accept/settle
// capability. The receive settle mode never auto-settles on terminal
// disposition: settlement is semantically meaningful to this protocol.
type IncomingDelivery interface {
	Accept(ctx context.Context) error
	Reject(ctx context.Context, description string) error
	Release(ctx context.Context) error
	// Settle finalizes a previously Accept/Reject/Release'd delivery without
	// changing its outcome. It is a no-op to call Settle more than once.
	Settle(ctx context.Context) error
	// RemoteSettled reports whether the peer has settled its end. Used to
	// detect "remote-settled-before-local-settled" — the client dropping an
	// acquisition it was never granted, or network loss.
	RemoteSettled() bool
	// OnRemoteSettled registers fn to run the moment the peer (the original
	// sender of this delivery) settles — the mutex release signal. If the
	// peer has already settled, fn runs immediately, synchronously.
	OnRemoteSettled(fn func())
}

// Receiver receives messages on one logical link.
type Receiver interface {
	// Address is the link's source address; populated once a dynamic link
	// finishes opening, empty until then.
	Address() string
	// OnOpen registers fn to run once Address() is populated. If the link
	// has already opened, fn runs immediately, synchronously.
	OnOpen(fn func(address string))
	Receive(ctx context.Context) (*Message, IncomingDelivery, error)
	Close(ctx context.Context) error
}

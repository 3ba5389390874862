// Package transporttest implements the internal/transport contract purely
// in memory, the way the teacher tests internal/core against an in-memory
// storage backend instead of a real S3 bucket. The outbox tests and the
// client and server endpoint tests run against this fake; only the cmd binaries and the
// internal/transport/amqptransport adapter touch a real AMQP peer.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"github.com/amqpmux/amqpmux/internal/dispositionmux"
	"github.com/amqpmux/amqpmux/internal/transport"
)

// DefaultCredit is the simulated per-link credit window: the number of
// deliveries a receiver accepts into its queue before a sender blocks.
const DefaultCredit = 64

// Network is a shared address space deliveries route through. Tests
// construct one Network and dial multiple Conns against it to model
// distinct client/server connections sharing a broker.
type Network struct {
	mu        sync.Mutex
	receivers map[string]*receiver
	dynSeq    int
}

// New constructs an empty Network.
func New() *Network {
	return &Network{receivers: make(map[string]*receiver)}
}

func (n *Network) register(addr string, r *receiver) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.receivers[addr]; exists {
		return fmt.Errorf("transporttest: address %q already has a receiver", addr)
	}
	n.receivers[addr] = r
	return nil
}

func (n *Network) dynamicAddress() string {
	n.mu.Lock()
	n.dynSeq++
	seq := n.dynSeq
	n.mu.Unlock()
	return fmt.Sprintf("/dynamic/%d/%s", seq, xid.New().String())
}

func (n *Network) lookup(addr string) (*receiver, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.receivers[addr]
	return r, ok
}

// Conn is a fake transport.Conn bound to a Network.
type Conn struct {
	net *Network
}

// Dial constructs a new fake connection against net.
func Dial(net *Network) *Conn {
	return &Conn{net: net}
}

func (c *Conn) NewSession(ctx context.Context) (transport.Session, error) {
	return &session{net: c.net}, nil
}

func (c *Conn) Close(ctx context.Context) error { return nil }

type session struct {
	net *Network
}

func (s *session) NewSender(ctx context.Context, target string) (transport.Sender, error) {
	return &sender{net: s.net, target: target, mux: dispositionmux.New()}, nil
}

func (s *session) NewReceiver(ctx context.Context, source string, dynamic bool) (transport.Receiver, error) {
	addr := source
	if dynamic {
		addr = s.net.dynamicAddress()
	}
	r := &receiver{net: s.net, ch: make(chan inbound, DefaultCredit)}
	if err := s.net.register(addr, r); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.address = addr
	r.opened = true
	r.mu.Unlock()
	return r, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

// delivery is the shared state between one message's sender-side handle and
// receiver-side IncomingDelivery.
type delivery struct {
	mu              sync.Mutex
	receiverState   transport.DispositionState
	receiverSettled bool
	senderSettled   bool
	onRemoteSettled func()
	notifySender    func(transport.Disposition)
}

type sender struct {
	net    *Network
	target string
	mux    *dispositionmux.Mux
}

func (s *sender) Send(ctx context.Context, msg *transport.Message, onUpdate func(transport.Disposition)) (transport.DeliveryHandle, error) {
	to := msg.To
	if s.target != "" {
		to = s.target
		msg.To = to
	}
	if to == "" {
		return nil, fmt.Errorf("transporttest: anonymous sender requires Message.To")
	}
	r, ok := s.net.lookup(to)
	if !ok {
		return nil, fmt.Errorf("transporttest: no receiver bound at %q", to)
	}

	id := s.mux.Register(dispositionmux.Hook(onUpdate))
	d := &delivery{}
	d.notifySender = func(disp transport.Disposition) {
		s.mux.Dispatch(id, disp)
		if disp.Settled {
			s.mux.Remove(id)
		}
	}

	select {
	case r.ch <- inbound{msg: cloneMessage(msg), delivery: d}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &deliveryHandle{d: d}, nil
}

func (s *sender) Close(ctx context.Context) error { return nil }

type deliveryHandle struct {
	d *delivery
}

func (h *deliveryHandle) Settle(ctx context.Context) error {
	h.d.mu.Lock()
	if h.d.senderSettled {
		h.d.mu.Unlock()
		return nil
	}
	h.d.senderSettled = true
	cb := h.d.onRemoteSettled
	h.d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

type inbound struct {
	msg      *transport.Message
	delivery *delivery
}

type receiver struct {
	net *Network
	ch  chan inbound

	mu      sync.Mutex
	address string
	onOpen  []func(string)
	opened  bool
}

func (r *receiver) Address() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

func (r *receiver) OnOpen(fn func(address string)) {
	r.mu.Lock()
	addr := r.address
	already := r.opened
	if !already {
		r.onOpen = append(r.onOpen, fn)
	}
	r.opened = true
	r.mu.Unlock()
	if already {
		fn(addr)
	}
}

func (r *receiver) Receive(ctx context.Context) (*transport.Message, transport.IncomingDelivery, error) {
	select {
	case in := <-r.ch:
		return in.msg, &incomingDelivery{d: in.delivery}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (r *receiver) Close(ctx context.Context) error { return nil }

type incomingDelivery struct {
	d *delivery
}

func (in *incomingDelivery) notify(state transport.DispositionState, settled bool) {
	in.d.mu.Lock()
	in.d.receiverState = state
	if settled {
		in.d.receiverSettled = true
	}
	notify := in.d.notifySender
	in.d.mu.Unlock()
	if notify != nil {
		notify(transport.Disposition{State: state, Settled: settled, Remote: true})
	}
}

// Accept, Reject, and Release only set the delivery's terminal disposition
// state; none of them settle. Manual-settle mode means settlement is
// always a separate, deliberate act via Settle — the mutex protocol relies
// on an Accepted-but-unsettled delivery representing a held or queued
// acquisition.
func (in *incomingDelivery) Accept(ctx context.Context) error {
	in.notify(transport.StateAccepted, false)
	return nil
}

func (in *incomingDelivery) Reject(ctx context.Context, description string) error {
	in.notify(transport.StateRejected, false)
	return nil
}

func (in *incomingDelivery) Release(ctx context.Context) error {
	in.notify(transport.StateReleased, false)
	return nil
}

func (in *incomingDelivery) Settle(ctx context.Context) error {
	in.d.mu.Lock()
	if in.d.receiverSettled {
		in.d.mu.Unlock()
		return nil
	}
	state := in.d.receiverState
	in.d.mu.Unlock()
	in.notify(state, true)
	return nil
}

func (in *incomingDelivery) RemoteSettled() bool {
	in.d.mu.Lock()
	defer in.d.mu.Unlock()
	return in.d.senderSettled
}

func (in *incomingDelivery) OnRemoteSettled(fn func()) {
	in.d.mu.Lock()
	if in.d.senderSettled {
		in.d.mu.Unlock()
		fn()
		return
	}
	in.d.onRemoteSettled = fn
	in.d.mu.Unlock()
}

func cloneMessage(msg *transport.Message) *transport.Message {
	props := make(map[string]any, len(msg.Properties))
	for k, v := range msg.Properties {
		props[k] = v
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	return &transport.Message{
		To:            msg.To,
		ReplyTo:       msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		Properties:    props,
		Body:          body,
	}
}

package server

import (
	"context"
	"testing"
	"time"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/clock"
	"github.com/amqpmux/amqpmux/internal/transport"
	"github.com/amqpmux/amqpmux/internal/transporttest"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	net      *transporttest.Network
	replyRx  transport.Receiver
	endpoint *Endpoint

	requestRecv   map[api.LinkClass]transport.Receiver
	requestSender map[api.LinkClass]transport.Sender
	// handles maps each received delivery to the client-side handle whose
	// Settle is the mutex release signal.
	handles map[transport.IncomingDelivery]transport.DeliveryHandle
}

func newHarness(t *testing.T) *harness {
	ctx := context.Background()
	net := transporttest.New()
	conn := transporttest.Dial(net)
	sess, err := conn.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	replyRx, err := sess.NewReceiver(ctx, "/client/reply", false)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	sender, err := sess.NewSender(ctx, "")
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return &harness{
		t: t, ctx: ctx, net: net, replyRx: replyRx, endpoint: New("/svc", sender),
		requestRecv:   make(map[api.LinkClass]transport.Receiver),
		requestSender: make(map[api.LinkClass]transport.Sender),
		handles:       make(map[transport.IncomingDelivery]transport.DeliveryHandle),
	}
}

// send delivers a request message directly into the endpoint's dispatch
// path, bypassing a real receive loop (those are exercised by the client
// package's end-to-end tests).
func (h *harness) send(class api.LinkClass, props api.RequestProperties, body []byte) (*transport.Message, transport.IncomingDelivery) {
	recv, ok := h.requestRecv[class]
	if !ok {
		conn := transporttest.Dial(h.net)
		sess, _ := conn.NewSession(h.ctx)
		requestAddr := "/svc/" + string(class)
		var err error
		recv, err = sess.NewReceiver(h.ctx, requestAddr, false)
		if err != nil {
			h.t.Fatalf("NewReceiver: %v", err)
		}
		sender, err := sess.NewSender(h.ctx, requestAddr)
		if err != nil {
			h.t.Fatalf("NewSender: %v", err)
		}
		h.requestRecv[class] = recv
		h.requestSender[class] = sender
	}
	sender := h.requestSender[class]

	msg := &transport.Message{
		ReplyTo:    "/client/reply",
		Properties: api.EncodeRequestProperties(props),
		Body:       body,
	}
	handle, err := sender.Send(h.ctx, msg, nil)
	if err != nil {
		h.t.Fatalf("Send: %v", err)
	}
	got, delivery, err := recv.Receive(h.ctx)
	if err != nil {
		h.t.Fatalf("Receive: %v", err)
	}
	h.handles[delivery] = handle
	return got, delivery
}

func (h *harness) readReply() api.ResponseProperties {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	msg, delivery, err := h.replyRx.Receive(ctx)
	if err != nil {
		h.t.Fatalf("reply Receive: %v", err)
	}
	_ = delivery.Accept(ctx)
	_ = delivery.Settle(ctx)
	props, err := api.DecodeResponseProperties(msg.Properties)
	if err != nil {
		h.t.Fatalf("DecodeResponseProperties: %v", err)
	}
	return props
}

func TestDispatchFetchGETRoundTrip(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.Handle("/names", api.OpGET, func(ctx context.Context, req *api.RequestProperties, body []byte, resp *Response) {
		resp.Status(api.StatusOK)
		_ = resp.Send(ctx, []byte(`{"item1":"first","item2":"second"}`))
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msg, delivery := h.send(api.ClassFetch, api.RequestProperties{Op: api.OpGET, Path: "/names"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassFetch, msg, delivery)

	reply := h.readReply()
	if reply.Status != api.StatusOK {
		t.Fatalf("Status = %d, want 200", reply.Status)
	}
}

func TestDispatchFetch404(t *testing.T) {
	h := newHarness(t)
	msg, delivery := h.send(api.ClassFetch, api.RequestProperties{Op: api.OpGET, Path: "/missing"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassFetch, msg, delivery)

	reply := h.readReply()
	if reply.Status != api.StatusNotFound {
		t.Fatalf("Status = %d, want 404", reply.Status)
	}
}

func TestDispatchFetchMethodNotPermitted(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.Handle("/names", api.OpGET, func(context.Context, *api.RequestProperties, []byte, *Response) {}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msg, delivery := h.send(api.ClassFetch, api.RequestProperties{Op: api.OpPUT, Path: "/names"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassFetch, msg, delivery)

	reply := h.readReply()
	if reply.Status != api.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", reply.Status)
	}
}

func TestDispatchPUTThenGET(t *testing.T) {
	h := newHarness(t)
	var counter int
	if err := h.endpoint.Handle("/variables/counter", api.OpGET, func(ctx context.Context, req *api.RequestProperties, body []byte, resp *Response) {
		resp.Status(api.StatusOK)
		_ = resp.Send(ctx, []byte{byte(counter)})
	}); err != nil {
		t.Fatalf("Handle GET: %v", err)
	}
	if err := h.endpoint.Handle("/variables/counter", api.OpPUT, func(ctx context.Context, req *api.RequestProperties, body []byte, resp *Response) {
		counter = int(body[0])
		resp.Status(api.StatusOK)
		_ = resp.Send(ctx, body)
	}); err != nil {
		t.Fatalf("Handle PUT: %v", err)
	}

	msg, delivery := h.send(api.ClassFetch, api.RequestProperties{Op: api.OpGET, Path: "/variables/counter"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassFetch, msg, delivery)
	if reply := h.readReply(); reply.Status != api.StatusOK {
		t.Fatalf("first GET status = %d", reply.Status)
	}

	msg, delivery = h.send(api.ClassFetch, api.RequestProperties{Op: api.OpPUT, Path: "/variables/counter"}, []byte{42})
	h.endpoint.Dispatch(h.ctx, api.ClassFetch, msg, delivery)
	if reply := h.readReply(); reply.Status != api.StatusOK {
		t.Fatalf("PUT status = %d", reply.Status)
	}
	if counter != 42 {
		t.Fatalf("counter = %d, want 42", counter)
	}
}

func TestDispatchAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}

	msg, delivery := h.send(api.ClassMutex, api.RequestProperties{Op: api.OpAcquire, Path: "/locks", MutexName: "counter"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg, delivery)

	reply := h.readReply()
	if reply.Status != api.StatusOK {
		t.Fatalf("Status = %d, want 200", reply.Status)
	}
	if reply.AcquisitionID == "" {
		t.Fatal("AcquisitionID empty on grant")
	}

	if delivery.RemoteSettled() {
		t.Fatal("delivery reported remote-settled before the client settled")
	}
	if err := delivery.Settle(h.ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func TestDispatchAcquireSecondWaiterGrantedAfterRelease(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}

	msg1, delivery1 := h.send(api.ClassMutex, api.RequestProperties{Op: api.OpAcquire, Path: "/locks", MutexName: "counter"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg1, delivery1)
	first := h.readReply()
	if first.Status != api.StatusOK {
		t.Fatalf("first acquire status = %d", first.Status)
	}

	msg2, delivery2 := h.send(api.ClassMutex, api.RequestProperties{Op: api.OpAcquire, Path: "/locks", MutexName: "counter"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg2, delivery2)

	// Second waiter has not been granted yet; the client settling the first
	// delivery (the release signal) must grant it.
	if err := h.handles[delivery1].Settle(h.ctx); err != nil {
		t.Fatalf("Settle first: %v", err)
	}

	second := h.readReply()
	if second.Status != api.StatusOK {
		t.Fatalf("second acquire status = %d, want 200 after release", second.Status)
	}
	if second.AcquisitionID == first.AcquisitionID {
		t.Fatal("second grant reused the first acquisition id")
	}
}

func TestDispatchAcquireWaitTimeDropsQueuedWaiter(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}
	mc := clock.NewManual(time.Unix(0, 0))
	h.endpoint.clock = mc

	msg1, delivery1 := h.send(api.ClassMutex, api.RequestProperties{Op: api.OpAcquire, Path: "/locks", MutexName: "counter"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg1, delivery1)
	_ = h.readReply()

	msg2, delivery2 := h.send(api.ClassMutex, api.RequestProperties{
		Op:        api.OpAcquire,
		Path:      "/locks",
		MutexName: "counter",
		WaitTime:  100 * time.Millisecond,
	}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg2, delivery2)

	// Give the afterFunc goroutine a moment to register against the manual
	// clock before advancing it.
	for mc.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	mc.Advance(200 * time.Millisecond)

	second := h.readReply()
	if second.Status != api.StatusRequestTimeout {
		t.Fatalf("Status = %d, want 408", second.Status)
	}

	// Releasing the first holder now must find nobody left queued.
	if err := h.handles[delivery1].Settle(h.ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func TestDispatchAcquireUnknownPathIs404(t *testing.T) {
	h := newHarness(t)
	msg, delivery := h.send(api.ClassMutex, api.RequestProperties{Op: api.OpAcquire, Path: "/missing", MutexName: "x"}, nil)
	h.endpoint.Dispatch(h.ctx, api.ClassMutex, msg, delivery)
	if reply := h.readReply(); reply.Status != api.StatusNotFound {
		t.Fatalf("Status = %d, want 404", reply.Status)
	}
}

func TestHandleRejectsMixingFetchAndMutexAtSamePath(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}
	if err := h.endpoint.Handle("/locks", api.OpGET, func(context.Context, *api.RequestProperties, []byte, *Response) {}); err == nil {
		t.Fatal("Handle succeeded on a mutex-registered path")
	}
}

func TestHandleMutexRejectsDuplicateRegistration(t *testing.T) {
	h := newHarness(t)
	if err := h.endpoint.HandleMutex("/locks"); err != nil {
		t.Fatalf("first HandleMutex: %v", err)
	}
	if err := h.endpoint.HandleMutex("/locks"); err == nil {
		t.Fatal("second HandleMutex on the same path succeeded")
	}
}

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/amqpmux/amqpmux/internal/transporttest"
	"github.com/amqpmux/amqpmux/internal/transport"
)

func TestEnqueueBeforeStartIsDeliveredOnceStarted(t *testing.T) {
	ctx := context.Background()
	net := transporttest.New()
	conn := transporttest.Dial(net)
	sess, err := conn.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	recv, err := sess.NewReceiver(ctx, "/fetch", false)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	sender, err := sess.NewSender(ctx, "/fetch")
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	q := New(4)
	sent := make(chan Result, 1)
	if err := q.Enqueue(ctx, Entry{
		Message: &transport.Message{Body: []byte("queued-before-start")},
		Sent:    sent,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.Len() != 1 {
		t.Fatalf("Len() = %d before Start, want 1", q.Len())
	}

	q.Start(ctx, sender, nil)
	defer q.Stop()

	select {
	case res := <-sent:
		if res.Err != nil {
			t.Fatalf("Send error: %v", res.Err)
		}
		if res.Handle == nil {
			t.Fatal("Result.Handle is nil")
		}
	case <-time.After(time.Second):
		t.Fatal("entry was never handed to the sender after Start")
	}

	msg, _, err := recv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg.Body) != "queued-before-start" {
		t.Fatalf("Body = %q", msg.Body)
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	ctx := context.Background()
	net := transporttest.New()
	conn := transporttest.Dial(net)
	sess, _ := conn.NewSession(ctx)
	recv, _ := sess.NewReceiver(ctx, "/fetch", false)
	sender, _ := sess.NewSender(ctx, "/fetch")

	q := New(8)
	q.Start(ctx, sender, nil)
	defer q.Stop()

	for i := 0; i < 5; i++ {
		body := []byte{byte(i)}
		if err := q.Enqueue(ctx, Entry{Message: &transport.Message{Body: body}}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		msg, _, err := recv.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if len(msg.Body) != 1 || msg.Body[0] != byte(i) {
			t.Fatalf("entry %d arrived out of order: body=%v", i, msg.Body)
		}
	}
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	q := New(1)
	q.Stop() // must not panic or block
}

func TestReplyToStampedAtDrainTime(t *testing.T) {
	ctx := context.Background()
	net := transporttest.New()
	conn := transporttest.Dial(net)
	sess, _ := conn.NewSession(ctx)
	recv, _ := sess.NewReceiver(ctx, "/fetch", false)
	sender, _ := sess.NewSender(ctx, "/fetch")

	q := New(4)
	if err := q.Enqueue(ctx, Entry{Message: &transport.Message{Body: []byte("x")}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Start(ctx, sender, func() string { return "/dynamic/resolved-later" })
	defer q.Stop()

	msg, _, err := recv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.ReplyTo != "/dynamic/resolved-later" {
		t.Fatalf("ReplyTo = %q, want the address supplied at drain time", msg.ReplyTo)
	}
}

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/correlator"
	"github.com/amqpmux/amqpmux/internal/outbox"
	"github.com/amqpmux/amqpmux/internal/transporttest"
	"github.com/amqpmux/amqpmux/server"
)

// harness wires a client.Endpoint and a server.Endpoint together over a
// transporttest.Network with small pump goroutines standing in for the
// connection-level event loop the root package owns in the real build —
// exactly the seam client and server are each tested against independently,
// now exercised together.
type harness struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc

	server *server.Endpoint
	client *Endpoint

	fetchQueue *outbox.Queue
	mutexQueue *outbox.Queue
}

func newHarness(t *testing.T) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	net := transporttest.New()

	serverConn := transporttest.Dial(net)
	serverSess, err := serverConn.NewSession(ctx)
	if err != nil {
		t.Fatalf("server NewSession: %v", err)
	}
	replySender, err := serverSess.NewSender(ctx, "")
	if err != nil {
		t.Fatalf("server NewSender: %v", err)
	}
	fetchRecv, err := serverSess.NewReceiver(ctx, "/svc/FETCH", false)
	if err != nil {
		t.Fatalf("server NewReceiver FETCH: %v", err)
	}
	mutexRecv, err := serverSess.NewReceiver(ctx, "/svc/MUTEX", false)
	if err != nil {
		t.Fatalf("server NewReceiver MUTEX: %v", err)
	}
	ep := server.New("/svc", replySender)

	clientConn := transporttest.Dial(net)
	clientSess, err := clientConn.NewSession(ctx)
	if err != nil {
		t.Fatalf("client NewSession: %v", err)
	}
	replyRecv, err := clientSess.NewReceiver(ctx, "", true)
	if err != nil {
		t.Fatalf("client dynamic NewReceiver: %v", err)
	}
	fetchSender, err := clientSess.NewSender(ctx, "/svc/FETCH")
	if err != nil {
		t.Fatalf("client NewSender FETCH: %v", err)
	}
	mutexSender, err := clientSess.NewSender(ctx, "/svc/MUTEX")
	if err != nil {
		t.Fatalf("client NewSender MUTEX: %v", err)
	}

	corr := correlator.New()
	fetchQueue := outbox.New(16)
	mutexQueue := outbox.New(16)
	replyTo := func() string { return replyRecv.Address() }
	fetchQueue.Start(ctx, fetchSender, replyTo)
	mutexQueue.Start(ctx, mutexSender, replyTo)

	cep := New("/svc", corr, fetchQueue, mutexQueue)

	go func() {
		for {
			msg, delivery, err := fetchRecv.Receive(ctx)
			if err != nil {
				return
			}
			ep.Dispatch(ctx, api.ClassFetch, msg, delivery)
		}
	}()
	go func() {
		for {
			msg, delivery, err := mutexRecv.Receive(ctx)
			if err != nil {
				return
			}
			ep.Dispatch(ctx, api.ClassMutex, msg, delivery)
		}
	}()
	go func() {
		for {
			msg, delivery, err := replyRecv.Receive(ctx)
			if err != nil {
				return
			}
			corr.DispatchReply(msg.CorrelationID, msg)
			_ = delivery.Accept(ctx)
			_ = delivery.Settle(ctx)
		}
	}()

	h := &harness{t: t, ctx: ctx, cancel: cancel, server: ep, client: cep, fetchQueue: fetchQueue, mutexQueue: mutexQueue}
	t.Cleanup(func() {
		cancel()
		fetchQueue.Stop()
		mutexQueue.Stop()
	})
	return h
}

func TestFetchRoundTrip(t *testing.T) {
	h := newHarness(t)
	if err := h.server.Handle("/items", api.OpGET, func(ctx context.Context, req *api.RequestProperties, body []byte, resp *server.Response) {
		resp.Status(api.StatusOK)
		_ = resp.Send(ctx, []byte("hello"))
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	res, err := h.client.Fetch(h.ctx, "/items", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status() != api.StatusOK {
		t.Fatalf("Status = %d, want 200", res.Status())
	}
	if string(res.Data()) != "hello" {
		t.Fatalf("Data = %q", res.Data())
	}
}

func TestFetchNotFound(t *testing.T) {
	h := newHarness(t)
	res, err := h.client.Fetch(h.ctx, "/missing", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status() != api.StatusNotFound {
		t.Fatalf("Status = %d, want 404", res.Status())
	}
}

func TestFetchTimesOutWithNoServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := transporttest.New()

	clientConn := transporttest.Dial(net)
	clientSess, _ := clientConn.NewSession(ctx)
	replyRecv, _ := clientSess.NewReceiver(ctx, "", true)

	// A receiver exists at /svc/FETCH so Send succeeds, but nothing ever
	// drains it or replies — simulating no server running.
	deadEndSess, _ := transporttest.Dial(net).NewSession(ctx)
	_, err := deadEndSess.NewReceiver(ctx, "/svc/FETCH", false)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	fetchSender, _ := clientSess.NewSender(ctx, "/svc/FETCH")

	corr := correlator.New()
	fetchQueue := outbox.New(4)
	fetchQueue.Start(ctx, fetchSender, func() string { return replyRecv.Address() })
	defer fetchQueue.Stop()

	cep := New("/svc", corr, fetchQueue, outbox.New(4))

	_, err = cep.Fetch(ctx, "/items", FetchOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("Fetch succeeded with no server replying")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("err = %v (%T), want *TimeoutError", err, err)
	}
}

func TestCriticalSectionGrantsAndReleases(t *testing.T) {
	h := newHarness(t)
	if err := h.server.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}

	var sawAcquisitionID string
	result, err := h.client.CriticalSection(h.ctx, "/locks", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
		sawAcquisitionID = acquisitionID
		return "done", nil
	}, nil, CriticalSectionOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("CriticalSection: %v", err)
	}
	if result != "done" {
		t.Fatalf("result = %v", result)
	}
	if sawAcquisitionID == "" {
		t.Fatal("inner never received an acquisition id")
	}

	// The mutex must have been released: a second acquire on the same name
	// must be grantable without blocking.
	result2, err := h.client.CriticalSection(h.ctx, "/locks", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
		return "second", nil
	}, nil, CriticalSectionOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("second CriticalSection: %v", err)
	}
	if result2 != "second" {
		t.Fatalf("second result = %v", result2)
	}
}

func TestCriticalSectionMutexErrorOnMissingPath(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.CriticalSection(h.ctx, "/missing", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
		t.Fatal("inner ran for a rejected acquire")
		return nil, nil
	}, nil, CriticalSectionOptions{Timeout: 2 * time.Second})
	if err == nil {
		t.Fatal("CriticalSection succeeded against an unregistered path")
	}
	merr, ok := err.(*MutexError)
	if !ok {
		t.Fatalf("err = %v (%T), want *MutexError", err, err)
	}
	if merr.Status != api.StatusNotFound {
		t.Fatalf("Status = %d, want 404", merr.Status)
	}
}

func TestCriticalSectionDroppedPrematurelyOnWaitTimeout(t *testing.T) {
	h := newHarness(t)
	if err := h.server.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}

	holderReleased := make(chan struct{})
	go func() {
		_, _ = h.client.CriticalSection(h.ctx, "/locks", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
			<-holderReleased
			return "holder-done", nil
		}, nil, CriticalSectionOptions{Timeout: 5 * time.Second})
	}()

	// Give the holder time to actually be granted before the waiter enqueues
	// behind it.
	time.Sleep(50 * time.Millisecond)

	var cancelled bool
	_, err := h.client.CriticalSection(h.ctx, "/locks", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
		t.Fatal("inner ran for a dropped waiter")
		return nil, nil
	}, func() { cancelled = true }, CriticalSectionOptions{
		Timeout:  2 * time.Second,
		WaitTime: 100 * time.Millisecond,
	})
	close(holderReleased)

	if err == nil {
		t.Fatal("CriticalSection succeeded for a dropped waiter")
	}
	if !cancelled {
		t.Error("onCancel was never invoked for the dropped waiter")
	}
}

// TestConcurrentSafeIncrementIsExclusiveAndFair exercises mutex exclusion
// under real concurrency: N callers race to increment a shared counter
// inside a critical_section, and every one of them must observe a distinct
// value in 1..N with no two read-modify-write pairs interleaved.
func TestConcurrentSafeIncrementIsExclusiveAndFair(t *testing.T) {
	const n = 250
	h := newHarness(t)
	if err := h.server.HandleMutex("/locks"); err != nil {
		t.Fatalf("HandleMutex: %v", err)
	}

	var mu sync.Mutex
	counter := 0
	inCriticalSection := false

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.client.CriticalSection(h.ctx, "/locks", "counter", func(ctx context.Context, acquisitionID string) (any, error) {
				mu.Lock()
				if inCriticalSection {
					mu.Unlock()
					t.Error("two critical sections ran concurrently")
					return nil, nil
				}
				inCriticalSection = true
				counter++
				value := counter
				mu.Unlock()

				mu.Lock()
				inCriticalSection = false
				mu.Unlock()
				return value, nil
			}, nil, CriticalSectionOptions{Timeout: 30 * time.Second})
			results[i] = 0
			if err == nil {
				results[i] = result.(int)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("CriticalSection[%d]: %v", i, err)
		}
		if results[i] < 1 || results[i] > n {
			t.Fatalf("result[%d] = %d, out of range 1..%d", i, results[i], n)
		}
		if seen[results[i]] {
			t.Fatalf("value %d returned to more than one caller", results[i])
		}
		seen[results[i]] = true
	}
	if counter != n {
		t.Fatalf("final counter = %d, want %d", counter, n)
	}
}

// Package amqpmux exposes the Go APIs behind a request/response and
// distributed-mutex framework layered on an AMQP-1.0-style transport. An
// APIConnection owns one transport connection and multiplexes any number
// of ServerEndpoints and client Endpoints over it, each bound to its own
// logical address.
//
// # Serving requests
//
//	conn, err := amqpmux.Dial(ctx, amqpmux.Config{DialAddress: "amqp://localhost:5672"})
//	if err != nil { log.Fatal(err) }
//	defer conn.Close(ctx)
//
//	ep, err := conn.ServerEndpoint("/accounts")
//	if err != nil { log.Fatal(err) }
//	ep.Handle("/accounts/balance", api.OpGET, func(ctx context.Context, req *api.RequestProperties, body []byte, resp *server.Response) {
//	    resp.Status(api.StatusOK).Send(ctx, []byte("42"))
//	})
//	ep.HandleMutex("/accounts/locks")
//
// # Calling a peer
//
//	cep, err := conn.ClientEndpoint("/accounts")
//	if err != nil { log.Fatal(err) }
//	res, err := cep.Fetch(ctx, "/accounts/balance", client.FetchOptions{})
//
//	result, err := cep.CriticalSection(ctx, "/accounts/locks", "acct-42",
//	    func(ctx context.Context, acquisitionID string) (any, error) {
//	        return performTransfer(ctx)
//	    },
//	    func() { log.Println("lock dropped before release") },
//	    client.CriticalSectionOptions{Timeout: 30 * time.Second},
//	)
//
// # Concurrency model
//
// Dispatch and correlator reply routing run serialized on the owning
// APIConnection's single event-loop goroutine. Disposition updates for
// outbound deliveries (CriticalSection's acquire) are not posted to that
// loop: they run on whichever goroutine the transport reports them on.
// Handler and critical-section bodies that do
// real work should treat that goroutine as shared: CriticalSection already
// runs its inner function off the loop, but a FETCH Handler that blocks
// will stall every other request on the same connection until it returns.
package amqpmux

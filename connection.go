package amqpmux

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	amqp "github.com/Azure/go-amqp"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/client"
	"github.com/amqpmux/amqpmux/internal/correlator"
	"github.com/amqpmux/amqpmux/internal/loadguard"
	"github.com/amqpmux/amqpmux/internal/outbox"
	"github.com/amqpmux/amqpmux/internal/svcfields"
	"github.com/amqpmux/amqpmux/internal/transport"
	"github.com/amqpmux/amqpmux/internal/transport/amqptransport"
	"github.com/amqpmux/amqpmux/server"
	"pkt.systems/pslog"
)

// ErrDuplicateEndpoint is returned by ServerEndpoint/ClientEndpoint when a
// second endpoint of the same kind is requested for an address already
// bound on this connection — one APIConnection never carries two
// ServerEndpoints (or two client.Endpoints) speaking for the same address.
var ErrDuplicateEndpoint = fmt.Errorf("amqpmux: duplicate endpoint address")

// Stats is APIConnection.GetStats's return value: spec's get_stats(), plus
// the per-server-endpoint breakdown the amqpmuxctl stats CLI and the
// Prometheus gauges both read from.
type Stats struct {
	ServerEndpointCount int
	ClientEndpointCount int
	InFlightCount       int
	ServerStats         map[string]server.Stats // keyed by address
}

// Option configures an APIConnection at construction, mirroring the
// teacher's functional-option server construction.
type Option func(*connOptions)

type connOptions struct {
	logger pslog.Logger
	guard  *loadguard.Guard
}

// WithLogger supplies a logger for the connection and everything it owns.
func WithLogger(logger pslog.Logger) Option {
	return func(o *connOptions) { o.logger = logger }
}

// WithLoadGuard injects a pre-built, already-Run loadguard.Guard instead of
// one built from Config.LoadGuard — mainly for tests that want a
// deterministic guard.
func WithLoadGuard(g *loadguard.Guard) Option {
	return func(o *connOptions) { o.guard = g }
}

// APIConnection owns one transport connection: its session, the shared
// anonymous reply sender, the dynamic reply-to receiver, the connection-wide
// Correlator, and every ServerEndpoint/client.Endpoint multiplexed over it.
// Inbound protocol work — Dispatch calls and correlator reply routing — runs
// serialized on a single event-loop goroutine, per the concurrency model:
// receiver drain goroutines only read off the wire and post a closure onto
// the task channel, never touch shared state directly. Outbound disposition
// callbacks (critical_section's onUpdate) are the one exception: they fire
// on whichever goroutine the transport reports them on — an outbox queue's
// pump goroutine for the real adapter, or synchronously inside
// amqptransport's Send for some paths — not through c.submit. That's safe
// because the state those callbacks touch (mutexqueue, correlator) already
// guards itself with its own locks; it is not additional state this
// goroutine-confinement model protects.
type APIConnection struct {
	cfg    Config
	logger pslog.Logger

	conn        transport.Conn
	sess        transport.Session
	replySender transport.Sender
	replyRecv   transport.Receiver

	correlator *correlator.Correlator
	guard      *loadguard.Guard
	telemetry  *telemetryBundle

	tasks   chan func()
	closeCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	closed          bool
	serverEndpoints map[string]*server.Endpoint
	clientEndpoints map[string]*client.Endpoint

	metrics *connMetrics
}

// Dial opens a real AMQP 1.0 connection per cfg and returns a ready
// APIConnection. Use NewFromConn instead to drive the connection over a
// pre-built transport.Conn, e.g. internal/transporttest's fake in tests.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*APIConnection, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	// ConnOptions.TLSConfig and SASLType are go-amqp's real dial-time
	// identity knobs; SASLTypeExternal defers auth to the TLS client
	// certificate itself, matching cfg.TLS.SASLExternal.
	var connOpts *amqp.ConnOptions
	if cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		connOpts = &amqp.ConnOptions{TLSConfig: tlsCfg}
		if cfg.TLS.SASLExternal {
			connOpts.SASLType = amqp.SASLTypeExternal("")
		}
	}

	conn, err := amqptransport.Dial(dialCtx, cfg.DialAddress, connOpts)
	if err != nil {
		return nil, err
	}
	return NewFromConn(ctx, conn, cfg, opts...)
}

// NewFromConn builds an APIConnection over an already-dialed transport.Conn.
func NewFromConn(ctx context.Context, conn transport.Conn, cfg Config, opts ...Option) (*APIConnection, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	var o connOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "amqpmux.connection")

	sess, err := conn.NewSession(ctx)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("amqpmux: new session: %w", err)
	}
	replySender, err := sess.NewSender(ctx, "")
	if err != nil {
		_ = sess.Close(ctx)
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("amqpmux: new anonymous sender: %w", err)
	}
	replyRecv, err := sess.NewReceiver(ctx, "", true)
	if err != nil {
		_ = sess.Close(ctx)
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("amqpmux: new dynamic reply receiver: %w", err)
	}

	guard := o.guard
	if guard == nil && cfg.LoadGuard.Enabled {
		guard = loadguard.New(loadguard.Config{
			Enabled:           true,
			MemorySoftPercent: cfg.LoadGuard.MemorySoftPercent,
			MemoryHardPercent: cfg.LoadGuard.MemoryHardPercent,
			CPUSoftPercent:    cfg.LoadGuard.CPUSoftPercent,
			CPUHardPercent:    cfg.LoadGuard.CPUHardPercent,
			SampleInterval:    cfg.LoadGuard.SampleInterval,
			RecoverySamples:   cfg.LoadGuard.RecoverySamples,
			Logger:            logger,
		})
		guard.Run(ctx)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &APIConnection{
		cfg:             cfg,
		logger:          logger,
		conn:            conn,
		sess:            sess,
		replySender:     replySender,
		replyRecv:       replyRecv,
		correlator:      correlator.New(),
		guard:           guard,
		tasks:           make(chan func(), 64),
		closeCh:         make(chan struct{}),
		ctx:             connCtx,
		cancel:          cancel,
		serverEndpoints: make(map[string]*server.Endpoint),
		clientEndpoints: make(map[string]*client.Endpoint),
		metrics:         newConnMetrics(),
	}

	go c.runLoop()
	go c.drainReplies()

	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Telemetry.MetricsListen != "" {
		bundle, err := setupTelemetry(ctx, cfg.Telemetry, c.metrics, logger)
		if err != nil {
			logger.Warn("amqpmux.telemetry.setup_failed", "error", err)
		} else {
			c.telemetry = bundle
		}
	}

	return c, nil
}

// runLoop is the connection's single serialization point: every task
// submitted by a receiver-drain goroutine runs here, one at a time, in the
// order it was submitted.
func (c *APIConnection) runLoop() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.closeCh:
			return
		}
	}
}

// submit posts task onto the event loop. It silently drops task if the
// connection has already started closing — there is no one left to act on
// the result of a task submitted after Close.
func (c *APIConnection) submit(task func()) {
	select {
	case c.tasks <- task:
	case <-c.closeCh:
	}
}

func (c *APIConnection) drainReplies() {
	for {
		msg, delivery, err := c.replyRecv.Receive(c.ctx)
		if err != nil {
			return
		}
		c.submit(func() {
			c.correlator.DispatchReply(msg.CorrelationID, msg)
			_ = delivery.Accept(c.ctx)
			_ = delivery.Settle(c.ctx)
		})
	}
}

// ServerEndpoint binds a ServerEndpoint to address over this connection's
// session, opening its FETCH and MUTEX receiver links. It fails with
// ErrDuplicateEndpoint if address already has a ServerEndpoint.
func (c *APIConnection) ServerEndpoint(address string) (*server.Endpoint, error) {
	c.mu.Lock()
	_, exists := c.serverEndpoints[address]
	c.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEndpoint, address)
	}

	fetchRecv, err := c.sess.NewReceiver(c.ctx, address+"/FETCH", false)
	if err != nil {
		return nil, fmt.Errorf("amqpmux: server endpoint %q: new FETCH receiver: %w", address, err)
	}
	mutexRecv, err := c.sess.NewReceiver(c.ctx, address+"/MUTEX", false)
	if err != nil {
		return nil, fmt.Errorf("amqpmux: server endpoint %q: new MUTEX receiver: %w", address, err)
	}

	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithLogger(c.logger))
	if c.guard != nil {
		serverOpts = append(serverOpts, server.WithLoadGuard(c.guard))
	}
	ep := server.New(address, c.replySender, serverOpts...)

	c.mu.Lock()
	if _, exists := c.serverEndpoints[address]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEndpoint, address)
	}
	c.serverEndpoints[address] = ep
	count := len(c.serverEndpoints)
	c.mu.Unlock()
	c.metrics.setServerEndpointCount(count)

	c.drainServerClass(fetchRecv, api.ClassFetch, ep)
	c.drainServerClass(mutexRecv, api.ClassMutex, ep)

	return ep, nil
}

func (c *APIConnection) drainServerClass(recv transport.Receiver, class api.LinkClass, ep *server.Endpoint) {
	go func() {
		for {
			msg, delivery, err := recv.Receive(c.ctx)
			if err != nil {
				return
			}
			c.submit(func() {
				ep.Dispatch(c.ctx, class, msg, delivery)
			})
		}
	}()
}

// ClientEndpoint binds a client.Endpoint to address: FETCH and MUTEX sender
// links, queued through outbox.Queues sized per Config. It fails with
// ErrDuplicateEndpoint if address already has a client.Endpoint.
func (c *APIConnection) ClientEndpoint(address string) (*client.Endpoint, error) {
	c.mu.Lock()
	_, exists := c.clientEndpoints[address]
	c.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEndpoint, address)
	}

	fetchSender, err := c.sess.NewSender(c.ctx, address+"/FETCH")
	if err != nil {
		return nil, fmt.Errorf("amqpmux: client endpoint %q: new FETCH sender: %w", address, err)
	}
	mutexSender, err := c.sess.NewSender(c.ctx, address+"/MUTEX")
	if err != nil {
		return nil, fmt.Errorf("amqpmux: client endpoint %q: new MUTEX sender: %w", address, err)
	}

	fetchQueue := outbox.New(c.cfg.FetchQueueCapacity)
	mutexQueue := outbox.New(c.cfg.MutexQueueCapacity)
	replyTo := func() string { return c.replyRecv.Address() }
	fetchQueue.Start(c.ctx, fetchSender, replyTo)
	mutexQueue.Start(c.ctx, mutexSender, replyTo)

	cep := client.New(address, c.correlator, fetchQueue, mutexQueue)

	c.mu.Lock()
	if _, exists := c.clientEndpoints[address]; exists {
		c.mu.Unlock()
		fetchQueue.Stop()
		mutexQueue.Stop()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateEndpoint, address)
	}
	c.clientEndpoints[address] = cep
	count := len(c.clientEndpoints)
	c.mu.Unlock()
	c.metrics.setClientEndpointCount(count)

	return cep, nil
}

// GetStats reports spec's get_stats(): endpoint counts, the correlator's
// in-flight count, and a per-server-endpoint path/queue-depth breakdown.
func (c *APIConnection) GetStats() Stats {
	c.mu.Lock()
	serverStats := make(map[string]server.Stats, len(c.serverEndpoints))
	for addr, ep := range c.serverEndpoints {
		serverStats[addr] = ep.Stats()
	}
	serverCount := len(c.serverEndpoints)
	clientCount := len(c.clientEndpoints)
	c.mu.Unlock()

	s := Stats{
		ServerEndpointCount: serverCount,
		ClientEndpointCount: clientCount,
		InFlightCount:       c.correlator.Len(),
		ServerStats:         serverStats,
	}
	c.metrics.observe(s)
	return s
}

// Close tears down the connection: cancels every receiver drain goroutine,
// closes the Correlator (failing any still-pending request with a
// not-ok dispatch), and closes the session and transport connection.
func (c *APIConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.closeCh)
	c.correlator.Close()
	if c.guard != nil {
		c.guard.Stop()
	}
	if c.telemetry != nil {
		_ = c.telemetry.Shutdown(ctx)
	}
	if err := c.sess.Close(ctx); err != nil {
		c.logger.Warn("amqpmux.close.session_failed", "error", err)
	}
	return c.conn.Close(ctx)
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("amqpmux: load TLS key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("amqpmux: read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("amqpmux: no certificates found in %q", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

package amqpmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// connMetrics is the Prometheus gauge set backing the stats endpoint
// (§4.11): server/client endpoint counts, in-flight request count, and a
// per-mutex-path queue depth gauge. Registered lazily, only once telemetry
// is actually configured — a connection that never sets
// Config.Telemetry.MetricsListen pays nothing for these.
type connMetrics struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	serverEndpoints prometheus.Gauge
	clientEndpoints prometheus.Gauge
	inFlight        prometheus.Gauge
	mutexQueueDepth *prometheus.GaugeVec
}

func newConnMetrics() *connMetrics {
	return &connMetrics{
		serverEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqpmux_server_endpoints",
			Help: "Number of ServerEndpoints currently bound on this connection.",
		}),
		clientEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqpmux_client_endpoints",
			Help: "Number of client Endpoints currently bound on this connection.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqpmux_in_flight_total",
			Help: "Requests awaiting a reply on this connection's Correlator.",
		}),
		mutexQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amqpmux_mutex_queue_depth",
			Help: "Sum of queued (not yet granted) waiters per mutex-registered path.",
		}, []string{"path"}),
	}
}

func (m *connMetrics) setServerEndpointCount(n int) { m.serverEndpoints.Set(float64(n)) }
func (m *connMetrics) setClientEndpointCount(n int) { m.clientEndpoints.Set(float64(n)) }

// observe refreshes every gauge from a fresh Stats snapshot.
func (m *connMetrics) observe(s Stats) {
	m.serverEndpoints.Set(float64(s.ServerEndpointCount))
	m.clientEndpoints.Set(float64(s.ClientEndpointCount))
	m.inFlight.Set(float64(s.InFlightCount))
	for _, epStats := range s.ServerStats {
		for path, depth := range epStats.MutexQueueDepth {
			m.mutexQueueDepth.WithLabelValues(path).Set(float64(depth))
		}
	}
}

func (m *connMetrics) register(registry *prometheus.Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = registry
	collectors := []prometheus.Collector{m.serverEndpoints, m.clientEndpoints, m.inFlight, m.mutexQueueDepth}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("telemetry: register collector: %w", err)
		}
	}
	return nil
}

type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string
	path     string
	insecure bool
}

var runtimeMetricsOnce sync.Once
var runtimeMetricsErr error

// setupTelemetry mirrors the teacher's telemetry bundle (OTLP tracing +
// a Prometheus-backed OTel metric reader) trimmed to this module's own
// gauge set, with no pprof surface — amqpmux has no HTTP handler tree for
// pprof to piggyback on the way lockd's admin server does.
func setupTelemetry(ctx context.Context, cfg TelemetryConfig, metrics *connMetrics, logger pslog.Logger) (*telemetryBundle, error) {
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" && strings.TrimSpace(cfg.MetricsListen) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("amqpmux")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var (
		traceProvider *sdktrace.TracerProvider
		meterProvider *sdkmetric.MeterProvider
		metricsServer *http.Server
		metricsLn     net.Listener
	)

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		switch target.protocol {
		case "grpc":
			traceProvider, err = setupGRPCTracing(ctx, target, res)
		case "http":
			traceProvider, err = setupHTTPTracing(ctx, target, res)
		default:
			return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
		}
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(traceProvider)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint)
	}

	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		if err := metrics.register(registry); err != nil {
			if traceProvider != nil {
				_ = traceProvider.Shutdown(ctx)
			}
			return nil, err
		}
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableRuntimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			if traceProvider != nil {
				_ = traceProvider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(meterProvider)
		if cfg.EnableRuntimeMetrics {
			if err := startRuntimeMetrics(meterProvider); err != nil {
				if traceProvider != nil {
					_ = traceProvider.Shutdown(ctx)
				}
				_ = meterProvider.Shutdown(ctx)
				return nil, err
			}
		}
		metricsServer, metricsLn, err = startMetricsServer(listen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
		if err != nil {
			if traceProvider != nil {
				_ = traceProvider.Shutdown(ctx)
			}
			_ = meterProvider.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", listen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	return &telemetryBundle{
		tracerProvider: traceProvider,
		meterProvider:  meterProvider,
		metricsServer:  metricsServer,
		metricsLn:      metricsLn,
		logger:         logger,
	}, nil
}

func setupGRPCTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(target.endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		traceOpts = append(traceOpts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	} else {
		tlsConfig := credentials.NewClientTLSFromCert(nil, "")
		traceOpts = append(traceOpts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(tlsConfig)))
	}
	exporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func setupHTTPTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	if target.path != "" && target.path != "/" {
		traceOpts = append(traceOpts, otlptracehttp.WithURLPath(target.path))
	}
	exporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}

func startRuntimeMetrics(provider *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint %q", raw)
	}
	host, path, _ := strings.Cut(rest, "/")
	target := otlpTarget{endpoint: host}
	if path != "" {
		target.path = "/" + strings.TrimSuffix(path, "/")
	}
	switch strings.ToLower(scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol, target.insecure = "grpc", false
	case "http":
		target.protocol, target.insecure = "http", true
		if !strings.Contains(target.endpoint, ":") {
			target.endpoint = net.JoinHostPort(target.endpoint, "4318")
		}
	case "https":
		target.protocol, target.insecure = "http", false
		if !strings.Contains(target.endpoint, ":") {
			target.endpoint = net.JoinHostPort(target.endpoint, "4318")
		}
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if target.protocol == "grpc" && !strings.Contains(target.endpoint, ":") {
		target.endpoint = net.JoinHostPort(target.endpoint, "4317")
	}
	return target, nil
}

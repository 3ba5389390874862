package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	promclientmodel "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amqpmux/amqpmux"
	"github.com/amqpmux/amqpmux/api"
	amqpmuxclient "github.com/amqpmux/amqpmux/client"
	"github.com/amqpmux/amqpmux/internal/correlation"
	"github.com/amqpmux/amqpmux/internal/svcfields"
	"pkt.systems/pslog"
)

const envCorrelationID = "AMQPMUXCTL_CORRELATION_ID"

// commandContextWithCorrelation attaches a correlation id to cmd's context:
// the caller's AMQPMUXCTL_CORRELATION_ID if set and valid, otherwise a fresh
// one. The id rides in RequestProperties.Label on the wire and is echoed
// back in the server's dispatch logs.
func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := strings.TrimSpace(os.Getenv(envCorrelationID))
	if normalized, ok := correlation.Normalize(id); ok {
		id = normalized
	} else {
		id = correlation.Generate()
	}
	return correlation.Set(cmd.Context(), id), id
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("AMQPMUXCTL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.WarnLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "amqpmuxctl")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "amqpmuxctl",
		Short:         "amqpmuxctl is a diagnostic client for an amqpmux server endpoint",
		SilenceErrors: true,
	}

	persistent := cmd.PersistentFlags()
	persistent.String("dial-address", "amqp://127.0.0.1:5672", "AMQP 1.0 broker address")
	persistent.String("address", "", "target server endpoint address, e.g. /accounts")
	persistent.Duration("dial-timeout", amqpmux.DefaultDialTimeout, "timeout for establishing the connection")

	for _, name := range []string{"dial-address", "address", "dial-timeout"} {
		if err := viper.BindPFlag(name, persistent.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("AMQPMUXCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newFetchCommand(baseLogger))
	cmd.AddCommand(newLockCommand(baseLogger))
	cmd.AddCommand(newStatsCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func dialAndConnect(ctx context.Context, logger pslog.Logger) (*amqpmux.APIConnection, string, error) {
	address := strings.TrimSpace(viper.GetString("address"))
	if address == "" {
		return nil, "", fmt.Errorf("--address is required")
	}
	cfg := amqpmux.Config{
		DialAddress: viper.GetString("dial-address"),
		DialTimeout: viper.GetDuration("dial-timeout"),
	}
	conn, err := amqpmux.Dial(ctx, cfg, amqpmux.WithLogger(logger))
	if err != nil {
		return nil, "", fmt.Errorf("dial %q: %w", cfg.DialAddress, err)
	}
	return conn, address, nil
}

func newFetchCommand(baseLogger pslog.Logger) *cobra.Command {
	var op string
	var body string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Issue a FETCH request against a server endpoint and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cid := commandContextWithCorrelation(cmd)
			logger := svcfields.WithSubsystem(baseLogger, "cli.fetch").With("correlation_id", cid)
			conn, address, err := dialAndConnect(ctx, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = conn.Close(shutdownCtx)
			}()

			cep, err := conn.ClientEndpoint(address)
			if err != nil {
				return err
			}

			result, err := cep.Fetch(ctx, args[0], amqpmuxclient.FetchOptions{
				Op:      api.Op(strings.ToUpper(op)),
				Timeout: timeout,
				Body:    []byte(body),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %d %s\n", result.Status(), result.StatusDescription())
			if len(result.Data()) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.Data())
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&op, "op", "GET", "request verb (GET, POST, PUT, DELETE)")
	flags.StringVar(&body, "body", "", "request body")
	flags.DurationVar(&timeout, "timeout", amqpmuxclient.DefaultFetchTimeout, "reply timeout")
	return cmd
}

func newLockCommand(baseLogger pslog.Logger) *cobra.Command {
	var waitTime time.Duration
	var timeout time.Duration
	var holdFor time.Duration
	cmd := &cobra.Command{
		Use:   "lock <path> <mutex-name>",
		Short: "Acquire a named mutex, hold it for --hold-for, then release it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cid := commandContextWithCorrelation(cmd)
			logger := svcfields.WithSubsystem(baseLogger, "cli.lock").With("correlation_id", cid)
			conn, address, err := dialAndConnect(ctx, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = conn.Close(shutdownCtx)
			}()

			cep, err := conn.ClientEndpoint(address)
			if err != nil {
				return err
			}

			_, err = cep.CriticalSection(ctx, args[0], args[1],
				func(ctx context.Context, acquisitionID string) (any, error) {
					fmt.Fprintf(cmd.OutOrStdout(), "acquired %s, holding for %s\n", acquisitionID, holdFor)
					select {
					case <-time.After(holdFor):
					case <-ctx.Done():
					}
					return nil, nil
				},
				func() {
					fmt.Fprintln(cmd.ErrOrStderr(), "lock dropped before release")
				},
				amqpmuxclient.CriticalSectionOptions{Timeout: timeout, WaitTime: waitTime},
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "released")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&waitTime, "wait-time", 0, "server-side drop timeout while queued (0 waits forever)")
	flags.DurationVar(&timeout, "timeout", 0, "overall call timeout (0 waits forever)")
	flags.DurationVar(&holdFor, "hold-for", time.Second, "how long to hold the mutex before releasing it")
	return cmd
}

// statsGauges are the gauge families APIConnection.GetStats feeds, per
// connMetrics in the root package's telemetry.go.
var statsGauges = []string{
	"amqpmux_server_endpoints",
	"amqpmux_client_endpoints",
	"amqpmux_in_flight_total",
	"amqpmux_mutex_queue_depth",
}

func newStatsCommand(baseLogger pslog.Logger) *cobra.Command {
	var metricsURL string
	var watch time.Duration
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Scrape a running amqpmuxd's Prometheus metrics endpoint and print its gauges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if metricsURL == "" {
				return fmt.Errorf("--metrics-url is required, e.g. http://127.0.0.1:9464/metrics")
			}
			printOnce := func() error {
				families, err := scrapeMetrics(ctx, metricsURL, timeout)
				if err != nil {
					return err
				}
				printMetricFamilies(cmd.OutOrStdout(), families)
				return nil
			}
			if watch <= 0 {
				return printOnce()
			}
			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			for {
				if err := printOnce(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "scrape failed: %s\n", err)
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&metricsURL, "metrics-url", "", "amqpmuxd's Prometheus metrics URL")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP scrape timeout")
	flags.DurationVar(&watch, "watch", 0, "repeat the scrape on this interval (0 scrapes once)")
	return cmd
}

func scrapeMetrics(ctx context.Context, url string, timeout time.Duration) (map[string]*promclientmodel.MetricFamily, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: unexpected status %d", url, resp.StatusCode)
	}
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

func printMetricFamilies(w io.Writer, families map[string]*promclientmodel.MetricFamily) {
	for _, name := range statsGauges {
		fam, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(w, "%s%s %s\n", name, labels, humanize.Comma(int64(m.GetGauge().GetValue())))
		}
	}
}

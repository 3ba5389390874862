package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amqpmux/amqpmux"
	"github.com/amqpmux/amqpmux/internal/svcfields"
	"github.com/amqpmux/amqpmux/server"
	"pkt.systems/pslog"
)

const defaultConfigFileName = "amqpmuxd.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("AMQPMUXD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "amqpmuxd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
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

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("AMQPMUXD_CONFIG_DIR"); dir != "" {
		return expandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".amqpmuxd"), nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// mutexSpec is one --mutex flag value: "<endpoint-address>:<mutex-path>",
// e.g. "/accounts:/accounts/locks".
type mutexSpec struct {
	address string
	path    string
}

func parseMutexSpecs(raw []string) ([]mutexSpec, error) {
	specs := make([]mutexSpec, 0, len(raw))
	for _, entry := range raw {
		address, path, ok := strings.Cut(entry, ":")
		if !ok || address == "" || path == "" {
			return nil, fmt.Errorf("invalid --mutex %q, want \"<address>:<path>\"", entry)
		}
		specs = append(specs, mutexSpec{address: address, path: path})
	}
	return specs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg amqpmux.Config
	var mutexRaw []string

	cmd := &cobra.Command{
		Use:           "amqpmuxd",
		Short:         "amqpmuxd is a standalone distributed-mutex server speaking the request/response framework over an AMQP 1.0 transport",
		SilenceErrors: true,
		Example: `
  # Register a mutex endpoint against a local broker
  amqpmuxd --dial-address amqp://localhost:5672 --mutex /accounts:/accounts/locks

  # With mutual TLS and SASL-EXTERNAL
  amqpmuxd --dial-address amqps://broker:5671 --tls-enabled --tls-cert client.pem --tls-key client.key --tls-ca ca.pem --tls-sasl-external --mutex /accounts:/accounts/locks
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			specs, err := parseMutexSpecs(mutexRaw)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				return fmt.Errorf("at least one --mutex endpoint is required")
			}

			cliLogger.Info("dialing broker", "address", cfg.DialAddress)
			conn, err := amqpmux.Dial(ctx, cfg, amqpmux.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("dial %q: %w", cfg.DialAddress, err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = conn.Close(shutdownCtx)
			}()

			endpoints := make(map[string]*server.Endpoint)
			for _, spec := range specs {
				ep, ok := endpoints[spec.address]
				if !ok {
					var err error
					ep, err = conn.ServerEndpoint(spec.address)
					if err != nil {
						return fmt.Errorf("register endpoint %q: %w", spec.address, err)
					}
					endpoints[spec.address] = ep
				}
				if err := ep.HandleMutex(spec.path); err != nil {
					return fmt.Errorf("register mutex %q on %q: %w", spec.path, spec.address, err)
				}
			}

			cliLogger.Info("amqpmuxd ready", "endpoints", len(endpoints), "mutex_paths", len(specs))

			<-ctx.Done()
			cliLogger.Info("shutting down")
			return nil
		},
	}

	flags := cmd.Flags()
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.amqpmuxd/"+defaultConfigFileName+")")
	flags.String("dial-address", "", "AMQP 1.0 broker address, e.g. amqp://host:5672")
	flags.Duration("dial-timeout", amqpmux.DefaultDialTimeout, "timeout for establishing the connection")
	flags.StringArrayVar(&mutexRaw, "mutex", nil, "mutex endpoint to register, formatted <address>:<path> (repeatable)")
	flags.Int("fetch-queue-capacity", amqpmux.DefaultFetchQueueCapacity, "outgoing FETCH queue capacity per client endpoint")
	flags.Int("mutex-queue-capacity", amqpmux.DefaultMutexQueueCapacity, "outgoing MUTEX queue capacity per client endpoint")

	flags.Bool("tls-enabled", false, "enable TLS on the broker connection")
	flags.String("tls-cert", "", "client certificate PEM file (mutual TLS / SASL-EXTERNAL)")
	flags.String("tls-key", "", "client key PEM file")
	flags.String("tls-ca", "", "CA bundle PEM file")
	flags.Bool("tls-insecure-skip-verify", false, "skip broker certificate verification (testing only)")
	flags.Bool("tls-sasl-external", false, "authenticate via SASL-EXTERNAL using the TLS client certificate")

	flags.Bool("loadguard-enabled", false, "gate FETCH dispatch on system memory/CPU pressure")
	flags.Float64("loadguard-mem-soft", 75, "memory percent that soft-arms the load guard")
	flags.Float64("loadguard-mem-hard", 90, "memory percent that fully engages the load guard")
	flags.Float64("loadguard-cpu-soft", 80, "CPU percent that soft-arms the load guard")
	flags.Float64("loadguard-cpu-hard", 95, "CPU percent that fully engages the load guard")
	flags.Duration("loadguard-sample-interval", 2*time.Second, "load guard sampling interval")
	flags.Int("loadguard-recovery-samples", 5, "consecutive healthy samples required before disengaging")

	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.Bool("enable-runtime-metrics", false, "export Go runtime metrics alongside connection gauges")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("AMQPMUXD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "dial-address", "dial-timeout", "fetch-queue-capacity", "mutex-queue-capacity",
		"tls-enabled", "tls-cert", "tls-key", "tls-ca", "tls-insecure-skip-verify", "tls-sasl-external",
		"loadguard-enabled", "loadguard-mem-soft", "loadguard-mem-hard", "loadguard-cpu-soft", "loadguard-cpu-hard",
		"loadguard-sample-interval", "loadguard-recovery-samples",
		"otlp-endpoint", "metrics-listen", "enable-runtime-metrics", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *amqpmux.Config) error {
	cfg.DialAddress = viper.GetString("dial-address")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")
	cfg.FetchQueueCapacity = viper.GetInt("fetch-queue-capacity")
	cfg.MutexQueueCapacity = viper.GetInt("mutex-queue-capacity")

	cfg.TLS.Enabled = viper.GetBool("tls-enabled")
	cfg.TLS.CertFile = viper.GetString("tls-cert")
	cfg.TLS.KeyFile = viper.GetString("tls-key")
	cfg.TLS.CAFile = viper.GetString("tls-ca")
	cfg.TLS.InsecureSkipVerify = viper.GetBool("tls-insecure-skip-verify")
	cfg.TLS.SASLExternal = viper.GetBool("tls-sasl-external")

	cfg.LoadGuard.Enabled = viper.GetBool("loadguard-enabled")
	cfg.LoadGuard.MemorySoftPercent = viper.GetFloat64("loadguard-mem-soft")
	cfg.LoadGuard.MemoryHardPercent = viper.GetFloat64("loadguard-mem-hard")
	cfg.LoadGuard.CPUSoftPercent = viper.GetFloat64("loadguard-cpu-soft")
	cfg.LoadGuard.CPUHardPercent = viper.GetFloat64("loadguard-cpu-hard")
	cfg.LoadGuard.SampleInterval = viper.GetDuration("loadguard-sample-interval")
	cfg.LoadGuard.RecoverySamples = viper.GetInt("loadguard-recovery-samples")

	cfg.Telemetry.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Telemetry.MetricsListen = viper.GetString("metrics-listen")
	cfg.Telemetry.EnableRuntimeMetrics = viper.GetBool("enable-runtime-metrics")
	return nil
}

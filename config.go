// Package amqpmux is the root package: it owns the AMQP-1.0-style
// connection lifecycle (dial, the shared anonymous sender, the dynamic
// reply receiver, the per-connection correlator) and the registries of
// ServerEndpoints and client.Endpoints multiplexed over one connection.
// internal/ holds the hard mechanics; api/ the wire vocabulary; client/
// and server/ the two sides of the protocol. This file holds the
// connection's static configuration.
package amqpmux

import (
	"fmt"
	"time"
)

const (
	// DefaultFetchQueueCapacity bounds how many outgoing fetch requests may
	// be enqueued ahead of the link's credit before Enqueue starts blocking.
	DefaultFetchQueueCapacity = 64
	// DefaultMutexQueueCapacity is smaller than the fetch queue: acquire
	// traffic is expected to be far lower volume, and a large backlog here
	// would just be callers piling up behind mutexes they haven't been
	// granted yet.
	DefaultMutexQueueCapacity = 16
	// DefaultDialTimeout bounds how long Dial waits for the transport
	// connection to come up; the session and links opened after that are
	// not covered by it.
	DefaultDialTimeout = 10 * time.Second
)

// TLSConfig carries the identity material for an AMQP connection secured
// with TLS, optionally with SASL-EXTERNAL client certificate auth.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
	SASLExternal       bool
}

// LoadGuardConfig configures the server-side admission-control gate on
// FETCH dispatch (see internal/loadguard). The zero value disables it —
// mutex traffic is never gated regardless.
type LoadGuardConfig struct {
	Enabled           bool
	MemorySoftPercent float64
	MemoryHardPercent float64
	CPUSoftPercent    float64
	CPUHardPercent    float64
	SampleInterval    time.Duration
	RecoverySamples   int
}

// TelemetryConfig configures the optional OTel tracing + Prometheus metrics
// bundle. The zero value disables telemetry entirely, the same way the
// teacher treats an empty OTLPEndpoint/MetricsListen.
type TelemetryConfig struct {
	OTLPEndpoint string
	MetricsListen string
	EnableRuntimeMetrics bool
}

// Config is the static configuration for one APIConnection.
type Config struct {
	// DialAddress is the AMQP 1.0 peer address, e.g. "amqp://host:5672" or
	// "amqps://host:5671".
	DialAddress string
	DialTimeout time.Duration

	TLS TLSConfig

	FetchQueueCapacity int
	MutexQueueCapacity int

	LoadGuard LoadGuardConfig
	Telemetry TelemetryConfig
}

// Validate checks cfg for internal consistency and fills in defaults,
// returning the normalized copy a caller should actually use — the same
// shape as the teacher's Config.Validate, which NewServer calls on a copy
// before ever touching the original.
func (c Config) Validate() (Config, error) {
	if c.DialAddress == "" {
		return c, fmt.Errorf("amqpmux: config: DialAddress must not be empty")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.FetchQueueCapacity <= 0 {
		c.FetchQueueCapacity = DefaultFetchQueueCapacity
	}
	if c.MutexQueueCapacity <= 0 {
		c.MutexQueueCapacity = DefaultMutexQueueCapacity
	}
	if c.TLS.SASLExternal && !c.TLS.Enabled {
		return c, fmt.Errorf("amqpmux: config: SASLExternal requires TLS.Enabled")
	}
	if c.LoadGuard.Enabled {
		if c.LoadGuard.MemorySoftPercent <= 0 {
			c.LoadGuard.MemorySoftPercent = 75
		}
		if c.LoadGuard.MemoryHardPercent <= 0 {
			c.LoadGuard.MemoryHardPercent = 90
		}
		if c.LoadGuard.CPUSoftPercent <= 0 {
			c.LoadGuard.CPUSoftPercent = 80
		}
		if c.LoadGuard.CPUHardPercent <= 0 {
			c.LoadGuard.CPUHardPercent = 95
		}
		if c.LoadGuard.MemorySoftPercent >= c.LoadGuard.MemoryHardPercent {
			return c, fmt.Errorf("amqpmux: config: LoadGuard.MemorySoftPercent must be less than MemoryHardPercent")
		}
		if c.LoadGuard.CPUSoftPercent >= c.LoadGuard.CPUHardPercent {
			return c, fmt.Errorf("amqpmux: config: LoadGuard.CPUSoftPercent must be less than CPUHardPercent")
		}
	}
	return c, nil
}

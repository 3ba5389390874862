// Package loadguard throttles FETCH dispatch under host memory or CPU
// pressure. It is a two-signal, single-process trim of the four-state
// soft-arm/engaged perimeter-defence machine a busier multi-tenant sibling
// of this server runs with many more inputs: here there is no queue depth
// or per-kind inflight count to weigh, only "is the box under memory or
// CPU pressure right now." MUTEX traffic never passes through this gate —
// an acquire already queued behind a held lock must not additionally wait
// on load, or a lock holder could starve waiters indefinitely just because
// the host got busy.
package loadguard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/amqpmux/amqpmux/internal/svcfields"
	"pkt.systems/pslog"
)

// State is the guard's current posture.
type State int

const (
	StateDisengaged State = iota
	StateSoftArm
	StateEngaged
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "disengaged"
	}
}

// Config configures the guard's thresholds and sample cadence.
type Config struct {
	Enabled bool

	MemorySoftPercent float64
	MemoryHardPercent float64
	CPUSoftPercent    float64
	CPUHardPercent    float64

	RecoverySamples int
	SoftDelay       time.Duration
	EngagedDelay    time.Duration
	SampleInterval  time.Duration

	Logger pslog.Logger
}

// Decision reports whether dispatch should be delayed before proceeding.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// Snapshot is one sampled reading of host pressure.
type Snapshot struct {
	MemoryUsedPercent float64
	CPUPercent        float64
	CollectedAt       time.Time
}

// Guard runs a background sampler and serves Decide calls off the latest
// sample, the way the controller it's trimmed from never blocks a caller
// on a fresh syscall.
type Guard struct {
	cfg    Config
	logger pslog.Logger

	mu                 sync.RWMutex
	state              State
	reason             string
	snapshot           Snapshot
	consecutiveHealthy int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Guard. Call Run to start sampling.
func New(cfg Config) *Guard {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 3
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "control.loadguard"),
		state:  StateDisengaged,
	}
}

// Run starts the background sampler. It returns immediately; call Stop to
// end it. Run is a no-op if the guard is disabled.
func (g *Guard) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.loop(runCtx)
}

func (g *Guard) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Guard) sample(ctx context.Context) {
	snap := Snapshot{CollectedAt: time.Now()}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedPercent = vm.UsedPercent
	} else {
		g.logger.Warn("loadguard.sample.mem_failed", "error", err)
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		g.logger.Warn("loadguard.sample.cpu_failed", "error", err)
	}
	g.observe(snap)
}

// observe feeds a snapshot into the state machine directly, bypassing the
// sampler — the hook tests use to drive the guard deterministically.
func (g *Guard) observe(snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = snap

	hard := snap.MemoryUsedPercent >= g.cfg.MemoryHardPercent || snap.CPUPercent >= g.cfg.CPUHardPercent
	soft := snap.MemoryUsedPercent >= g.cfg.MemorySoftPercent || snap.CPUPercent >= g.cfg.CPUSoftPercent
	healthy := !soft && !hard

	prev := g.state
	next := prev

	switch {
	case hard:
		next = StateEngaged
		g.consecutiveHealthy = 0
		g.reason = "hard threshold exceeded"
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
		}
		g.consecutiveHealthy = 0
		g.reason = "soft threshold exceeded"
	default:
		if healthy {
			g.consecutiveHealthy++
		}
		switch prev {
		case StateEngaged:
			if g.consecutiveHealthy >= g.cfg.RecoverySamples {
				next = StateRecovery
				g.consecutiveHealthy = 0
				g.reason = "metrics recovering"
			}
		case StateRecovery, StateSoftArm:
			if g.consecutiveHealthy >= g.cfg.RecoverySamples {
				next = StateDisengaged
				g.consecutiveHealthy = 0
				g.reason = "metrics stabilised"
			}
		}
	}

	if next != prev {
		g.state = next
		g.logger.Info("loadguard.transition", "from", prev.String(), "to", next.String(), "reason", g.reason)
	}
}

// Decide reports whether FETCH dispatch should currently be delayed.
func (g *Guard) Decide() Decision {
	if !g.cfg.Enabled {
		return Decision{State: StateDisengaged}
	}
	g.mu.RLock()
	state := g.state
	reason := g.reason
	g.mu.RUnlock()

	switch state {
	case StateEngaged:
		return Decision{Throttle: true, Delay: nonZero(g.cfg.EngagedDelay, 500*time.Millisecond), State: state, Reason: reason}
	case StateSoftArm:
		return Decision{Throttle: true, Delay: nonZero(g.cfg.SoftDelay, 50*time.Millisecond), State: state, Reason: reason}
	default:
		return Decision{State: state}
	}
}

// Status reports the current state and last-observed snapshot.
func (g *Guard) Status() (State, Snapshot) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state, g.snapshot
}

// Stop ends the background sampler, if running.
func (g *Guard) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Package breaker watches system-wide memory and swap pressure, whoever is
// causing it, and performs emergency remediation when pressure is sustained.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/pkg/logging"
)

// State of the breaker. A tripped breaker never returns to Idle.
type State int

const (
	Idle State = iota
	Monitoring
	Tripped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Monitoring:
		return "monitoring"
	case Tripped:
		return "tripped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds breaker thresholds and timings
type Config struct {
	MemoryThreshold float64 // used ratio, 0-1
	SwapThreshold   float64 // used ratio, 0-1
	PollInterval    time.Duration
	Consecutive     int           // violations in a row that trip
	GraceWindow     time.Duration // between SIGTERM and the kill sweep
	KillSharePct    float32       // minimum memory share for the kill sweep
	MaxKills        int
	StopTimeout     time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MemoryThreshold: 0.85,
		SwapThreshold:   0.50,
		PollInterval:    500 * time.Millisecond,
		Consecutive:     3,
		GraceWindow:     2 * time.Second,
		KillSharePct:    5,
		MaxKills:        5,
		StopTimeout:     2 * time.Second,
	}
}

// Sampler supplies pressure readings; probe.Prober satisfies it
type Sampler interface {
	Pressure(ctx context.Context) (probe.Pressure, error)
}

// Reclaimer frees swap or page cache after a trip, best effort
type Reclaimer func(ctx context.Context) error

var ErrNotIdle = errors.New("breaker is not idle")

// Status is a read-only view for reporting
type Status struct {
	State        State          `json:"state"`
	Consecutive  int            `json:"consecutive_violations"`
	Registered   []int32        `json:"registered_pids"`
	LastPressure probe.Pressure `json:"last_pressure"`
	Remediations int            `json:"remediations"`
	Killed       []int32        `json:"killed_pids,omitempty"`
}

// Breaker is one session's system-wide watchdog
type Breaker struct {
	cfg        Config
	sampler    Sampler
	insp       proctree.Inspector
	log        *logging.Logger
	metrics    *report.Metrics
	violations *report.ViolationLog
	sessionID  string
	sleep      func(ctx context.Context, d time.Duration) error
	reclaim    Reclaimer
	onTrip     func()
	selfPID    int32
	warnLimit  *rate.Limiter

	mu           sync.Mutex
	state        State
	consecutive  int
	registered   []int32
	last         probe.Pressure
	remediations int
	killed       []int32
	cancel       context.CancelFunc
	done         chan struct{}
}

// Option configures a Breaker
type Option func(*Breaker)

func WithLogger(l *logging.Logger) Option          { return func(b *Breaker) { b.log = l } }
func WithMetrics(m *report.Metrics) Option         { return func(b *Breaker) { b.metrics = m } }
func WithViolations(v *report.ViolationLog) Option { return func(b *Breaker) { b.violations = v } }
func WithSessionID(id string) Option               { return func(b *Breaker) { b.sessionID = id } }
func WithReclaimer(r Reclaimer) Option             { return func(b *Breaker) { b.reclaim = r } }
func WithSelfPID(pid int32) Option                 { return func(b *Breaker) { b.selfPID = pid } }

// WithSleeper replaces the wait used for polling and the grace window
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Breaker) { b.sleep = s }
}

// WithOnTrip is called once, before remediation starts. The governor uses it
// to cancel its own workload, since its own PID is never signaled.
func WithOnTrip(fn func()) Option { return func(b *Breaker) { b.onTrip = fn } }

// New creates an idle breaker
func New(cfg Config, sampler Sampler, insp proctree.Inspector, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.SwapThreshold <= 0 {
		cfg.SwapThreshold = def.SwapThreshold
	}
	if cfg.KillSharePct <= 0 {
		cfg.KillSharePct = def.KillSharePct
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Consecutive <= 0 {
		cfg.Consecutive = def.Consecutive
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.MaxKills <= 0 {
		cfg.MaxKills = def.MaxKills
	}

	b := &Breaker{
		cfg:       cfg,
		sampler:   sampler,
		insp:      insp,
		log:       logging.Nop(),
		sleep:     sleepCtx,
		reclaim:   reclaimSwap,
		selfPID:   int32(os.Getpid()),
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		state:     Idle,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// sleepCtx waits for d or until ctx is cancelled
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds a PID to receive SIGTERM on trip
func (b *Breaker) Register(pid int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pid > 0 && !slices.Contains(b.registered, pid) {
		b.registered = append(b.registered, pid)
	}
}

// Start begins monitoring on its own goroutine
func (b *Breaker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Idle {
		return fmt.Errorf("%w: %s", ErrNotIdle, b.state)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.state = Monitoring
	b.consecutive = 0
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(ctx, b.done)

	b.log.Info("Circuit breaker armed", map[string]interface{}{
		"memory_threshold": b.cfg.MemoryThreshold,
		"swap_threshold":   b.cfg.SwapThreshold,
		"poll_interval":    b.cfg.PollInterval.String(),
	})
	return nil
}

func (b *Breaker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := b.sleep(ctx, b.cfg.PollInterval); err != nil {
			return
		}
		if b.check(ctx) {
			return
		}
	}
}

// check takes one sample and reports whether monitoring should end
func (b *Breaker) check(ctx context.Context) bool {
	p, err := b.sampler.Pressure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		b.log.Warn("Failed to sample memory pressure", map[string]interface{}{"error": err.Error()})
		return false
	}
	b.metrics.Pressure(p.MemoryUsedRatio, p.SwapUsedRatio)

	memHigh := p.MemoryUsedRatio > b.cfg.MemoryThreshold
	swapHigh := p.SwapUsedRatio > b.cfg.SwapThreshold

	b.mu.Lock()
	b.last = p
	if b.state != Monitoring {
		b.mu.Unlock()
		return true
	}
	if !memHigh && !swapHigh {
		b.consecutive = 0
		b.mu.Unlock()
		return false
	}
	b.consecutive++
	count := b.consecutive
	trip := count >= b.cfg.Consecutive
	if trip {
		b.state = Tripped
	}
	b.mu.Unlock()

	b.recordViolation(p, memHigh, swapHigh)
	if b.warnLimit.Allow() || trip {
		b.log.Warn("System memory pressure high", map[string]interface{}{
			"memory_used": p.MemoryUsedRatio,
			"swap_used":   p.SwapUsedRatio,
			"consecutive": count,
			"trip_after":  b.cfg.Consecutive,
			"session_id":  b.sessionID,
		})
	}

	if trip {
		b.trip(context.WithoutCancel(ctx))
		return true
	}
	return false
}

func (b *Breaker) recordViolation(p probe.Pressure, memHigh, swapHigh bool) {
	if memHigh {
		b.metrics.Violation("breaker", "memory")
		b.violations.Record(report.Violation{
			SessionID: b.sessionID, Source: "breaker", Reason: "memory",
			Value: p.MemoryUsedRatio, Threshold: b.cfg.MemoryThreshold,
		})
	}
	if swapHigh {
		b.metrics.Violation("breaker", "swap")
		b.violations.Record(report.Violation{
			SessionID: b.sessionID, Source: "breaker", Reason: "swap",
			Value: p.SwapUsedRatio, Threshold: b.cfg.SwapThreshold,
		})
	}
}

// trip runs emergency remediation. It is reached once per breaker because
// check only calls it on the Monitoring -> Tripped transition.
func (b *Breaker) trip(ctx context.Context) {
	b.mu.Lock()
	b.remediations++
	registered := append([]int32(nil), b.registered...)
	b.mu.Unlock()

	b.metrics.BreakerTrip()
	b.log.Critical("Circuit breaker tripped, starting emergency remediation", map[string]interface{}{
		"registered": registered,
		"session_id": b.sessionID,
	})

	if b.onTrip != nil {
		b.onTrip()
	}

	for _, pid := range registered {
		if pid == b.selfPID {
			continue
		}
		if err := b.insp.Terminate(ctx, pid); err != nil && !proctree.IsGone(err) {
			b.log.Warn("Failed to terminate registered process", map[string]interface{}{"pid": pid, "error": err.Error()})
			continue
		}
		b.metrics.Signaled("breaker", "TERM")
	}

	_ = b.sleep(ctx, b.cfg.GraceWindow)

	killed := b.killTopConsumers(ctx)

	if b.reclaim != nil {
		if err := b.reclaim(ctx); err != nil {
			b.log.Debug("Swap reclamation skipped", map[string]interface{}{"error": err.Error()})
		}
	}

	b.mu.Lock()
	b.killed = killed
	b.mu.Unlock()

	b.log.Warn("Emergency remediation finished", map[string]interface{}{
		"killed":     killed,
		"session_id": b.sessionID,
	})
}

func (b *Breaker) killTopConsumers(ctx context.Context) []int32 {
	list, err := b.insp.List(ctx)
	if err != nil {
		b.log.Warn("Failed to enumerate processes", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var killed []int32
	for _, p := range proctree.TopConsumers(list, b.cfg.KillSharePct, b.cfg.MaxKills, b.selfPID, 1) {
		if err := b.insp.Kill(ctx, p.PID); err != nil {
			if !proctree.IsGone(err) {
				b.log.Warn("Failed to kill memory consumer", map[string]interface{}{"pid": p.PID, "error": err.Error()})
			}
			continue
		}
		b.metrics.Signaled("breaker", "KILL")
		b.log.Warn("Killed memory consumer", map[string]interface{}{
			"pid":            p.PID,
			"name":           p.Name,
			"memory_percent": p.MemoryPercent,
		})
		killed = append(killed, p.PID)
	}

	for _, p := range list {
		if p.PID == b.selfPID && p.MemoryPercent > b.cfg.KillSharePct {
			b.log.Critical("Governor process is still a top memory consumer after the kill sweep", map[string]interface{}{
				"pid":            p.PID,
				"memory_percent": p.MemoryPercent,
				"session_id":     b.sessionID,
			})
			break
		}
	}
	return killed
}

// Stop ends monitoring and waits up to the stop timeout for the goroutine.
// It returns false if the goroutine did not exit in time.
func (b *Breaker) Stop() bool {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	if b.state == Monitoring {
		b.state = Idle
	}
	b.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	select {
	case <-done:
		return true
	case <-time.After(b.cfg.StopTimeout):
		b.log.Warn("Circuit breaker did not stop in time", map[string]interface{}{
			"timeout": b.cfg.StopTimeout.String(),
		})
		return false
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tripped reports whether remediation was triggered in this session
func (b *Breaker) Tripped() bool {
	return b.State() == Tripped
}

// Status returns a snapshot for reporting
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:        b.state,
		Consecutive:  b.consecutive,
		Registered:   append([]int32(nil), b.registered...),
		LastPressure: b.last,
		Remediations: b.remediations,
		Killed:       append([]int32(nil), b.killed...),
	}
}

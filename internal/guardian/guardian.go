// Package guardian watches the resident memory of one process tree and shuts
// that tree down, in escalating steps, when it outgrows its ceiling.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/pkg/logging"
)

// Config holds the ceiling and timings
type Config struct {
	CeilingBytes uint64
	PollInterval time.Duration
	GracePeriod  time.Duration
	WarnRatio    float64 // share of the ceiling that logs a single warning
	Consecutive  int     // samples at or over the ceiling before escalating
	StopTimeout  time.Duration
	// SelfDestruct allows the final unconditional exit
	SelfDestruct bool
}

// DefaultConfig returns the production defaults for a 20 GiB ceiling
func DefaultConfig() Config {
	return Config{
		CeilingBytes: 20 << 30,
		PollInterval: 500 * time.Millisecond,
		GracePeriod:  3 * time.Second,
		WarnRatio:    0.8,
		Consecutive:  2,
		StopTimeout:  2 * time.Second,
		SelfDestruct: true,
	}
}

var (
	ErrBusy      = errors.New("guardian is already watching")
	ErrEmergency = errors.New("guardian already escalated in this session")
)

// State is a read-only snapshot of the guardian
type State struct {
	Monitoring            bool   `json:"monitoring"`
	EmergencyTriggered    bool   `json:"emergency_triggered"`
	ConsecutiveViolations int    `json:"consecutive_violations"`
	Phase                 Phase  `json:"phase"`
	Root                  int32  `json:"root_pid"`
	LastRSS               uint64 `json:"last_rss_bytes"`
	PeakRSS               uint64 `json:"peak_rss_bytes"`
	Warned                bool   `json:"warned"`
}

// Guardian is one session's per-tree watchdog. It never owns the process;
// it only observes and signals.
type Guardian struct {
	cfg        Config
	insp       proctree.Inspector
	log        *logging.Logger
	metrics    *report.Metrics
	violations *report.ViolationLog
	sessionID  string
	sleep      func(ctx context.Context, d time.Duration) error
	exit       func(code int)
	onEscalate func()
	selfPID    int32

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Guardian
type Option func(*Guardian)

func WithLogger(l *logging.Logger) Option          { return func(g *Guardian) { g.log = l } }
func WithMetrics(m *report.Metrics) Option         { return func(g *Guardian) { g.metrics = m } }
func WithViolations(v *report.ViolationLog) Option { return func(g *Guardian) { g.violations = v } }
func WithSessionID(id string) Option               { return func(g *Guardian) { g.sessionID = id } }
func WithSelfPID(pid int32) Option                 { return func(g *Guardian) { g.selfPID = pid } }

// WithSleeper replaces the wait used for polling and the grace period
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guardian) { g.sleep = s }
}

// WithExit replaces os.Exit for the self-destruct phase
func WithExit(fn func(code int)) Option { return func(g *Guardian) { g.exit = fn } }

// WithOnEscalate is called once when escalation starts, before any signal
func WithOnEscalate(fn func()) Option { return func(g *Guardian) { g.onEscalate = fn } }

// New creates an idle guardian
func New(cfg Config, insp proctree.Inspector, opts ...Option) *Guardian {
	def := DefaultConfig()
	if cfg.CeilingBytes == 0 {
		cfg.CeilingBytes = def.CeilingBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = def.WarnRatio
	}
	if cfg.Consecutive <= 0 {
		cfg.Consecutive = def.Consecutive
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	g := &Guardian{
		cfg:     cfg,
		insp:    insp,
		log:     logging.Nop(),
		sleep:   sleepCtx,
		exit:    os.Exit,
		selfPID: int32(os.Getpid()),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

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

// transition moves to a new phase; callers hold g.mu
func (g *Guardian) transition(to Phase) error {
	from := g.state.Phase
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid guardian transition %s -> %s", from, to)
	}
	g.state.Phase = to
	return nil
}

// Watch starts polling pid and its descendants on a background goroutine
func (g *Guardian) Watch(ctx context.Context, pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.EmergencyTriggered {
		return ErrEmergency
	}
	if g.state.Monitoring {
		return ErrBusy
	}
	if err := g.transition(Watching); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g.state.Monitoring = true
	g.state.Root = pid
	g.state.ConsecutiveViolations = 0
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.run(ctx, g.done)

	g.metrics.Ceiling(g.cfg.CeilingBytes)
	g.log.Info("Memory guardian armed", map[string]interface{}{
		"pid":        pid,
		"ceiling_gb": float64(g.cfg.CeilingBytes) / (1 << 30),
		"grace":      g.cfg.GracePeriod.String(),
	})
	return nil
}

func (g *Guardian) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		g.mu.Lock()
		g.state.Monitoring = false
		if g.state.Phase == Watching {
			g.state.Phase = Idle
		}
		g.mu.Unlock()
	}()

	for {
		if err := g.sleep(ctx, g.cfg.PollInterval); err != nil {
			return
		}
		if g.check(ctx) {
			return
		}
	}
}

// check takes one sample and reports whether monitoring should end
func (g *Guardian) check(ctx context.Context) bool {
	g.mu.Lock()
	root := g.state.Root
	g.mu.Unlock()

	total, _, err := proctree.TreeRSS(ctx, g.insp, root)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if proctree.IsGone(err) {
			g.log.Info("Guarded process is gone, guardian stopping", map[string]interface{}{"pid": root})
			return true
		}
		g.log.Warn("Failed to read process tree memory", map[string]interface{}{"pid": root, "error": err.Error()})
		if total == 0 {
			return false
		}
		// the root alone still bounds the tree from below
	}
	g.metrics.TreeRSS(total)

	ceiling := g.cfg.CeilingBytes
	warnAt := uint64(float64(ceiling) * g.cfg.WarnRatio)

	g.mu.Lock()
	g.state.LastRSS = total
	g.state.PeakRSS = max(g.state.PeakRSS, total)

	warn := total >= warnAt && !g.state.Warned
	if warn {
		g.state.Warned = true
	}

	over := total >= ceiling
	if over {
		g.state.ConsecutiveViolations++
	} else {
		g.state.ConsecutiveViolations = 0
	}
	count := g.state.ConsecutiveViolations
	g.mu.Unlock()

	fields := map[string]interface{}{
		"pid":        root,
		"rss_gb":     float64(total) / (1 << 30),
		"ceiling_gb": float64(ceiling) / (1 << 30),
		"session_id": g.sessionID,
	}
	if warn {
		g.log.Warn("Process tree approaching memory ceiling", fields)
		g.record("warning", total, warnAt)
	}
	if !over {
		return false
	}

	g.record("ceiling", total, ceiling)
	if count < g.cfg.Consecutive {
		fields["consecutive"] = count
		g.log.Warn("Process tree over memory ceiling", fields)
		return false
	}

	g.Escalate(context.WithoutCancel(ctx))
	return true
}

func (g *Guardian) record(reason string, value, threshold uint64) {
	g.metrics.Violation("guardian", reason)
	g.violations.Record(report.Violation{
		SessionID: g.sessionID,
		Source:    "guardian",
		Reason:    reason,
		Value:     float64(value),
		Threshold: float64(threshold),
	})
}

// Escalate runs the shutdown sequence against the watched tree. Only the
// first call does anything; it returns whether this call ran it.
func (g *Guardian) Escalate(ctx context.Context) bool {
	g.mu.Lock()
	if g.state.EmergencyTriggered || g.state.Root <= 0 {
		g.mu.Unlock()
		return false
	}
	if g.state.Phase == Idle {
		// stopped or never armed; still allow a direct escalation
		g.state.Phase = Watching
	}
	if err := g.transition(Terminating); err != nil {
		g.mu.Unlock()
		g.log.Error("Escalation refused", map[string]interface{}{"error": err.Error()})
		return false
	}
	g.state.EmergencyTriggered = true
	root := g.state.Root
	g.mu.Unlock()

	if g.onEscalate != nil {
		g.onEscalate()
	}
	g.metrics.Escalation(Terminating.String())
	g.log.Error("Memory ceiling exceeded, terminating process tree", map[string]interface{}{
		"pid":        root,
		"session_id": g.sessionID,
	})

	tree := g.tree(ctx, root)

	for _, pid := range tree {
		if pid == g.selfPID {
			continue
		}
		if err := g.insp.Terminate(ctx, pid); err != nil {
			if !proctree.IsGone(err) {
				g.log.Warn("SIGTERM failed", map[string]interface{}{"pid": pid, "error": err.Error()})
			}
			continue
		}
		g.metrics.Signaled("guardian", "TERM")
	}

	_ = g.sleep(ctx, g.cfg.GracePeriod)

	g.mu.Lock()
	_ = g.transition(Killing)
	g.mu.Unlock()
	g.metrics.Escalation(Killing.String())

	// children may have forked during the grace period
	for _, pid := range g.tree(ctx, root) {
		if !slices.Contains(tree, pid) {
			tree = append(tree, pid)
		}
	}

	for _, pid := range tree {
		if pid == g.selfPID || !g.insp.Running(ctx, pid) {
			continue
		}
		if err := g.insp.Kill(ctx, pid); err != nil {
			if !proctree.IsGone(err) {
				g.log.Warn("SIGKILL failed", map[string]interface{}{"pid": pid, "error": err.Error()})
			}
			continue
		}
		g.metrics.Signaled("guardian", "KILL")
		g.log.Warn("Force killed process", map[string]interface{}{"pid": pid})
	}

	if reason, atRisk := g.atRisk(ctx, tree); atRisk {
		if g.cfg.SelfDestruct {
			g.mu.Lock()
			_ = g.transition(SelfDestruct)
			g.mu.Unlock()
			g.metrics.Escalation(SelfDestruct.String())
			g.log.Critical("Containment failed, self-destructing", map[string]interface{}{
				"reason":     reason,
				"session_id": g.sessionID,
			})
			_ = g.log.Sync()
			g.exit(1)
			return true
		}
		g.log.Critical("Containment failed and self-destruct is disabled", map[string]interface{}{"reason": reason})
	}

	g.mu.Lock()
	_ = g.transition(Contained)
	g.mu.Unlock()
	g.metrics.Escalation(Contained.String())
	g.log.Warn("Process tree contained", map[string]interface{}{"pid": root, "session_id": g.sessionID})
	return true
}

// tree lists descendants (parents first) followed by the root
func (g *Guardian) tree(ctx context.Context, root int32) []int32 {
	kids, err := g.insp.Descendants(ctx, root)
	if err != nil && !proctree.IsGone(err) {
		g.log.Warn("Failed to enumerate children", map[string]interface{}{"pid": root, "error": err.Error()})
	}
	return append(kids, root)
}

// atRisk decides whether the guardian's own process can still go down
// cleanly after the kill step
func (g *Guardian) atRisk(ctx context.Context, tree []int32) (string, bool) {
	var survivors []int32
	for _, pid := range tree {
		if pid != g.selfPID && g.insp.Running(ctx, pid) {
			survivors = append(survivors, pid)
		}
	}
	if len(survivors) > 0 {
		return fmt.Sprintf("processes survived SIGKILL: %v", survivors), true
	}

	if slices.Contains(tree, g.selfPID) {
		rss, err := g.insp.RSS(ctx, g.selfPID)
		if err == nil && rss >= g.cfg.CeilingBytes {
			return fmt.Sprintf("own resident memory %d still at ceiling", rss), true
		}
	}
	return "", false
}

// Stop ends polling and waits up to the stop timeout. An escalation in
// progress is not interrupted; Stop returns false if it outlasts the wait.
func (g *Guardian) Stop() bool {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	select {
	case <-done:
		return true
	case <-time.After(g.cfg.StopTimeout):
		g.log.Warn("Memory guardian did not stop in time", map[string]interface{}{
			"timeout": g.cfg.StopTimeout.String(),
		})
		return false
	}
}

// Done is closed when the polling goroutine exits. Nil before Watch.
func (g *Guardian) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// State returns a snapshot
func (g *Guardian) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

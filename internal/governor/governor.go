// Package governor composes probing, profile selection, admission, rlimits
// and the two watchdogs around one protected workload.
//
// A session runs in a fixed order: probe, select, pre-flight, apply limits,
// arm the breaker and the guardian, run the workload. Whatever way the
// workload ends, the monitors are stopped and the limits restored exactly
// once before Govern returns.
package governor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/fortress/internal/breaker"
	"github.com/psantana5/fortress/internal/cgroups"
	"github.com/psantana5/fortress/internal/guardian"
	"github.com/psantana5/fortress/internal/limits"
	"github.com/psantana5/fortress/internal/preflight"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/profile"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/internal/store"
	"github.com/psantana5/fortress/pkg/logging"
	"github.com/psantana5/fortress/pkg/shutdown"
	"github.com/psantana5/fortress/pkg/tracing"
)

// Governor runs workloads under resource governance. It owns its handles;
// nothing is global.
type Governor struct {
	cfg        Config
	prober     probe.Prober
	insp       proctree.Inspector
	enforcer   *limits.Enforcer
	log        *logging.Logger
	metrics    *report.Metrics
	violations *report.ViolationLog
	store      store.Store
	tracer     *tracing.Provider
	cgroups    *cgroups.Manager
	exit       func(code int)
	sleep      func(ctx context.Context, d time.Duration) error
	reclaim    breaker.Reclaimer
	selfPID    int32
	now        func() time.Time

	mu     sync.Mutex
	active *active
	last   *report.Result
}

// active is the session currently being governed
type active struct {
	session  *Session
	breaker  *breaker.Breaker
	guardian *guardian.Guardian
}

// Option configures a Governor
type Option func(*Governor)

func WithProber(p probe.Prober) Option             { return func(g *Governor) { g.prober = p } }
func WithInspector(i proctree.Inspector) Option    { return func(g *Governor) { g.insp = i } }
func WithEnforcer(e *limits.Enforcer) Option       { return func(g *Governor) { g.enforcer = e } }
func WithLogger(l *logging.Logger) Option          { return func(g *Governor) { g.log = l } }
func WithMetrics(m *report.Metrics) Option         { return func(g *Governor) { g.metrics = m } }
func WithViolations(v *report.ViolationLog) Option { return func(g *Governor) { g.violations = v } }
func WithStore(s store.Store) Option               { return func(g *Governor) { g.store = s } }
func WithTracer(t *tracing.Provider) Option        { return func(g *Governor) { g.tracer = t } }
func WithCgroups(m *cgroups.Manager) Option        { return func(g *Governor) { g.cgroups = m } }
func WithExit(fn func(code int)) Option            { return func(g *Governor) { g.exit = fn } }
func WithReclaimer(r breaker.Reclaimer) Option     { return func(g *Governor) { g.reclaim = r } }
func WithSelfPID(pid int32) Option                 { return func(g *Governor) { g.selfPID = pid } }
func WithClock(now func() time.Time) Option        { return func(g *Governor) { g.now = now } }

// WithSleeper replaces the wait used by both monitors
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = s }
}

// New creates a governor. Host probing, process inspection and rlimits
// default to the real system.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governor config: %w", err)
	}

	g := &Governor{
		cfg:     cfg,
		log:     logging.Nop(),
		exit:    os.Exit,
		selfPID: int32(os.Getpid()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.prober == nil {
		g.prober = probe.NewSystem()
	}
	if g.insp == nil {
		g.insp = proctree.NewSystem()
	}
	if g.enforcer == nil {
		g.enforcer = limits.New(limits.WithLockHard(cfg.LockHardLimits), limits.WithLogger(g.log))
	}
	if g.cgroups == nil && cfg.UseCgroup {
		g.cgroups = cgroups.New()
	}
	return g, nil
}

// Config returns the governor's configuration
func (g *Governor) Config() Config {
	return g.cfg
}

// Govern runs w under governance. size is the declared workload size in
// bytes. A Result is returned for every session, including rejected ones.
func (g *Governor) Govern(ctx context.Context, w Workload, size uint64) (res *report.Result, err error) {
	id := uuid.NewString()
	log := g.log.WithField("session_id", id)
	res = report.NewResult(id, workloadName(w), g.now())
	res.WorkloadBytes = size

	ctx, span := g.tracer.StartSpan(ctx, "fortress.govern",
		attribute.String("session.id", id),
		attribute.String("workload.name", res.Workload),
		attribute.Int64("workload.bytes", int64(size)),
	)
	defer span.End()

	g.metrics.SessionStarted()
	defer g.metrics.SessionEnded()
	defer func() { g.finish(ctx, res, err, log) }()

	snap := g.prober.Snapshot(ctx)
	if snap.Degraded() {
		log.Warn("Host probe is incomplete", map[string]interface{}{"unknown": snap.Unknown})
	}

	pid, prof := profile.Select(size, snap.AvailableRAM)
	ratio := profile.Ratio(size, snap.AvailableRAM)
	verdict := preflight.NewChecker(snap).Assess(size, prof.ContextSize, prof.BatchSize)
	g.metrics.Admission(verdict.Classification.String())

	res.Profile = string(pid)
	res.Ratio = ratio
	res.Verdict = verdict.Classification.String()
	tracing.SetAttributes(ctx,
		attribute.String("profile.id", string(pid)),
		attribute.Float64("profile.ratio", ratio),
		attribute.String("preflight.verdict", res.Verdict),
	)

	fields := map[string]interface{}{
		"profile":    string(pid),
		"ratio":      ratio,
		"verdict":    res.Verdict,
		"needed_gb":  float64(verdict.NeededBytes) / probe.GiB,
		"available":  probe.FormatBytes(snap.AvailableRAM),
		"context":    prof.ContextSize,
		"batch":      prof.BatchSize,
		"memory_map": prof.MemoryMapping,
		"sequential": prof.SequentialLoading,
	}

	switch verdict.Classification {
	case preflight.Unsafe:
		log.Error("Launch rejected by pre-flight check", fields)
		return res, &Error{
			Kind:      KindAdmissionRejected,
			SessionID: id,
			Message:   verdict.Message,
			Verdict:   &verdict,
		}
	case preflight.Risky:
		fields["recommendation"] = verdict.Advisory.Recommendation
		log.Warn("Launch admitted with tight memory", fields)
	default:
		log.Info("Launch admitted", fields)
	}

	sess := &Session{
		ID:            id,
		WorkloadBytes: size,
		ProfileID:     pid,
		Profile:       prof,
		Estimate:      profile.EstimatePerformance(size, prof, snap.AvailableRAM),
		Verdict:       verdict,
		Snapshot:      snap,
		Ceilings:      g.cfg.ceilings(prof, size),
		Log:           log,
		totalLayers:   g.cfg.TotalLayers,
		ceiling:       g.cfg.CeilingBytes(),
		grace:         g.cfg.GracePeriod,
		cgroups:       g.cgroups,
	}

	if err := g.enforcer.Apply(sess.Ceilings); err != nil {
		log.Error("Failed to apply resource limits", map[string]interface{}{"error": err.Error()})
		return res, &Error{
			Kind:      KindLimitApplicationFailed,
			SessionID: id,
			Message:   "could not apply resource limits",
			Err:       err,
		}
	}
	tracing.AddEvent(ctx, "limits.applied",
		attribute.Int64("limits.address_space", int64(sess.Ceilings.AddressSpaceBytes)),
		attribute.Int64("limits.processes", int64(sess.Ceilings.MaxProcesses)),
		attribute.Int64("limits.cpu_seconds", int64(sess.Ceilings.CPUSeconds)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	brk := breaker.New(g.cfg.breakerConfig(), g.prober, g.insp, g.breakerOptions(id, log, cancel)...)
	grd := guardian.New(g.cfg.guardianConfig(), g.insp, g.guardianOptions(id, log, cancel)...)
	sess.breaker = brk

	// LIFO: breaker, then guardian, then limits
	cleanup := shutdown.New(0, log)
	cleanup.Register("restore limits", func(context.Context) error { return g.enforcer.Restore() })
	cleanup.Register("stop guardian", func(context.Context) error {
		if !grd.Stop() {
			return fmt.Errorf("guardian did not stop within %s", g.cfg.StopTimeout)
		}
		return nil
	})
	cleanup.Register("stop breaker", func(context.Context) error {
		if !brk.Stop() {
			return fmt.Errorf("breaker did not stop within %s", g.cfg.StopTimeout)
		}
		return nil
	})
	defer func() {
		if cerr := cleanup.Shutdown(); cerr != nil {
			log.Warn("Session cleanup incomplete", map[string]interface{}{"error": cerr.Error()})
		}
		g.setActive(nil)
	}()

	brk.Register(g.selfPID)
	if err := brk.Start(runCtx); err != nil {
		log.Warn("Circuit breaker not started", map[string]interface{}{"error": err.Error()})
	}
	if err := grd.Watch(runCtx, g.selfPID); err != nil {
		log.Warn("Memory guardian not started", map[string]interface{}{"error": err.Error()})
	}
	g.setActive(&active{session: sess, breaker: brk, guardian: grd})

	runErr := runWorkload(runCtx, w, sess)
	_ = cleanup.Shutdown()

	res.PID, res.ExitCode, res.ExitReason = sess.exit()
	res.PeakRSS = grd.State().PeakRSS

	switch {
	case brk.Tripped():
		return res, &Error{
			Kind:      KindSystemTrip,
			SessionID: id,
			Message:   "host memory pressure stayed above thresholds",
			Err:       runErr,
		}
	case grd.State().EmergencyTriggered:
		return res, &Error{
			Kind:      KindGuardianTermination,
			SessionID: id,
			Message:   fmt.Sprintf("process tree exceeded %.1f GB", g.cfg.MemoryCeilingGB),
			Err:       runErr,
		}
	case runErr != nil:
		return res, &Error{
			Kind:      KindWorkloadFailure,
			SessionID: id,
			Message:   "workload returned an error",
			Err:       runErr,
		}
	}
	return res, nil
}

// runWorkload turns a workload panic into an error so cleanup and
// classification still run
func runWorkload(ctx context.Context, w Workload, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workload panicked: %v", r)
		}
	}()
	return w.Run(ctx, s)
}

func (g *Governor) breakerOptions(id string, log *logging.Logger, onTrip func()) []breaker.Option {
	opts := []breaker.Option{
		breaker.WithLogger(log),
		breaker.WithMetrics(g.metrics),
		breaker.WithViolations(g.violations),
		breaker.WithSessionID(id),
		breaker.WithSelfPID(g.selfPID),
		breaker.WithOnTrip(onTrip),
	}
	if g.sleep != nil {
		opts = append(opts, breaker.WithSleeper(g.sleep))
	}
	if g.reclaim != nil {
		opts = append(opts, breaker.WithReclaimer(g.reclaim))
	}
	return opts
}

func (g *Governor) guardianOptions(id string, log *logging.Logger, onEscalate func()) []guardian.Option {
	opts := []guardian.Option{
		guardian.WithLogger(log),
		guardian.WithMetrics(g.metrics),
		guardian.WithViolations(g.violations),
		guardian.WithSessionID(id),
		guardian.WithSelfPID(g.selfPID),
		guardian.WithExit(g.exit),
		guardian.WithOnEscalate(onEscalate),
	}
	if g.sleep != nil {
		opts = append(opts, guardian.WithSleeper(g.sleep))
	}
	return opts
}

// finish stamps the outcome, then logs, counts, traces and persists the
// result. Persistence failures are logged only.
func (g *Governor) finish(ctx context.Context, res *report.Result, err error, log *logging.Logger) {
	res.Finish(g.now(), outcomeOf(err), err)
	res.LogSummary(log)
	g.metrics.RecordResult(res)
	tracing.SetAttributes(ctx, attribute.String("session.outcome", string(res.Outcome)))
	tracing.SetError(ctx, err)

	g.mu.Lock()
	g.last = res
	g.mu.Unlock()

	if g.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := g.store.Save(saveCtx, res); serr != nil {
		log.Warn("Failed to persist session result", map[string]interface{}{"error": serr.Error()})
	}
}

func outcomeOf(err error) report.Outcome {
	switch KindOf(err) {
	case "":
		if err != nil {
			return report.OutcomeWorkloadFailure
		}
		return report.OutcomeCompleted
	case KindAdmissionRejected:
		return report.OutcomeAdmissionRejected
	case KindLimitApplicationFailed:
		return report.OutcomeLimitFailure
	case KindGuardianTermination:
		return report.OutcomeGuardianKill
	case KindSystemTrip:
		return report.OutcomeSystemTrip
	default:
		return report.OutcomeWorkloadFailure
	}
}

func (g *Governor) setActive(a *active) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = a
}

// Status is a point-in-time view of the governor for the status API
type Status struct {
	Active    bool            `json:"active"`
	SessionID string          `json:"session_id,omitempty"`
	Profile   profile.ID      `json:"profile,omitempty"`
	Breaker   *breaker.Status `json:"breaker,omitempty"`
	Guardian  *guardian.State `json:"guardian,omitempty"`
	Last      *report.Result  `json:"last_session,omitempty"`
}

// Status reports the running session, if any, and the last finished one
func (g *Governor) Status() Status {
	g.mu.Lock()
	a, last := g.active, g.last
	g.mu.Unlock()

	st := Status{Last: last}
	if a == nil {
		return st
	}
	bs := a.breaker.Status()
	gs := a.guardian.State()
	st.Active = true
	st.SessionID = a.session.ID
	st.Profile = a.session.ProfileID
	st.Breaker = &bs
	st.Guardian = &gs
	return st
}

// Run governs fn and returns its value. On any failure the zero value is
// returned alongside the session result.
func Run[T any](ctx context.Context, g *Governor, size uint64, fn func(ctx context.Context, s *Session) (T, error)) (T, *report.Result, error) {
	var out T
	res, err := g.Govern(ctx, WorkloadFunc(func(ctx context.Context, s *Session) error {
		v, err := fn(ctx, s)
		out = v
		return err
	}), size)
	if err != nil {
		var zero T
		return zero, res, err
	}
	return out, res, nil
}

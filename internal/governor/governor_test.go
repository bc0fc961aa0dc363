package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/fortress/internal/limits"
	"github.com/psantana5/fortress/internal/preflight"
	"github.com/psantana5/fortress/internal/probe"
	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/profile"
	"github.com/psantana5/fortress/internal/report"
	"github.com/psantana5/fortress/internal/store"
)

const (
	gib     = uint64(probe.GiB)
	selfPID = 4000
)

type fakeRLimiter struct {
	mu      sync.Mutex
	current map[limits.Resource]limits.Limit
	sets    []limits.Resource
	failSet error
}

func newFakeRLimiter() *fakeRLimiter {
	open := limits.Limit{Soft: 1 << 62, Hard: 1 << 62}
	return &fakeRLimiter{current: map[limits.Resource]limits.Limit{
		limits.AddressSpace: open,
		limits.Processes:    open,
		limits.CPUTime:      open,
	}}
}

func (f *fakeRLimiter) Get(r limits.Resource) (limits.Limit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[r], nil
}

func (f *fakeRLimiter) Set(r limits.Resource, l limits.Limit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.current[r] = l
	f.sets = append(f.sets, r)
	return nil
}

func (f *fakeRLimiter) soft(r limits.Resource) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[r].Soft
}

func (f *fakeRLimiter) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets)
}

// tick keeps monitor loops quick without spinning
func tick(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

type harness struct {
	gov      *Governor
	rl       *fakeRLimiter
	procs    *proctree.Fake
	prober   *probe.Static
	metrics  *report.Metrics
	store    *store.MemoryStore
	exits    []int
	reclaims int
}

func newHarness(t *testing.T, available uint64, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		rl:      newFakeRLimiter(),
		procs:   proctree.NewFake(),
		prober:  &probe.Static{Snap: probe.Snapshot{TotalRAM: available, AvailableRAM: available, CPUCores: 8}},
		metrics: report.NewMetrics(),
		store:   store.NewMemoryStore(),
	}
	h.procs.Add(selfPID, proctree.FakeProcess{Name: "fortress", RSS: gib, MemoryPercent: 1})

	base := []Option{
		WithProber(h.prober),
		WithInspector(h.procs),
		WithEnforcer(limits.New(limits.WithRLimiter(h.rl))),
		WithMetrics(h.metrics),
		WithViolations(report.NewViolationLog(50)),
		WithStore(h.store),
		WithSelfPID(selfPID),
		WithSleeper(tick),
		WithExit(func(code int) { h.exits = append(h.exits, code) }),
		WithReclaimer(func(context.Context) error { h.reclaims++; return nil }),
	}
	gov, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	h.gov = gov
	return h
}

func (h *harness) restored(t *testing.T) {
	t.Helper()
	for _, r := range []limits.Resource{limits.AddressSpace, limits.Processes, limits.CPUTime} {
		assert.Equal(t, uint64(1<<62), h.rl.soft(r), "%s not restored", r)
	}
	assert.False(t, h.gov.enforcer.Active())
}

func TestGovernCompletes(t *testing.T) {
	h := newHarness(t, 16*gib)
	var seen *Session

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(ctx context.Context, s *Session) error {
		seen = s
		assert.Equal(t, 20*gib, h.rl.soft(limits.AddressSpace))
		assert.Equal(t, uint64(1024), h.rl.soft(limits.Processes))
		assert.Equal(t, uint64(7200), h.rl.soft(limits.CPUTime))
		return nil
	}), 4*gib)

	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, profile.Direct, seen.ProfileID)
	assert.Equal(t, preflight.Safe, seen.Verdict.Classification)
	assert.Equal(t, []string{"--ctx-size", "8192", "--batch-size", "512", "--n-gpu-layers", "32", "--no-mmap"}, seen.Launch().Args())

	assert.Equal(t, report.OutcomeCompleted, res.Outcome)
	assert.Equal(t, seen.ID, res.SessionID)
	assert.Equal(t, "direct", res.Profile)
	assert.Equal(t, "SAFE", res.Verdict)
	h.restored(t)

	stored, err := h.store.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeCompleted, stored.Outcome)

	text, err := h.metrics.Text()
	require.NoError(t, err)
	assert.Contains(t, text, `fortress_sessions_total{outcome="completed"} 1`)
	assert.Contains(t, text, `fortress_admissions_total{classification="SAFE"} 1`)
}

func TestGovernRejectsUnsafe(t *testing.T) {
	h := newHarness(t, 16*gib)
	ran := false

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error {
		ran = true
		return nil
	}), 40*gib)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, KindAdmissionRejected, KindOf(err))

	var ge *Error
	require.ErrorAs(t, err, &ge)
	require.NotNil(t, ge.Verdict)
	assert.Equal(t, preflight.Unsafe, ge.Verdict.Classification)

	assert.False(t, ran)
	assert.Zero(t, h.rl.setCount(), "limits must not be touched for a rejected launch")
	assert.Equal(t, report.OutcomeAdmissionRejected, res.Outcome)
	assert.Equal(t, "light-mapped", res.Profile)
}

func TestGovernLimitFailure(t *testing.T) {
	h := newHarness(t, 16*gib)
	h.rl.failSet = errors.New("operation not permitted")
	ran := false

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error {
		ran = true
		return nil
	}), 4*gib)

	assert.ErrorIs(t, err, ErrLimitApplicationFailed)
	assert.False(t, ran)
	assert.Equal(t, report.OutcomeLimitFailure, res.Outcome)
}

func TestGovernWorkloadFailureRestoresLimits(t *testing.T) {
	h := newHarness(t, 16*gib)
	boom := errors.New("model load failed")

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error {
		return boom
	}), 4*gib)

	assert.ErrorIs(t, err, ErrWorkloadFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, report.OutcomeWorkloadFailure, res.Outcome)
	assert.Contains(t, res.Error, "model load failed")
	h.restored(t)
}

func TestGovernRecoversPanic(t *testing.T) {
	h := newHarness(t, 16*gib)

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error {
		panic("nil map")
	}), 4*gib)

	assert.ErrorIs(t, err, ErrWorkloadFailure)
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, report.OutcomeWorkloadFailure, res.Outcome)
	h.restored(t)
}

func TestGovernRiskyMappedProfile(t *testing.T) {
	h := newHarness(t, 64*gib)

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(ctx context.Context, s *Session) error {
		assert.Equal(t, profile.LightMapped, s.ProfileID)
		assert.Equal(t, preflight.Risky, s.Verdict.Classification)
		// mapped pages count against the address space
		assert.Equal(t, 80*gib, h.rl.soft(limits.AddressSpace))
		return nil
	}), 60*gib)

	require.NoError(t, err)
	assert.Equal(t, "RISKY", res.Verdict)
	h.restored(t)
}

func TestGuardianTerminationCancelsWorkload(t *testing.T) {
	h := newHarness(t, 64*gib)
	h.procs.Add(101, proctree.FakeProcess{Parent: selfPID, Name: "worker", RSS: 25 * gib})

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(ctx context.Context, s *Session) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("guardian never fired")
		}
	}), 4*gib)

	assert.ErrorIs(t, err, ErrGuardianTermination)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, report.OutcomeGuardianKill, res.Outcome)
	assert.Equal(t, []int32{101}, h.procs.SignalsTo(proctree.SigTerm))
	assert.True(t, h.procs.Running(context.Background(), selfPID))
	assert.Empty(t, h.exits, "own memory is fine once the child is gone")
	assert.GreaterOrEqual(t, res.PeakRSS, 26*gib)
	h.restored(t)
}

func TestSystemTripOutranksGuardian(t *testing.T) {
	h := newHarness(t, 16*gib)
	h.prober.Press = probe.Pressure{MemoryUsedRatio: 0.97}

	res, err := h.gov.Govern(context.Background(), WorkloadFunc(func(ctx context.Context, s *Session) error {
		<-ctx.Done()
		return ctx.Err()
	}), 4*gib)

	assert.ErrorIs(t, err, ErrSystemTrip)
	assert.NotErrorIs(t, err, ErrGuardianTermination)
	assert.Equal(t, report.OutcomeSystemTrip, res.Outcome)
	assert.Equal(t, 1, h.reclaims)
	assert.Empty(t, h.procs.SignalsTo(proctree.SigTerm), "the governor's own pid is never signaled")
	h.restored(t)
}

func TestConcurrentGovernRejected(t *testing.T) {
	h := newHarness(t, 16*gib)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error {
			close(started)
			<-release
			return nil
		}), 4*gib)
		done <- err
	}()
	<-started

	st := h.gov.Status()
	assert.True(t, st.Active)
	require.NotNil(t, st.Guardian)
	assert.True(t, st.Guardian.Monitoring)

	_, err := h.gov.Govern(context.Background(), WorkloadFunc(func(context.Context, *Session) error { return nil }), 4*gib)
	assert.ErrorIs(t, err, ErrLimitApplicationFailed)
	assert.ErrorIs(t, err, limits.ErrAlreadyApplied)

	close(release)
	require.NoError(t, <-done)

	st = h.gov.Status()
	assert.False(t, st.Active)
	require.NotNil(t, st.Last)
	assert.Equal(t, report.OutcomeCompleted, st.Last.Outcome)
}

func TestRunReturnsValue(t *testing.T) {
	h := newHarness(t, 16*gib)

	n, res, err := Run(context.Background(), h.gov, 4*gib, func(ctx context.Context, s *Session) (int, error) {
		return s.Profile.ContextSize, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.True(t, res.Succeeded())

	n, _, err = Run(context.Background(), h.gov, 4*gib, func(ctx context.Context, s *Session) (int, error) {
		return 7, errors.New("bad")
	})
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryCeilingGB = 0
	cfg.SwapThresholdPct = 150

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory ceiling")
	assert.Contains(t, err.Error(), "swap threshold")
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, report.OutcomeCompleted, outcomeOf(nil))
	assert.Equal(t, report.OutcomeWorkloadFailure, outcomeOf(errors.New("x")))
	assert.Equal(t, report.OutcomeSystemTrip, outcomeOf(&Error{Kind: KindSystemTrip}))
}

func mustDirect(t *testing.T) profile.Profile {
	t.Helper()
	p, ok := profile.Lookup(profile.Direct)
	require.True(t, ok)
	return p
}

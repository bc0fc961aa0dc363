package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/fortress/internal/proctree"
	"github.com/psantana5/fortress/internal/report"
)

const (
	gib     = uint64(1 << 30)
	selfPID = 9999
)

type virtualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *virtualClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
	return nil
}

func (c *virtualClock) elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// timed stamps every signal with the virtual time it was sent at
type timed struct {
	*proctree.Fake
	clock *virtualClock

	mu     sync.Mutex
	termAt []time.Duration
	killAt []time.Duration
}

func (t *timed) Terminate(ctx context.Context, pid int32) error {
	t.mu.Lock()
	t.termAt = append(t.termAt, t.clock.elapsed())
	t.mu.Unlock()
	return t.Fake.Terminate(ctx, pid)
}

func (t *timed) Kill(ctx context.Context, pid int32) error {
	t.mu.Lock()
	t.killAt = append(t.killAt, t.clock.elapsed())
	t.mu.Unlock()
	return t.Fake.Kill(ctx, pid)
}

// blindTree fails every child enumeration
type blindTree struct {
	*proctree.Fake
}

func (b blindTree) Descendants(context.Context, int32) ([]int32, error) {
	return nil, errors.New("process table unreadable")
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func config() Config {
	cfg := DefaultConfig()
	cfg.CeilingBytes = 20 * gib
	return cfg
}

func newTestGuardian(insp proctree.Inspector, clock *virtualClock, exit *exitRecorder, opts ...Option) *Guardian {
	base := []Option{
		WithSelfPID(selfPID),
		WithSleeper(clock.sleep),
		WithExit(exit.exit),
	}
	return New(config(), insp, append(base, opts...)...)
}

// armed puts a guardian in Watching on root without a polling goroutine
func armed(g *Guardian, root int32) *Guardian {
	g.mu.Lock()
	g.state.Phase = Watching
	g.state.Monitoring = true
	g.state.Root = root
	g.mu.Unlock()
	return g
}

func waitDone(t *testing.T, g *Guardian) {
	t.Helper()
	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guardian loop did not finish")
	}
}

func TestSpikeSuppression(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib})
	g := armed(newTestGuardian(f, &virtualClock{}, &exitRecorder{}), 100)
	ctx := context.Background()

	assert.False(t, g.check(ctx), "a single spike must not escalate")
	assert.False(t, g.State().EmergencyTriggered)

	f.SetRSS(100, 10*gib)
	assert.False(t, g.check(ctx))
	assert.Equal(t, 0, g.State().ConsecutiveViolations)

	f.SetRSS(100, 21*gib)
	assert.False(t, g.check(ctx))
	assert.True(t, g.check(ctx), "two consecutive samples escalate")
	assert.True(t, g.State().EmergencyTriggered)
}

func TestChildrenCountTowardCeiling(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 8 * gib})
	f.Add(101, proctree.FakeProcess{Parent: 100, RSS: 8 * gib})
	f.Add(102, proctree.FakeProcess{Parent: 101, RSS: 5 * gib})
	f.Add(103, proctree.FakeProcess{Parent: 100, RSS: 50 * gib, Zombie: true})
	g := armed(newTestGuardian(f, &virtualClock{}, &exitRecorder{}), 100)

	g.check(context.Background())
	assert.Equal(t, 21*gib, g.State().LastRSS)
	assert.Equal(t, 1, g.State().ConsecutiveViolations)
}

func TestTimeToKillIsFourSeconds(t *testing.T) {
	clock := &virtualClock{}
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib, IgnoreTerm: true})
	f.Add(101, proctree.FakeProcess{Parent: 100, RSS: gib})
	insp := &timed{Fake: f, clock: clock}
	exit := &exitRecorder{}
	m := report.NewMetrics()

	g := newTestGuardian(insp, clock, exit, WithMetrics(m))
	require.NoError(t, g.Watch(context.Background(), 100))
	waitDone(t, g)

	// children first, then the root
	assert.Equal(t, []int32{101, 100}, f.SignalsTo(proctree.SigTerm))
	assert.Equal(t, []time.Duration{time.Second, time.Second}, insp.termAt)

	assert.Equal(t, []int32{100}, f.SignalsTo(proctree.SigKill))
	assert.Equal(t, []time.Duration{4 * time.Second}, insp.killAt)

	st := g.State()
	assert.Equal(t, Contained, st.Phase)
	assert.True(t, st.EmergencyTriggered)
	assert.False(t, st.Monitoring)
	assert.Equal(t, 22*gib, st.PeakRSS)
	assert.Empty(t, exit.calls())
}

func TestEscalationIsSingleShot(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib})
	g := armed(newTestGuardian(f, &virtualClock{}, &exitRecorder{}), 100)
	ctx := context.Background()

	assert.True(t, g.Escalate(ctx))
	signals := len(f.Signals())

	assert.False(t, g.Escalate(ctx))
	assert.False(t, g.Escalate(ctx))
	assert.Len(t, f.Signals(), signals)
	assert.True(t, g.State().EmergencyTriggered)

	assert.ErrorIs(t, g.Watch(ctx, 100), ErrEmergency)
}

func TestSelfDestructWhenKillFails(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib, IgnoreTerm: true, IgnoreKill: true})
	exit := &exitRecorder{}
	g := armed(newTestGuardian(f, &virtualClock{}, exit), 100)

	g.Escalate(context.Background())

	assert.Equal(t, []int{1}, exit.calls())
	assert.Equal(t, SelfDestruct, g.State().Phase)
}

func TestSelfDestructDisabled(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib, IgnoreTerm: true, IgnoreKill: true})
	exit := &exitRecorder{}

	cfg := config()
	cfg.SelfDestruct = false
	clock := &virtualClock{}
	g := armed(New(cfg, f, WithSelfPID(selfPID), WithSleeper(clock.sleep), WithExit(exit.exit)), 100)

	g.Escalate(context.Background())

	assert.Empty(t, exit.calls())
	assert.Equal(t, Contained, g.State().Phase)
}

func TestGuardingOwnProcessNeverSignalsSelf(t *testing.T) {
	f := proctree.NewFake()
	f.Add(selfPID, proctree.FakeProcess{RSS: gib})
	f.Add(101, proctree.FakeProcess{Parent: selfPID, RSS: 20 * gib, IgnoreTerm: true})
	exit := &exitRecorder{}
	g := armed(newTestGuardian(f, &virtualClock{}, exit), selfPID)

	require.True(t, g.Escalate(context.Background()))

	assert.Equal(t, []int32{101}, f.SignalsTo(proctree.SigTerm))
	assert.Equal(t, []int32{101}, f.SignalsTo(proctree.SigKill))
	assert.Empty(t, exit.calls(), "own RSS is below the ceiling once the child is gone")
	assert.Equal(t, Contained, g.State().Phase)
}

func TestSelfDestructWhenOwnMemoryStaysHigh(t *testing.T) {
	f := proctree.NewFake()
	f.Add(selfPID, proctree.FakeProcess{RSS: 21 * gib})
	f.Add(101, proctree.FakeProcess{Parent: selfPID, RSS: gib})
	exit := &exitRecorder{}
	g := armed(newTestGuardian(f, &virtualClock{}, exit), selfPID)

	g.Escalate(context.Background())

	assert.Equal(t, []int{1}, exit.calls())
	assert.Equal(t, SelfDestruct, g.State().Phase)
	assert.True(t, f.Running(context.Background(), selfPID))
}

func TestWarnsOnce(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 17 * gib})
	v := report.NewViolationLog(10)
	g := armed(newTestGuardian(f, &virtualClock{}, &exitRecorder{}, WithViolations(v)), 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.check(ctx)
	}

	assert.True(t, g.State().Warned)
	require.Equal(t, 1, v.Count())
	assert.Equal(t, "warning", v.GetRecent(1)[0].Reason)
}

func TestRootGoneStopsMonitor(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: gib})
	g := newTestGuardian(f, &virtualClock{}, &exitRecorder{})

	require.NoError(t, g.Watch(context.Background(), 100))
	f.Remove(100)
	waitDone(t, g)

	st := g.State()
	assert.False(t, st.Monitoring)
	assert.False(t, st.EmergencyTriggered)
	assert.Equal(t, Idle, st.Phase)
}

func TestStopAndRewatch(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: gib})
	g := New(config(), f, WithSelfPID(selfPID))

	require.NoError(t, g.Watch(context.Background(), 100))
	assert.ErrorIs(t, g.Watch(context.Background(), 100), ErrBusy)
	assert.True(t, g.Stop())
	assert.Equal(t, Idle, g.State().Phase)

	require.NoError(t, g.Watch(context.Background(), 100))
	assert.True(t, g.Stop())
}

func TestStopWithoutWatch(t *testing.T) {
	g := New(config(), proctree.NewFake())
	assert.True(t, g.Stop())
	assert.Nil(t, g.Done())
}

func TestWatchRejectsBadPID(t *testing.T) {
	g := New(config(), proctree.NewFake())
	assert.Error(t, g.Watch(context.Background(), 0))
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(Idle, Watching))
	assert.True(t, CanTransition(Killing, SelfDestruct))
	assert.False(t, CanTransition(Watching, SelfDestruct))
	assert.False(t, CanTransition(Terminating, SelfDestruct))
	assert.False(t, CanTransition(Contained, Watching))
	assert.True(t, SelfDestruct.Terminal())
}

func TestOnEscalateRunsBeforeSignals(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib})
	var signalsAtHook = -1
	g := armed(newTestGuardian(f, &virtualClock{}, &exitRecorder{},
		WithOnEscalate(func() { signalsAtHook = len(f.Signals()) })), 100)

	g.Escalate(context.Background())
	g.Escalate(context.Background())

	assert.Equal(t, 0, signalsAtHook)
}

func TestRootCountsWhenChildrenUnreadable(t *testing.T) {
	f := proctree.NewFake()
	f.Add(100, proctree.FakeProcess{RSS: 21 * gib})
	g := armed(newTestGuardian(blindTree{f}, &virtualClock{}, &exitRecorder{}), 100)
	ctx := context.Background()

	assert.False(t, g.check(ctx))
	assert.Equal(t, 21*gib, g.State().LastRSS)
	assert.True(t, g.check(ctx), "root over the ceiling escalates without a child list")
}

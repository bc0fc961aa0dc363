package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRLimiter struct {
	limits  map[Resource]Limit
	failSet map[Resource]error
	failGet map[Resource]error
	sets    int
}

func newFake() *fakeRLimiter {
	return &fakeRLimiter{
		limits: map[Resource]Limit{
			AddressSpace: {Soft: Unlimited, Hard: Unlimited},
			Processes:    {Soft: 4096, Hard: 8192},
			CPUTime:      {Soft: Unlimited, Hard: Unlimited},
		},
		failSet: map[Resource]error{},
		failGet: map[Resource]error{},
	}
}

func (f *fakeRLimiter) Get(r Resource) (Limit, error) {
	if err := f.failGet[r]; err != nil {
		return Limit{}, err
	}
	return f.limits[r], nil
}

func (f *fakeRLimiter) Set(r Resource, l Limit) error {
	if err := f.failSet[r]; err != nil {
		return err
	}
	f.sets++
	f.limits[r] = l
	return nil
}

func (f *fakeRLimiter) snapshot() map[Resource]Limit {
	out := make(map[Resource]Limit, len(f.limits))
	for k, v := range f.limits {
		out[k] = v
	}
	return out
}

func TestApplyAndRestore(t *testing.T) {
	f := newFake()
	original := f.snapshot()
	e := New(WithRLimiter(f))

	require.NoError(t, e.Apply(Ceilings{AddressSpaceBytes: 20 << 30, MaxProcesses: 1024, CPUSeconds: 7200}))
	assert.True(t, e.Active())

	assert.Equal(t, Limit{Soft: 20 << 30, Hard: Unlimited}, f.limits[AddressSpace])
	assert.Equal(t, Limit{Soft: 1024, Hard: 8192}, f.limits[Processes])
	assert.Equal(t, Limit{Soft: 7200, Hard: Unlimited}, f.limits[CPUTime])

	require.NoError(t, e.Restore())
	assert.False(t, e.Active())
	assert.Equal(t, original, f.limits)
}

func TestRestoreWithoutApplyIsNoop(t *testing.T) {
	f := newFake()
	e := New(WithRLimiter(f))

	assert.NoError(t, e.Restore())
	assert.Equal(t, 0, f.sets)
}

func TestRestoreTwice(t *testing.T) {
	f := newFake()
	original := f.snapshot()
	e := New(WithRLimiter(f))

	require.NoError(t, e.Apply(Ceilings{MaxProcesses: 100}))
	require.NoError(t, e.Restore())
	sets := f.sets

	assert.NoError(t, e.Restore())
	assert.Equal(t, sets, f.sets, "second restore must not touch limits")
	assert.Equal(t, original, f.limits)
}

func TestApplyTwiceRefused(t *testing.T) {
	e := New(WithRLimiter(newFake()))

	require.NoError(t, e.Apply(Ceilings{MaxProcesses: 100}))
	assert.ErrorIs(t, e.Apply(Ceilings{MaxProcesses: 50}), ErrAlreadyApplied)

	require.NoError(t, e.Restore())
	assert.NoError(t, e.Apply(Ceilings{MaxProcesses: 50}))
}

func TestZeroCeilingsUntouched(t *testing.T) {
	f := newFake()
	e := New(WithRLimiter(f))

	require.NoError(t, e.Apply(Ceilings{CPUSeconds: 60}))
	assert.Equal(t, 1, f.sets)
	assert.Equal(t, Limit{Soft: 4096, Hard: 8192}, f.limits[Processes])
}

func TestLooserRequestLeavesLimit(t *testing.T) {
	f := newFake()
	e := New(WithRLimiter(f))

	require.NoError(t, e.Apply(Ceilings{MaxProcesses: 100000}))
	assert.Equal(t, Limit{Soft: 4096, Hard: 8192}, f.limits[Processes])
	assert.Equal(t, 0, f.sets)
}

func TestApplyNeverRaisesTighterSoftLimit(t *testing.T) {
	f := newFake()
	f.limits[AddressSpace] = Limit{Soft: 8 << 30, Hard: Unlimited}
	f.limits[Processes] = Limit{Soft: 256, Hard: 8192}
	e := New(WithRLimiter(f))

	require.NoError(t, e.Apply(Ceilings{AddressSpaceBytes: 20 << 30, MaxProcesses: 1024, CPUSeconds: 7200}))
	assert.Equal(t, Limit{Soft: 8 << 30, Hard: Unlimited}, f.limits[AddressSpace])
	assert.Equal(t, Limit{Soft: 256, Hard: 8192}, f.limits[Processes])
	assert.Equal(t, Limit{Soft: 7200, Hard: Unlimited}, f.limits[CPUTime])

	require.NoError(t, e.Restore())
	assert.Equal(t, Limit{Soft: 8 << 30, Hard: Unlimited}, f.limits[AddressSpace])
	assert.Equal(t, Limit{Soft: Unlimited, Hard: Unlimited}, f.limits[CPUTime])
}

func TestLockHard(t *testing.T) {
	f := newFake()
	e := New(WithRLimiter(f), WithLockHard(true))

	require.NoError(t, e.Apply(Ceilings{MaxProcesses: 512}))
	assert.Equal(t, Limit{Soft: 512, Hard: 512}, f.limits[Processes])
}

func TestPartialFailureRollsBack(t *testing.T) {
	f := newFake()
	original := f.snapshot()
	f.failSet[CPUTime] = errors.New("operation not permitted")
	e := New(WithRLimiter(f))

	err := e.Apply(Ceilings{AddressSpaceBytes: 1 << 30, MaxProcesses: 64, CPUSeconds: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu_time")

	assert.False(t, e.Active())
	assert.Equal(t, original, f.limits)
}

func TestReadFailureRollsBack(t *testing.T) {
	f := newFake()
	original := f.snapshot()
	f.failGet[Processes] = errors.New("boom")
	e := New(WithRLimiter(f))

	require.Error(t, e.Apply(Ceilings{AddressSpaceBytes: 1 << 30, MaxProcesses: 64}))
	assert.Equal(t, original, f.limits)
}

func TestRestoreFailureIsReturnedAndClears(t *testing.T) {
	f := newFake()
	e := New(WithRLimiter(f), WithLockHard(true))

	require.NoError(t, e.Apply(Ceilings{MaxProcesses: 64, CPUSeconds: 10}))
	f.failSet[Processes] = errors.New("operation not permitted")

	err := e.Restore()
	require.Error(t, err)
	assert.Equal(t, Limit{Soft: Unlimited, Hard: Unlimited}, f.limits[CPUTime], "other limits still restored")
	assert.False(t, e.Active())
	assert.NoError(t, e.Restore())
}

func TestHostRoundTrip(t *testing.T) {
	e := New()
	cur, err := hostRLimiter{}.Get(CPUTime)
	if err != nil {
		t.Skipf("rlimits unavailable: %v", err)
	}

	target := uint64(1 << 30)
	if cur.Hard != Unlimited && cur.Hard < target {
		target = cur.Hard
	}
	require.NoError(t, e.Apply(Ceilings{CPUSeconds: target}))
	require.NoError(t, e.Restore())

	after, err := hostRLimiter{}.Get(CPUTime)
	require.NoError(t, err)
	assert.Equal(t, cur, after)
}

// Package limits applies OS resource ceilings to the current process (and so
// to every child it spawns afterwards) and puts the originals back.
//
// These ceilings are enforced by the kernel, independent of the governor's
// own monitors. They are the last line beneath the watchdogs.
package limits

import (
	"errors"
	"fmt"
	"sync"

	"github.com/psantana5/fortress/pkg/logging"
)

// Resource is one rlimit the enforcer manages
type Resource int

const (
	AddressSpace Resource = iota
	Processes
	CPUTime
)

func (r Resource) String() string {
	switch r {
	case AddressSpace:
		return "address_space"
	case Processes:
		return "processes"
	case CPUTime:
		return "cpu_time"
	default:
		return fmt.Sprintf("resource(%d)", int(r))
	}
}

// Limit is a soft/hard pair as the kernel stores it
type Limit struct {
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// RLimiter is the syscall seam
type RLimiter interface {
	Get(r Resource) (Limit, error)
	Set(r Resource, l Limit) error
}

// Ceilings requested for one session. Zero fields are left untouched.
type Ceilings struct {
	AddressSpaceBytes uint64
	MaxProcesses      uint64
	CPUSeconds        uint64
}

func (c Ceilings) entries() []struct {
	res   Resource
	value uint64
} {
	return []struct {
		res   Resource
		value uint64
	}{
		{AddressSpace, c.AddressSpaceBytes},
		{Processes, c.MaxProcesses},
		{CPUTime, c.CPUSeconds},
	}
}

var ErrAlreadyApplied = errors.New("limits already applied; restore before applying again")

type saved struct {
	res      Resource
	original Limit
}

// Enforcer owns the captured LimitSet between Apply and Restore
type Enforcer struct {
	mu       sync.Mutex
	rl       RLimiter
	lockHard bool
	log      *logging.Logger

	applied bool
	saved   []saved
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithRLimiter replaces the host syscalls
func WithRLimiter(rl RLimiter) Option {
	return func(e *Enforcer) { e.rl = rl }
}

// WithLockHard lowers the hard limit as well. Without privilege the hard
// limit cannot be raised again, so restoring it will fail and be logged.
func WithLockHard(lock bool) Option {
	return func(e *Enforcer) { e.lockHard = lock }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Enforcer) { e.log = l }
}

// New creates an enforcer for the current process
func New(opts ...Option) *Enforcer {
	e := &Enforcer{
		rl:  hostRLimiter{},
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply captures each requested limit and lowers it. A limit whose soft
// value is already at or below the request is left alone, so Apply never
// loosens a ceiling. If any step fails, the limits already changed are
// rolled back before the error is returned.
func (e *Enforcer) Apply(c Ceilings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.applied {
		return ErrAlreadyApplied
	}

	var done []saved
	for _, entry := range c.entries() {
		if entry.value == 0 {
			continue
		}

		orig, err := e.rl.Get(entry.res)
		if err != nil {
			e.rollback(done)
			return fmt.Errorf("failed to read %s limit: %w", entry.res, err)
		}

		if orig.Soft <= entry.value {
			e.log.Debug("Resource limit already tighter than requested", map[string]interface{}{
				"resource":  entry.res.String(),
				"soft":      orig.Soft,
				"requested": entry.value,
			})
			continue
		}

		next := Limit{Soft: min(entry.value, orig.Soft, orig.Hard), Hard: orig.Hard}
		if e.lockHard {
			next.Hard = next.Soft
		}

		if err := e.rl.Set(entry.res, next); err != nil {
			e.rollback(done)
			return fmt.Errorf("failed to set %s limit to %d: %w", entry.res, next.Soft, err)
		}
		done = append(done, saved{res: entry.res, original: orig})

		e.log.Debug("Resource limit applied", map[string]interface{}{
			"resource": entry.res.String(),
			"soft":     next.Soft,
			"hard":     next.Hard,
		})
	}

	e.applied = true
	e.saved = done
	return nil
}

func (e *Enforcer) rollback(done []saved) {
	if err := e.restoreAll(done); err != nil {
		e.log.Warn("Rollback of partially applied limits failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// restoreAll reinstates in reverse order and keeps going past failures
func (e *Enforcer) restoreAll(list []saved) error {
	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		if err := e.rl.Set(s.res, s.original); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s limit: %w", s.res, err))
		}
	}
	return errors.Join(errs...)
}

// Restore reinstates exactly the captured values. Without a prior Apply, or
// when called again, it does nothing.
func (e *Enforcer) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.applied {
		return nil
	}

	err := e.restoreAll(e.saved)
	e.applied = false
	e.saved = nil

	if err != nil {
		e.log.Warn("Resource limits only partially restored", map[string]interface{}{
			"error":     err.Error(),
			"lock_hard": e.lockHard,
		})
	}
	return err
}

// Active reports whether uncommitted limits are held
func (e *Enforcer) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

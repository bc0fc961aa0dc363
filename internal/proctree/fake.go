package proctree

import (
	"context"
	"sync"
)

// SignalKind is what a Fake recorded
type SignalKind string

const (
	SigTerm SignalKind = "TERM"
	SigKill SignalKind = "KILL"
)

// Signal is one recorded signal delivery
type Signal struct {
	PID  int32
	Kind SignalKind
}

// FakeProcess is a simulated process in a Fake
type FakeProcess struct {
	Parent        int32
	Name          string
	RSS           uint64
	MemoryPercent float32
	Zombie        bool
	// IgnoreTerm keeps the process alive after SIGTERM
	IgnoreTerm bool
	// IgnoreKill keeps the process alive after SIGKILL
	IgnoreKill bool
}

// Fake is a test double: an in-memory Inspector that records signals instead
// of sending them, for exercising the guardian, breaker and governor without
// touching real processes. Production code uses System.
type Fake struct {
	mu      sync.Mutex
	procs   map[int32]*FakeProcess
	signals []Signal
	listErr error
}

// NewFake creates an empty fake process table
func NewFake() *Fake {
	return &Fake{procs: map[int32]*FakeProcess{}}
}

// Add inserts or replaces a process
func (f *Fake) Add(pid int32, p FakeProcess) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.procs[pid] = &cp
}

// SetRSS changes the resident size of a live process
func (f *Fake) SetRSS(pid int32, rss uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		p.RSS = rss
	}
}

// Remove makes a process disappear
func (f *Fake) Remove(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
}

// FailList makes List return err
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Signals returns a copy of every recorded delivery
func (f *Fake) Signals() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Signal(nil), f.signals...)
}

// SignalsTo filters recorded deliveries by kind
func (f *Fake) SignalsTo(kind SignalKind) []int32 {
	var out []int32
	for _, s := range f.Signals() {
		if s.Kind == kind {
			out = append(out, s.PID)
		}
	}
	return out
}

func (f *Fake) live(pid int32) (*FakeProcess, bool) {
	p, ok := f.procs[pid]
	if !ok || p.Zombie {
		return nil, false
	}
	return p, true
}

func (f *Fake) RSS(_ context.Context, pid int32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live(pid)
	if !ok {
		return 0, ErrNotFound
	}
	return p.RSS, nil
}

func (f *Fake) Descendants(_ context.Context, pid int32) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int32
	queue := []int32{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for child, p := range f.procs {
			if p.Parent != cur || child == pid || p.Zombie {
				continue
			}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

func (f *Fake) Running(_ context.Context, pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live(pid)
	return ok
}

func (f *Fake) Terminate(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live(pid)
	if !ok {
		return ErrNotFound
	}
	f.signals = append(f.signals, Signal{PID: pid, Kind: SigTerm})
	if !p.IgnoreTerm {
		delete(f.procs, pid)
	}
	return nil
}

func (f *Fake) Kill(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live(pid)
	if !ok {
		return ErrNotFound
	}
	f.signals = append(f.signals, Signal{PID: pid, Kind: SigKill})
	if !p.IgnoreKill {
		delete(f.procs, pid)
	}
	return nil
}

func (f *Fake) List(context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Info, 0, len(f.procs))
	for pid, p := range f.procs {
		if p.Zombie {
			continue
		}
		out = append(out, Info{PID: pid, Name: p.Name, MemoryPercent: p.MemoryPercent, RSS: p.RSS})
	}
	return out, nil
}

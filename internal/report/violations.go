package report

import (
	"sync"
	"time"
)

// Violation is one threshold crossing seen by a monitor
type Violation struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"` // "guardian" or "breaker"
	Reason    string    `json:"reason"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// ViolationLog keeps the last N violations
type ViolationLog struct {
	samples []Violation
	maxSize int
	mu      sync.RWMutex
}

// NewViolationLog creates a violation log with fixed size
func NewViolationLog(maxSize int) *ViolationLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &ViolationLog{
		samples: make([]Violation, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample, dropping the oldest when full. Safe on nil.
func (v *ViolationLog) Record(s Violation) {
	if v == nil {
		return
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.samples) >= v.maxSize {
		v.samples = v.samples[1:]
	}
	v.samples = append(v.samples, s)
}

// GetRecent returns up to n samples, newest first. n <= 0 means all.
func (v *ViolationLog) GetRecent(n int) []Violation {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	if n <= 0 || n > len(v.samples) {
		n = len(v.samples)
	}

	out := make([]Violation, n)
	for i := 0; i < n; i++ {
		out[i] = v.samples[len(v.samples)-1-i]
	}
	return out
}

// Count returns how many samples are held
func (v *ViolationLog) Count() int {
	if v == nil {
		return 0
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.samples)
}

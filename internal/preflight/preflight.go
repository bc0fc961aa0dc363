// Package preflight decides whether a launch is safe before anything is
// committed to it.
package preflight

import (
	"fmt"

	"github.com/psantana5/fortress/internal/probe"
)

// Classification of a launch attempt
type Classification int

const (
	Safe Classification = iota
	Risky
	Unsafe
)

func (c Classification) String() string {
	switch c {
	case Safe:
		return "SAFE"
	case Risky:
		return "RISKY"
	case Unsafe:
		return "UNSAFE"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// MarshalText renders the classification as SAFE, RISKY or UNSAFE
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

const (
	// Overhead is the fixed runtime allowance added to every estimate
	Overhead uint64 = 2 * probe.GiB

	// BytesPerToken is the per context*batch slot KV estimate
	BytesPerToken uint64 = 4

	unsafeFactor = 1.2
	riskyFactor  = 0.9
)

// Advisory carries the actionable part of a verdict
type Advisory struct {
	Recommendation string `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	HeadroomBytes  int64  `json:"headroom_bytes" yaml:"headroom_bytes"`
}

// Verdict is produced once per launch attempt
type Verdict struct {
	Classification Classification `json:"classification" yaml:"classification"`
	Message        string         `json:"message" yaml:"message"`
	NeededBytes    uint64         `json:"needed_bytes" yaml:"needed_bytes"`
	AvailableBytes uint64         `json:"available_bytes" yaml:"available_bytes"`
	Advisory       Advisory       `json:"advisory" yaml:"advisory"`
}

// Admitted reports whether the launch may proceed
func (v Verdict) Admitted() bool {
	return v.Classification != Unsafe
}

// Checker classifies launches against one host snapshot
type Checker struct {
	available uint64
}

// NewChecker creates a checker bound to the snapshot's available RAM
func NewChecker(snap probe.Snapshot) *Checker {
	return &Checker{available: snap.AvailableRAM}
}

// Needed estimates the total memory a launch will touch
func Needed(workload uint64, contextSize, batchSize int) uint64 {
	kv := uint64(max(contextSize, 0)) * uint64(max(batchSize, 0)) * BytesPerToken
	return workload + kv + Overhead
}

// Assess classifies a launch of workload bytes with the given context and
// batch sizes. It never refuses anything itself.
func (c *Checker) Assess(workload uint64, contextSize, batchSize int) Verdict {
	needed := Needed(workload, contextSize, batchSize)
	avail := float64(c.available)

	v := Verdict{
		NeededBytes:    needed,
		AvailableBytes: c.available,
		Advisory: Advisory{
			HeadroomBytes: int64(c.available) - int64(needed),
		},
	}

	switch {
	case float64(needed) > avail*unsafeFactor:
		v.Classification = Unsafe
		v.Message = fmt.Sprintf("needs %s but only %s available",
			probe.FormatBytes(needed), probe.FormatBytes(c.available))
		v.Advisory.Recommendation = "use a smaller workload or free memory before launching"
	case float64(needed) > avail*riskyFactor:
		v.Classification = Risky
		v.Message = fmt.Sprintf("tight memory: needs %s of %s available",
			probe.FormatBytes(needed), probe.FormatBytes(c.available))
		v.Advisory.Recommendation = "reduce context size or batch size, or use a smaller workload"
	default:
		v.Classification = Safe
		v.Message = fmt.Sprintf("memory sufficient: %s spare",
			probe.FormatBytes(c.available-needed))
	}

	return v
}

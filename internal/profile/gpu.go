package profile

import (
	"fmt"
	"strconv"
	"strings"
)

type policyKind int

const (
	kindAll policyKind = iota
	kindAuto
	kindMinimal
	kindFixed
)

// GPULayerPolicy says how many model layers should be offloaded to the GPU.
// The zero value is AllLayers.
type GPULayerPolicy struct {
	kind  policyKind
	count int
}

// AllLayers offloads every layer
func AllLayers() GPULayerPolicy { return GPULayerPolicy{kind: kindAll} }

// AutoEstimate offloads as many layers as an unified-memory budget allows
func AutoEstimate() GPULayerPolicy { return GPULayerPolicy{kind: kindAuto} }

// Minimal offloads at most n layers
func Minimal(n int) GPULayerPolicy { return GPULayerPolicy{kind: kindMinimal, count: n} }

// Fixed offloads exactly n layers; Fixed(0) is CPU only
func Fixed(n int) GPULayerPolicy { return GPULayerPolicy{kind: kindFixed, count: n} }

// CPUOnly reports whether the policy keeps every layer on the CPU
func (p GPULayerPolicy) CPUOnly() bool {
	return p.kind == kindFixed && p.count <= 0
}

// autoBudgetRatio is the share of available RAM assumed usable by the GPU on
// unified-memory hosts.
const autoBudgetRatio = 0.7

// Resolve turns the policy into a layer count for a model with totalLayers
// layers of workload bytes on a host with available bytes of RAM.
func (p GPULayerPolicy) Resolve(totalLayers int, workload, available uint64) int {
	if totalLayers <= 0 {
		return 0
	}
	switch p.kind {
	case kindAll:
		return totalLayers
	case kindAuto:
		if workload == 0 {
			return totalLayers
		}
		layersPerByte := float64(totalLayers) / float64(workload)
		fit := int(float64(available) * autoBudgetRatio * layersPerByte)
		return clamp(fit, 0, totalLayers)
	case kindMinimal:
		return clamp(p.count, 0, totalLayers)
	default:
		return clamp(p.count, 0, totalLayers)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p GPULayerPolicy) String() string {
	switch p.kind {
	case kindAll:
		return "all"
	case kindAuto:
		return "auto"
	case kindMinimal:
		return fmt.Sprintf("minimal(%d)", p.count)
	default:
		return fmt.Sprintf("fixed(%d)", p.count)
	}
}

// MarshalText renders the policy as "all", "auto", "minimal(n)" or "fixed(n)"
func (p GPULayerPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the forms produced by MarshalText. A bare integer is
// accepted as fixed(n), and -1 as all.
func (p *GPULayerPolicy) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(strings.ToLower(string(text)))
	switch s {
	case "all", "-1":
		*p = AllLayers()
		return nil
	case "auto":
		*p = AutoEstimate()
		return nil
	}

	for prefix, ctor := range map[string]func(int) GPULayerPolicy{"minimal(": Minimal, "fixed(": Fixed} {
		if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, ")") {
			n, err := strconv.Atoi(s[len(prefix) : len(s)-1])
			if err != nil {
				return fmt.Errorf("invalid gpu layer count in %q: %w", s, err)
			}
			*p = ctor(n)
			return nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid gpu layer policy %q", s)
	}
	*p = Fixed(n)
	return nil
}

// Package profile holds the execution profile catalog and the selection
// rules that map a workload-to-RAM ratio onto it.
package profile

import (
	"math"
	"strconv"
	"time"
)

const gib = 1024 * 1024 * 1024

// ID names a catalog profile
type ID string

const (
	Direct            ID = "direct"
	LightMapped       ID = "light-mapped"
	AggressiveMapped  ID = "aggressive-mapped"
	UltraConservative ID = "ultra-conservative"
)

// Profile is a memory/compute trade-off for one launch
type Profile struct {
	ID                ID             `json:"id" yaml:"id"`
	Description       string         `json:"description" yaml:"description"`
	RAMUsageRatio     float64        `json:"ram_usage_ratio" yaml:"ram_usage_ratio"`
	ContextSize       int            `json:"context_size" yaml:"context_size"`
	BatchSize         int            `json:"batch_size" yaml:"batch_size"`
	GPULayers         GPULayerPolicy `json:"gpu_layers" yaml:"gpu_layers"`
	MemoryMapping     bool           `json:"memory_mapping" yaml:"memory_mapping"`
	Streaming         bool           `json:"streaming" yaml:"streaming"`
	SequentialLoading bool           `json:"sequential_loading" yaml:"sequential_loading"`
}

// catalog is ordered by increasing memory pressure tolerance. Never hand out
// pointers into it.
var catalog = [...]Profile{
	{
		ID:            Direct,
		Description:   "Workload fits in RAM - direct loading",
		RAMUsageRatio: 0.8,
		ContextSize:   8192,
		BatchSize:     512,
		GPULayers:     AllLayers(),
	},
	{
		ID:            LightMapped,
		Description:   "Light memory mapping - workload 1-3x RAM",
		RAMUsageRatio: 0.9,
		ContextSize:   4096,
		BatchSize:     256,
		GPULayers:     AutoEstimate(),
		MemoryMapping: true,
	},
	{
		ID:            AggressiveMapped,
		Description:   "Aggressive memory mapping - workload 3-10x RAM",
		RAMUsageRatio: 0.95,
		ContextSize:   2048,
		BatchSize:     128,
		GPULayers:     Minimal(8),
		MemoryMapping: true,
		Streaming:     true,
	},
	{
		ID:                UltraConservative,
		Description:       "Ultra-conservative - any size workload, CPU only",
		RAMUsageRatio:     0.5,
		ContextSize:       1024,
		BatchSize:         32,
		GPULayers:         Fixed(0),
		MemoryMapping:     true,
		Streaming:         true,
		SequentialLoading: true,
	},
}

// Band upper bounds (inclusive)
const (
	DirectMaxRatio     = 0.8
	LightMaxRatio      = 3.0
	AggressiveMaxRatio = 10.0
)

// Catalog returns a copy of every profile in protectiveness order
func Catalog() []Profile {
	out := make([]Profile, len(catalog))
	copy(out, catalog[:])
	return out
}

// Lookup returns a copy of the named profile
func Lookup(id ID) (Profile, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// Rank returns the position of id in protectiveness order, or -1
func Rank(id ID) int {
	for i, p := range catalog {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Ratio computes workload/available. Zero available RAM reads as +Inf so the
// most protective profile is chosen.
func Ratio(workload, available uint64) float64 {
	if available == 0 {
		if workload == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(workload) / float64(available)
}

// Select picks the profile for a workload of the given size
func Select(workload, available uint64) (ID, Profile) {
	return SelectRatio(Ratio(workload, available))
}

// SelectRatio picks and adjusts a profile copy for a workload-to-RAM ratio
func SelectRatio(ratio float64) (ID, Profile) {
	var p Profile
	switch {
	case ratio <= DirectMaxRatio:
		p = catalog[0]
	case ratio <= LightMaxRatio:
		p = catalog[1]
	case ratio <= AggressiveMaxRatio:
		p = catalog[2]
	default:
		p = catalog[3]
	}

	if ratio > 5 {
		p.ContextSize = min(p.ContextSize, 512)
		p.BatchSize = min(p.BatchSize, 16)
	}
	if ratio > 20 {
		p.ContextSize = 256
		p.BatchSize = 8
		p.SequentialLoading = true
	}

	return p.ID, p
}

// Estimate is the user-facing expectation for one launch
type Estimate struct {
	TokensPerSecond         float64       `json:"tokens_per_second" yaml:"tokens_per_second"`
	LoadingTime             time.Duration `json:"loading_time" yaml:"loading_time"`
	MemoryEfficiencyPercent float64       `json:"memory_efficiency_percent" yaml:"memory_efficiency_percent"`
	IOIntensity             string        `json:"io_intensity" yaml:"io_intensity"`
}

const (
	baselineTokensPerSecond = 50.0
	minTokensPerSecond      = 0.1
	referenceContext        = 8192.0
	maxContextBonus         = 2.0
)

// EstimatePerformance projects throughput and loading time. Loading time is a
// rough heuristic of half a minute per GiB, not a measured model.
func EstimatePerformance(workload uint64, p Profile, available uint64) Estimate {
	ratio := Ratio(workload, available)

	tps := baselineTokensPerSecond
	if p.MemoryMapping {
		tps *= 0.3
	}
	if ratio > 3 {
		tps *= 0.2
	}
	if ratio > 10 {
		tps *= 0.1
	}
	if p.ContextSize > 0 {
		tps *= min(referenceContext/float64(p.ContextSize), maxContextBonus)
	}
	tps = max(tps, minTokensPerSecond)

	efficiency := 100.0
	if ratio > 0 {
		efficiency = min(100, (1/ratio)*100)
	}

	io := "low"
	if ratio > 2 {
		io = "high"
	}

	loadingMinutes := float64(workload) / gib / 2
	return Estimate{
		TokensPerSecond:         tps,
		LoadingTime:             time.Duration(loadingMinutes * float64(time.Minute)),
		MemoryEfficiencyPercent: efficiency,
		IOIntensity:             io,
	}
}

// LaunchParams are the profile-derived settings handed to the command builder
type LaunchParams struct {
	ContextSize       int  `json:"context_size" yaml:"context_size"`
	BatchSize         int  `json:"batch_size" yaml:"batch_size"`
	GPULayers         int  `json:"gpu_layers" yaml:"gpu_layers"`
	MemoryMapping     bool `json:"memory_mapping" yaml:"memory_mapping"`
	Streaming         bool `json:"streaming" yaml:"streaming"`
	SequentialLoading bool `json:"sequential_loading" yaml:"sequential_loading"`
}

// Launch resolves the profile into concrete launch parameters
func (p Profile) Launch(totalLayers int, workload, available uint64) LaunchParams {
	return LaunchParams{
		ContextSize:       p.ContextSize,
		BatchSize:         p.BatchSize,
		GPULayers:         p.GPULayers.Resolve(totalLayers, workload, available),
		MemoryMapping:     p.MemoryMapping,
		Streaming:         p.Streaming,
		SequentialLoading: p.SequentialLoading,
	}
}

// Args renders llama.cpp style flags. Streaming and sequential loading have
// no flag of their own; the command builder decides how to honor them.
func (l LaunchParams) Args() []string {
	args := []string{
		"--ctx-size", strconv.Itoa(l.ContextSize),
		"--batch-size", strconv.Itoa(l.BatchSize),
		"--n-gpu-layers", strconv.Itoa(l.GPULayers),
	}
	if !l.MemoryMapping {
		args = append(args, "--no-mmap")
	}
	return args
}

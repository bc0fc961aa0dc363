package preflight

import (
	"strings"
	"testing"

	"github.com/psantana5/fortress/internal/probe"
)

func checker(available uint64) *Checker {
	return NewChecker(probe.Snapshot{AvailableRAM: available})
}

// workloadFor returns the workload size that makes Needed equal target with
// zero context and batch.
func workloadFor(target uint64) uint64 {
	return target - Overhead
}

func TestAssessClassification(t *testing.T) {
	const avail = 100 * probe.GiB

	tests := []struct {
		name   string
		needed uint64
		want   Classification
	}{
		{"over 1.2x", avail * 121 / 100, Unsafe},
		{"just under 1.2x", avail * 119 / 100, Risky},
		{"exactly available", avail, Risky},
		{"just under 0.9x", avail * 89 / 100, Safe},
		{"half", avail / 2, Safe},
	}

	c := checker(avail)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Assess(workloadFor(tt.needed), 0, 0)
			if v.Classification != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, v.Classification, v.Message)
			}
			if v.NeededBytes != tt.needed {
				t.Errorf("Expected needed %d, got %d", tt.needed, v.NeededBytes)
			}
		})
	}
}

func TestNeededIncludesContextAndOverhead(t *testing.T) {
	got := Needed(10*probe.GiB, 4096, 256)
	want := uint64(10*probe.GiB) + 4096*256*4 + Overhead
	if got != want {
		t.Errorf("Needed = %d, want %d", got, want)
	}
}

func TestNeededIgnoresNegativeSizes(t *testing.T) {
	if got := Needed(0, -1, 512); got != Overhead {
		t.Errorf("Expected only overhead for negative context, got %d", got)
	}
}

func TestVerdictAdvisories(t *testing.T) {
	c := checker(16 * probe.GiB)

	safe := c.Assess(4*probe.GiB, 8192, 512)
	if !safe.Admitted() || safe.Advisory.HeadroomBytes <= 0 {
		t.Errorf("Expected admitted verdict with headroom, got %+v", safe)
	}

	risky := c.Assess(13*probe.GiB, 0, 0)
	if risky.Classification != Risky || !risky.Admitted() {
		t.Fatalf("Expected admitted RISKY, got %s", risky.Classification)
	}
	if !strings.Contains(risky.Advisory.Recommendation, "context") {
		t.Errorf("Expected recommendation to mention context, got %q", risky.Advisory.Recommendation)
	}

	unsafe := c.Assess(40*probe.GiB, 4096, 256)
	if unsafe.Admitted() {
		t.Error("UNSAFE verdict should not be admitted")
	}
	if unsafe.Advisory.HeadroomBytes >= 0 {
		t.Errorf("Expected negative headroom, got %d", unsafe.Advisory.HeadroomBytes)
	}
}

func TestZeroAvailableIsUnsafe(t *testing.T) {
	if v := checker(0).Assess(0, 0, 0); v.Classification != Unsafe {
		t.Errorf("Expected UNSAFE with no RAM, got %s", v.Classification)
	}
}

func TestClassificationText(t *testing.T) {
	text, _ := Risky.MarshalText()
	if string(text) != "RISKY" {
		t.Errorf("Expected RISKY, got %s", text)
	}
}

package profile

import "testing"

func TestGPULayerResolve(t *testing.T) {
	tests := []struct {
		name      string
		policy    GPULayerPolicy
		total     int
		workload  uint64
		available uint64
		want      int
	}{
		{"all", AllLayers(), 40, 10 * gib, 16 * gib, 40},
		{"auto fits", AutoEstimate(), 40, 10 * gib, 16 * gib, 40},
		{"auto partial", AutoEstimate(), 40, 40 * gib, 16 * gib, 11},
		{"minimal", Minimal(8), 40, 0, 0, 8},
		{"minimal above total", Minimal(8), 4, 0, 0, 4},
		{"fixed zero", Fixed(0), 40, 0, 0, 0},
		{"fixed negative", Fixed(-3), 40, 0, 0, 0},
		{"no layers", AllLayers(), 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Resolve(tt.total, tt.workload, tt.available); got != tt.want {
				t.Errorf("Resolve() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGPULayerText(t *testing.T) {
	for _, p := range []GPULayerPolicy{AllLayers(), AutoEstimate(), Minimal(8), Fixed(0)} {
		text, err := p.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v) failed: %v", p, err)
		}
		var back GPULayerPolicy
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) failed: %v", text, err)
		}
		if back != p {
			t.Errorf("Round trip of %q gave %v", text, back)
		}
	}
}

func TestGPULayerUnmarshalLegacyForms(t *testing.T) {
	var p GPULayerPolicy
	if err := p.UnmarshalText([]byte("-1")); err != nil || p != AllLayers() {
		t.Errorf("Expected -1 to mean all layers, got %v (%v)", p, err)
	}
	if err := p.UnmarshalText([]byte("12")); err != nil || p != Fixed(12) {
		t.Errorf("Expected 12 to mean fixed(12), got %v (%v)", p, err)
	}
	if err := p.UnmarshalText([]byte("lots")); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestCPUOnly(t *testing.T) {
	ultra, _ := Lookup(UltraConservative)
	if !ultra.GPULayers.CPUOnly() {
		t.Error("Ultra-conservative profile should be CPU only")
	}
	direct, _ := Lookup(Direct)
	if direct.GPULayers.CPUOnly() {
		t.Error("Direct profile should use the GPU")
	}
}

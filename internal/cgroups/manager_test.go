package cgroups

import (
	"os"
	"path/filepath"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(b)
}

func v2Root(t *testing.T) string {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("memory pids"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestVersionDetection(t *testing.T) {
	if v := Version(v2Root(t)); v != 2 {
		t.Errorf("Expected v2, got %d", v)
	}
	if v := Version(t.TempDir()); v != 1 {
		t.Errorf("Expected v1, got %d", v)
	}
}

func TestSetupV2(t *testing.T) {
	m := New(WithRoot(v2Root(t)))

	path, err := m.Setup("abc", 4242, Limits{MemoryMax: 1 << 30, SwapMax: 0, PidsMax: 64})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if path == "" {
		t.Fatal("Expected a cgroup path")
	}
	if filepath.Base(path) != "abc" || filepath.Base(filepath.Dir(path)) != "fortress" {
		t.Errorf("Unexpected path %s", path)
	}

	checks := map[string]string{
		"memory.max":      "1073741824",
		"memory.swap.max": "0",
		"pids.max":        "64",
		"cgroup.procs":    "4242",
	}
	for file, want := range checks {
		if got := readFile(t, filepath.Join(path, file)); got != want {
			t.Errorf("%s = %q, want %q", file, got, want)
		}
	}
}

func TestSetupV1(t *testing.T) {
	root := t.TempDir()
	m := New(WithRoot(root))

	path, err := m.Setup("abc", 7, Limits{MemoryMax: 100, SwapMax: 0, PidsMax: 8})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if got := readFile(t, filepath.Join(path, "memory.limit_in_bytes")); got != "100" {
		t.Errorf("memory.limit_in_bytes = %q", got)
	}
	if got := readFile(t, filepath.Join(path, "memory.memsw.limit_in_bytes")); got != "100" {
		t.Errorf("memsw should equal memory when swap is zero, got %q", got)
	}
	pids := filepath.Join(root, "pids", "fortress", "abc")
	if got := readFile(t, filepath.Join(pids, "pids.max")); got != "8" {
		t.Errorf("pids.max = %q", got)
	}
	if got := readFile(t, filepath.Join(pids, "cgroup.procs")); got != "7" {
		t.Errorf("pids cgroup.procs = %q", got)
	}
}

func TestZeroLimitsSkipped(t *testing.T) {
	m := New(WithRoot(v2Root(t)))
	path, err := m.Create("empty")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SetMemoryMax(path, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPidsMax(path, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(path, "memory.max")); !os.IsNotExist(err) {
		t.Error("memory.max should not be written for a zero limit")
	}
}

func TestEmptyPathIsNoop(t *testing.T) {
	m := New(WithRoot(t.TempDir()))
	if err := m.Join("", 1); err != nil {
		t.Errorf("Join with empty path should be a no-op, got %v", err)
	}
	if err := m.Delete(""); err != nil {
		t.Errorf("Delete with empty path should be a no-op, got %v", err)
	}
}

func TestJoinRejectsBadPID(t *testing.T) {
	m := New(WithRoot(v2Root(t)))
	path, _ := m.Create("bad")
	if err := m.Join(path, 0); err == nil {
		t.Error("Expected error for pid 0")
	}
}

func TestDeleteEmptyCgroup(t *testing.T) {
	m := New(WithRoot(v2Root(t)))
	path, _ := m.Create("gone")

	if err := m.Delete(path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected cgroup directory to be removed")
	}
}

func TestSetupV2DelegatesControllers(t *testing.T) {
	root := v2Root(t)
	m := New(WithRoot(root))

	if _, err := m.Setup("abc", 4242, Limits{MemoryMax: 1 << 30, PidsMax: 64}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	for _, dir := range []string{root, filepath.Join(root, "fortress")} {
		if got := readFile(t, filepath.Join(dir, "cgroup.subtree_control")); got != "+memory +pids" {
			t.Errorf("%s/cgroup.subtree_control = %q, want %q", dir, got, "+memory +pids")
		}
	}
}

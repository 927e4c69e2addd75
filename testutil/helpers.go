package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anthropics/purple-vdsp/pkg/comm"
)

// SkipIfNoDevice skips test if no vDSP character device is present
func SkipIfNoDevice(t *testing.T) string {
	t.Helper()

	devices := []string{"/dev/vdsp0", "/dev/vdsp1"}
	for _, path := range devices {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	t.Skip("No vDSP device available")
	return ""
}

// NewRegion maps an anonymous shared window for a test and unmaps it when
// the test ends
func NewRegion(t *testing.T, size int) *comm.Region {
	t.Helper()

	mem, err := comm.MapAnonymous(size)
	if err != nil {
		t.Fatalf("failed to map shared window: %v", err)
	}
	t.Cleanup(func() { comm.Unmap(mem) })

	r, err := comm.NewRegion(mem, 0x10000000)
	if err != nil {
		t.Fatalf("failed to create region: %v", err)
	}
	return r
}

// TempFile creates a temporary file with given content
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// MakeRandomBytes creates deterministic test data
func MakeRandomBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// AssertNoError fails if error is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError fails if error is nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// AssertBytesEqual compares byte slices
func AssertBytesEqual(t *testing.T, got, want []byte, msg string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: length mismatch: got %d, want %d", msg, len(got), len(want))
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("%s: mismatch at index %d: got %d, want %d", msg, i, got[i], want[i])
			return
		}
	}
}

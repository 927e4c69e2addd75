//go:build unit

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anthropics/purple-vdsp/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScanCommand(t *testing.T) {
	sysfs := t.TempDir()
	dev := t.TempDir()
	for _, name := range []string{"vdsp1", "vdsp0"} {
		if err := os.Mkdir(filepath.Join(sysfs, name), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dev, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "scan", "--sysfs", sysfs, "--dev", dev)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !strings.Contains(out, "Found 2 vDSP device(s)") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Index(out, "vdsp0") > strings.Index(out, "vdsp1") {
		t.Errorf("devices should be sorted:\n%s", out)
	}
}

func TestScanCommandNoDevices(t *testing.T) {
	out, err := execute(t, "scan", "--sysfs", t.TempDir(), "--dev", t.TempDir())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !strings.Contains(out, "No vDSP devices found") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{`irq_mode = "none"`, `command_timeout = "1m40s"`, "firmware_reboot = true"} {
		if !strings.Contains(out, want) {
			t.Errorf("default config lacks %s:\n%s", want, out)
		}
	}

	path := testutil.TempFile(t, "vdsp.toml", []byte("library_recovery = \"eager\"\n"))
	out, err = execute(t, "config", path)
	if err != nil {
		t.Fatalf("config %s failed: %v", path, err)
	}
	if !strings.Contains(out, `library_recovery = "eager"`) {
		t.Errorf("file value not applied:\n%s", out)
	}

	path = testutil.TempFile(t, "bad.toml", []byte("irq_mode = \"msi\"\n"))
	if _, err := execute(t, "config", path); err == nil {
		t.Error("expected invalid irq_mode to fail")
	}
}

func TestParseTrace(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"10,90,50", []int{10, 90, 50}, false},
		{" 5 , 100,", []int{5, 100}, false},
		{"", nil, true},
		{"50,abc", nil, true},
		{"101", nil, true},
		{"-1", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTrace(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTrace(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("samples (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDVFSTraceCommand(t *testing.T) {
	out, err := execute(t, "dvfs-trace", "10,95")
	if err != nil {
		t.Fatalf("dvfs-trace failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per sample:\n%s", out)
	}
	// The first sample has no history and always selects the maximum.
	if !strings.HasSuffix(lines[0], "max") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "max") {
		t.Errorf("second line = %q", lines[1])
	}

	if _, err := execute(t, "dvfs-trace"); err == nil {
		t.Error("expected missing trace to fail")
	}
}

func TestSimulateCommand(t *testing.T) {
	path := testutil.TempFile(t, "vdsp.toml", []byte(`
queue_priorities = [2, 1]
command_timeout = "2s"

[memory]
shared_size = 4096
`))

	out, err := execute(t, "simulate", "--config", path, "-n", "16", "-w", "4")
	if err != nil {
		t.Fatalf("simulate failed: %v\n%s", err, out)
	}
	for _, want := range []string{
		"2 queue(s), priorities [2 1]",
		"priority 0: ok 8, busy 0, failed 0",
		"priority 1: ok 8, busy 0, failed 0",
		"Reboots: cycle 0, complete 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestSimulateStallReboots(t *testing.T) {
	out, err := execute(t, "simulate", "-n", "4", "-w", "1", "--stall-lane", "0", "--timeout", "100ms")
	if err != nil {
		t.Fatalf("simulate failed: %v\n%s", err, out)
	}
	if strings.Contains(out, "complete 0") {
		t.Errorf("expected a reboot:\n%s", out)
	}
	if strings.Contains(out, "busy 0") {
		t.Errorf("the stalled request should report busy:\n%s", out)
	}
}

func TestSimulateLibrary(t *testing.T) {
	out, err := execute(t, "simulate", "-n", "2", "--library", "fft")
	if err != nil {
		t.Fatalf("simulate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Library fft: loaded, 1 reference(s)") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	if _, err := execute(t, "simulate", "-n", "0"); err == nil {
		t.Error("expected zero requests to fail")
	}
	if _, err := execute(t, "simulate", "--stall-lane", "3"); err == nil {
		t.Error("expected an unknown lane to fail")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "vdspctl version dev") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Errorf("help should not error: %v", err)
	}
	for _, name := range []string{"scan", "config", "simulate", "dvfs-trace", "version"} {
		if !strings.Contains(out, name) {
			t.Errorf("help lacks %s", name)
		}
	}
}

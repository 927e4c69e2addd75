//go:build unit

package driver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommandRecordLayout(t *testing.T) {
	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"InData", CmdOffsetInData, 16},
		{"OutData", CmdOffsetOutData, 32},
		{"BufferData", CmdOffsetBufferData, 48},
		{"NSID", CmdOffsetNSID, 64},
		{"RecordSize", CmdRecordSize, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, tt.got)
			}
			if tt.got%4 != 0 {
				t.Errorf("offset %d is not 4-byte aligned", tt.got)
			}
		})
	}
}

func TestCommandRecordFitsStride(t *testing.T) {
	if CmdRecordSize > CmdStride {
		t.Errorf("record size %d exceeds stride %d", CmdRecordSize, CmdStride)
	}
	if CmdInlineBufferCount*BufferDescSize > CmdInlineDataSize {
		t.Errorf("inline buffer descriptors do not fit the inline area")
	}
}

func TestDSPToHostSatisfiesCompletion(t *testing.T) {
	// Queue 0 shares its record with the sync word; the host IRQ wait
	// during synchronization relies on this overlap.
	both := CmdFlagRequestValid | CmdFlagResponseValid
	if SyncDSPToHost&both != both {
		t.Errorf("SyncDSPToHost (0x%x) does not carry both valid bits", SyncDSPToHost)
	}
}

func TestMaxPriority(t *testing.T) {
	if MaxPriority != 255 {
		t.Errorf("MaxPriority = %d, expected 255", MaxPriority)
	}
}

func TestScanDevices(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"vdsp0", "vdsp1", "null"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	devices, err := ScanDevices(dir)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", devices)
	}
	if devices[0] != filepath.Join(dir, "vdsp0") {
		t.Errorf("unexpected first device %s", devices[0])
	}
}

//go:build unit

package library

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anthropics/purple-vdsp/pkg/driver"
)

func TestSystemNSID(t *testing.T) {
	nsid := SystemNSID()
	if len(nsid) != driver.CmdNamespaceIDSize {
		t.Fatalf("len = %d", len(nsid))
	}
	if !IsSystemNSID(nsid) {
		t.Error("padded id not recognized")
	}
	if IsSystemNSID([]byte("system")) || IsSystemNSID([]byte("system cmdx")) {
		t.Error("near miss recognized as system id")
	}
}

func TestCommandEncodeParse(t *testing.T) {
	c := Command{Op: OpLoad, Name: "fft_radix4", PilAddr: 0x40002000}
	raw := c.Encode()
	if len(raw) != CommandSize {
		t.Fatalf("encoded size = %d", len(raw))
	}
	if raw[0] != 1 || raw[40] != 0x00 || raw[41] != 0x20 || raw[43] != 0x40 {
		t.Errorf("unexpected layout: % x", raw)
	}

	got, err := ParseCommand(raw)
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if diff := cmp.Diff(c, *got); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCommandRejects(t *testing.T) {
	good := (&Command{Op: OpUnload, Name: "x"}).Encode()

	tests := []struct {
		name string
		in   []byte
	}{
		{"short", good[:20]},
		{"bad op", append([]byte{7}, good[1:]...)},
		{"no name", append([]byte{1}, make([]byte, CommandSize-1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCommand(tt.in); driver.StatusOf(err) != driver.StatusInvalidArgument {
				t.Errorf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestCopyRelocator(t *testing.T) {
	code := make([]byte, 8)
	pil := make([]byte, PilInfoSize)
	if err := (CopyRelocator{}).Relocate("l", []byte{1, 2, 3}, code, 0x1000, pil); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	if code[2] != 3 || pil[1] != 0x10 || pil[4] != 3 {
		t.Errorf("code=% x pil=% x", code, pil[:8])
	}
	if err := (CopyRelocator{}).Relocate("l", make([]byte, 9), code, 0, pil); err == nil {
		t.Error("expected error for oversized image")
	}
}

//go:build unit

package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/emu"
	"github.com/anthropics/purple-vdsp/testutil"
)

func startDSP(t *testing.T, r *comm.Region, opts emu.Options) *emu.DSP {
	t.Helper()
	dsp := emu.New(r, opts)
	dsp.Reset()
	dsp.Release()
	t.Cleanup(dsp.Halt)
	return dsp
}

func TestHandshakeVersions(t *testing.T) {
	tests := []struct {
		name      string
		opts      emu.Options
		requested []uint32
		want      *Result
	}{
		{
			name:      "v2 multi queue",
			requested: []uint32{5, 1, 3},
			want:      &Result{Version: 2, Priorities: []uint32{5, 1, 3}},
		},
		{
			name:      "v2 single queue",
			requested: []uint32{7},
			want:      &Result{Version: 2, Priorities: []uint32{7}},
		},
		{
			name:      "v1 downgrades",
			opts:      emu.Options{Ready: driver.SyncDSPReadyV1},
			requested: []uint32{5, 1, 3},
			want:      &Result{Version: 1, Priorities: []uint32{5}},
		},
		{
			name:      "queues rejected",
			opts:      emu.Options{RejectQueues: true},
			requested: []uint32{2, 4},
			want:      &Result{Version: 2, Priorities: []uint32{2}},
		},
		{
			name:      "priorities rewritten",
			opts:      emu.Options{Priorities: []uint32{9, 8}},
			requested: []uint32{2, 4},
			want:      &Result{Version: 2, Priorities: []uint32{9, 8}},
		},
		{
			name:      "hardware block rejected",
			opts:      emu.Options{RejectHWSpec: true},
			requested: []uint32{1, 2},
			want:      &Result{Version: 2, Priorities: []uint32{1, 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testutil.NewRegion(t, 4096)
			dsp := startDSP(t, r, tt.opts)

			got, err := Run(context.Background(), r, dsp, Config{
				Timeout:    time.Second,
				Priorities: tt.requested,
			}, nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
			if r.Read32(0) != driver.SyncIdle {
				t.Errorf("sync word = 0x%x after handshake, expected idle", r.Read32(0))
			}
			if dsp.Queues() != got.Queues() {
				t.Errorf("firmware runs %d queues, host negotiated %d", dsp.Queues(), got.Queues())
			}
		})
	}
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		opts  emu.Options
		setup func(dsp *emu.DSP)
		want  driver.Status
	}{
		{"start echoed", emu.Options{Ready: driver.SyncStart}, nil, driver.StatusTimeout},
		{"unrecognized reply", emu.Options{Ready: 0x5a5a}, nil, driver.StatusProtocolMismatch},
		{"hardware length changed", emu.Options{HWSpecLength: 4}, nil, driver.StatusProtocolMismatch},
		{"rejected block with changed length", emu.Options{RejectHWSpec: true, HWSpecLength: 4}, nil, driver.StatusProtocolMismatch},
		{"panic", emu.Options{}, func(dsp *emu.DSP) { dsp.SetPanic(true) }, driver.StatusDevicePanic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testutil.NewRegion(t, 4096)
			dsp := startDSP(t, r, tt.opts)
			if tt.setup != nil {
				tt.setup(dsp)
			}

			_, err := Run(context.Background(), r, dsp, Config{
				Timeout:    50 * time.Millisecond,
				Priorities: []uint32{1, 0},
			}, nil)
			if got := driver.StatusOf(err); got != tt.want {
				t.Errorf("status = %v (%v), expected %v", got, err, tt.want)
			}
			if r.Read32(0) != driver.SyncIdle {
				t.Errorf("sync word = 0x%x after failure, expected idle", r.Read32(0))
			}
		})
	}
}

func TestHandshakeIdempotentAcrossReboot(t *testing.T) {
	r := testutil.NewRegion(t, 4096)
	dsp := startDSP(t, r, emu.Options{})
	cfg := Config{Timeout: time.Second, Priorities: []uint32{5, 1, 3}}

	first, err := Run(context.Background(), r, dsp, cfg, nil)
	if err != nil {
		t.Fatalf("first handshake failed: %v", err)
	}

	dsp.Halt()
	dsp.Reset()
	dsp.Release()

	second, err := Run(context.Background(), r, dsp, cfg, nil)
	if err != nil {
		t.Fatalf("second handshake failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("handshakes disagree (-first +second):\n%s", diff)
	}
	if dsp.Counters().Handshakes != 2 {
		t.Errorf("firmware saw %d handshakes", dsp.Counters().Handshakes)
	}
}

func TestHandshakeHostIRQ(t *testing.T) {
	r := testutil.NewRegion(t, 4096)
	dsp := startDSP(t, r, emu.Options{})

	irq0 := make(chan struct{}, 1)
	dsp.SetIRQHandler(func() {
		// Queue 0 shares the sync word, so DSP_TO_HOST reads as complete.
		if r.Command(0).Complete() {
			select {
			case irq0 <- struct{}{}:
			default:
			}
		}
	})

	_, err := Run(context.Background(), r, dsp, Config{
		Timeout:    time.Second,
		HostIRQ:    true,
		Priorities: []uint32{0},
	}, irq0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestHandshakeHostIRQMissing(t *testing.T) {
	r := testutil.NewRegion(t, 4096)
	dsp := startDSP(t, r, emu.Options{NoHostIRQ: true})

	_, err := Run(context.Background(), r, dsp, Config{
		Timeout:    30 * time.Millisecond,
		HostIRQ:    true,
		Priorities: []uint32{0},
	}, make(chan struct{}, 1))
	if driver.StatusOf(err) != driver.StatusTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestHandshakeRejectsOversizedTopology(t *testing.T) {
	r := testutil.NewRegion(t, 256)
	dsp := startDSP(t, r, emu.Options{})

	_, err := Run(context.Background(), r, dsp, Config{Priorities: []uint32{0, 0, 0}}, nil)
	if driver.StatusOf(err) != driver.StatusInvalidArgument {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

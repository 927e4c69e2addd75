//go:build unit

package library

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/testutil"
)

// recorder is a Sender that remembers every command it was handed
type recorder struct {
	sent []Command
	fail map[Op]error
}

func (r *recorder) send(payload []byte) error {
	c, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	if err := r.fail[c.Op]; err != nil {
		return err
	}
	r.sent = append(r.sent, *c)
	return nil
}

func newTestRegistry() (*Registry, *testutil.FakeProvider, *recorder) {
	p := testutil.NewFakeProvider()
	return NewRegistry(p, testutil.NewFakeRelocator(), nil), p, &recorder{fail: map[Op]error{}}
}

func TestLoadUnloadRefcount(t *testing.T) {
	g, p, rec := newTestRegistry()
	image := testutil.MakeRandomBytes(300)

	if err := g.Load("L", image, rec.send); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		err := g.Load("L", image, rec.send)
		if driver.StatusOf(err) != driver.StatusAlreadyLoaded || !driver.IsSuccessEquivalent(err) {
			t.Fatalf("repeat load returned %v, expected already loaded", err)
		}
	}
	if len(rec.sent) != 1 {
		t.Errorf("%d load commands sent, expected 1", len(rec.sent))
	}

	for i := 0; i < 2; i++ {
		err := g.Unload("L", rec.send)
		if driver.StatusOf(err) != driver.StatusUnreferenced || !driver.IsSuccessEquivalent(err) {
			t.Fatalf("unload %d returned %v, expected reference drop", i, err)
		}
	}

	info, ok := g.Lookup("L")
	if !ok {
		t.Fatal("record removed while still referenced")
	}
	if diff := cmp.Diff(Info{Name: "L", State: StateLoaded, Count: 1, PilAddr: info.PilAddr}, info); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	if err := g.Unload("L", rec.send); err != nil {
		t.Fatalf("final unload failed: %v", err)
	}
	if _, ok := g.Lookup("L"); ok {
		t.Error("record still present after final unload")
	}
	if rec.sent[len(rec.sent)-1].Op != OpUnload {
		t.Error("final unload did not reach the DSP")
	}
	if p.Live() != 0 || p.Mapped() != 0 {
		t.Errorf("buffers leaked: live=%d mapped=%d", p.Live(), p.Mapped())
	}
}

func TestUnloadUnknown(t *testing.T) {
	g, _, rec := newTestRegistry()

	err := g.Unload("nope", rec.send)
	if driver.StatusOf(err) != driver.StatusNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("error does not wrap ErrNotFound")
	}
}

func TestLoadFailureLeavesNothingBehind(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *testutil.FakeProvider, r *testutil.FakeRelocator, rec *recorder)
		want  driver.Status
	}{
		{
			name:  "allocation",
			setup: func(p *testutil.FakeProvider, _ *testutil.FakeRelocator, _ *recorder) { p.SetFailOnAllocate(true) },
			want:  driver.StatusOutOfMemory,
		},
		{
			name:  "code mapping",
			setup: func(p *testutil.FakeProvider, _ *testutil.FakeRelocator, _ *recorder) { p.SetFailOnIOMMUMap(1) },
			want:  driver.StatusOutOfMemory,
		},
		{
			name:  "metadata mapping",
			setup: func(p *testutil.FakeProvider, _ *testutil.FakeRelocator, _ *recorder) { p.SetFailOnIOMMUMap(2) },
			want:  driver.StatusOutOfMemory,
		},
		{
			name:  "relocation",
			setup: func(_ *testutil.FakeProvider, r *testutil.FakeRelocator, _ *recorder) { r.SetFailOn("L") },
			want:  driver.StatusInvalidArgument,
		},
		{
			name: "dsp rejects",
			setup: func(_ *testutil.FakeProvider, _ *testutil.FakeRelocator, rec *recorder) {
				rec.fail[OpLoad] = driver.NewError(driver.StatusDeliveryFailed, "load")
			},
			want: driver.StatusDeliveryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewFakeProvider()
			r := testutil.NewFakeRelocator()
			rec := &recorder{fail: map[Op]error{}}
			g := NewRegistry(p, r, nil)
			tt.setup(p, r, rec)

			err := g.Load("L", []byte{1, 2, 3, 4}, rec.send)
			if got := driver.StatusOf(err); got != tt.want {
				t.Errorf("status = %v, expected %v", got, tt.want)
			}
			if len(g.Snapshot()) != 0 {
				t.Error("failed load left a record")
			}
			if p.Live() != 0 || p.Mapped() != 0 {
				t.Errorf("buffers leaked: live=%d mapped=%d", p.Live(), p.Mapped())
			}
		})
	}
}

func TestBeginRequiresLoaded(t *testing.T) {
	g, _, rec := newTestRegistry()
	g.Load("fft", []byte{1, 2, 3, 4}, rec.send)

	nsid := make([]byte, driver.CmdNamespaceIDSize)
	copy(nsid, "fft")

	end, err := g.Begin(nsid)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if info, _ := g.Lookup("fft"); info.State != StateProcessing {
		t.Errorf("state = %v, expected processing", info.State)
	}

	if _, err := g.Begin(nsid); driver.StatusOf(err) != driver.StatusInUse {
		t.Errorf("concurrent command: expected in use, got %v", err)
	}
	if err := g.Load("fft", nil, rec.send); driver.StatusOf(err) != driver.StatusInvalidArgument {
		t.Errorf("load while processing: expected invalid argument, got %v", err)
	}
	if err := g.Unload("fft", rec.send); driver.StatusOf(err) != driver.StatusInUse {
		t.Errorf("unload while processing: expected in use, got %v", err)
	}

	end()
	if info, _ := g.Lookup("fft"); info.State != StateLoaded {
		t.Errorf("state = %v after command, expected loaded", info.State)
	}

	// Unknown namespaces pass straight through.
	other, err := g.Begin([]byte("matmul"))
	if err != nil {
		t.Fatalf("unregistered namespace rejected: %v", err)
	}
	other()
}

func TestLazyRecovery(t *testing.T) {
	g, p, rec := newTestRegistry()
	g.Load("fft", []byte{9, 9, 9, 9}, rec.send)
	g.Load("fft", nil, rec.send)

	g.MarkAllMissed()

	_, err := g.Begin([]byte("fft"))
	if driver.StatusOf(err) != driver.StatusNotReady {
		t.Fatalf("command on missed library: expected not ready, got %v", err)
	}

	// An explicit load brings it back from the backup image.
	if err := g.Load("fft", nil, rec.send); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	info, _ := g.Lookup("fft")
	if info.State != StateLoaded || info.Count != 3 {
		t.Errorf("after reload: %+v", info)
	}
	if got := rec.sent[len(rec.sent)-1]; got.Op != OpLoad || got.PilAddr != info.PilAddr {
		t.Errorf("reload command = %+v", got)
	}

	g.MarkAllMissed()
	for i := 0; i < 2; i++ {
		g.Unload("fft", rec.send)
	}
	sent := len(rec.sent)
	if err := g.Unload("fft", rec.send); err != nil {
		t.Fatalf("last unload of missed library failed: %v", err)
	}
	if len(rec.sent) != sent {
		t.Error("unload of a missed library must not reach the DSP")
	}
	if p.Live() != 0 {
		t.Errorf("%d buffers leaked", p.Live())
	}
}

func TestEagerRecovery(t *testing.T) {
	g, _, rec := newTestRegistry()
	g.Load("a", []byte{1, 1, 1, 1}, rec.send)
	g.Load("b", []byte{2, 2, 2, 2}, rec.send)
	g.MarkAllMissed()

	rec.sent = nil
	if err := g.Reregister(rec.send); err != nil {
		t.Fatalf("Reregister failed: %v", err)
	}

	var names []string
	for _, c := range rec.sent {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("reload order mismatch (-want +got):\n%s", diff)
	}
	for _, info := range g.Snapshot() {
		if info.State != StateLoaded {
			t.Errorf("%s: state = %v after reregister", info.Name, info.State)
		}
	}

	g.MarkAllMissed()
	rec.fail[OpLoad] = driver.NewError(driver.StatusTimeout, "load")
	if err := g.Reregister(rec.send); err == nil {
		t.Error("expected reregister error")
	}
	if info, _ := g.Lookup("a"); info.State != StateMissed {
		t.Errorf("failed reregister left state %v", info.State)
	}
}

func TestUnloadFailureRestoresLoaded(t *testing.T) {
	g, _, rec := newTestRegistry()
	g.Load("L", []byte{1, 2, 3, 4}, rec.send)
	rec.fail[OpUnload] = driver.NewError(driver.StatusTimeout, "unload")

	if err := g.Unload("L", rec.send); driver.StatusOf(err) != driver.StatusTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	info, _ := g.Lookup("L")
	if info.State != StateLoaded || info.Count != 1 {
		t.Errorf("after failed unload: %+v", info)
	}
}

func TestReleaseAll(t *testing.T) {
	g, p, rec := newTestRegistry()
	g.Load("a", []byte{1, 2, 3, 4}, rec.send)
	g.Load("b", []byte{1, 2, 3, 4}, rec.send)

	g.ReleaseAll()
	if len(g.Snapshot()) != 0 || p.Live() != 0 {
		t.Errorf("records=%d live buffers=%d after ReleaseAll", len(g.Snapshot()), p.Live())
	}
}

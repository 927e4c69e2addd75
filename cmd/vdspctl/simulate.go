package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/purple-vdsp/internal/config"
	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/device"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/dvfs"
	"github.com/anthropics/purple-vdsp/pkg/emu"
	"github.com/anthropics/purple-vdsp/pkg/library"
	"github.com/anthropics/purple-vdsp/pkg/mem"
	"github.com/anthropics/purple-vdsp/pkg/request"
)

// defaultDeviceBase is where the DSP sees the window when the
// configuration leaves memory.device_base unset
const defaultDeviceBase = 0x10000000

type simulateOptions struct {
	configPath string
	requests   int
	workers    int
	stallLane  int
	timeout    time.Duration
	library    string
}

// simulation is an emulated DSP with a device booted on top of it
type simulation struct {
	cfg      *config.Config
	dsp      *emu.DSP
	dev      *device.Device
	provider *mem.HeapProvider
	closers  []func() error
}

func (s *simulation) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mapWindow maps the shared window from memory.path when set, anonymous
// memory otherwise
func mapWindow(cfg *config.Config) ([]byte, func() error, error) {
	size := cfg.Memory.SharedSize
	if cfg.Memory.Path == "" {
		w, err := comm.MapAnonymous(size)
		if err != nil {
			return nil, nil, err
		}
		return w, func() error { return comm.Unmap(w) }, nil
	}

	f, err := driver.OpenDevice(cfg.Memory.Path)
	if err != nil {
		return nil, nil, err
	}
	w, err := f.MapWindow(0, size)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f.Close, nil
}

func newSimulation(cfg *config.Config) (*simulation, error) {
	s := &simulation{cfg: cfg}

	window, unmap, err := mapWindow(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, unmap)

	base := cfg.Memory.DeviceBase
	if base == 0 {
		base = defaultDeviceBase
	}
	region, err := comm.NewRegion(window, base)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.provider = mem.NewHeapProvider()
	s.closers = append(s.closers, s.provider.Close)

	s.dsp = emu.New(region, emu.Options{
		Resolver: s.provider,
		Log:      logrus.WithField("component", "emu"),
	})
	s.closers = append(s.closers, func() error { s.dsp.Halt(); return nil })

	opts, err := cfg.DeviceOptions()
	if err != nil {
		s.Close()
		return nil, err
	}
	opts.Ops = s.dsp
	opts.Provider = s.provider
	opts.Region = region
	opts.Relocator = library.CopyRelocator{}
	opts.Log = logrus.WithField("component", "device")

	s.dev, err = device.New(opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.dsp.SetIRQHandler(func() { s.dev.HandleIRQ() })
	s.closers = append(s.closers, s.dev.Close)
	return s, nil
}

// stage copies data into a fresh provider buffer. The returned release
// drops the allocation reference.
func (s *simulation) stage(data []byte) (mem.Handle, func(), error) {
	b, err := s.provider.Allocate(len(data), mem.PoolSystem)
	if err != nil {
		return mem.NoHandle, nil, err
	}
	view, err := s.provider.MapKernel(b)
	if err != nil {
		s.provider.Free(b)
		return mem.NoHandle, nil, err
	}
	copy(view, data)
	s.provider.UnmapKernel(b)
	return b.Handle, func() { s.provider.Free(b) }, nil
}

// libraryRequest builds a load or unload addressed to the system namespace
func (s *simulation) libraryRequest(op library.Op, name string, image []byte) (*request.Request, func(), error) {
	cmd := library.Command{Op: op, Name: name}
	h, release, err := s.stage(cmd.Encode())
	if err != nil {
		return nil, nil, err
	}
	req := &request.Request{
		NSID: library.SystemNSID(),
		In:   request.Payload{Size: library.CommandSize, Handle: h},
	}
	if image == nil {
		return req, release, nil
	}

	ih, irelease, err := s.stage(image)
	if err != nil {
		release()
		return nil, nil, err
	}
	req.Buffers = []request.BufferRef{{Handle: ih, Size: len(image), Access: request.AccessRead}}
	return req, func() { release(); irelease() }, nil
}

func (s *simulation) runLibrary(ctx context.Context, c *device.Client, op library.Op, name string, image []byte) error {
	req, release, err := s.libraryRequest(op, name, image)
	if err != nil {
		return err
	}
	defer release()
	if err := c.Submit(ctx, req); err != nil && !driver.IsSuccessEquivalent(err) {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	return nil
}

// tally counts outcomes per priority index
type tally struct {
	mu     sync.Mutex
	ok     []int
	busy   []int
	failed []int
	errs   map[driver.Status]int
}

func newTally(n int) *tally {
	return &tally{
		ok:     make([]int, n),
		busy:   make([]int, n),
		failed: make([]int, n),
		errs:   make(map[driver.Status]int),
	}
}

func (t *tally) add(prio int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.ok[prio]++
	case driver.StatusOf(err) == driver.StatusBusy:
		t.busy[prio]++
	default:
		t.failed[prio]++
		t.errs[driver.StatusOf(err)]++
	}
}

// watchStall lifts the injected stall once the device has rebooted
func watchStall(ctx context.Context, s *simulation, lane int) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.dev.RebootComplete() > 0 || s.dev.Offline() {
				s.dsp.SetStall(lane, false)
				return
			}
		}
	}
}

func runSimulation(ctx context.Context, out io.Writer, o simulateOptions) error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	if o.timeout > 0 {
		cfg.CommandTimeout.Duration = o.timeout
	}
	if o.stallLane >= len(cfg.QueuePriorities) {
		return fmt.Errorf("stall lane %d: only %d queues configured", o.stallLane, len(cfg.QueuePriorities))
	}

	s, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := s.dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dev.Name(), err)
	}
	defer client.Close()

	var nsid []byte
	if o.library != "" {
		if err := s.runLibrary(ctx, client, library.OpLoad, o.library, []byte("simulated library image")); err != nil {
			return err
		}
		nsid = []byte(o.library)
	}

	lanes := len(cfg.QueuePriorities)
	t := newTally(lanes)
	start := time.Now()

	var watch sync.WaitGroup
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	if o.stallLane >= 0 {
		s.dsp.SetStall(o.stallLane, true)
		watch.Add(1)
		go func() {
			defer watch.Done()
			watchStall(watchCtx, s, o.stallLane)
		}()
	}

	work, wctx := errgroup.WithContext(ctx)
	work.SetLimit(o.workers)
	for i := 0; i < o.requests; i++ {
		i := i
		work.Go(func() error {
			prio := i % lanes
			in := []byte(fmt.Sprintf("req-%d", i))
			err := client.Submit(wctx, &request.Request{
				Priority: prio,
				NSID:     nsid,
				In:       request.Payload{Size: len(in), Data: in},
				Out:      request.Payload{Size: len(in)},
			})
			t.add(prio, err)
			return wctx.Err()
		})
	}
	err = work.Wait()
	stop()
	watch.Wait()
	if o.stallLane >= 0 {
		s.dsp.SetStall(o.stallLane, false)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Device %s: %s, %d queue(s), priorities %v\n",
		s.dev.Name(), s.dev.State(), s.dev.Queues(), s.dev.Priorities())
	fmt.Fprintf(out, "%d requests in %v\n", o.requests, time.Since(start).Round(time.Millisecond))
	for prio := 0; prio < lanes; prio++ {
		fmt.Fprintf(out, "  priority %d: ok %d, busy %d, failed %d\n",
			prio, t.ok[prio], t.busy[prio], t.failed[prio])
	}
	for status, n := range t.errs {
		fmt.Fprintf(out, "  %s: %d\n", status, n)
	}
	fmt.Fprintf(out, "Reboots: cycle %d, complete %d\n", s.dev.RebootCycle(), s.dev.RebootComplete())
	for _, lib := range s.dev.Libraries() {
		fmt.Fprintf(out, "Library %s: %s, %d reference(s)\n", lib.Name, lib.State, lib.Count)
	}
	if l := s.dev.Level(); l != dvfs.LevelAuto {
		fmt.Fprintf(out, "Performance level: %s\n", l)
	}
	return nil
}

func newSimulateCommand() *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a workload against an emulated DSP",
		Long: `Boot a device on top of the in-process firmware emulator and submit
requests from several workers, spread across the configured queue
priorities. --stall-lane holds one queue without a response until the
device reboots, which exercises timeout recovery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.requests <= 0 || o.workers <= 0 {
				return fmt.Errorf("--requests and --workers must be positive")
			}
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().IntVarP(&o.requests, "requests", "n", 64, "number of requests")
	cmd.Flags().IntVarP(&o.workers, "workers", "w", 4, "concurrent submitters")
	cmd.Flags().IntVar(&o.stallLane, "stall-lane", -1, "queue the firmware leaves unanswered until a reboot")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "command timeout, overrides the configuration")
	cmd.Flags().StringVar(&o.library, "library", "", "load a library and address the workload to it")
	return cmd
}

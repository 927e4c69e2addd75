// Package device ties the driver core together into one device context:
// boot and synchronization, client sessions, synchronous submission over the
// command queues, library management, reboot recovery and DVFS.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/purple-vdsp/internal/ratelog"
	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/dvfs"
	"github.com/anthropics/purple-vdsp/pkg/handshake"
	"github.com/anthropics/purple-vdsp/pkg/hw"
	"github.com/anthropics/purple-vdsp/pkg/library"
	"github.com/anthropics/purple-vdsp/pkg/mem"
	"github.com/anthropics/purple-vdsp/pkg/queue"
	"github.com/anthropics/purple-vdsp/pkg/request"
)

// DefaultCommandTimeout bounds a command round trip and each handshake
const DefaultCommandTimeout = 100 * time.Second

// Options describe one device instance
type Options struct {
	Name     string
	Firmware string

	Ops       hw.Ops
	Provider  mem.Provider
	Relocator library.Relocator
	Region    *comm.Region

	CommandTimeout time.Duration
	// IRQMode selects interrupt driven completion; IRQNone polls.
	IRQMode hw.IRQMode
	// HostIRQ asks the DSP to prove during synchronization that it can
	// interrupt the host. It is ignored when IRQMode is IRQNone.
	HostIRQ bool
	// Priorities holds one entry per requested queue. Empty requests a
	// single queue.
	Priorities []uint32

	FirmwareReboot bool
	Recovery       Recovery
	Loopback       hw.Loopback

	// DVFS enables the performance level controller when non-nil.
	DVFS *dvfs.Options
	// QueueLock supplies per-queue locks; nil selects plain mutexes.
	QueueLock func(index int) sync.Locker

	Log *logrus.Entry
}

// Device is the context shared by every client of one DSP
type Device struct {
	opts   Options
	log    *logrus.Entry
	warn   *ratelog.Logger
	region *comm.Region
	ops    hw.Ops

	queues *queue.Set
	gate   *queue.Gate
	mapper *request.Mapper
	libs   *library.Registry
	dvfs   *dvfs.Controller

	// off is set when the DSP may still be touching memory the host can
	// no longer vouch for. Request buffers are then leaked, not unmapped.
	off atomic.Bool

	mu     sync.Mutex
	state  State
	open   int
	closed bool
}

// New creates a device context. The DSP is not touched until the first
// client opens it.
func New(opts Options) (*Device, error) {
	if opts.Ops == nil || opts.Provider == nil || opts.Region == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "device needs hardware ops, a buffer provider and a shared window")
	}
	if opts.Name == "" {
		opts.Name = "vdsp0"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if len(opts.Priorities) == 0 {
		opts.Priorities = []uint32{0}
	}

	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "device")
	}
	log = log.WithField("device", opts.Name)

	queues, err := queue.NewSet(opts.Region, len(opts.Priorities), opts.QueueLock)
	if err != nil {
		return nil, err
	}

	d := &Device{
		opts:   opts,
		log:    log,
		warn:   ratelog.New(log),
		region: opts.Region,
		ops:    opts.Ops,
		queues: queues,
		gate:   queue.NewGate(),
		mapper: request.NewMapper(opts.Provider),
		libs: library.NewRegistry(opts.Provider, opts.Relocator,
			log.WithField("component", "library")),
	}
	if opts.DVFS != nil {
		dopts := *opts.DVFS
		if dopts.Log == nil {
			dopts.Log = log.WithField("component", "dvfs")
		}
		d.dvfs = dvfs.New(levelSetter{d}, dopts)
	}
	return d, nil
}

// levelSetter drops performance level changes when register access is
// looped back
type levelSetter struct {
	d *Device
}

func (s levelSetter) SetPerformanceLevel(level int) {
	if s.d.mmio() {
		s.d.ops.SetPerformanceLevel(level)
	}
}

func (d *Device) mmio() bool {
	return d.opts.Loopback < hw.LoopbackNoMMIO
}

func (d *Device) io() bool {
	return d.opts.Loopback < hw.LoopbackNoIO
}

// Name returns the device name
func (d *Device) Name() string {
	return d.opts.Name
}

// State returns the power state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Offline reports whether the device failed and refuses submissions
func (d *Device) Offline() bool {
	return d.State() == StateOffline
}

// RebootCycle returns how many reboots have been started
func (d *Device) RebootCycle() uint32 {
	return d.gate.Cycle()
}

// RebootComplete returns how many reboots have finished
func (d *Device) RebootComplete() uint32 {
	return d.gate.Complete()
}

// Queues returns the number of negotiated queues
func (d *Device) Queues() int {
	return d.queues.Len()
}

// Priorities returns the negotiated queue priorities by queue index
func (d *Device) Priorities() []uint32 {
	return d.queues.Priorities()
}

// Libraries returns every registered library in load order
func (d *Device) Libraries() []library.Info {
	return d.libs.Snapshot()
}

// Level returns the performance level last applied, or LevelAuto when DVFS
// is disabled
func (d *Device) Level() dvfs.Level {
	if d.dvfs == nil {
		return dvfs.LevelAuto
	}
	return d.dvfs.Level()
}

// HandleIRQ is the host interrupt entry point. It wakes every queue whose
// command completed and reports whether any did.
func (d *Device) HandleIRQ() bool {
	return d.queues.HandleIRQ()
}

// Open starts a client session. The first session powers the device up and
// synchronizes with the firmware.
func (d *Device) Open(ctx context.Context) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	if d.open == 0 && d.state != StateOnline {
		if err := d.powerUp(ctx); err != nil {
			return nil, err
		}
	}
	d.open++

	c := &Client{dev: d}
	if d.dvfs != nil {
		c.votes = d.dvfs.NewVotes()
	}
	d.log.WithField("clients", d.open).Debug("client opened")
	return c, nil
}

// release ends a client session. The last one flushes the library registry
// and powers the device down.
func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.open--
	d.log.WithField("clients", d.open).Debug("client closed")
	if d.open > 0 || d.closed {
		return
	}
	d.libs.ReleaseAll()
	d.powerDown()
}

// Close shuts the device down. Clients still open fail with
// ErrDeviceClosed from then on.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.libs.ReleaseAll()
	d.powerDown()
	return nil
}

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return ErrDeviceClosed
	case d.state == StateOffline:
		return driver.NewError(driver.StatusNoDevice, "device "+d.opts.Name+" is offline")
	case d.state != StateOnline:
		return driver.NewError(driver.StatusNoDevice, "device "+d.opts.Name+" is not powered")
	}
	return nil
}

func (d *Device) powerUp(ctx context.Context) error {
	if d.mmio() {
		if err := d.ops.Enable(); err != nil {
			d.state = StateOffline
			return driver.NewErrorWithCause(driver.StatusNoDevice, "enabling "+d.opts.Name, err)
		}
	}
	if err := d.start(ctx); err != nil {
		d.log.WithError(err).Error("boot failed")
		d.state = StateOffline
		d.off.Store(true)
		if d.mmio() {
			d.ops.Halt()
			d.ops.Disable()
		}
		return err
	}

	d.state = StateOnline
	d.off.Store(false)
	if d.dvfs != nil {
		d.dvfs.Start(context.Background())
	}
	d.log.WithFields(logrus.Fields{
		"queues":   d.queues.Len(),
		"loopback": d.opts.Loopback,
	}).Info("device online")
	return nil
}

func (d *Device) powerDown() {
	if d.state == StateIdle {
		return
	}
	if d.dvfs != nil {
		d.dvfs.Stop()
	}
	if d.mmio() {
		d.ops.Halt()
		d.ops.Disable()
	}
	d.state = StateIdle
	d.log.Info("device idle")
}

// start brings the firmware up from any state: halt, reset, firmware load,
// release and synchronization. The negotiated topology replaces the
// current one.
func (d *Device) start(ctx context.Context) error {
	if d.mmio() {
		d.ops.Halt()
		d.ops.Reset()
	}
	if d.opts.Loopback < hw.LoopbackNoFirmware {
		if err := d.ops.LoadFirmware(d.opts.Firmware); err != nil {
			return driver.NewErrorWithCause(driver.StatusNoDevice, "firmware "+d.opts.Firmware, err)
		}
	}

	d.region.Zero(0, d.queues.Cap()*driver.CmdStride)
	if d.mmio() {
		d.ops.Release()
	}
	if !d.io() {
		d.queues.Configure(d.opts.Priorities)
		return nil
	}

	res, err := handshake.Run(ctx, d.region, d.ops, handshake.Config{
		Timeout:    d.opts.CommandTimeout,
		HostIRQ:    d.opts.HostIRQ && d.opts.IRQMode != hw.IRQNone,
		Priorities: d.opts.Priorities,
		Log:        d.log.WithField("component", "handshake"),
	}, d.queues.Queue(0).Done())
	if err != nil {
		return err
	}
	d.queues.Configure(res.Priorities)
	return nil
}

// reboot restarts the firmware and restores the libraries. The caller holds
// every queue lock.
func (d *Device) reboot(ctx context.Context) error {
	log := d.log.WithField("cycle", d.gate.Cycle())
	log.Warn("rebooting DSP")

	if err := d.start(ctx); err != nil {
		d.mu.Lock()
		d.state = StateOffline
		d.mu.Unlock()
		d.off.Store(true)
		if d.mmio() {
			d.ops.Halt()
		}
		log.WithError(err).Error("reboot failed, device offline")
		return err
	}

	d.libs.MarkAllMissed()
	if d.opts.Recovery == RecoveryEager {
		lane := d.queues.Select(0)
		if err := d.libs.Reregister(func(p []byte) error { return d.sendSystem(lane, p) }); err != nil {
			log.WithError(err).Warn("some libraries were not restored")
		}
	}
	log.Info("DSP rebooted")
	return nil
}

// acquire takes the lane for prio once no reboot is running and returns the
// reboot cycle the lane was taken in
func (d *Device) acquire(prio int) (*queue.Queue, uint32, error) {
	for {
		d.gate.Wait()
		if err := d.usable(); err != nil {
			return nil, 0, err
		}
		observed := d.gate.Cycle()
		q := d.queues.Select(prio)
		q.Lock()
		if d.gate.Quiescent() && d.gate.Cycle() == observed && q.Index() < d.queues.Len() {
			return q, observed, nil
		}
		q.Unlock()
	}
}

// recoverFrom handles a timed out command on q and releases q. Concurrent
// timeouts collapse into one reboot; every caller involved reports busy.
func (d *Device) recoverFrom(ctx context.Context, q *queue.Queue, observed uint32, cause error) error {
	fields := logrus.Fields{"queue": q.Index()}

	if !d.opts.FirmwareReboot {
		q.Unlock()
		d.warn.Warn(fields, cause, "command timed out")
		return driver.NewErrorWithCause(driver.StatusBusy, "command timed out", cause)
	}

	if !d.gate.Begin(observed) {
		q.Unlock()
		d.gate.Wait()
		return driver.NewErrorWithCause(driver.StatusBusy, "DSP was rebooted", cause)
	}
	defer q.Unlock()

	d.warn.Warn(fields, cause, "command timed out, rebooting")
	d.queues.LockOthers(q)
	err := d.reboot(ctx)
	d.gate.Finish()
	d.queues.UnlockOthers(q)

	if err != nil {
		return fmt.Errorf("%w (reboot failed: %v)", cause, err)
	}
	return driver.NewErrorWithCause(driver.StatusBusy, "DSP was rebooted", cause)
}

// roundTrip runs one mapped request on a lane the caller holds
func (d *Device) roundTrip(q *queue.Queue, mp *request.Mapped) error {
	if d.dvfs != nil {
		d.dvfs.Preprocess()
		defer d.dvfs.Postprocess()
	}

	cmd := q.Command()
	q.Arm()
	request.Fill(cmd, mp)
	if d.mmio() {
		d.ops.SendSignal()
	}

	var err error
	if d.opts.IRQMode == hw.IRQNone {
		err = q.WaitPoll(d.opts.CommandTimeout, d.ops.PanicCheck)
	} else {
		err = q.WaitIRQ(d.opts.CommandTimeout, d.ops.PanicCheck)
	}
	if err != nil {
		if driver.StatusOf(err) == driver.StatusDevicePanic {
			d.warn.Error(logrus.Fields{"queue": q.Index()}, err, "DSP panic")
		}
		return err
	}

	if d.ops.PanicCheck() {
		d.warn.Warn(logrus.Fields{"queue": q.Index()}, nil, "DSP panic observed after completion")
	}
	if err := request.Complete(cmd, mp); err != nil {
		d.warn.Warn(logrus.Fields{"queue": q.Index()}, err, "response not delivered")
		return err
	}
	return nil
}

func (d *Device) unmap(mp *request.Mapped) {
	if d.off.Load() {
		d.warn.Warn(nil, nil, "device is off, leaking request mappings")
		return
	}
	if err := d.mapper.Unmap(mp); err != nil {
		d.log.WithError(err).Warn("request unmap failed")
	}
}

// submit runs an ordinary command
func (d *Device) submit(ctx context.Context, req *request.Request) error {
	if err := d.usable(); err != nil {
		return err
	}

	mp, err := d.mapper.Map(req)
	if err != nil {
		return err
	}
	defer d.unmap(mp)

	if !d.io() {
		end, err := d.libs.Begin(req.NSID)
		if err != nil {
			return err
		}
		end()
		return nil
	}

	q, observed, err := d.acquire(req.Priority)
	if err != nil {
		return err
	}
	// Library state is only trusted once the lane is held past the reboot gate.
	end, err := d.libs.Begin(req.NSID)
	if err != nil {
		q.Unlock()
		return err
	}
	defer end()

	err = d.roundTrip(q, mp)
	if driver.StatusOf(err) == driver.StatusTimeout {
		return d.recoverFrom(ctx, q, observed, err)
	}
	q.Unlock()
	return err
}

// sendSystem delivers a library command on a lane the caller holds
func (d *Device) sendSystem(q *queue.Queue, payload []byte) error {
	p := d.opts.Provider
	buf, err := p.Allocate(len(payload), mem.PoolSystem)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfMemory, "system command", err)
	}
	defer p.Free(buf)

	view, err := p.MapKernel(buf)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfMemory, "system command", err)
	}
	copy(view, payload)
	if err := p.UnmapKernel(buf); err != nil {
		return driver.NewErrorWithCause(driver.StatusInternalFailure, "system command", err)
	}

	mp, err := d.mapper.Map(&request.Request{
		NSID: library.SystemNSID(),
		In:   request.Payload{Size: len(payload), Handle: buf.Handle},
	})
	if err != nil {
		return err
	}
	defer d.unmap(mp)

	return d.roundTrip(q, mp)
}

// readBuffer copies n bytes out of a client buffer
func (d *Device) readBuffer(h mem.Handle, n int) ([]byte, error) {
	p := d.opts.Provider
	buf, err := p.Get(h)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusFault, fmt.Sprintf("buffer %d", h), err)
	}
	defer p.Put(buf)

	if n > buf.Size {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("buffer %d holds %d bytes, request needs %d", h, buf.Size, n))
	}
	view, err := p.MapKernel(buf)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusOutOfMemory, fmt.Sprintf("buffer %d", h), err)
	}
	defer p.UnmapKernel(buf)
	return append([]byte(nil), view[:n]...), nil
}

// libraryCommand handles a submission addressed to the system namespace.
// The registry holds its lock across the DSP exchange, so a timeout is only
// escalated to a reboot after the registry has settled.
func (d *Device) libraryCommand(ctx context.Context, req *request.Request) error {
	if err := d.usable(); err != nil {
		return err
	}

	in := req.In.Data
	if !req.In.Inline() {
		var err error
		if in, err = d.readBuffer(req.In.Handle, req.In.Size); err != nil {
			return err
		}
	}
	cmd, err := library.ParseCommand(in)
	if err != nil {
		return err
	}

	var image []byte
	if cmd.Op == library.OpLoad {
		if len(req.Buffers) == 0 {
			return driver.NewError(driver.StatusInvalidArgument, "library "+cmd.Name+" load without an image buffer")
		}
		if image, err = d.readBuffer(req.Buffers[0].Handle, req.Buffers[0].Size); err != nil {
			return err
		}
	}

	if !d.io() {
		return d.runLibrary(cmd, image, func([]byte) error { return nil })
	}

	q, observed, err := d.acquire(req.Priority)
	if err != nil {
		return err
	}
	var timeout error
	err = d.runLibrary(cmd, image, func(p []byte) error {
		err := d.sendSystem(q, p)
		if driver.StatusOf(err) == driver.StatusTimeout {
			timeout = err
		}
		return err
	})
	if timeout != nil {
		return d.recoverFrom(ctx, q, observed, timeout)
	}
	q.Unlock()
	return err
}

func (d *Device) runLibrary(cmd *library.Command, image []byte, send library.Sender) error {
	if cmd.Op == library.OpLoad {
		return d.libs.Load(cmd.Name, image, send)
	}
	return d.libs.Unload(cmd.Name, send)
}

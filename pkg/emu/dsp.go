// Package emu is an in-process stand-in for the DSP firmware. It implements
// hw.Ops, answers the synchronization handshake in the shared window and
// serves commands from every negotiated queue, with hooks to inject the
// failures the driver has to survive: panics, stalls, rejected handshake
// blocks and failed deliveries.
package emu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/hw"
	"github.com/anthropics/purple-vdsp/pkg/library"
)

// Resolver maps device addresses back to host memory
type Resolver interface {
	Resolve(addr uint32, n int) ([]byte, bool)
}

// Request is one command as the firmware sees it
type Request struct {
	Queue   int
	NSID    []byte
	In      []byte
	Out     []byte
	Buffers [][]byte
}

// Handler computes the response to an ordinary command. Returning an error
// flags the response as undeliverable.
type Handler func(req *Request) error

// Echo copies the input payload into the output payload
func Echo(req *Request) error {
	copy(req.Out, req.In)
	return nil
}

// Options configure the emulated firmware
type Options struct {
	Resolver Resolver
	// Ready is the reply to SyncStart. Zero selects SyncDSPReadyV2;
	// SyncStart leaves the marker untouched.
	Ready uint32
	// RejectHWSpec and RejectQueues leave the accept bit clear on the
	// corresponding handshake block.
	RejectHWSpec bool
	RejectQueues bool
	// HWSpecLength, when nonzero, replaces the hardware block length,
	// accepted or not.
	HWSpecLength uint32
	// Priorities, when set, replaces the accepted queue priorities.
	Priorities []uint32
	// NoHostIRQ suppresses interrupts to the host.
	NoHostIRQ bool
	Payload   []byte
	Handler   Handler
	// Tick is how often the firmware scans the window without a signal.
	Tick time.Duration
	Log  *logrus.Entry
}

// Counters tally hardware operations
type Counters struct {
	Enable        int
	Disable       int
	Reset         int
	Halt          int
	Release       int
	Signal        int
	FirmwareLoads int
	Commands      int
	Handshakes    int
}

type stage int

const (
	stageBoot stage = iota
	stageAwaitHost
	stageRunning
)

// DSP is the emulated firmware bound to one shared window
type DSP struct {
	r    *comm.Region
	opts Options
	log  *logrus.Entry
	kick chan struct{}

	panicked atomic.Bool

	mu           sync.Mutex
	running      bool
	stop, done   chan struct{}
	irq          func()
	stage        stage
	version      int
	queues       int
	stalled      map[int]bool
	deliveryFail bool
	failLibs     map[string]bool
	failFirmware bool
	libs         map[string]uint32
	firmware     []string
	levels       []int
	counters     Counters
}

// New binds a firmware to the window r
func New(r *comm.Region, opts Options) *DSP {
	if opts.Ready == 0 {
		opts.Ready = driver.SyncDSPReadyV2
	}
	if opts.Handler == nil {
		opts.Handler = Echo
	}
	if opts.Tick <= 0 {
		opts.Tick = 50 * time.Microsecond
	}
	if opts.Payload == nil {
		opts.Payload = hw.SyncData{
			DeviceMMIOBase: 0x27000000,
			MsgAddr:        r.DeviceAddr(0),
		}.Marshal()
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "emu")
	}
	return &DSP{
		r:        r,
		opts:     opts,
		log:      log,
		kick:     make(chan struct{}, 1),
		queues:   1,
		stalled:  make(map[int]bool),
		failLibs: make(map[string]bool),
		libs:     make(map[string]uint32),
	}
}

// SetIRQHandler installs the host interrupt entry point
func (d *DSP) SetIRQHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irq = fn
}

// Enable implements hw.Ops
func (d *DSP) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Enable++
	return nil
}

// Disable implements hw.Ops
func (d *DSP) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Disable++
}

// Reset clears the firmware state as a hardware reset would
func (d *DSP) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Reset++
	d.stage = stageBoot
	d.queues = 1
	d.libs = make(map[string]uint32)
	d.panicked.Store(false)
}

// Halt stops the firmware and waits for it to park
func (d *DSP) Halt() {
	d.mu.Lock()
	d.counters.Halt++
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

// Release starts the firmware
func (d *DSP) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Release++
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
}

// LoadFirmware implements hw.Ops
func (d *DSP) LoadFirmware(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFirmware {
		return fmt.Errorf("firmware %s: request failed", name)
	}
	d.counters.FirmwareLoads++
	d.firmware = append(d.firmware, name)
	return nil
}

// SendSignal wakes the firmware
func (d *DSP) SendSignal() {
	d.mu.Lock()
	d.counters.Signal++
	d.mu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// PanicCheck implements hw.Ops
func (d *DSP) PanicCheck() bool {
	return d.panicked.Load()
}

// SyncPayload implements hw.Ops
func (d *DSP) SyncPayload() ([]byte, error) {
	return append([]byte(nil), d.opts.Payload...), nil
}

// SetPerformanceLevel implements hw.Ops
func (d *DSP) SetPerformanceLevel(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels = append(d.levels, level)
}

// SetPanic makes the firmware crash or recover
func (d *DSP) SetPanic(panicked bool) {
	d.panicked.Store(panicked)
}

// SetStall stops the firmware from answering on one queue
func (d *DSP) SetStall(queue int, stalled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled[queue] = stalled
}

// SetDeliveryFail flags every response as undeliverable
func (d *DSP) SetDeliveryFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveryFail = fail
}

// SetFailLibrary makes loads of name fail
func (d *DSP) SetFailLibrary(name string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLibs[name] = fail
}

// SetFailFirmware makes LoadFirmware fail
func (d *DSP) SetFailFirmware(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFirmware = fail
}

// Counters returns a snapshot of the operation counters
func (d *DSP) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// Levels returns every performance level applied so far
func (d *DSP) Levels() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.levels...)
}

// Firmware returns the names of every firmware image loaded
func (d *DSP) Firmware() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.firmware...)
}

// Libraries returns the libraries resident on the firmware with their
// metadata addresses
func (d *DSP) Libraries() map[string]uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint32, len(d.libs))
	for k, v := range d.libs {
		out[k] = v
	}
	return out
}

// Queues returns the number of queues negotiated in the last handshake
func (d *DSP) Queues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues
}

func (d *DSP) run(stop, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(d.opts.Tick)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		case <-d.kick:
		}
		if d.panicked.Load() {
			continue
		}
		d.step()
	}
}

func (d *DSP) step() {
	d.mu.Lock()

	if d.r.Read32(0) == driver.SyncStart {
		d.stage = stageBoot
	}

	switch d.stage {
	case stageBoot:
		if d.r.Read32(0) == driver.SyncStart && d.opts.Ready != driver.SyncStart {
			d.version = 1
			if d.opts.Ready == driver.SyncDSPReadyV2 {
				d.version = 2
			}
			d.r.Write32(0, d.opts.Ready)
			d.stage = stageAwaitHost
		}
		d.mu.Unlock()

	case stageAwaitHost:
		if d.r.Read32(0) != driver.SyncHostToDSP {
			d.mu.Unlock()
			return
		}
		d.queues = 1
		if d.version == 2 {
			d.acceptBlocks()
		}
		d.counters.Handshakes++
		d.stage = stageRunning
		d.r.Write32(0, driver.SyncDSPToHost)
		irq := d.irqLocked()
		d.mu.Unlock()
		if irq != nil {
			irq()
		}

	case stageRunning:
		var ready []int
		for i := 0; i < d.queues; i++ {
			f := d.r.Command(i * driver.CmdStride).Flags()
			if f&driver.CmdFlagRequestValid != 0 && f&driver.CmdFlagResponseValid == 0 && !d.stalled[i] {
				ready = append(ready, i)
			}
		}
		d.mu.Unlock()
		for _, i := range ready {
			d.serve(i)
		}
	}
}

func (d *DSP) irqLocked() func() {
	if d.opts.NoHostIRQ {
		return nil
	}
	return d.irq
}

// acceptBlocks walks the handshake TLVs and marks the ones it understands
func (d *DSP) acceptBlocks() {
	c := d.r.Cursor(driver.SyncV2PayloadOffset)
	for i := 0; i < 8; i++ {
		hdr := c.Offset()
		if hdr+driver.TLVHeaderSize > d.r.Size() {
			return
		}
		typ, length, value := c.GetTLV()
		switch typ {
		case driver.SyncTypeLast:
			return
		case driver.SyncTypeHWSpecData:
			if d.opts.HWSpecLength != 0 {
				d.r.Write32(hdr+4, d.opts.HWSpecLength)
			}
			if d.opts.RejectHWSpec {
				continue
			}
			d.r.Write32(hdr, typ|driver.SyncTypeAccept)
		case driver.SyncTypeHWQueues:
			if d.opts.RejectQueues {
				continue
			}
			n := int(length / 4)
			d.r.Write32(hdr, typ|driver.SyncTypeAccept)
			for q := 0; q < n && q < len(d.opts.Priorities); q++ {
				d.r.Write32(value+4*q, d.opts.Priorities[q])
			}
			d.queues = n
		}
	}
}

var errUnresolved = errors.New("address not mapped")

func (d *DSP) resolve(addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if d.opts.Resolver == nil {
		return nil, errUnresolved
	}
	b, ok := d.opts.Resolver.Resolve(addr, n)
	if !ok {
		return nil, fmt.Errorf("0x%08x+%d: %w", addr, n, errUnresolved)
	}
	return b, nil
}

func (d *DSP) serve(queue int) {
	cmd := d.r.Command(queue * driver.CmdStride)
	flags := cmd.Flags()

	req := &Request{Queue: queue}
	err := d.decode(cmd, flags, req)
	if err == nil {
		if library.IsSystemNSID(req.NSID) {
			err = d.system(req)
		} else {
			err = d.opts.Handler(req)
		}
	}

	if cmd.OutSize() <= driver.CmdInlineDataSize {
		cmd.WriteOutData(req.Out)
	}

	d.mu.Lock()
	fail := d.deliveryFail
	d.counters.Commands++
	irq := d.irqLocked()
	d.mu.Unlock()

	resp := flags | driver.CmdFlagResponseValid
	if err != nil || fail {
		if err != nil {
			d.log.WithError(err).WithField("queue", queue).Debug("response not delivered")
		}
		resp |= driver.CmdFlagResponseDeliveryFail
	}
	cmd.SetFlags(resp)

	if irq != nil {
		irq()
	}
}

func (d *DSP) decode(cmd comm.Command, flags uint32, req *Request) error {
	var err error

	if flags&driver.CmdFlagRequestNSID != 0 {
		req.NSID = cmd.NSID()
	}

	n := int(cmd.InSize())
	if n <= driver.CmdInlineDataSize {
		req.In = make([]byte, n)
		cmd.ReadInData(req.In)
	} else if req.In, err = d.resolve(cmd.InAddr(), n); err != nil {
		return err
	}

	n = int(cmd.OutSize())
	if n <= driver.CmdInlineDataSize {
		req.Out = make([]byte, n)
	} else if req.Out, err = d.resolve(cmd.OutAddr(), n); err != nil {
		return err
	}

	count := int(cmd.BufferSize()) / driver.BufferDescSize
	var descs []comm.BufferDesc
	if count <= driver.CmdInlineBufferCount {
		descs = cmd.ReadBuffers(count)
	} else {
		raw, err := d.resolve(cmd.BufferAddr(), count*driver.BufferDescSize)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			descs = append(descs, comm.UnmarshalBufferDesc(raw[i*driver.BufferDescSize:]))
		}
	}
	for _, desc := range descs {
		b, err := d.resolve(desc.Addr, int(desc.Size))
		if err != nil {
			return err
		}
		req.Buffers = append(req.Buffers, b)
	}
	return nil
}

func (d *DSP) system(req *Request) error {
	c, err := library.ParseCommand(req.In)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch c.Op {
	case library.OpLoad:
		if d.failLibs[c.Name] {
			return fmt.Errorf("library %s failed to load", c.Name)
		}
		d.libs[c.Name] = c.PilAddr
	case library.OpUnload:
		if _, ok := d.libs[c.Name]; !ok {
			return fmt.Errorf("library %s is not resident", c.Name)
		}
		delete(d.libs, c.Name)
	}
	return nil
}

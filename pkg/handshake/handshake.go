// Package handshake runs the boot-time synchronization between the host and
// the DSP firmware over the shared sync record: protocol version negotiation,
// the hardware payload, queue topology and the optional host interrupt check.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/hw"
)

// DefaultTimeout bounds each handshake when the configuration leaves it unset
const DefaultTimeout = 100 * time.Second

// Config describes what the host asks the DSP for
type Config struct {
	Timeout time.Duration
	// HostIRQ requires the DSP to prove it can interrupt the host.
	HostIRQ bool
	// Priorities holds one entry per requested queue.
	Priorities []uint32
	Log        *logrus.Entry
}

// Result is the topology both sides agreed on
type Result struct {
	Version    int
	Priorities []uint32
}

// Queues returns the number of negotiated queues
func (r *Result) Queues() int {
	return len(r.Priorities)
}

var errPending = errors.New("sync marker not updated yet")

// Run performs one complete handshake. The sync record is left IDLE on
// return regardless of the outcome. irq0 is signaled by the host interrupt
// handler when queue 0 completes; it is only consulted when cfg.HostIRQ is
// set.
func Run(ctx context.Context, r *comm.Region, ops hw.Ops, cfg Config, irq0 <-chan struct{}) (*Result, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "handshake")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if len(cfg.Priorities) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "no queues requested")
	}
	if len(cfg.Priorities)*driver.CmdStride > r.Size() {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%d queues do not fit in a %d byte window", len(cfg.Priorities), r.Size()))
	}

	payload, err := ops.SyncPayload()
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusInternalFailure, "hardware sync payload", err)
	}

	defer r.Write32(0, driver.SyncIdle)
	drain(irq0)

	deadline := time.Now().Add(timeout)
	res := &Result{Priorities: append([]uint32(nil), cfg.Priorities...)}

	r.Write32(0, driver.SyncStart)
	var marker uint32
	err = poll(ctx, ops, deadline, func() bool {
		marker = r.Read32(0)
		return marker != driver.SyncStart
	})
	if err != nil && !isTimeout(err) {
		return nil, err
	}

	var hwSpec, queues int
	switch marker {
	case driver.SyncStart:
		log.Error("DSP is not ready for synchronization")
		return nil, driver.NewError(driver.StatusTimeout, "DSP not ready for synchronization")

	case driver.SyncDSPReadyV1:
		res.Version = 1
		if len(res.Priorities) > 1 {
			log.WithField("queues", len(res.Priorities)).Info("legacy firmware, falling back to a single queue")
			res.Priorities = res.Priorities[:1]
		}
		if driver.SyncV1PayloadOffset+len(payload) > r.Size() {
			return nil, driver.NewError(driver.StatusInvalidArgument, "hardware payload does not fit")
		}
		r.WriteBytes(driver.SyncV1PayloadOffset, payload)

	case driver.SyncDSPReadyV2:
		res.Version = 2
		hwSpec, queues, err = writeV2(r, payload, res.Priorities)
		if err != nil {
			return nil, err
		}

	default:
		log.WithField("marker", fmt.Sprintf("0x%08x", marker)).Error("unrecognized DSP reply")
		return nil, driver.NewError(driver.StatusProtocolMismatch,
			fmt.Sprintf("unrecognized sync reply 0x%08x", marker))
	}

	r.Write32(0, driver.SyncHostToDSP)
	err = poll(ctx, ops, deadline, func() bool {
		return r.Read32(0) == driver.SyncDSPToHost
	})
	if err != nil {
		if isTimeout(err) {
			log.Error("DSP did not confirm synchronization")
		}
		return nil, err
	}

	if res.Version == 2 {
		if err := readV2(r, log, res, hwSpec, queues, len(payload)); err != nil {
			return nil, err
		}
	}

	ops.SendSignal()

	if cfg.HostIRQ {
		if err := waitHostIRQ(ctx, ops, deadline, irq0); err != nil {
			log.WithError(err).Error("DSP could not deliver an interrupt during synchronization")
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"version": res.Version,
		"queues":  res.Queues(),
	}).Debug("synchronized")
	return res, nil
}

// writeV2 lays out the TLV blocks after a V2 reply and returns the offsets
// of the hardware and queue blocks (queues is zero when not sent).
func writeV2(r *comm.Region, payload []byte, priorities []uint32) (hwSpec, queues int, err error) {
	need := driver.SyncV2PayloadOffset + 3*driver.TLVHeaderSize +
		(len(payload)+3)/4*4 + 4*len(priorities)
	if need > r.Size() {
		return 0, 0, driver.NewError(driver.StatusInvalidArgument, "sync blocks do not fit")
	}

	c := r.Cursor(driver.SyncV2PayloadOffset)

	hwSpec = c.Offset()
	r.WriteBytes(c.PutTLV(driver.SyncTypeHWSpecData, uint32(len(payload))), payload)

	if len(priorities) > 1 {
		queues = c.Offset()
		v := c.PutTLV(driver.SyncTypeHWQueues, uint32(4*len(priorities)))
		for i, p := range priorities {
			r.Write32(v+4*i, p)
			if i > 0 {
				r.Write32(i*driver.CmdStride, driver.SyncIdle)
			}
		}
	}

	c.PutTLV(driver.SyncTypeLast, 0)
	return hwSpec, queues, nil
}

func readV2(r *comm.Region, log *logrus.Entry, res *Result, hwSpec, queues, payloadLen int) error {
	// Block lengths must survive the exchange whether or not the DSP
	// accepted the block.
	c := r.Cursor(hwSpec)
	typ, length, _ := c.GetTLV()
	if int(length) != payloadLen {
		return driver.NewError(driver.StatusProtocolMismatch,
			fmt.Sprintf("hardware block length changed from %d to %d", payloadLen, length))
	}
	if typ&driver.SyncTypeAccept == 0 {
		log.Info("DSP did not accept the hardware block")
	}

	if queues == 0 {
		return nil
	}

	c = r.Cursor(queues)
	typ, length, value := c.GetTLV()
	if int(length) != 4*len(res.Priorities) {
		return driver.NewError(driver.StatusProtocolMismatch,
			fmt.Sprintf("queue block length changed from %d to %d", 4*len(res.Priorities), length))
	}
	if typ&driver.SyncTypeAccept == 0 {
		log.WithField("queues", len(res.Priorities)).Info("DSP did not accept multiple queues, using one")
		res.Priorities = res.Priorities[:1]
		return nil
	}
	for i := range res.Priorities {
		res.Priorities[i] = r.Read32(value + 4*i)
	}
	return nil
}

// poll checks done until it reports true, the deadline passes or the DSP
// panics.
func poll(ctx context.Context, ops hw.Ops, deadline time.Time, done func() bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = time.Until(deadline)
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = time.Nanosecond
	}

	op := func() error {
		if done() {
			return nil
		}
		if ops.PanicCheck() {
			return backoff.Permanent(driver.NewError(driver.StatusDevicePanic, "DSP panic during synchronization"))
		}
		return errPending
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == errPending {
		if ctx.Err() != nil {
			return driver.NewErrorWithCause(driver.StatusTimeout, "synchronization cancelled", ctx.Err())
		}
		return driver.NewError(driver.StatusTimeout, "synchronization timed out")
	}
	return err
}

func waitHostIRQ(ctx context.Context, ops hw.Ops, deadline time.Time, irq0 <-chan struct{}) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var fired bool
	select {
	case <-irq0:
		fired = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if ops.PanicCheck() {
		return driver.NewError(driver.StatusDevicePanic, "DSP panic during synchronization")
	}
	if !fired {
		return driver.NewError(driver.StatusTimeout, "no host interrupt during synchronization")
	}
	return nil
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func isTimeout(err error) bool {
	return driver.StatusOf(err) == driver.StatusTimeout
}

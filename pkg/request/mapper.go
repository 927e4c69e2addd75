package request

import (
	"fmt"

	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/mem"
)

// Mapper makes request memory visible to the DSP
type Mapper struct {
	provider mem.Provider
	engines  mem.Engine
}

// NewMapper creates a mapper that maps buffers for every DSP master
func NewMapper(provider mem.Provider) *Mapper {
	return &Mapper{provider: provider, engines: mem.EngineAll}
}

// Mapped holds everything a request has mapped. Undo steps are recorded as
// they succeed so a failure part way through, or the final Unmap, can
// reverse exactly what was done.
type Mapped struct {
	req      *Request
	inAddr   uint32
	outAddr  uint32
	descs    []comm.BufferDesc
	descAddr uint32
	undo     []func() error
}

// Request returns the request the mapping belongs to
func (mp *Mapped) Request() *Request {
	return mp.req
}

// Buffers returns the buffer descriptors, as updated by the DSP once the
// command has completed
func (mp *Mapped) Buffers() []comm.BufferDesc {
	return mp.descs
}

func (mp *Mapped) push(fn func() error) {
	mp.undo = append(mp.undo, fn)
}

func (mp *Mapped) unwind() error {
	var first error
	for i := len(mp.undo) - 1; i >= 0; i-- {
		if err := mp.undo[i](); err != nil && first == nil {
			first = err
		}
	}
	mp.undo = nil
	return first
}

// Map resolves and maps every out-of-line payload and auxiliary buffer.
// On failure nothing stays mapped.
func (m *Mapper) Map(req *Request) (*Mapped, error) {
	mp := &Mapped{req: req}
	if err := m.mapAll(mp); err != nil {
		if uerr := mp.unwind(); uerr != nil {
			return nil, fmt.Errorf("%w (rollback: %v)", err, uerr)
		}
		return nil, err
	}
	return mp, nil
}

func (m *Mapper) mapAll(mp *Mapped) error {
	req := mp.req
	var err error

	if !req.In.Inline() {
		if mp.inAddr, err = m.mapHandle(mp, req.In.Handle, req.In.Size); err != nil {
			return err
		}
	}
	if !req.Out.Inline() {
		if mp.outAddr, err = m.mapHandle(mp, req.Out.Handle, req.Out.Size); err != nil {
			return err
		}
	}

	for _, b := range req.Buffers {
		addr, err := m.mapHandle(mp, b.Handle, b.Size)
		if err != nil {
			return err
		}
		mp.descs = append(mp.descs, comm.BufferDesc{
			Flags: uint32(b.Access),
			Size:  uint32(b.Size),
			Addr:  addr,
		})
	}

	if len(mp.descs) > driver.CmdInlineBufferCount {
		return m.mapDescriptors(mp)
	}
	return nil
}

func (m *Mapper) mapHandle(mp *Mapped, h mem.Handle, size int) (uint32, error) {
	buf, err := m.provider.Get(h)
	if err != nil {
		return 0, driver.NewErrorWithCause(driver.StatusFault, fmt.Sprintf("buffer %d", h), err)
	}
	mp.push(func() error { return m.provider.Put(buf) })

	if buf.Size < size {
		return 0, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("buffer %d holds %d bytes, request needs %d", h, buf.Size, size))
	}

	addr, err := m.provider.IOMMUMap(buf, m.engines)
	if err != nil {
		return 0, driver.NewErrorWithCause(driver.StatusOutOfMemory, fmt.Sprintf("buffer %d", h), err)
	}
	mp.push(func() error { return m.provider.IOMMUUnmap(buf, m.engines) })
	return addr, nil
}

// mapDescriptors moves a buffer list too long for the record into its own
// DSP-visible buffer
func (m *Mapper) mapDescriptors(mp *Mapped) error {
	size := len(mp.descs) * driver.BufferDescSize
	buf, err := m.provider.Allocate(size, mem.PoolSystem)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfMemory, "buffer list", err)
	}
	mp.push(func() error { return m.provider.Free(buf) })

	view, err := m.provider.MapKernel(buf)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfMemory, "buffer list", err)
	}
	mp.push(func() error { return m.provider.UnmapKernel(buf) })

	for i, d := range mp.descs {
		copy(view[i*driver.BufferDescSize:], d.Marshal())
	}

	if mp.descAddr, err = m.provider.IOMMUMap(buf, m.engines); err != nil {
		return driver.NewErrorWithCause(driver.StatusOutOfMemory, "buffer list", err)
	}
	mp.push(func() error { return m.provider.IOMMUUnmap(buf, m.engines) })
	return nil
}

// Unmap reverses Map
func (m *Mapper) Unmap(mp *Mapped) error {
	return mp.unwind()
}

// Fill writes the request into cmd and publishes it. The request valid flag
// is the last word written.
func Fill(cmd comm.Command, mp *Mapped) {
	req := mp.req

	cmd.SetInSize(uint32(req.In.Size))
	cmd.SetOutSize(uint32(req.Out.Size))
	cmd.SetBufferSize(uint32(len(mp.descs) * driver.BufferDescSize))

	if req.In.Inline() {
		in := make([]byte, req.In.Size)
		copy(in, req.In.Data)
		cmd.WriteInData(in)
	} else {
		cmd.SetInAddr(mp.inAddr)
	}
	if !req.Out.Inline() {
		cmd.SetOutAddr(mp.outAddr)
	}

	if len(mp.descs) <= driver.CmdInlineBufferCount {
		cmd.WriteBuffers(mp.descs)
	} else {
		cmd.SetBufferAddr(mp.descAddr)
	}

	flags := driver.CmdFlagRequestValid
	if len(req.NSID) > 0 {
		cmd.SetNSID(req.NSID)
		flags |= driver.CmdFlagRequestNSID
	}
	cmd.SetFlags(flags)
}

// Complete reads the response out of cmd and clears its flags. A response
// the DSP could not deliver is reported as StatusDeliveryFailed.
func Complete(cmd comm.Command, mp *Mapped) error {
	req := mp.req
	flags := cmd.Flags()
	defer cmd.SetFlags(0)

	if flags&driver.CmdFlagResponseDeliveryFail != 0 {
		return driver.NewError(driver.StatusDeliveryFailed, "DSP could not deliver the response")
	}

	if req.Out.Inline() {
		req.Out.Data = make([]byte, req.Out.Size)
		cmd.ReadOutData(req.Out.Data)
	}
	if n := len(mp.descs); n > 0 && n <= driver.CmdInlineBufferCount {
		mp.descs = cmd.ReadBuffers(n)
	}
	return nil
}

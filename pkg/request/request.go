// Package request turns a client submission into a command record and back:
// mapping payloads and auxiliary buffers for the DSP, filling the record,
// reading the response and undoing every mapping afterwards.
package request

import (
	"fmt"

	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/mem"
)

// Access is the direction of an auxiliary buffer as seen by the DSP
type Access uint32

const (
	AccessRead      = Access(driver.BufferFlagRead)
	AccessWrite     = Access(driver.BufferFlagWrite)
	AccessReadWrite = AccessRead | AccessWrite
)

// Payload is an input or output area. Payloads that fit the inline area of
// the command record travel in Data; larger ones live in the buffer named
// by Handle.
type Payload struct {
	Size   int
	Data   []byte
	Handle mem.Handle
}

// Inline reports whether the payload travels inside the command record
func (p *Payload) Inline() bool {
	return p.Size <= driver.CmdInlineDataSize
}

// BufferRef names an auxiliary buffer handed to the DSP
type BufferRef struct {
	Handle mem.Handle
	Size   int
	Access Access
}

// Request is one synchronous submission
type Request struct {
	// Priority is an index into the priority ordered queues; 0 is the
	// highest priority lane.
	Priority int
	NSID     []byte
	In       Payload
	Out      Payload
	Buffers  []BufferRef
}

// Validate rejects malformed requests before anything is mapped
func (r *Request) Validate() error {
	if r.Priority < 0 || r.Priority > driver.MaxPriority {
		return invalid(fmt.Sprintf("priority %d out of range", r.Priority))
	}
	if len(r.NSID) > driver.CmdNamespaceIDSize {
		return invalid(fmt.Sprintf("namespace id of %d bytes", len(r.NSID)))
	}
	for _, p := range []struct {
		name string
		p    *Payload
	}{{"input", &r.In}, {"output", &r.Out}} {
		switch {
		case p.p.Size < 0:
			return invalid(p.name + " size is negative")
		case p.p.Inline() && len(p.p.Data) > p.p.Size:
			return invalid(fmt.Sprintf("%s data of %d bytes exceeds size %d", p.name, len(p.p.Data), p.p.Size))
		case !p.p.Inline() && p.p.Handle == mem.NoHandle:
			return invalid(p.name + " payload needs a buffer handle")
		}
	}
	for i, b := range r.Buffers {
		if b.Handle == mem.NoHandle || b.Size <= 0 {
			return invalid(fmt.Sprintf("buffer %d has no handle or size", i))
		}
		if b.Access&^AccessReadWrite != 0 || b.Access == 0 {
			return invalid(fmt.Sprintf("buffer %d has bad access flags 0x%x", i, uint32(b.Access)))
		}
	}
	return nil
}

func invalid(msg string) error {
	return driver.NewError(driver.StatusInvalidArgument, msg)
}

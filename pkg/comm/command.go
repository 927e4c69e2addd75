package comm

import (
	"encoding/binary"

	"github.com/anthropics/purple-vdsp/pkg/driver"
)

// BufferDesc is the DSP view of one auxiliary buffer
type BufferDesc struct {
	Flags uint32
	Size  uint32
	Addr  uint32
}

// Marshal encodes the descriptor in wire order
func (b BufferDesc) Marshal() []byte {
	out := make([]byte, driver.BufferDescSize)
	binary.LittleEndian.PutUint32(out[0:], b.Flags)
	binary.LittleEndian.PutUint32(out[4:], b.Size)
	binary.LittleEndian.PutUint32(out[8:], b.Addr)
	return out
}

// UnmarshalBufferDesc decodes one descriptor
func UnmarshalBufferDesc(p []byte) BufferDesc {
	return BufferDesc{
		Flags: binary.LittleEndian.Uint32(p[0:]),
		Size:  binary.LittleEndian.Uint32(p[4:]),
		Addr:  binary.LittleEndian.Uint32(p[8:]),
	}
}

// Command is a view of one command record inside a Region
type Command struct {
	r    *Region
	base int
}

// Command returns the command record at off
func (r *Region) Command(off int) Command {
	return Command{r: r, base: off}
}

// Offset returns the record offset inside its region
func (c Command) Offset() int { return c.base }

// Region returns the region holding the record
func (c Command) Region() *Region { return c.r }

func (c Command) Flags() uint32 { return c.r.Read32(c.base + driver.CmdOffsetFlags) }
func (c Command) SetFlags(v uint32) { c.r.Write32(c.base+driver.CmdOffsetFlags, v) }
func (c Command) InSize() uint32 { return c.r.Read32(c.base + driver.CmdOffsetInSize) }
func (c Command) SetInSize(v uint32) { c.r.Write32(c.base+driver.CmdOffsetInSize, v) }
func (c Command) OutSize() uint32 { return c.r.Read32(c.base + driver.CmdOffsetOutSize) }
func (c Command) SetOutSize(v uint32) { c.r.Write32(c.base+driver.CmdOffsetOutSize, v) }
func (c Command) BufferSize() uint32 { return c.r.Read32(c.base + driver.CmdOffsetBufferSize) }
func (c Command) SetBufferSize(v uint32) { c.r.Write32(c.base+driver.CmdOffsetBufferSize, v) }

// InAddr is the out-of-line input address, valid when InSize exceeds the
// inline area.
func (c Command) InAddr() uint32 { return c.r.Read32(c.base + driver.CmdOffsetInData) }
func (c Command) SetInAddr(v uint32) { c.r.Write32(c.base+driver.CmdOffsetInData, v) }
func (c Command) OutAddr() uint32 { return c.r.Read32(c.base + driver.CmdOffsetOutData) }
func (c Command) SetOutAddr(v uint32) { c.r.Write32(c.base+driver.CmdOffsetOutData, v) }
func (c Command) BufferAddr() uint32 { return c.r.Read32(c.base + driver.CmdOffsetBufferData) }
func (c Command) SetBufferAddr(v uint32) { c.r.Write32(c.base+driver.CmdOffsetBufferData, v) }

// WriteInData copies an inline input payload
func (c Command) WriteInData(p []byte) { c.r.WriteBytes(c.base+driver.CmdOffsetInData, p) }

// ReadInData reads an inline input payload
func (c Command) ReadInData(p []byte) { c.r.ReadBytes(c.base+driver.CmdOffsetInData, p) }

// WriteOutData copies an inline output payload
func (c Command) WriteOutData(p []byte) { c.r.WriteBytes(c.base+driver.CmdOffsetOutData, p) }

// ReadOutData reads an inline output payload
func (c Command) ReadOutData(p []byte) { c.r.ReadBytes(c.base+driver.CmdOffsetOutData, p) }

// WriteBuffers stores inline buffer descriptors
func (c Command) WriteBuffers(descs []BufferDesc) {
	for i, d := range descs {
		c.r.WriteBytes(c.base+driver.CmdOffsetBufferData+i*driver.BufferDescSize, d.Marshal())
	}
}

// ReadBuffers loads n inline buffer descriptors
func (c Command) ReadBuffers(n int) []BufferDesc {
	descs := make([]BufferDesc, n)
	raw := make([]byte, driver.BufferDescSize)
	for i := range descs {
		c.r.ReadBytes(c.base+driver.CmdOffsetBufferData+i*driver.BufferDescSize, raw)
		descs[i] = UnmarshalBufferDesc(raw)
	}
	return descs
}

// SetNSID writes the namespace id, zero padded to its fixed width
func (c Command) SetNSID(nsid []byte) {
	var field [driver.CmdNamespaceIDSize]byte
	copy(field[:], nsid)
	c.r.WriteBytes(c.base+driver.CmdOffsetNSID, field[:])
}

// NSID reads the namespace id field
func (c Command) NSID() []byte {
	field := make([]byte, driver.CmdNamespaceIDSize)
	c.r.ReadBytes(c.base+driver.CmdOffsetNSID, field)
	return field
}

// Complete reports whether both the request and response valid bits are set
func (c Command) Complete() bool {
	both := driver.CmdFlagRequestValid | driver.CmdFlagResponseValid
	return c.Flags()&both == both
}

// Clear zeroes the whole record
func (c Command) Clear() {
	c.r.Zero(c.base, driver.CmdRecordSize)
}

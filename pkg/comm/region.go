// Package comm implements the shared memory transport between the host and
// the DSP: 32-bit word access to the command window, byte copies with a
// partial-word tail, TLV blocks used by the synchronization handshake, and a
// typed view of the per-queue command record.
//
// Every word access is a sync/atomic operation. Go orders atomic operations
// sequentially, so a store of the flags word is never observed before the
// stores that precede it, and a load of the flags word happens before the
// loads that follow it. This is the barrier discipline the DSP expects
// around every handoff of the valid bits.
package comm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/anthropics/purple-vdsp/pkg/driver"
)

// Region is a 4-byte aligned window of memory shared with the DSP
type Region struct {
	mem        []byte
	deviceBase uint32
}

// NewRegion wraps mem. deviceBase is the address at which the DSP sees the
// first byte of mem.
func NewRegion(mem []byte, deviceBase uint32) (*Region, error) {
	if len(mem) == 0 || len(mem)%4 != 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("shared region size %d is not a positive multiple of 4", len(mem)))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "shared region is not 4-byte aligned")
	}
	return &Region{mem: mem, deviceBase: deviceBase}, nil
}

// Size returns the region length in bytes
func (r *Region) Size() int {
	return len(r.mem)
}

// DeviceAddr returns the DSP-visible address of off
func (r *Region) DeviceAddr(off int) uint32 {
	return r.deviceBase + uint32(off)
}

func (r *Region) word(off int) *uint32 {
	if off%4 != 0 || off < 0 || off+4 > len(r.mem) {
		panic(fmt.Sprintf("comm: word access at offset %d outside aligned region of %d bytes", off, len(r.mem)))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Read32 reads the word at off
func (r *Region) Read32(off int) uint32 {
	return atomic.LoadUint32(r.word(off))
}

// Write32 writes the word at off
func (r *Region) Write32(off int, v uint32) {
	atomic.StoreUint32(r.word(off), v)
}

// WriteBytes copies src to off a word at a time. A trailing partial word is
// zero padded.
func (r *Region) WriteBytes(off int, src []byte) {
	n := len(src)
	i := 0
	for ; i+4 <= n; i += 4 {
		r.Write32(off+i, binary.LittleEndian.Uint32(src[i:]))
	}
	if i < n {
		var tail [4]byte
		copy(tail[:], src[i:])
		r.Write32(off+i, binary.LittleEndian.Uint32(tail[:]))
	}
}

// ReadBytes fills dst from off a word at a time
func (r *Region) ReadBytes(off int, dst []byte) {
	n := len(dst)
	i := 0
	for ; i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], r.Read32(off+i))
	}
	if i < n {
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], r.Read32(off+i))
		copy(dst[i:], tail[:n-i])
	}
}

// Zero clears n bytes starting at off, rounded up to whole words
func (r *Region) Zero(off, n int) {
	for i := 0; i < n; i += 4 {
		r.Write32(off+i, 0)
	}
}

// Package mem defines the buffer/resource provider the driver core consumes:
// allocation of device-visible memory, kernel mapping and IOMMU mapping, with
// reference-counted handles.
package mem

import "errors"

// Handle identifies a buffer across the client boundary
type Handle int32

// NoHandle marks an absent buffer reference
const NoHandle Handle = 0

// Pool selects the heap a buffer is carved from
type Pool int

const (
	PoolSystem Pool = iota
	PoolCarveout
)

// Engine is a mask of DSP-side masters that need an IOMMU mapping
type Engine uint32

const (
	EngineMSTI Engine = 1 << iota // instruction fetch
	EngineMSTD                    // data
	EngineIDMA
	EngineVDMA

	EngineAll = EngineMSTI | EngineMSTD | EngineIDMA | EngineVDMA
)

// Buffer describes an allocation owned by a Provider
type Buffer struct {
	Handle Handle
	Size   int
	Pool   Pool
}

// Provider allocates and maps memory shared with the DSP. Every method is
// fallible; callers unwind partial work on failure.
type Provider interface {
	Allocate(size int, pool Pool) (*Buffer, error)
	Free(b *Buffer) error

	// Get resolves a handle passed in by a client and takes a reference
	// on the buffer. Put drops it.
	Get(h Handle) (*Buffer, error)
	Put(b *Buffer) error

	MapKernel(b *Buffer) ([]byte, error)
	UnmapKernel(b *Buffer) error

	IOMMUMap(b *Buffer, engines Engine) (uint32, error)
	IOMMUUnmap(b *Buffer, engines Engine) error
}

// Errors for provider operations
var (
	ErrProviderClosed = errors.New("buffer provider is closed")
	ErrBadHandle      = errors.New("unknown buffer handle")
	ErrNotMapped      = errors.New("buffer is not mapped")
	ErrIOVAExhausted  = errors.New("device address space exhausted")
)

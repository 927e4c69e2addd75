package mem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Default device address window used by NewHeapProvider
const (
	DefaultIOVABase = 0x80000000
	DefaultIOVASize = 0x10000000
)

type heapBuffer struct {
	buf       *Buffer
	data      []byte // full page-aligned mapping
	refs      int
	kmaps     int
	iova      uint32
	iommuRefs int
	engines   Engine
}

// HeapProvider backs buffers with anonymous shared mappings and assigns
// device addresses from a private IOVA window. It stands in for an
// ION/dma-buf heap plus IOMMU when the DSP is emulated in-process.
type HeapProvider struct {
	mu     sync.Mutex
	next   Handle
	bufs   map[Handle]*heapBuffer
	iova   *iovaSpace
	closed bool
}

// NewHeapProvider creates a provider with the default IOVA window
func NewHeapProvider() *HeapProvider {
	return NewHeapProviderWindow(DefaultIOVABase, DefaultIOVASize)
}

// NewHeapProviderWindow creates a provider assigning device addresses in
// [base, base+size)
func NewHeapProviderWindow(base, size uint32) *HeapProvider {
	return &HeapProvider{
		bufs: make(map[Handle]*heapBuffer),
		iova: newIOVASpace(base, size, uint32(os.Getpagesize())),
	}
}

// Allocate allocates a page-aligned buffer
func (p *HeapProvider) Allocate(size int, pool Pool) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buffer size cannot be zero")
	}

	page := os.Getpagesize()
	alignedSize := ((size + page - 1) / page) * page

	data, err := unix.Mmap(-1, 0, alignedSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		unix.Munmap(data)
		return nil, ErrProviderClosed
	}

	p.next++
	buf := &Buffer{Handle: p.next, Size: size, Pool: pool}
	p.bufs[buf.Handle] = &heapBuffer{buf: buf, data: data, refs: 1}
	return buf, nil
}

// Free drops the allocation reference. Memory is released once every Get
// reference is also gone.
func (p *HeapProvider) Free(b *Buffer) error {
	return p.Put(b)
}

// Get takes a reference on a buffer by handle
func (p *HeapProvider) Get(h Handle) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	hb, ok := p.bufs[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, ErrBadHandle)
	}
	hb.refs++
	return hb.buf, nil
}

// Put drops a reference taken by Get or Allocate
func (p *HeapProvider) Put(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hb, ok := p.bufs[b.Handle]
	if !ok {
		return fmt.Errorf("handle %d: %w", b.Handle, ErrBadHandle)
	}
	hb.refs--
	if hb.refs > 0 {
		return nil
	}
	return p.release(hb)
}

func (p *HeapProvider) release(hb *heapBuffer) error {
	if hb.iommuRefs > 0 {
		p.iova.free(hb.iova)
	}
	delete(p.bufs, hb.buf.Handle)
	if err := unix.Munmap(hb.data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}

// MapKernel returns the host view of the buffer
func (p *HeapProvider) MapKernel(b *Buffer) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hb, ok := p.bufs[b.Handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", b.Handle, ErrBadHandle)
	}
	hb.kmaps++
	return hb.data[:hb.buf.Size], nil
}

// UnmapKernel drops a host view
func (p *HeapProvider) UnmapKernel(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hb, ok := p.bufs[b.Handle]
	if !ok {
		return fmt.Errorf("handle %d: %w", b.Handle, ErrBadHandle)
	}
	if hb.kmaps == 0 {
		return fmt.Errorf("handle %d: %w", b.Handle, ErrNotMapped)
	}
	hb.kmaps--
	return nil
}

// IOMMUMap assigns a device address to the buffer. Mapping an already
// mapped buffer returns the same address and takes another reference.
func (p *HeapProvider) IOMMUMap(b *Buffer, engines Engine) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hb, ok := p.bufs[b.Handle]
	if !ok {
		return 0, fmt.Errorf("handle %d: %w", b.Handle, ErrBadHandle)
	}
	if hb.iommuRefs == 0 {
		addr, ok := p.iova.alloc(len(hb.data))
		if !ok {
			return 0, ErrIOVAExhausted
		}
		hb.iova = addr
	}
	hb.iommuRefs++
	hb.engines |= engines
	return hb.iova, nil
}

// IOMMUUnmap drops a device mapping reference
func (p *HeapProvider) IOMMUUnmap(b *Buffer, engines Engine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hb, ok := p.bufs[b.Handle]
	if !ok {
		return fmt.Errorf("handle %d: %w", b.Handle, ErrBadHandle)
	}
	if hb.iommuRefs == 0 {
		return fmt.Errorf("handle %d: %w", b.Handle, ErrNotMapped)
	}
	hb.iommuRefs--
	if hb.iommuRefs == 0 {
		p.iova.free(hb.iova)
		hb.iova = 0
		hb.engines = 0
	}
	return nil
}

// Resolve returns the host bytes behind a device address range. It lets an
// in-process DSP follow the addresses the host hands it.
func (p *HeapProvider) Resolve(addr uint32, n int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, hb := range p.bufs {
		if hb.iommuRefs == 0 || addr < hb.iova {
			continue
		}
		off := int(addr - hb.iova)
		if off+n <= hb.buf.Size {
			return hb.data[off : off+n], true
		}
	}
	return nil, false
}

// Live returns the number of buffers not yet released
func (p *HeapProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// Close releases every remaining buffer
func (p *HeapProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var lastErr error
	for _, hb := range p.bufs {
		if err := p.release(hb); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

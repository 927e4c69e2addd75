package testutil

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anthropics/purple-vdsp/pkg/mem"
)

// FakeProvider implements mem.Provider on the Go heap and counts every call
type FakeProvider struct {
	mu        sync.Mutex
	next      mem.Handle
	nextVA    uint32
	bufs      map[mem.Handle]*fakeBuffer
	counts    ProviderCounts
	mapCalls  int
	failMapAt int
	failAlloc bool
}

type fakeBuffer struct {
	buf   *mem.Buffer
	data  []byte
	refs  int
	addr  uint32
	iommu int
}

// ProviderCounts tallies provider calls
type ProviderCounts struct {
	Allocate    int
	Free        int
	Get         int
	Put         int
	MapKernel   int
	UnmapKernel int
	IOMMUMap    int
	IOMMUUnmap  int
}

// NewFakeProvider creates an empty fake provider
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		nextVA: 0x40000000,
		bufs:   make(map[mem.Handle]*fakeBuffer),
	}
}

// Allocate simulates allocating a buffer
func (p *FakeProvider) Allocate(size int, pool mem.Pool) (*mem.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAlloc {
		return nil, errors.New("fake allocate error")
	}
	p.counts.Allocate++
	p.next++
	b := &mem.Buffer{Handle: p.next, Size: size, Pool: pool}
	p.bufs[b.Handle] = &fakeBuffer{buf: b, data: make([]byte, size), refs: 1}
	return b, nil
}

// Free drops the allocation reference
func (p *FakeProvider) Free(b *mem.Buffer) error {
	p.mu.Lock()
	p.counts.Free++
	p.mu.Unlock()
	return p.drop(b)
}

// Get takes a reference by handle
func (p *FakeProvider) Get(h mem.Handle) (*mem.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.bufs[h]
	if !ok {
		return nil, mem.ErrBadHandle
	}
	p.counts.Get++
	fb.refs++
	return fb.buf, nil
}

// Put drops a reference taken by Get
func (p *FakeProvider) Put(b *mem.Buffer) error {
	p.mu.Lock()
	p.counts.Put++
	p.mu.Unlock()
	return p.drop(b)
}

func (p *FakeProvider) drop(b *mem.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.bufs[b.Handle]
	if !ok {
		return mem.ErrBadHandle
	}
	fb.refs--
	if fb.refs == 0 {
		delete(p.bufs, b.Handle)
	}
	return nil
}

// MapKernel returns the buffer bytes
func (p *FakeProvider) MapKernel(b *mem.Buffer) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.bufs[b.Handle]
	if !ok {
		return nil, mem.ErrBadHandle
	}
	p.counts.MapKernel++
	return fb.data, nil
}

// UnmapKernel counts the call
func (p *FakeProvider) UnmapKernel(b *mem.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts.UnmapKernel++
	return nil
}

// IOMMUMap hands out increasing device addresses
func (p *FakeProvider) IOMMUMap(b *mem.Buffer, engines mem.Engine) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.bufs[b.Handle]
	if !ok {
		return 0, mem.ErrBadHandle
	}
	p.mapCalls++
	if p.failMapAt != 0 && p.mapCalls == p.failMapAt {
		return 0, fmt.Errorf("fake iommu map error on call %d", p.mapCalls)
	}
	p.counts.IOMMUMap++
	if fb.iommu == 0 {
		fb.addr = p.nextVA
		p.nextVA += uint32((b.Size + 0xfff) &^ 0xfff)
	}
	fb.iommu++
	return fb.addr, nil
}

// IOMMUUnmap counts the call
func (p *FakeProvider) IOMMUUnmap(b *mem.Buffer, engines mem.Engine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fb, ok := p.bufs[b.Handle]
	if !ok {
		return mem.ErrBadHandle
	}
	if fb.iommu == 0 {
		return mem.ErrNotMapped
	}
	p.counts.IOMMUUnmap++
	fb.iommu--
	return nil
}

// Resolve returns the bytes behind a device address
func (p *FakeProvider) Resolve(addr uint32, n int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, fb := range p.bufs {
		if fb.iommu == 0 || addr < fb.addr {
			continue
		}
		off := int(addr - fb.addr)
		if off+n <= len(fb.data) {
			return fb.data[off : off+n], true
		}
	}
	return nil, false
}

// Counts returns a snapshot of the call counters
func (p *FakeProvider) Counts() ProviderCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// Live returns the number of buffers still referenced
func (p *FakeProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// Mapped returns the number of buffers holding an IOMMU mapping
func (p *FakeProvider) Mapped() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, fb := range p.bufs {
		if fb.iommu > 0 {
			n++
		}
	}
	return n
}

// SetFailOnIOMMUMap makes the nth IOMMUMap call from now fail once
func (p *FakeProvider) SetFailOnIOMMUMap(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		p.failMapAt = 0
		return
	}
	p.failMapAt = p.mapCalls + n
}

// SetFailOnAllocate makes Allocate() fail
func (p *FakeProvider) SetFailOnAllocate(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAlloc = fail
}

// Store places data in a fresh buffer and returns its handle, the way a
// client hands a buffer to the driver.
func (p *FakeProvider) Store(data []byte) mem.Handle {
	b, _ := p.Allocate(len(data), mem.PoolSystem)
	view, _ := p.MapKernel(b)
	copy(view, data)
	return b.Handle
}

// Bytes returns the contents of a buffer by handle
func (p *FakeProvider) Bytes(h mem.Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fb, ok := p.bufs[h]; ok {
		return fb.data
	}
	return nil
}

// FakeRelocator copies the image and records every relocation
type FakeRelocator struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

// NewFakeRelocator creates a relocator that succeeds
func NewFakeRelocator() *FakeRelocator {
	return &FakeRelocator{}
}

// Relocate copies image into code and stamps the code address into pil
func (r *FakeRelocator) Relocate(name string, image, code []byte, codeAddr uint32, pil []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failOn != "" && r.failOn == name {
		return errors.New("fake relocation error")
	}
	r.calls = append(r.calls, name)
	copy(code, image)
	if len(pil) >= 4 {
		pil[0] = byte(codeAddr)
		pil[1] = byte(codeAddr >> 8)
		pil[2] = byte(codeAddr >> 16)
		pil[3] = byte(codeAddr >> 24)
	}
	return nil
}

// Calls returns the names relocated so far
func (r *FakeRelocator) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// SetFailOn makes relocation of name fail
func (r *FakeRelocator) SetFailOn(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn = name
}

// Interval is one critical section observed by a LockProbe, in probe
// sequence numbers
type Interval struct {
	Start, End uint64
}

// LockProbe hands out instrumented locks that record when each holder
// entered and left
type LockProbe struct {
	seq        atomic.Uint64
	violations atomic.Int64

	mu        sync.Mutex
	intervals map[int][]Interval
}

// NewLockProbe creates an empty probe
func NewLockProbe() *LockProbe {
	return &LockProbe{intervals: make(map[int][]Interval)}
}

// Locker returns a new instrumented lock tagged with index
func (p *LockProbe) Locker(index int) sync.Locker {
	return &probeLock{probe: p, index: index}
}

// Intervals returns the recorded critical sections of one lock
func (p *LockProbe) Intervals(index int) []Interval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Interval(nil), p.intervals[index]...)
}

// Violations returns how many times two holders were inside at once
func (p *LockProbe) Violations() int64 {
	return p.violations.Load()
}

type probeLock struct {
	probe  *LockProbe
	index  int
	mu     sync.Mutex
	inside atomic.Int32
	start  uint64
}

func (l *probeLock) Lock() {
	l.mu.Lock()
	if l.inside.Add(1) != 1 {
		l.probe.violations.Add(1)
	}
	l.start = l.probe.seq.Add(1)
}

func (l *probeLock) Unlock() {
	end := l.probe.seq.Add(1)
	l.probe.mu.Lock()
	l.probe.intervals[l.index] = append(l.probe.intervals[l.index], Interval{Start: l.start, End: end})
	l.probe.mu.Unlock()
	l.inside.Add(-1)
	l.mu.Unlock()
}

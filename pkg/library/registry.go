package library

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/mem"
)

// State is the lifecycle state of a registered library
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateProcessing
	StateUnloading
	// StateMissed marks a library whose DSP residency was lost to a reboot
	StateMissed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateLoading:    "loading",
	StateLoaded:     "loaded",
	StateProcessing: "processing",
	StateUnloading:  "unloading",
	StateMissed:     "missed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sentinel errors wrapped into the driver errors the registry returns
var (
	ErrNotFound     = errors.New("library not registered")
	ErrInvalidState = errors.New("library in incompatible state")
)

// Sender delivers a system command payload to the DSP and waits for the
// response
type Sender func(payload []byte) error

// Info is a snapshot of one record
type Info struct {
	Name    string
	State   State
	Count   int
	PilAddr uint32
}

type record struct {
	name  string
	state State
	count int

	code, pil         *mem.Buffer
	codeView, pilView []byte
	codeAddr, pilAddr uint32
	backup            []byte
}

func (r *record) info() Info {
	return Info{Name: r.name, State: r.state, Count: r.count, PilAddr: r.pilAddr}
}

// Registry holds every library the DSP knows about, in load order. One lock
// covers all records and is held across the commands that change them.
type Registry struct {
	mu       sync.Mutex
	provider mem.Provider
	reloc    Relocator
	records  []*record
	log      *logrus.Entry
}

// NewRegistry creates an empty registry. A nil relocator selects
// CopyRelocator.
func NewRegistry(provider mem.Provider, reloc Relocator, log *logrus.Entry) *Registry {
	if reloc == nil {
		reloc = CopyRelocator{}
	}
	if log == nil {
		log = logrus.WithField("component", "library")
	}
	return &Registry{provider: provider, reloc: reloc, log: log}
}

func (g *Registry) find(name string) (int, *record) {
	for i, r := range g.records {
		if r.name == name {
			return i, r
		}
	}
	return -1, nil
}

func (g *Registry) remove(rec *record) {
	if i, _ := g.find(rec.name); i >= 0 {
		g.records = append(g.records[:i], g.records[i+1:]...)
	}
}

func stateError(status driver.Status, rec *record) error {
	return driver.NewErrorWithCause(status,
		fmt.Sprintf("library %s is %s", rec.name, rec.state), ErrInvalidState)
}

// Load registers name and asks the DSP to load it. Loading a library that is
// already loaded only takes a reference and reports StatusAlreadyLoaded.
func (g *Registry) Load(name string, image []byte, send Sender) error {
	if name == "" || len(name) > NameMax {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("bad library name %q", name))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	log := g.log.WithField("library", name)

	if _, rec := g.find(name); rec != nil {
		switch rec.state {
		case StateLoaded:
			rec.count++
			return driver.NewError(driver.StatusAlreadyLoaded, "library "+name)
		case StateMissed:
			copy(rec.codeView, rec.backup)
			if err := send(g.command(OpLoad, rec)); err != nil {
				log.WithError(err).Warn("reload after reboot failed")
				return err
			}
			rec.count++
			rec.state = StateLoaded
			log.Info("reloaded after reboot")
			return nil
		case StateProcessing:
			return stateError(driver.StatusInvalidArgument, rec)
		default:
			return stateError(driver.StatusNotReady, rec)
		}
	}

	if len(image) == 0 {
		return driver.NewError(driver.StatusInvalidArgument, "library "+name+" has no image")
	}

	rec, err := g.prepare(name, image)
	if err != nil {
		return err
	}
	rec.state = StateLoading
	g.records = append(g.records, rec)
	log.Debug("loading")

	if err := send(g.command(OpLoad, rec)); err != nil {
		g.remove(rec)
		g.release(rec)
		log.WithError(err).Warn("load failed")
		return err
	}

	rec.count = 1
	rec.state = StateLoaded
	log.WithField("pil", fmt.Sprintf("0x%08x", rec.pilAddr)).Info("loaded")
	return nil
}

// prepare allocates and maps the code and metadata buffers, relocates the
// image and keeps a backup of the result
func (g *Registry) prepare(name string, image []byte) (*record, error) {
	r := &record{name: name}
	var err error
	defer func() {
		if err != nil {
			g.release(r)
		}
	}()

	if r.code, r.codeView, r.codeAddr, err = g.mapBuffer(len(image)); err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusOutOfMemory, "library "+name+" code", err)
	}
	if r.pil, r.pilView, r.pilAddr, err = g.mapBuffer(PilInfoSize); err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusOutOfMemory, "library "+name+" metadata", err)
	}
	if err = g.reloc.Relocate(name, image, r.codeView, r.codeAddr, r.pilView); err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusInvalidArgument, "library "+name+" relocation", err)
	}
	r.backup = append([]byte(nil), r.codeView...)
	return r, nil
}

func (g *Registry) mapBuffer(size int) (buf *mem.Buffer, view []byte, addr uint32, err error) {
	buf, err = g.provider.Allocate(size, mem.PoolCarveout)
	if err != nil {
		return nil, nil, 0, err
	}
	view, err = g.provider.MapKernel(buf)
	if err != nil {
		g.provider.Free(buf)
		return nil, nil, 0, err
	}
	addr, err = g.provider.IOMMUMap(buf, mem.EngineAll)
	if err != nil {
		g.provider.UnmapKernel(buf)
		g.provider.Free(buf)
		return nil, nil, 0, err
	}
	return buf, view, addr, nil
}

func (g *Registry) unmapBuffer(buf *mem.Buffer) {
	if buf == nil {
		return
	}
	if err := g.provider.IOMMUUnmap(buf, mem.EngineAll); err != nil {
		g.log.WithError(err).Warn("iommu unmap failed")
	}
	if err := g.provider.UnmapKernel(buf); err != nil {
		g.log.WithError(err).Warn("kernel unmap failed")
	}
	if err := g.provider.Free(buf); err != nil {
		g.log.WithError(err).Warn("free failed")
	}
}

func (g *Registry) release(rec *record) {
	g.unmapBuffer(rec.code)
	g.unmapBuffer(rec.pil)
	rec.code, rec.pil = nil, nil
	rec.codeView, rec.pilView, rec.backup = nil, nil, nil
}

func (g *Registry) command(op Op, rec *record) []byte {
	c := Command{Op: op, Name: rec.name, PilAddr: rec.pilAddr}
	return c.Encode()
}

// Unload drops a reference. The DSP is only asked to unload once the last
// reference is gone; earlier calls report StatusUnreferenced.
func (g *Registry) Unload(name string, send Sender) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	log := g.log.WithField("library", name)

	_, rec := g.find(name)
	if rec == nil {
		return driver.NewErrorWithCause(driver.StatusNotFound, "library "+name, ErrNotFound)
	}

	switch rec.state {
	case StateLoaded, StateMissed:
	case StateProcessing:
		return stateError(driver.StatusInUse, rec)
	default:
		return stateError(driver.StatusNotReady, rec)
	}

	if rec.count > 1 {
		rec.count--
		return driver.NewError(driver.StatusUnreferenced, "library "+name)
	}

	// Nothing is resident after a reboot, so there is nothing to tell the
	// DSP.
	if rec.state == StateMissed {
		g.remove(rec)
		g.release(rec)
		log.Info("dropped after reboot")
		return nil
	}

	rec.state = StateUnloading
	if err := send(g.command(OpUnload, rec)); err != nil {
		rec.state = StateLoaded
		log.WithError(err).Warn("unload failed")
		return err
	}

	rec.count = 0
	rec.state = StateIdle
	g.remove(rec)
	g.release(rec)
	log.Info("unloaded")
	return nil
}

// Begin checks that a command addressed to nsid may run. When nsid names a
// library it must be loaded; it is held in StateProcessing until the
// returned function is called. Commands for other namespaces pass through.
func (g *Registry) Begin(nsid []byte) (end func(), err error) {
	name := NameFromNSID(nsid)

	g.mu.Lock()
	defer g.mu.Unlock()

	_, rec := g.find(name)
	if rec == nil {
		return func() {}, nil
	}

	switch rec.state {
	case StateLoaded:
	case StateMissed:
		return nil, driver.NewErrorWithCause(driver.StatusNotReady,
			"library "+name+" was lost in a DSP reboot, load it again", ErrInvalidState)
	case StateProcessing:
		return nil, stateError(driver.StatusInUse, rec)
	default:
		return nil, stateError(driver.StatusNotReady, rec)
	}

	rec.state = StateProcessing
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if rec.state == StateProcessing {
			rec.state = StateLoaded
		}
	}, nil
}

// MarkAllMissed records that the DSP lost every library
func (g *Registry) MarkAllMissed() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range g.records {
		rec.state = StateMissed
	}
	if len(g.records) > 0 {
		g.log.WithField("libraries", len(g.records)).Info("libraries marked missed")
	}
}

// Reregister reloads every referenced library from its backup image. A
// library that fails to reload stays missed, so the next command addressed
// to it fails fast until a client loads it again.
func (g *Registry) Reregister(send Sender) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for _, rec := range g.records {
		if rec.count == 0 {
			continue
		}
		copy(rec.codeView, rec.backup)
		if err := send(g.command(OpLoad, rec)); err != nil {
			rec.state = StateMissed
			g.log.WithField("library", rec.name).WithError(err).Error("reregister failed")
			errs = append(errs, fmt.Errorf("library %s: %w", rec.name, err))
			continue
		}
		rec.state = StateLoaded
	}
	return errors.Join(errs...)
}

// ReleaseAll frees every record
func (g *Registry) ReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range g.records {
		g.release(rec)
	}
	g.records = nil
}

// Lookup returns the record for name
func (g *Registry) Lookup(name string) (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, rec := g.find(name); rec != nil {
		return rec.info(), true
	}
	return Info{}, false
}

// Snapshot returns every record in load order
func (g *Registry) Snapshot() []Info {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Info, len(g.records))
	for i, rec := range g.records {
		out[i] = rec.info()
	}
	return out
}

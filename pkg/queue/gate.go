package queue

import (
	"sync"
	"sync/atomic"
)

// Gate pairs the reboot-cycle and reboot-complete counters. Submitters pass
// the gate only while the two are equal.
type Gate struct {
	cycle    atomic.Uint32
	complete atomic.Uint32

	mu   sync.Mutex
	cond *sync.Cond
}

// NewGate creates an open gate
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Cycle returns the current reboot cycle
func (g *Gate) Cycle() uint32 {
	return g.cycle.Load()
}

// Complete returns the last cycle that finished
func (g *Gate) Complete() uint32 {
	return g.complete.Load()
}

// Quiescent reports whether no reboot is in progress
func (g *Gate) Quiescent() bool {
	return g.cycle.Load() == g.complete.Load()
}

// Begin claims the reboot for the cycle the caller observed before it
// started waiting. Only one of several callers that observed the same cycle
// wins; the others must wait for the winner to finish.
func (g *Gate) Begin(observed uint32) bool {
	return g.cycle.CompareAndSwap(observed, observed+1)
}

// Finish catches the complete counter up with the cycle and releases
// waiters.
func (g *Gate) Finish() {
	g.mu.Lock()
	g.complete.Store(g.cycle.Load())
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Wait blocks while a reboot is in progress
func (g *Gate) Wait() {
	if g.Quiescent() {
		return
	}
	g.mu.Lock()
	for !g.Quiescent() {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

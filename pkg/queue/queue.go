// Package queue manages the command lanes carved out of the shared window:
// per-queue locking, priority ordering, completion detection and the reboot
// gate that holds new submissions while the DSP restarts.
package queue

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/purple-vdsp/pkg/comm"
	"github.com/anthropics/purple-vdsp/pkg/driver"
)

// Queue is one command lane. Its record lives at index*CmdStride in the
// shared window; queue 0 shares its first word with the sync record.
type Queue struct {
	index int
	cmd   comm.Command
	lock  sync.Locker
	done  chan struct{}
}

// Index returns the queue number the DSP knows the lane by
func (q *Queue) Index() int {
	return q.index
}

// Command returns the lane's command record
func (q *Queue) Command() comm.Command {
	return q.cmd
}

// Lock takes the lane for a full round trip
func (q *Queue) Lock() {
	q.lock.Lock()
}

// Unlock releases the lane
func (q *Queue) Unlock() {
	q.lock.Unlock()
}

// Done is signaled by the interrupt handler when the lane completes
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Arm discards a completion left over from an earlier command
func (q *Queue) Arm() {
	select {
	case <-q.done:
	default:
	}
}

// signal wakes the waiter if the lane's command is complete
func (q *Queue) signal() bool {
	if !q.cmd.Complete() {
		return false
	}
	select {
	case q.done <- struct{}{}:
	default:
	}
	return true
}

// WaitIRQ blocks until the interrupt handler reports completion. The
// predicate is re-checked after every wake and once more when the timeout
// expires; the panic predicate is checked after every wake.
func (q *Queue) WaitIRQ(timeout time.Duration, panicked func() bool) error {
	if q.cmd.Complete() {
		return nil
	}
	if panicked() {
		return errPanic(q.index)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.done:
		case <-timer.C:
			if q.cmd.Complete() {
				return nil
			}
			return errTimeout(q.index)
		}
		if q.cmd.Complete() {
			return nil
		}
		if panicked() {
			return errPanic(q.index)
		}
	}
}

// WaitPoll spins on the completion predicate, yielding between checks,
// until the deadline passes.
func (q *Queue) WaitPoll(timeout time.Duration, panicked func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if q.cmd.Complete() {
			return nil
		}
		if panicked() {
			return errPanic(q.index)
		}
		if !time.Now().Before(deadline) {
			return errTimeout(q.index)
		}
		runtime.Gosched()
	}
}

func errTimeout(index int) error {
	return driver.NewError(driver.StatusTimeout, fmt.Sprintf("queue %d", index))
}

func errPanic(index int) error {
	return driver.NewError(driver.StatusDevicePanic, fmt.Sprintf("queue %d", index))
}

// ordering is an immutable snapshot of the negotiated topology
type ordering struct {
	active   []*Queue
	priority []uint32
	byPrio   []*Queue
}

// Set holds every lane the window can carry. Only the first Len() are
// active after a handshake.
type Set struct {
	all   []*Queue
	order atomic.Pointer[ordering]
}

// NewSet carves n lanes out of the region. newLock supplies the per-lane
// lock; nil selects a plain mutex.
func NewSet(r *comm.Region, n int, newLock func(index int) sync.Locker) (*Set, error) {
	if n <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "at least one queue is required")
	}
	if n*driver.CmdStride > r.Size() {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%d queues do not fit in a %d byte window", n, r.Size()))
	}

	s := &Set{all: make([]*Queue, n)}
	for i := range s.all {
		var l sync.Locker = &sync.Mutex{}
		if newLock != nil {
			l = newLock(i)
		}
		s.all[i] = &Queue{
			index: i,
			cmd:   r.Command(i * driver.CmdStride),
			lock:  l,
			done:  make(chan struct{}, 1),
		}
	}
	s.Configure([]uint32{0})
	return s, nil
}

// Configure activates one lane per priority and rebuilds the priority
// ordering: a stable sort by descending priority, so equal priorities keep
// their queue order.
func (s *Set) Configure(priorities []uint32) {
	n := len(priorities)
	if n > len(s.all) {
		n = len(s.all)
	}
	if n == 0 {
		n = 1
		priorities = []uint32{0}
	}

	o := &ordering{
		active:   append([]*Queue(nil), s.all[:n]...),
		priority: append([]uint32(nil), priorities[:n]...),
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return o.priority[idx[i]] > o.priority[idx[j]]
	})
	o.byPrio = make([]*Queue, n)
	for rank, i := range idx {
		o.byPrio[rank] = o.active[i]
	}
	s.order.Store(o)
}

// Len returns the number of active lanes
func (s *Set) Len() int {
	return len(s.order.Load().active)
}

// Cap returns the number of lanes the window was carved into
func (s *Set) Cap() int {
	return len(s.all)
}

// Queue returns the active lane with the given index
func (s *Set) Queue(index int) *Queue {
	return s.order.Load().active[index]
}

// Select maps a request priority index onto a lane. Index 0 is the highest
// priority lane; out of range values are clamped.
func (s *Set) Select(prio int) *Queue {
	o := s.order.Load()
	if prio < 0 {
		prio = 0
	}
	if prio >= len(o.byPrio) {
		prio = len(o.byPrio) - 1
	}
	return o.byPrio[prio]
}

// Priorities returns the active lanes' priorities by queue index
func (s *Set) Priorities() []uint32 {
	return append([]uint32(nil), s.order.Load().priority...)
}

// HandleIRQ wakes every active lane whose command has completed. It reports
// whether any lane was handled.
func (s *Set) HandleIRQ() bool {
	handled := false
	for _, q := range s.order.Load().active {
		if q.signal() {
			handled = true
		}
	}
	return handled
}

// LockOthers takes every lane except held, in index order
func (s *Set) LockOthers(held *Queue) {
	for _, q := range s.all {
		if q != held {
			q.Lock()
		}
	}
}

// UnlockOthers releases what LockOthers took
func (s *Set) UnlockOthers(held *Queue) {
	for i := len(s.all) - 1; i >= 0; i-- {
		if s.all[i] != held {
			s.all[i].Unlock()
		}
	}
}

package dvfs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Setter applies a performance level to the hardware
type Setter interface {
	SetPerformanceLevel(level int)
}

// DefaultPeriod is the sampling period of the feedback loop
const DefaultPeriod = time.Second

// Options configure a Controller
type Options struct {
	Period    time.Duration
	InitLevel Level
	// Now replaces the wall clock in tests.
	Now func() time.Time
	Log *logrus.Entry
}

// Controller owns the busy-time sampler, the vote table and the loop that
// ties them to the hardware level
type Controller struct {
	setter Setter
	period time.Duration
	init   Level
	now    func() time.Time
	log    *logrus.Entry

	busyMu      sync.Mutex
	busy        time.Duration
	inflight    int
	pieceStart  time.Time
	windowStart time.Time

	votesMu sync.Mutex
	clients map[*Votes]struct{}

	levelMu sync.Mutex
	level   Level
	hyst    Hysteresis

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a stopped controller
func New(setter Setter, opts Options) *Controller {
	c := &Controller{
		setter:  setter,
		period:  opts.Period,
		init:    opts.InitLevel,
		now:     opts.Now,
		log:     opts.Log,
		clients: make(map[*Votes]struct{}),
	}
	if c.period <= 0 {
		c.period = DefaultPeriod
	}
	if c.init == LevelAuto || !c.init.Valid() {
		c.init = Level5
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = logrus.WithField("component", "dvfs")
	}
	c.windowStart = c.now()
	return c
}

// Preprocess marks the start of a command
func (c *Controller) Preprocess() {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()

	if c.inflight == 0 {
		c.pieceStart = c.now()
	}
	c.inflight++
}

// Postprocess marks the end of a command
func (c *Controller) Postprocess() {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()

	if c.inflight == 0 {
		return
	}
	c.inflight--
	if c.inflight == 0 {
		c.busy += c.now().Sub(c.since())
	}
}

// since returns where the running busy piece starts counting in the current
// window
func (c *Controller) since() time.Time {
	if c.pieceStart.Before(c.windowStart) {
		return c.windowStart
	}
	return c.pieceStart
}

// Usage returns the busy percentage since the previous call, clamped to
// [0, 100], and starts a new window. An empty or negative window reports 0.
func (c *Controller) Usage() int {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()

	now := c.now()
	busy := c.busy
	if c.inflight > 0 {
		busy += now.Sub(c.since())
		c.pieceStart = now
	}
	elapsed := now.Sub(c.windowStart)

	c.busy = 0
	c.windowStart = now

	if elapsed <= 0 {
		return 0
	}
	percent := int(busy * 100 / elapsed)
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	}
	return percent
}

// Level returns the level last applied
func (c *Controller) Level() Level {
	c.levelMu.Lock()
	defer c.levelMu.Unlock()
	return c.level
}

func (c *Controller) apply(l Level) {
	c.levelMu.Lock()
	defer c.levelMu.Unlock()
	c.applyLocked(l)
}

func (c *Controller) applyLocked(l Level) {
	if l == c.level {
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.level, "to": l}).Debug("performance level")
	c.level = l
	c.setter.SetPerformanceLevel(int(l))
}

// Tick runs one iteration of the feedback loop and returns the level in
// force afterwards. Votes win over the measured load.
func (c *Controller) Tick() Level {
	percent := c.Usage()

	c.levelMu.Lock()
	defer c.levelMu.Unlock()

	if v := c.Effective(); v != LevelAuto {
		c.applyLocked(v)
		return v
	}
	l := c.hyst.Step(percent)
	c.applyLocked(l)
	return l
}

// Start applies the initial level and runs the loop until Stop
func (c *Controller) Start(ctx context.Context) {
	c.apply(c.init)

	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		t := time.NewTicker(c.period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				c.Tick()
			}
		}
	})
}

// Stop ends the loop and drops to the minimum level
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.group.Wait()
	c.cancel = nil
	c.apply(LevelMin)
}

// Votes is one client's vote record
type Votes struct {
	c      *Controller
	counts [NumLevels]int
}

// NewVotes registers a client
func (c *Controller) NewVotes() *Votes {
	v := &Votes{c: c}
	c.votesMu.Lock()
	c.clients[v] = struct{}{}
	c.votesMu.Unlock()
	return v
}

// Effective returns the highest level any client votes for, or LevelAuto
func (c *Controller) Effective() Level {
	c.votesMu.Lock()
	defer c.votesMu.Unlock()

	best := LevelAuto
	for v := range c.clients {
		for l := LevelMax; l > best; l-- {
			if v.counts[l] > 0 {
				best = l
				break
			}
		}
	}
	return best
}

// Hint takes or drops one vote for the level a client hint maps to
func (v *Votes) Hint(hint int, flag int) {
	v.Vote(HintToLevel(hint), flag == HintRelease)
}

// Vote takes or drops one vote for l and applies the resulting level. Auto
// votes are counted but never win.
func (v *Votes) Vote(l Level, release bool) {
	v.c.votesMu.Lock()
	if release {
		if v.counts[l] > 0 {
			v.counts[l]--
		}
	} else {
		v.counts[l]++
	}
	v.c.votesMu.Unlock()

	if eff := v.c.Effective(); eff != LevelAuto {
		v.c.apply(eff)
	}
}

// Release drops every vote of the client and unregisters it
func (v *Votes) Release() {
	v.c.votesMu.Lock()
	v.counts = [NumLevels]int{}
	delete(v.c.clients, v)
	v.c.votesMu.Unlock()

	if eff := v.c.Effective(); eff != LevelAuto {
		v.c.apply(eff)
	}
}

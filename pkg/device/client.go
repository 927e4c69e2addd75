package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/anthropics/purple-vdsp/pkg/driver"
	"github.com/anthropics/purple-vdsp/pkg/dvfs"
	"github.com/anthropics/purple-vdsp/pkg/library"
	"github.com/anthropics/purple-vdsp/pkg/request"
)

// Client is one open session on a device. Its power votes live as long as
// the session.
type Client struct {
	dev    *Device
	votes  *dvfs.Votes
	closed atomic.Bool
}

// Submit runs req synchronously. Requests addressed to the system namespace
// load or unload a library: the input carries the library command and the
// first auxiliary buffer the image. Success-equivalent outcomes such as
// StatusAlreadyLoaded are returned as errors; see driver.IsSuccessEquivalent.
func (c *Client) Submit(ctx context.Context, req *request.Request) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if library.IsSystemNSID(req.NSID) {
		return c.dev.libraryCommand(ctx, req)
	}
	return c.dev.submit(ctx, req)
}

// SetPowerHint takes (flag HintAcquire) or drops (flag HintRelease) a vote
// for the level hint maps to. Hints are ignored when DVFS is disabled.
func (c *Client) SetPowerHint(hint, flag int) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if flag != dvfs.HintAcquire && flag != dvfs.HintRelease {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("power hint flag %d", flag))
	}
	if c.votes != nil {
		c.votes.Hint(hint, flag)
	}
	return nil
}

// Close drops the client's votes and ends the session
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.votes != nil {
		c.votes.Release()
	}
	c.dev.release()
	return nil
}

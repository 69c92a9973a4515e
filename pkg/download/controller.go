package download

import (
	"context"
	"sync"
)

// gate implements pause/resume (§4.G "Pause/Resume/Abort"): Wait blocks
// while paused and unblocks immediately while running, via a channel
// swapped out on each transition rather than a condition variable, so a
// worker can select on it alongside ctx.Done() and the abort channel.
type gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newGate() *gate {
	return &gate{resume: closedChan()}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

func (g *gate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DownloadController is returned alongside a started transfer and exposes
// the cooperative controls spec.md §4.G names: Pause/Resume take effect
// at the next block boundary, Abort cancels immediately, and Completion
// resolves once the transfer finishes, fails, or is aborted.
type DownloadController struct {
	gate   *gate
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func newController(cancel context.CancelFunc) *DownloadController {
	return &DownloadController{
		gate:   newGate(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
}

// Pause suspends block fetching after the in-flight blocks complete.
func (c *DownloadController) Pause() { c.gate.pause() }

// Resume continues a paused transfer.
func (c *DownloadController) Resume() { c.gate.unpause() }

// Abort cancels the transfer immediately; Completion resolves with a
// driveerrors.Abort error once the in-flight work unwinds.
func (c *DownloadController) Abort() { c.cancel() }

// Completion returns a channel that receives the transfer's terminal
// error (nil on success) exactly once, then is closed.
func (c *DownloadController) Completion() <-chan error {
	return c.done
}

func (c *DownloadController) finish(err error) {
	c.once.Do(func() {
		c.done <- err
		close(c.done)
	})
}

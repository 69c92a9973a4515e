package upload

import (
	"context"
	"sync"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
)

// gate is the same pause/resume channel-swap primitive pkg/download uses.
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

// Result is an upload's terminal outcome: the committed node's UID on
// success, or the failure that ended the transfer.
type Result struct {
	NodeUid uid.NodeUid
	Err     error
}

// UploadController is returned alongside a started transfer and exposes
// the cooperative controls §4.H implies by analogy with §4.G's download
// controller: Pause/Resume take effect at the next block boundary, Abort
// cancels immediately, and Completion resolves once the transfer commits,
// fails, or is aborted.
type UploadController struct {
	gate   *gate
	cancel context.CancelFunc
	done   chan Result
	once   sync.Once
}

func newController(cancel context.CancelFunc) *UploadController {
	return &UploadController{
		gate:   newGate(),
		cancel: cancel,
		done:   make(chan Result, 1),
	}
}

// Pause suspends block uploads after the in-flight blocks complete.
func (c *UploadController) Pause() { c.gate.pause() }

// Resume continues a paused transfer.
func (c *UploadController) Resume() { c.gate.unpause() }

// Abort cancels the transfer immediately and triggers best-effort draft
// cleanup; Completion resolves with a driveerrors.Abort error once the
// in-flight work unwinds.
func (c *UploadController) Abort() { c.cancel() }

// Completion returns a channel that receives the transfer's terminal
// Result exactly once, then is closed.
func (c *UploadController) Completion() <-chan Result {
	return c.done
}

func (c *UploadController) finish(nodeUid uid.NodeUid, err error) {
	c.once.Do(func() {
		c.done <- Result{NodeUid: nodeUid, Err: err}
		close(c.done)
	})
}

// Package asynciter maps the source SDK's cooperative async-generator
// combinators onto Go's concurrency primitives: bounded worker pools over
// channels instead of `asyncIteratorMap`, and a select-based fan-in instead
// of `asyncIteratorRace`/`zipGenerators`. Grounded in rclone's use of
// golang.org/x/sync/errgroup for bounded concurrent fan-out.
package asynciter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs a mapped value with the error fn returned for it; it carries
// no input index. MapUnordered delivers results in completion order, not
// input order (§4.D, §8: "asyncIteratorMap... preserves mapper outputs in
// completion order").
type Result[O any] struct {
	Value O
	Err   error
}

// MapUnordered runs fn over items with at most concurrency workers
// in-flight at once, and streams results on the returned channel in
// completion order. The channel is closed once every item has been
// processed or the context is cancelled. Concurrency <= 0 is treated as 1.
func MapUnordered[I, O any](ctx context.Context, items []I, concurrency int, fn func(context.Context, I) (O, error)) <-chan Result[O] {
	if concurrency <= 0 {
		concurrency = 1
	}
	out := make(chan Result[O])
	sem := make(chan struct{}, concurrency)

	go func() {
		defer close(out)
		g, gctx := errgroup.WithContext(ctx)
	itemLoop:
		for _, item := range items {
			item := item
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				break itemLoop
			}
			g.Go(func() error {
				defer func() { <-sem }()
				v, err := fn(gctx, item)
				select {
				case out <- Result[O]{Value: v, Err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// Race returns the value from whichever of a, b produces one first. It is
// the Go analogue of the source's asyncIteratorRace: a select over two
// bounded channels.
func Race[T any](a, b <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		select {
		case v, ok := <-a:
			if ok {
				out <- v
			}
		case v, ok := <-b:
			if ok {
				out <- v
			}
		}
	}()
	return out
}

// ZipMode controls Zip's termination behavior.
type ZipMode int

const (
	// DrainBoth yields from both sides until both are exhausted.
	DrainBoth ZipMode = iota
	// StopOnFirstDone stops the combined stream as soon as either side
	// is exhausted (§4.I: used for the primary diagnostic traversal so a
	// finished walk ends the combined stream).
	StopOnFirstDone
)

// Zip multiplexes two channels into one via a race over each side's next
// item, matching the source's zipGenerators primitive (§4.I). In
// StopOnFirstDone mode the output channel closes as soon as either input
// channel closes; in DrainBoth mode it continues draining the other side.
func Zip[T any](ctx context.Context, a, b <-chan T, mode ZipMode) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		aOpen, bOpen := true, true
		for aOpen || bOpen {
			if !aOpen && !bOpen {
				return
			}
			var aCh, bCh <-chan T
			if aOpen {
				aCh = a
			}
			if bOpen {
				bCh = b
			}
			select {
			case <-ctx.Done():
				return
			case v, ok := <-aCh:
				if !ok {
					aOpen = false
					if mode == StopOnFirstDone {
						return
					}
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case v, ok := <-bCh:
				if !ok {
					bOpen = false
					if mode == StopOnFirstDone {
						return
					}
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

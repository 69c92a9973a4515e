package diagnostic

import (
	"context"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/asynciter"
)

// TelemetryLogRecord is one record from the telemetry log side-channel
// the "full" walker multiplexes alongside the primary diagnostic stream
// (§4.I). Telemetry sinks are an external collaborator per spec.md §1;
// the core only consumes the stream of records they produce.
type TelemetryLogRecord struct {
	Name   string
	Fields map[string]any
}

// HTTPErrorEvent is one record from the HTTP-error side-channel the
// "full" walker multiplexes (§4.I) — surfaced separately from the
// diagnostic traversal so a caller watching a live run sees transport
// trouble as it happens, not only in the final degraded-node tally.
type HTTPErrorEvent struct {
	URL string
	Err error
}

// Feed is one item out of RunFull: exactly one of Diagnostic,
// TelemetryLog or HTTPError is set, according to which side produced it.
type Feed struct {
	Diagnostic   *DiagnosticResult
	TelemetryLog *TelemetryLogRecord
	HTTPError    *HTTPErrorEvent
}

func wrapFeed[T any](in <-chan T, assign func(T) Feed) <-chan Feed {
	out := make(chan Feed)
	go func() {
		defer close(out)
		for v := range in {
			out <- assign(v)
		}
	}()
	return out
}

// RunFull multiplexes the primary diagnostic traversal with two live
// side streams — telemetry log records and HTTP-error events — via
// zipGenerators (§4.I): "Both sides are polled concurrently via a race
// over their next-item futures. Whichever side resolves first is
// yielded." The side channels are drained fully against each other
// (DrainBoth); the combined side stream is then raced against the
// primary traversal in StopOnFirstDone mode, so a finished walk ends the
// whole combined stream even if telemetry/HTTP events are still
// arriving, exactly the termination rule §4.I specifies for the primary
// traversal.
func RunFull(ctx context.Context, primary <-chan DiagnosticResult, telemetryLog <-chan TelemetryLogRecord, httpErrors <-chan HTTPErrorEvent) <-chan Feed {
	diagFeed := wrapFeed(primary, func(v DiagnosticResult) Feed { return Feed{Diagnostic: &v} })
	logFeed := wrapFeed(telemetryLog, func(v TelemetryLogRecord) Feed { return Feed{TelemetryLog: &v} })
	errFeed := wrapFeed(httpErrors, func(v HTTPErrorEvent) Feed { return Feed{HTTPError: &v} })

	sideFeed := asynciter.Zip(ctx, logFeed, errFeed, asynciter.DrainBoth)
	return asynciter.Zip(ctx, diagFeed, sideFeed, asynciter.StopOnFirstDone)
}

package httptransport

import (
	"sync"
	"time"

	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/driveevents"
)

// circuitBreaker counts *subsequent* errors, reset by any success (§4.B).
// Once the count reaches threshold it trips: every call is refused for
// cooldown, then the breaker resets itself on the next probe regardless
// of outcome. Grounded in lib/pacer's State{SleepTime,
// ConsecutiveRetries} bookkeeping idiom, generalized from "slow down" to
// "refuse outright for a while".
type circuitBreaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	consecutive   int
	trippedUntil  time.Time
	tripEvent     driveevents.Kind
	resetEvent    driveevents.Kind
	bus           *driveevents.Bus
}

func newCircuitBreaker(threshold int, cooldown time.Duration, tripEvent, resetEvent driveevents.Kind, bus *driveevents.Bus) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		cooldown:   cooldown,
		tripEvent:  tripEvent,
		resetEvent: resetEvent,
		bus:        bus,
	}
}

// tripped reports whether the breaker currently refuses calls. It also
// performs the cooldown-expiry transition and fires resetEvent exactly
// once when the cooldown lapses.
func (b *circuitBreaker) tripped(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trippedUntil.IsZero() {
		return false
	}
	if now.Before(b.trippedUntil) {
		return true
	}
	b.trippedUntil = time.Time{}
	b.consecutive = 0
	if b.bus != nil {
		b.bus.Emit(driveevents.Event{Kind: b.resetEvent})
	}
	return false
}

// recordFailure bumps the consecutive-error count and trips the breaker
// once threshold is reached.
func (b *circuitBreaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold && b.trippedUntil.IsZero() {
		b.trippedUntil = now.Add(b.cooldown)
		if b.bus != nil {
			b.bus.Emit(driveevents.Event{Kind: b.tripEvent})
		}
	}
}

// recordSuccess resets the consecutive-error count (any success resets
// the counter per §4.B, even one that doesn't clear an active trip).
func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

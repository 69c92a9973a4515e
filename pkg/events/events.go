// Package events implements the event engine (§4.F): a single-threaded
// cooperative poller per subscribed tree event scope, translating
// server-polled pages into DriveEvent values delivered, in order, to
// that scope's listeners.
//
// Grounded in rclone's backend/cache background-refresh loop and
// fs/accounting's ticking stats loop (a time.Ticker driven goroutine
// with a cancel channel), generalized from a single fixed interval to
// the spec's per-scope cadence (fast for core/own volumes, jittered
// exponential backoff for foreign ones).
package events

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
)

// Kind is the closed set of event types a scope poll can deliver (§4.F).
type Kind int

const (
	NodeCreated Kind = iota
	NodeUpdated
	NodeDeleted
	TreeRefresh
	TreeRemove
	FastForward
	SharedWithMeUpdated
)

func (k Kind) String() string {
	switch k {
	case NodeCreated:
		return "node_created"
	case NodeUpdated:
		return "node_updated"
	case NodeDeleted:
		return "node_deleted"
	case TreeRefresh:
		return "tree_refresh"
	case TreeRemove:
		return "tree_remove"
	case FastForward:
		return "fast_forward"
	case SharedWithMeUpdated:
		return "shared_with_me_updated"
	default:
		return "unknown"
	}
}

// DriveEvent is one server-reported change (§4.F). Not every field is
// meaningful for every Kind; see the per-Kind table in §4.F.
type DriveEvent struct {
	Kind      Kind
	ScopeID   string
	NodeUid   uid.NodeUid
	ParentUid *uid.NodeUid
	IsTrashed bool
	IsShared  bool
}

// Listener receives events for a single scope, one at a time and in
// server order (§4.F "Listener invocations for a given scope are
// serialized"). A listener that panics is recovered, logged, and
// skipped; it never stops the poller.
type Listener func(DriveEvent)

// ScopeKind selects a scope's polling cadence (§4.F): frequent for
// account-wide and the user's own volumes, degraded for volumes shared
// by someone else.
type ScopeKind int

const (
	ScopeCore ScopeKind = iota
	ScopeOwnVolume
	ScopeForeignVolume
)

const (
	coreScopeID = "core"

	fastPollInterval = 5 * time.Second

	foreignPollIntervalMin = 30 * time.Second
	foreignPollIntervalMax = 5 * time.Minute
)

// LatestEventIdProvider persists a scope's poll cursor across restarts
// (§4.F "consults a pluggable LatestEventIdProvider for the persisted
// cursor").
type LatestEventIdProvider interface {
	GetLatestEventId(ctx context.Context, scopeID string) (eventID string, ok bool, err error)
	SetLatestEventId(ctx context.Context, scopeID string, eventID string) error
}

// API is the subset of the transport the poller consumes.
type API interface {
	// PollEvents fetches events for scopeID since cursor (empty cursor
	// means "from the server's current head"). nextCursor is always
	// non-empty on success and must be persisted before the next poll.
	PollEvents(ctx context.Context, scopeID string, cursor string) (evs []DriveEvent, nextCursor string, err error)
	// CurrentEventId returns the server's current head cursor for
	// scopeID, used when no persisted cursor exists.
	CurrentEventId(ctx context.Context, scopeID string) (eventID string, err error)
}

// NodeCache is the subset of pkg/nodeaccess.Service's cache discipline
// the event engine drives. §4.F's per-event table has no payload for
// NodeCreated/NodeUpdated (only the uid, an optional parent, and the
// trashed/shared flags) so there is nothing to write into the cache -
// "upsert" is implemented as an eviction that forces the next read to
// re-fetch and re-decrypt, exactly as a plain cache miss would; evicting
// on NodeDeleted is the literal §4.D "cached material for a trashed or
// deleted node is evicted on the matching event".
type NodeCache interface {
	InvalidateNode(ctx context.Context, id uid.NodeUid) error
}

// ShareCache is the subset of pkg/shares.Service the core scope's
// SharedWithMeUpdated event invalidates (§4.E "cache invalidation
// follows the SharedWithMeUpdated event"). The event names no
// particular volume, so the engine drops every share key the resolver
// has cached rather than one.
type ShareCache interface {
	InvalidateAllShareKeys(ctx context.Context) error
}

// Subscription is the handle returned by Subscribe*; Unsubscribe stops
// polling after the current page completes (§4.F "Cancellation").
type Subscription struct {
	stop func()
	once sync.Once
}

// Unsubscribe stops this subscription's poller. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.stop)
}

// Options tunes the poll cadence; the defaults are the intervals named
// in §4.F, overridable the way httptransport.Options overrides its own
// retry delays.
type Options struct {
	FastPollInterval time.Duration
	ForeignPollMin   time.Duration
	ForeignPollMax   time.Duration
	NodeCache        NodeCache
	ShareCache       ShareCache
}

// Option mutates Options.
type Option func(*Options)

// WithFastPollInterval overrides the core/own-volume poll cadence.
func WithFastPollInterval(d time.Duration) Option {
	return func(o *Options) { o.FastPollInterval = d }
}

// WithForeignPollBounds overrides the foreign-volume backoff range.
func WithForeignPollBounds(min, max time.Duration) Option {
	return func(o *Options) { o.ForeignPollMin, o.ForeignPollMax = min, max }
}

// WithNodeCache wires the entities/crypto cache discipline (via
// pkg/nodeaccess.Service) into the engine, so §4.F's per-event table is
// applied before a delivered event reaches user listeners (§2 "Polling
// event stream → cache invalidation → listener fan-out").
func WithNodeCache(c NodeCache) Option { return func(o *Options) { o.NodeCache = c } }

// WithShareCache wires the share-key cache invalidation (via
// pkg/shares.Service) into the engine, for the core scope's
// SharedWithMeUpdated event (§4.E).
func WithShareCache(c ShareCache) Option { return func(o *Options) { o.ShareCache = c } }

// Engine runs one poller goroutine per (scope, listener) subscription.
// Distinct subscriptions to the same scope poll and advance the cursor
// independently; this keeps each subscription's lifecycle (and jitter)
// fully decoupled at the cost of duplicate polls for the same scope,
// a simplification spec.md's §4.F does not forbid.
type Engine struct {
	api        API
	cursors    LatestEventIdProvider
	log        *logrus.Entry
	opts       Options
	nodeCache  NodeCache
	shareCache ShareCache
}

// New builds an event engine.
func New(api API, cursors LatestEventIdProvider, log *logrus.Entry, opts ...Option) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	o := Options{
		FastPollInterval: fastPollInterval,
		ForeignPollMin:   foreignPollIntervalMin,
		ForeignPollMax:   foreignPollIntervalMax,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		api:        api,
		cursors:    cursors,
		log:        log,
		opts:       o,
		nodeCache:  o.NodeCache,
		shareCache: o.ShareCache,
	}
}

// SubscribeToDriveEvents implements §4.F subscribeToDriveEvents: the
// account-wide core scope, polled at the fast cadence.
func (e *Engine) SubscribeToDriveEvents(listener Listener) *Subscription {
	return e.SubscribeToTreeEvents(coreScopeID, ScopeCore, listener)
}

// SubscribeToTreeEvents implements §4.F subscribeToTreeEvents.
func (e *Engine) SubscribeToTreeEvents(scopeID string, kind ScopeKind, listener Listener) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := &Subscription{stop: func() {
		cancel()
		<-done
	}}

	go func() {
		defer close(done)
		e.poll(ctx, scopeID, kind, listener)
	}()

	return sub
}

func (e *Engine) poll(ctx context.Context, scopeID string, kind ScopeKind, listener Listener) {
	cursor, err := e.initialCursor(ctx, scopeID)
	if err != nil {
		e.log.WithError(err).WithField("scope", scopeID).Warn("failed to resolve initial event cursor")
		return
	}

	backoff := e.opts.ForeignPollMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evs, next, err := e.api.PollEvents(ctx, scopeID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).WithField("scope", scopeID).Warn("event poll failed, retrying after backoff")
			if !e.sleep(ctx, e.pollInterval(kind, &backoff)) {
				return
			}
			continue
		}

		for _, ev := range evs {
			ev.ScopeID = scopeID
			e.applyCacheDiscipline(ctx, ev)
			invokeListener(listener, ev, e.log)
			if ev.Kind == TreeRemove {
				return
			}
		}

		cursor = next
		if setErr := e.cursors.SetLatestEventId(ctx, scopeID, cursor); setErr != nil {
			e.log.WithError(setErr).WithField("scope", scopeID).Warn("failed to persist event cursor")
		}

		if kind != ScopeForeignVolume {
			backoff = e.opts.ForeignPollMin
		}
		if !e.sleep(ctx, e.pollInterval(kind, &backoff)) {
			return
		}
	}
}

// applyCacheDiscipline runs the §4.F per-event table against the wired
// caches *before* ev reaches the user listener (§2's "polling event
// stream → cache invalidation → listener fan-out"), so a listener that
// immediately re-reads a touched node never observes stale cache state.
//
//   - NodeCreated/NodeUpdated: "upsert in cache" - the event carries no
//     encrypted payload to upsert with, so the cached record (if any) is
//     evicted, forcing the next read to re-fetch and re-decrypt. This
//     also covers a node transitioning to trashed, which the source
//     delivers as a NodeUpdated with IsTrashed set rather than a
//     distinct kind.
//   - NodeDeleted: evict, per §4.D "cached material for a trashed or
//     deleted node is evicted on the matching event".
//   - SharedWithMeUpdated: invalidate every cached share key (§4.E);
//     the event names no particular volume.
//   - TreeRefresh/TreeRemove/FastForward: no per-node ids are carried.
//     TreeRefresh and TreeRemove are the listener's responsibility to
//     act on (drop scope state / unsubscribe, §4.F); FastForward
//     conservatively only advances the cursor (§9 Open Questions).
func (e *Engine) applyCacheDiscipline(ctx context.Context, ev DriveEvent) {
	switch ev.Kind {
	case NodeCreated, NodeUpdated:
		if e.nodeCache == nil {
			return
		}
		if err := e.nodeCache.InvalidateNode(ctx, ev.NodeUid); err != nil {
			e.log.WithError(err).WithField("uid", ev.NodeUid.String()).Warn("failed to invalidate node cache entry")
		}
	case NodeDeleted:
		if e.nodeCache == nil {
			return
		}
		if err := e.nodeCache.InvalidateNode(ctx, ev.NodeUid); err != nil {
			e.log.WithError(err).WithField("uid", ev.NodeUid.String()).Warn("failed to evict deleted node from cache")
		}
	case SharedWithMeUpdated:
		if e.shareCache == nil {
			return
		}
		if err := e.shareCache.InvalidateAllShareKeys(ctx); err != nil {
			e.log.WithError(err).Warn("failed to invalidate share key cache")
		}
	}
}

func (e *Engine) initialCursor(ctx context.Context, scopeID string) (string, error) {
	if id, ok, err := e.cursors.GetLatestEventId(ctx, scopeID); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	return e.api.CurrentEventId(ctx, scopeID)
}

// pollInterval returns the delay before the next poll. For core/own
// volumes it is the fixed fast interval; for foreign volumes backoff
// doubles (capped) each call and is jittered by ±25% so concurrently
// subscribed foreign scopes don't poll in lockstep (§4.F "exponential
// with per-subscription jitter").
func (e *Engine) pollInterval(kind ScopeKind, backoff *time.Duration) time.Duration {
	if kind != ScopeForeignVolume {
		return e.opts.FastPollInterval
	}
	interval := *backoff
	next := *backoff * 2
	if next > e.opts.ForeignPollMax {
		next = e.opts.ForeignPollMax
	}
	*backoff = next

	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(interval))
	return interval + jitter
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func invokeListener(listener Listener, ev DriveEvent, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("scope", ev.ScopeID).WithField("panic", r).Error("event listener panicked, skipping")
		}
	}()
	listener(ev)
}

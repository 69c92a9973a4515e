package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
)

type fakeCursors struct {
	mu   sync.Mutex
	ids  map[string]string
	sets int
}

func newFakeCursors() *fakeCursors { return &fakeCursors{ids: make(map[string]string)} }

func (f *fakeCursors) GetLatestEventId(_ context.Context, scopeID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[scopeID]
	return id, ok, nil
}

func (f *fakeCursors) SetLatestEventId(_ context.Context, scopeID string, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[scopeID] = eventID
	f.sets++
	return nil
}

// fakeAPI replays a fixed sequence of pages, then returns an empty page
// forever so the poller keeps running until unsubscribed.
type fakeAPI struct {
	mu    sync.Mutex
	pages [][]DriveEvent
	next  int
}

func (f *fakeAPI) CurrentEventId(context.Context, string) (string, error) { return "cursor-0", nil }

func (f *fakeAPI) PollEvents(_ context.Context, _ string, _ string) ([]DriveEvent, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.pages) {
		return nil, "cursor-end", nil
	}
	page := f.pages[f.next]
	f.next++
	return page, "cursor-" + time.Now().String(), nil
}

func TestSubscribeToTreeEventsDeliversEventsInOrder(t *testing.T) {
	nodeA := uid.NodeUid{VolumeID: "v1", NodeID: "a"}
	nodeB := uid.NodeUid{VolumeID: "v1", NodeID: "b"}
	api := &fakeAPI{pages: [][]DriveEvent{
		{{Kind: NodeCreated, NodeUid: nodeA}, {Kind: NodeUpdated, NodeUid: nodeB}},
	}}
	cursors := newFakeCursors()
	engine := New(api, cursors, nil, WithFastPollInterval(5*time.Millisecond))

	var mu sync.Mutex
	var received []DriveEvent
	done := make(chan struct{})
	sub := engine.SubscribeToTreeEvents("v1", ScopeOwnVolume, func(ev DriveEvent) {
		mu.Lock()
		received = append(received, ev)
		if len(received) == 2 {
			close(done)
		}
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, NodeCreated, received[0].Kind)
	assert.Equal(t, nodeA, received[0].NodeUid)
	assert.Equal(t, "v1", received[0].ScopeID)
	assert.Equal(t, NodeUpdated, received[1].Kind)
	assert.Equal(t, nodeB, received[1].NodeUid)
}

func TestTreeRemoveStopsThePoller(t *testing.T) {
	api := &fakeAPI{pages: [][]DriveEvent{
		{{Kind: TreeRemove}},
	}}
	cursors := newFakeCursors()
	engine := New(api, cursors, nil, WithFastPollInterval(5*time.Millisecond))

	done := make(chan struct{})
	sub := engine.SubscribeToTreeEvents("v2", ScopeOwnVolume, func(ev DriveEvent) {
		if ev.Kind == TreeRemove {
			close(done)
		}
	})
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TreeRemove")
	}
}

func TestListenerPanicDoesNotStopPoller(t *testing.T) {
	nodeA := uid.NodeUid{VolumeID: "v3", NodeID: "a"}
	api := &fakeAPI{pages: [][]DriveEvent{
		{{Kind: NodeDeleted, NodeUid: nodeA}},
		{{Kind: NodeDeleted, NodeUid: nodeA}},
	}}
	cursors := newFakeCursors()
	engine := New(api, cursors, nil, WithFastPollInterval(5*time.Millisecond))

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	sub := engine.SubscribeToTreeEvents("v3", ScopeOwnVolume, func(ev DriveEvent) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("listener blew up")
		}
		if n == 2 {
			close(done)
		}
	})
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not survive a listener panic")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	api := &fakeAPI{}
	cursors := newFakeCursors()
	engine := New(api, cursors, nil, WithFastPollInterval(5*time.Millisecond))

	sub := engine.SubscribeToDriveEvents(func(DriveEvent) {})
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
}

// fakeNodeCache records every invalidated uid so tests can assert the
// engine applies cache discipline before the listener sees the event.
type fakeNodeCache struct {
	mu      sync.Mutex
	evicted []uid.NodeUid
}

func (c *fakeNodeCache) InvalidateNode(_ context.Context, id uid.NodeUid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, id)
	return nil
}

func (c *fakeNodeCache) has(id uid.NodeUid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.evicted {
		if e == id {
			return true
		}
	}
	return false
}

type fakeShareCache struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeShareCache) InvalidateAllShareKeys(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *fakeShareCache) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// TestCacheDisciplineAppliedBeforeListener covers §8 scenario 5: once a
// node is updated then deleted, its cache entry must already be gone by
// the time the listener observes the NodeDeleted event, and a
// SharedWithMeUpdated event must drop every cached share key.
func TestCacheDisciplineAppliedBeforeListener(t *testing.T) {
	node := uid.NodeUid{VolumeID: "v4", NodeID: "n1"}
	api := &fakeAPI{pages: [][]DriveEvent{
		{
			{Kind: NodeUpdated, NodeUid: node},
			{Kind: NodeDeleted, NodeUid: node},
			{Kind: SharedWithMeUpdated},
		},
	}}
	cursors := newFakeCursors()
	nodeCache := &fakeNodeCache{}
	shareCache := &fakeShareCache{}
	engine := New(api, cursors, nil,
		WithFastPollInterval(5*time.Millisecond),
		WithNodeCache(nodeCache),
		WithShareCache(shareCache),
	)

	var mu sync.Mutex
	var seenKinds []Kind
	done := make(chan struct{})
	sub := engine.SubscribeToTreeEvents("v4", ScopeOwnVolume, func(ev DriveEvent) {
		mu.Lock()
		defer mu.Unlock()
		// The cache must already reflect this event by the time the
		// listener runs, not some time after.
		if ev.Kind == NodeDeleted {
			assert.True(t, nodeCache.has(node))
		}
		if ev.Kind == SharedWithMeUpdated {
			assert.Equal(t, 1, shareCache.callCount())
		}
		seenKinds = append(seenKinds, ev.Kind)
		if len(seenKinds) == 3 {
			close(done)
		}
	})
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	require.True(t, nodeCache.has(node))
	require.Equal(t, 1, shareCache.callCount())
}

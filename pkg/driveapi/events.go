package driveapi

import (
	"context"
	"net/http"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/events"
)

// eventsURL resolves a scope's polling endpoint: "core" is account-wide
// (§4.F), anything else is a volume ID.
func (c *Client) eventsURL(scopeID string, suffix string) string {
	if scopeID == "core" {
		return c.url("/drive/v2/core/events%s", suffix)
	}
	return c.volumeURL(scopeID, "/events%s", suffix)
}

type wireDriveEvent struct {
	Type      string `json:"Type"`
	LinkID    string `json:"LinkID"`
	ParentID  string `json:"ParentID"`
	IsTrashed bool   `json:"IsTrashed"`
	IsShared  bool   `json:"IsShared"`
}

type wireEventsPage struct {
	Code       int              `json:"Code"`
	Events     []wireDriveEvent `json:"Events"`
	NextCursor string           `json:"NextCursor"`
}

var eventKindByWire = map[string]events.Kind{
	"NodeCreated":         events.NodeCreated,
	"NodeUpdated":         events.NodeUpdated,
	"NodeDeleted":         events.NodeDeleted,
	"TreeRefresh":         events.TreeRefresh,
	"TreeRemove":          events.TreeRemove,
	"FastForward":         events.FastForward,
	"SharedWithMeUpdated": events.SharedWithMeUpdated,
}

// PollEvents implements events.API.
func (c *Client) PollEvents(ctx context.Context, scopeID, cursor string) ([]events.DriveEvent, string, error) {
	suffix := ""
	if cursor != "" {
		suffix = "?Since=" + cursor
	}
	var resp wireEventsPage
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.eventsURL(scopeID, suffix), nil, &resp); err != nil {
		return nil, "", err
	}
	out := make([]events.DriveEvent, 0, len(resp.Events))
	for _, we := range resp.Events {
		kind, ok := eventKindByWire[we.Type]
		if !ok {
			continue
		}
		ev := events.DriveEvent{Kind: kind, ScopeID: scopeID, IsTrashed: we.IsTrashed, IsShared: we.IsShared}
		if we.LinkID != "" {
			volumeID := scopeID
			ev.NodeUid = uid.NodeUid{VolumeID: volumeID, NodeID: we.LinkID}
		}
		if we.ParentID != "" {
			volumeID := scopeID
			p := uid.NodeUid{VolumeID: volumeID, NodeID: we.ParentID}
			ev.ParentUid = &p
		}
		out = append(out, ev)
	}
	return out, resp.NextCursor, nil
}

// CurrentEventId implements events.API.
func (c *Client) CurrentEventId(ctx context.Context, scopeID string) (string, error) {
	var resp struct {
		Code       int    `json:"Code"`
		NextCursor string `json:"NextCursor"`
	}
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.eventsURL(scopeID, "/latest"), nil, &resp); err != nil {
		return "", err
	}
	return resp.NextCursor, nil
}

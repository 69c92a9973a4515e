package driveapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/httptransport"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/upload"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	transport := httptransport.New(srv.Client())
	return New(transport, srv.URL), srv.Close
}

func TestFetchNodeDecodesFolderRecord(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v2/volumes/vol1/links/node1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Code": 1000,
			"Link": map[string]any{
				"LinkID":         "node1",
				"ParentLinkID":   "root",
				"Type":           2,
				"CreateTime":     1700000000,
				"NodeKey":        "armored-key",
				"NodePassphrase": "armored-pass",
				"Name":           "armored-name",
				"FolderProperties": map[string]any{
					"NodeHashKey": "armored-hash-key",
				},
			},
		})
	})
	defer closeSrv()

	enc, err := client.FetchNode(context.Background(), uid.NodeUid{VolumeID: "vol1", NodeID: "node1"})
	require.NoError(t, err)
	assert.Equal(t, "vol1", enc.Uid.VolumeID)
	assert.Equal(t, "node1", enc.Uid.NodeID)
	require.NotNil(t, enc.ParentUid)
	assert.Equal(t, "root", enc.ParentUid.NodeID)
	assert.Equal(t, "armored-hash-key", string(enc.ArmoredHashKey))
}

func TestCheckAvailableHashesMarksUnlistedAsTaken(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v2/volumes/vol1/links/parent1/checkAvailableHashes", r.URL.Path)
		var body hashProbeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.ElementsMatch(t, []string{"h1", "h2"}, body.Hashes)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Code":            1000,
			"AvailableHashes": []string{"h2"},
		})
	})
	defer closeSrv()

	available, err := client.CheckAvailableHashes(context.Background(), uid.NodeUid{VolumeID: "vol1", NodeID: "parent1"}, []string{"h1", "h2"})
	require.NoError(t, err)
	assert.False(t, available["h1"])
	assert.True(t, available["h2"])
}

func TestBulkTrashReturnsPerNodeResults(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v2/volumes/vol1/links/trash_multiple", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Code": 1001,
			"Responses": []map[string]any{
				{"LinkID": "n1", "Response": map[string]any{"Code": 1000}},
				{"LinkID": "n2", "Response": map[string]any{"Code": 2501, "Error": "not_found"}},
				{"LinkID": "n3", "Response": map[string]any{"Code": 1000}},
			},
		})
	})
	defer closeSrv()

	ids := []uid.NodeUid{
		{VolumeID: "vol1", NodeID: "n1"},
		{VolumeID: "vol1", NodeID: "n2"},
		{VolumeID: "vol1", NodeID: "n3"},
	}
	replies, err := client.Trash(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, replies, 3)

	byID := map[string]bool{}
	for _, r := range replies {
		byID[r.Uid.NodeID] = r.Ok
	}
	assert.True(t, byID["n1"])
	assert.False(t, byID["n2"])
	assert.True(t, byID["n3"])
}

func TestUploadAPICheckAvailableHashesReportsPendingClient(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Code": 1000,
			"PendingHashes": []map[string]any{
				{"Hash": "h1", "LinkID": "draft1", "ClientUid": "other-client"},
			},
		})
	})
	defer closeSrv()

	adapter := UploadAPI{client}
	avail, err := adapter.CheckAvailableHashes(context.Background(), uid.NodeUid{VolumeID: "vol1", NodeID: "parent1"}, []string{"h1"})
	require.NoError(t, err)
	require.False(t, avail["h1"].Available)
	require.NotNil(t, avail["h1"].PendingDraftNodeUid)
	assert.Equal(t, "draft1", avail["h1"].PendingDraftNodeUid.NodeID)
	assert.Equal(t, "other-client", avail["h1"].PendingDraftClientUid)
}

func TestUploadBlockAttachesStorageTokenNotCredentials(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "tok-123", r.Header.Get("pm-storage-token"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := httptransport.New(srv.Client())
	client := New(transport, srv.URL)

	token := upload.BlockUploadToken{Index: 0, BareURL: srv.URL + "/storage/block1", Token: "tok-123"}
	err := client.UploadBlock(context.Background(), token, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, "/storage/block1", gotPath)
}

package nodeaccess

import (
	"context"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
)

// Page is one server page of encrypted node records plus an opaque
// continuation token (empty when exhausted).
type Page struct {
	Records       []nodecrypto.EncryptedNode
	NextPageToken string
}

// BatchReply is one bulk-operation outcome (§4.D "batching"): the server
// replies per-UID, and a partial failure never aborts the rest of the
// batch.
type BatchReply struct {
	Uid uid.NodeUid
	Ok  bool
	Err error
}

// RenameRequest carries the fields needed to rename a node in place.
type RenameRequest struct {
	ArmoredName    string
	NameSignatureEmail string
	Hash           string // generateLookupHash(newName, parentHashKey), §4.A
}

// MoveRequest carries the fields needed to move a node to a new parent.
type MoveRequest struct {
	NewParentUid uid.NodeUid
	ArmoredName  string
	Hash         string
}

// CreateFolderRequest carries the fields needed to create a folder.
type CreateFolderRequest struct {
	ArmoredName       string
	NameSignatureEmail string
	Hash              string
	ArmoredNodeKey    string
	ArmoredPassphrase string
	ArmoredHashKey    string
}

// API is the subset of the §4.B transport that §4.D's tree operations
// consume. It is deliberately narrow (one verb per operation) so a fake
// implementing it is the whole test double, the way transport_test.go's
// scriptedFetcher stands in for the wider httptransport.Fetcher.
type API interface {
	FetchNode(ctx context.Context, id uid.NodeUid) (nodecrypto.EncryptedNode, error)
	FetchChildren(ctx context.Context, parent uid.NodeUid, pageToken string) (Page, error)
	FetchTrashed(ctx context.Context, volumeID string, pageToken string) (Page, error)

	// CheckAvailableHashes probes the destination parent's name-hash
	// space (POST .../checkAvailableHashes, §6): hashes not present in
	// the reply's available set are taken.
	CheckAvailableHashes(ctx context.Context, parent uid.NodeUid, hashes []string) (available map[string]bool, err error)

	Rename(ctx context.Context, id uid.NodeUid, req RenameRequest) error
	Move(ctx context.Context, ids []uid.NodeUid, req MoveRequest) ([]BatchReply, error)
	Trash(ctx context.Context, ids []uid.NodeUid) ([]BatchReply, error)
	Restore(ctx context.Context, ids []uid.NodeUid) ([]BatchReply, error)
	// Delete is the core's POST .../delete_multiple (§6) for
	// permanently-deleting already-trashed nodes.
	Delete(ctx context.Context, ids []uid.NodeUid) ([]BatchReply, error)
	CreateFolder(ctx context.Context, parent uid.NodeUid, req CreateFolderRequest) (nodecrypto.EncryptedNode, error)
}

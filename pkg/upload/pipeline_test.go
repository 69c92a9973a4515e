package upload

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

// fakePGP is unused by block encrypt/decrypt (those bypass the OpenPGP
// capability entirely, straight to secretbox) but Cipher still requires
// one to construct; a no-op stand-in is enough here, same fixture shape
// pkg/download's test file uses.
type fakePGP struct{}

func (fakePGP) GenerateKey(context.Context, string, []byte) (drivecrypto.ArmoredKey, error) {
	return "generated-key", nil
}
func (fakePGP) UnlockKey(context.Context, drivecrypto.ArmoredKey, []byte) (drivecrypto.ArmoredKey, error) {
	return "unlocked-key", nil
}
func (fakePGP) EncryptMessage(context.Context, []byte, drivecrypto.ArmoredKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return "encrypted-message", nil
}
func (fakePGP) EncryptMessageWithSessionKey(context.Context, []byte, drivecrypto.ArmoredKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, drivecrypto.SessionKey, error) {
	return "encrypted-passphrase", drivecrypto.SessionKey{}, nil
}
func (fakePGP) DecryptMessage(context.Context, drivecrypto.ArmoredMessage, drivecrypto.ArmoredKey, []drivecrypto.ArmoredKey) ([]byte, drivecrypto.VerificationStatus, error) {
	return nil, drivecrypto.NotSigned, nil
}
func (fakePGP) EncryptSessionKey(context.Context, drivecrypto.SessionKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return "", nil
}
func (fakePGP) EncryptSessionKeyBinary(context.Context, drivecrypto.SessionKey, drivecrypto.ArmoredKey) ([]byte, error) {
	return []byte("content-key-packet"), nil
}
func (fakePGP) DecryptSessionKey(context.Context, drivecrypto.ArmoredMessage, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakePGP) DecryptSessionKeyBinary(context.Context, []byte, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakePGP) DecryptUnsignedSessionKey(context.Context, drivecrypto.ArmoredMessage, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakePGP) SignDetached(context.Context, []byte, drivecrypto.ArmoredKey, *drivecrypto.SigningContext) (drivecrypto.ArmoredSignature, error) {
	return "detached-sig", nil
}
func (fakePGP) VerifyDetached(context.Context, []byte, drivecrypto.ArmoredSignature, []drivecrypto.ArmoredKey, *drivecrypto.SigningContext) (drivecrypto.VerificationStatus, error) {
	return drivecrypto.SignedAndValid, nil
}
func (fakePGP) EncryptSymmetric(context.Context, []byte, drivecrypto.SessionKey) ([]byte, error) {
	return []byte("symmetric-ciphertext"), nil
}
func (fakePGP) DecryptSymmetric(context.Context, []byte, drivecrypto.SessionKey) ([]byte, error) {
	return nil, nil
}

var _ drivecrypto.OpenPGPCrypto = fakePGP{}

// fakeAPI records every call the pipeline makes and serves deterministic
// replies, so tests can assert on the shape of the §4.H wire protocol
// without a real transport.
type fakeAPI struct {
	mu sync.Mutex

	nextNodeUid     uid.NodeUid
	nextRevisionUid uid.RevisionUid

	draftReq         *DraftRequest
	revisionDraftReq *RevisionDraftRequest
	blockReqs        []BlockUploadRequest
	thumbnailReqs    []ThumbnailUpload
	uploaded         map[string][]byte
	committed        *CommitRequest
	deletedDraft     *uid.NodeUid
	deletedRevision  *uid.RevisionUid

	failUpload bool
	barrier    chan struct{}
}

func (f *fakeAPI) CheckAvailableHashes(ctx context.Context, parent uid.NodeUid, hashes []string) (map[string]HashAvailability, error) {
	out := make(map[string]HashAvailability, len(hashes))
	for _, h := range hashes {
		out[h] = HashAvailability{Available: true}
	}
	return out, nil
}

func (f *fakeAPI) CreateDraft(ctx context.Context, req DraftRequest) (DraftReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draftReq = &req
	return DraftReply{NodeUid: f.nextNodeUid, RevisionUid: f.nextRevisionUid}, nil
}

func (f *fakeAPI) CreateDraftRevision(ctx context.Context, req RevisionDraftRequest) (DraftReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisionDraftReq = &req
	return DraftReply{NodeUid: req.NodeUid, RevisionUid: f.nextRevisionUid}, nil
}

func (f *fakeAPI) GetVerificationData(ctx context.Context, revision uid.RevisionUid) (VerificationData, error) {
	return VerificationData{VerificationCode: []byte("verification-code")}, nil
}

func (f *fakeAPI) RequestBlockUpload(ctx context.Context, revision uid.RevisionUid, blocks []BlockUploadRequest, thumbnails []ThumbnailUpload) ([]BlockUploadToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockReqs = blocks
	f.thumbnailReqs = thumbnails
	tokens := make([]BlockUploadToken, len(blocks))
	for i, b := range blocks {
		tokens[i] = BlockUploadToken{Index: b.Index, BareURL: fmt.Sprintf("block-%d", b.Index), Token: fmt.Sprintf("token-%d", b.Index)}
	}
	return tokens, nil
}

func (f *fakeAPI) UploadBlock(ctx context.Context, token BlockUploadToken, ciphertext []byte) error {
	if f.barrier != nil {
		select {
		case <-f.barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failUpload {
		return driveerrors.New(driveerrors.Network, "simulated block upload failure", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[token.Token] = ciphertext
	return nil
}

func (f *fakeAPI) CommitDraftRevision(ctx context.Context, revision uid.RevisionUid, req CommitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = &req
	return nil
}

func (f *fakeAPI) DeleteDraft(ctx context.Context, node uid.NodeUid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDraft = &node
	return nil
}

func (f *fakeAPI) DeleteDraftRevision(ctx context.Context, revision uid.RevisionUid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRevision = &revision
	return nil
}

// fakeParents resolves the same node/key regardless of uid, matching
// pkg/download's test fixture shape.
type fakeParents struct {
	node nodes.Node
}

func (f *fakeParents) GetNode(context.Context, uid.NodeUid) (nodes.MaybeMissingNode, error) {
	return nodes.OkMissingNode(f.node), nil
}
func (f *fakeParents) ResolveNodeKey(context.Context, uid.NodeUid) (drivecrypto.ArmoredKey, nodecrypto.ParentKey, error) {
	return "parent-node-key", nodecrypto.ParentKey{}, nil
}

type fakeSigning struct{}

func (fakeSigning) GetVolumeEmailKey(context.Context, string) (string, drivecrypto.ArmoredKey, error) {
	return "owner@example.com", "signing-key", nil
}

func folderNode() nodes.Node {
	return nodes.Node{
		Type:   nodes.TypeFolder,
		Folder: &nodes.FolderData{HashKey: []byte("parent-hash-key")},
	}
}

func fileNode(revisionUid uid.RevisionUid) nodes.Node {
	return nodes.Node{
		Type: nodes.TypeFile,
		File: &nodes.FileData{
			ActiveRevision: &nodes.Revision{Uid: revisionUid},
		},
	}
}

func testParentUid() uid.NodeUid { return uid.NodeUid{VolumeID: "v1", NodeID: "parent"} }

func newTestService(api *fakeAPI, parents *fakeParents) *Service {
	cipher := drivecrypto.NewCipher(fakePGP{})
	return New(api, cipher, parents, fakeSigning{}, WithBlockSize(4), WithClientUid("client-1"))
}

func waitUploadCompletion(t *testing.T, ctrl *UploadController) Result {
	t.Helper()
	select {
	case r := <-ctrl.Completion():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not complete in time")
		return Result{}
	}
}

func TestWriteStreamNewFileCreatesDraftAndCommits(t *testing.T) {
	api := &fakeAPI{nextNodeUid: uid.NodeUid{VolumeID: "v1", NodeID: "new-node"}, nextRevisionUid: uid.RevisionUid{VolumeID: "v1", NodeID: "new-node", RevisionID: "rev-1"}}
	parents := &fakeParents{node: folderNode()}
	svc := newTestService(api, parents)

	uploader, err := svc.GetFileUploader(context.Background(), testParentUid(), "report.txt", Metadata{})
	require.NoError(t, err)

	content := []byte("hello world, this is a drive block stream")
	ctrl, err := uploader.WriteStream(context.Background(), bytes.NewReader(content), nil, nil)
	require.NoError(t, err)

	result := waitUploadCompletion(t, ctrl)
	require.NoError(t, result.Err)
	require.Equal(t, api.nextNodeUid, result.NodeUid)

	require.NotNil(t, api.draftReq)
	require.Equal(t, "client-1", api.draftReq.ClientUid)
	require.NotEmpty(t, api.draftReq.Hash)

	require.NotEmpty(t, api.blockReqs)
	wantBlocks := (len(content) + 3) / 4
	require.Len(t, api.blockReqs, wantBlocks)
	require.Len(t, api.uploaded, wantBlocks)

	require.NotNil(t, api.committed)
	require.Equal(t, "owner@example.com", api.committed.SignatureEmail)
	require.Nil(t, api.deletedDraft)
}

func TestWriteStreamExistingFileCreatesRevision(t *testing.T) {
	revUid := uid.RevisionUid{VolumeID: "v1", NodeID: "existing", RevisionID: "rev-0"}
	nodeUid := revUid.NodeUid()
	api := &fakeAPI{nextRevisionUid: uid.RevisionUid{VolumeID: "v1", NodeID: "existing", RevisionID: "rev-1"}}
	parents := &fakeParents{node: fileNode(revUid)}
	svc := newTestService(api, parents)

	uploader, err := svc.GetFileRevisionUploader(context.Background(), nodeUid, Metadata{})
	require.NoError(t, err)

	ctrl, err := uploader.WriteStream(context.Background(), bytes.NewReader([]byte("new revision bytes")), nil, nil)
	require.NoError(t, err)

	result := waitUploadCompletion(t, ctrl)
	require.NoError(t, result.Err)
	require.Equal(t, nodeUid, result.NodeUid)

	require.NotNil(t, api.revisionDraftReq)
	require.Equal(t, nodeUid, api.revisionDraftReq.NodeUid)
	require.Nil(t, api.draftReq)
	require.NotNil(t, api.committed)
}

func TestWriteStreamUploadFailureCleansUpDraft(t *testing.T) {
	api := &fakeAPI{
		nextNodeUid:     uid.NodeUid{VolumeID: "v1", NodeID: "new-node"},
		nextRevisionUid: uid.RevisionUid{VolumeID: "v1", NodeID: "new-node", RevisionID: "rev-1"},
		failUpload:      true,
	}
	parents := &fakeParents{node: folderNode()}
	svc := newTestService(api, parents)

	uploader, err := svc.GetFileUploader(context.Background(), testParentUid(), "doomed.txt", Metadata{})
	require.NoError(t, err)

	ctrl, err := uploader.WriteStream(context.Background(), bytes.NewReader([]byte("will not make it")), nil, nil)
	require.NoError(t, err)

	result := waitUploadCompletion(t, ctrl)
	require.Error(t, result.Err)
	require.NotNil(t, api.deletedDraft)
	require.Equal(t, api.nextNodeUid, *api.deletedDraft)
	require.Nil(t, api.committed)
}

func TestWriteStreamAbort(t *testing.T) {
	api := &fakeAPI{
		nextNodeUid:     uid.NodeUid{VolumeID: "v1", NodeID: "new-node"},
		nextRevisionUid: uid.RevisionUid{VolumeID: "v1", NodeID: "new-node", RevisionID: "rev-1"},
		barrier:         make(chan struct{}), // never closed: every block upload blocks until aborted
	}
	parents := &fakeParents{node: folderNode()}
	svc := newTestService(api, parents)

	uploader, err := svc.GetFileUploader(context.Background(), testParentUid(), "big.bin", Metadata{})
	require.NoError(t, err)

	content := bytes.Repeat([]byte{0x7a}, 64)
	ctrl, err := uploader.WriteStream(context.Background(), bytes.NewReader(content), nil, nil)
	require.NoError(t, err)

	ctrl.Abort()
	result := waitUploadCompletion(t, ctrl)
	require.Error(t, result.Err)
	require.True(t, driveerrors.Is(result.Err, driveerrors.Abort))
}

func TestWriteStreamReportsProgress(t *testing.T) {
	api := &fakeAPI{nextNodeUid: uid.NodeUid{VolumeID: "v1", NodeID: "new-node"}, nextRevisionUid: uid.RevisionUid{VolumeID: "v1", NodeID: "new-node", RevisionID: "rev-1"}}
	parents := &fakeParents{node: folderNode()}
	svc := newTestService(api, parents)

	uploader, err := svc.GetFileUploader(context.Background(), testParentUid(), "progress.txt", Metadata{})
	require.NoError(t, err)

	content := []byte("0123456789abcdef") // 16 bytes / 4-byte blocks = 4 blocks
	var mu sync.Mutex
	var total int64
	ctrl, err := uploader.WriteStream(context.Background(), bytes.NewReader(content), nil, func(n int64) {
		mu.Lock()
		total += n
		mu.Unlock()
	})
	require.NoError(t, err)

	result := waitUploadCompletion(t, ctrl)
	require.NoError(t, result.Err)
	require.Equal(t, int64(len(content)), total)
}

package nodeaccess

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

// fakePGP is the same reversible XOR stand-in pkg/nodecrypto's own tests
// use: correctness of the crypto isn't under test here, only that Service
// wires the right key/cache/API calls together.
type fakePGP struct{}

func xorWithKey(data []byte, key string) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

func (fakePGP) GenerateKey(_ context.Context, userIDEmail string, _ []byte) (drivecrypto.ArmoredKey, error) {
	return drivecrypto.ArmoredKey("locked:" + userIDEmail), nil
}
func (fakePGP) UnlockKey(_ context.Context, lockedKey drivecrypto.ArmoredKey, _ []byte) (drivecrypto.ArmoredKey, error) {
	return drivecrypto.ArmoredKey("unlocked:" + string(lockedKey)), nil
}
func (fakePGP) EncryptMessage(_ context.Context, data []byte, encryptionKey, _ drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return drivecrypto.ArmoredMessage(xorWithKey(data, string(encryptionKey))), nil
}
func (f fakePGP) EncryptMessageWithSessionKey(ctx context.Context, data []byte, encryptionKey, signingKey drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, drivecrypto.SessionKey, error) {
	msg, err := f.EncryptMessage(ctx, data, encryptionKey, signingKey)
	return msg, drivecrypto.SessionKey{Algo: "aes256", Key: make([]byte, 32)}, err
}
func (fakePGP) DecryptMessage(_ context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey, verifyKeys []drivecrypto.ArmoredKey) ([]byte, drivecrypto.VerificationStatus, error) {
	plaintext := xorWithKey([]byte(msg), string(privateKey))
	if len(verifyKeys) == 0 {
		return plaintext, drivecrypto.NotSigned, nil
	}
	return plaintext, drivecrypto.SignedAndValid, nil
}
func (fakePGP) EncryptSessionKey(_ context.Context, sk drivecrypto.SessionKey, encryptionKey drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return drivecrypto.ArmoredMessage(xorWithKey(sk.Key, string(encryptionKey))), nil
}
func (fakePGP) EncryptSessionKeyBinary(_ context.Context, sk drivecrypto.SessionKey, encryptionKey drivecrypto.ArmoredKey) ([]byte, error) {
	return xorWithKey(sk.Key, string(encryptionKey)), nil
}
func (fakePGP) DecryptSessionKey(_ context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{Algo: "aes256", Key: xorWithKey([]byte(msg), string(privateKey))}, nil
}
func (fakePGP) DecryptSessionKeyBinary(_ context.Context, packet []byte, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{Algo: "aes256", Key: xorWithKey(packet, string(privateKey))}, nil
}
func (f fakePGP) DecryptUnsignedSessionKey(ctx context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return f.DecryptSessionKey(ctx, msg, privateKey)
}
func (fakePGP) SignDetached(_ context.Context, _ []byte, signingKey drivecrypto.ArmoredKey, _ *drivecrypto.SigningContext) (drivecrypto.ArmoredSignature, error) {
	return drivecrypto.ArmoredSignature("sig(" + string(signingKey) + ")"), nil
}
func (fakePGP) VerifyDetached(_ context.Context, _ []byte, _ drivecrypto.ArmoredSignature, publicKeys []drivecrypto.ArmoredKey, _ *drivecrypto.SigningContext) (drivecrypto.VerificationStatus, error) {
	if len(publicKeys) == 0 {
		return drivecrypto.NotSigned, nil
	}
	return drivecrypto.SignedAndValid, nil
}
func (fakePGP) EncryptSymmetric(_ context.Context, data []byte, sk drivecrypto.SessionKey) ([]byte, error) {
	return xorWithKey(data, string(sk.Key)), nil
}
func (fakePGP) DecryptSymmetric(_ context.Context, ciphertext []byte, sk drivecrypto.SessionKey) ([]byte, error) {
	return xorWithKey(ciphertext, string(sk.Key)), nil
}

var _ drivecrypto.OpenPGPCrypto = fakePGP{}

// fakeShares is a minimal ShareContext fixed to a single volume/share.
type fakeShares struct {
	rootUid    uid.NodeUid
	rootKey    drivecrypto.ArmoredKey
	verifyKeys []drivecrypto.ArmoredKey
	email      string
	signingKey drivecrypto.ArmoredKey
}

func (f *fakeShares) RootDecryptionKey(context.Context, string) (drivecrypto.ArmoredKey, error) {
	return f.rootKey, nil
}
func (f *fakeShares) VerifyKeys(context.Context, string) ([]drivecrypto.ArmoredKey, error) {
	return f.verifyKeys, nil
}
func (f *fakeShares) RootNodeUid(context.Context, string) (uid.NodeUid, error) { return f.rootUid, nil }
func (f *fakeShares) MyFilesVolumeID(context.Context) (string, error)          { return f.rootUid.VolumeID, nil }
func (f *fakeShares) GetVolumeEmailKey(context.Context, string) (string, drivecrypto.ArmoredKey, error) {
	return f.email, f.signingKey, nil
}

// fakeAPI is an in-memory nodeaccess.API test double.
type fakeAPI struct {
	mu sync.Mutex

	nodes      map[string]nodecrypto.EncryptedNode // keyed by NodeID
	fetchCount map[string]int

	childrenPages map[string][]Page // keyed by parent NodeID, consumed token->page

	renameCalls []RenameRequest
	moveReplies []BatchReply
	moveErr     error
	trashReplies []BatchReply
	trashErr     error

	createReq    *CreateFolderRequest
	createResult nodecrypto.EncryptedNode
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nodes:         make(map[string]nodecrypto.EncryptedNode),
		fetchCount:    make(map[string]int),
		childrenPages: make(map[string][]Page),
	}
}

func (f *fakeAPI) FetchNode(_ context.Context, id uid.NodeUid) (nodecrypto.EncryptedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount[id.NodeID]++
	enc, ok := f.nodes[id.NodeID]
	if !ok {
		return nodecrypto.EncryptedNode{}, driveerrors.New(driveerrors.NotFound, "no such node", nil)
	}
	return enc, nil
}

func (f *fakeAPI) FetchChildren(_ context.Context, parent uid.NodeUid, pageToken string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.childrenPages[parent.NodeID]
	idx := 0
	if pageToken != "" {
		for i, p := range pages {
			if p.NextPageToken == pageToken {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(pages) {
		return Page{}, nil
	}
	return pages[idx], nil
}

func (f *fakeAPI) FetchTrashed(context.Context, string, string) (Page, error) { return Page{}, nil }

func (f *fakeAPI) CheckAvailableHashes(context.Context, uid.NodeUid, []string) (map[string]bool, error) {
	return nil, nil
}

func (f *fakeAPI) Rename(_ context.Context, _ uid.NodeUid, req RenameRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameCalls = append(f.renameCalls, req)
	return nil
}

func (f *fakeAPI) Move(_ context.Context, _ []uid.NodeUid, _ MoveRequest) ([]BatchReply, error) {
	return f.moveReplies, f.moveErr
}

func (f *fakeAPI) Trash(_ context.Context, ids []uid.NodeUid) ([]BatchReply, error) {
	if f.trashErr != nil {
		return nil, f.trashErr
	}
	return f.trashReplies, nil
}

func (f *fakeAPI) Restore(context.Context, []uid.NodeUid) ([]BatchReply, error) { return nil, nil }
func (f *fakeAPI) Delete(context.Context, []uid.NodeUid) ([]BatchReply, error)  { return nil, nil }

func (f *fakeAPI) CreateFolder(_ context.Context, _ uid.NodeUid, req CreateFolderRequest) (nodecrypto.EncryptedNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReq = &req
	return f.createResult, nil
}

var _ API = (*fakeAPI)(nil)

type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]string)} }

func (m *memCache) SetEntity(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}
func (m *memCache) GetEntity(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}
func (m *memCache) RemoveEntities(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

const (
	testVolume = "vol1"
	rootKeyRaw = "raw-root-key"
)

func rootNodeUid() uid.NodeUid { return uid.NodeUid{VolumeID: testVolume, NodeID: "root"} }

func rootOwnKey() string { return "unlocked:" + rootKeyRaw }

func baseFixture() (*fakeAPI, *fakeShares, *Service) {
	api := newFakeAPI()
	shares := &fakeShares{
		rootUid:    rootNodeUid(),
		rootKey:    drivecrypto.ArmoredKey("share-root-key"),
		verifyKeys: []drivecrypto.ArmoredKey{"owner-pub"},
		email:      "owner@example.com",
		signingKey: drivecrypto.ArmoredKey("owner-signing-key"),
	}

	rootEnc := nodecrypto.EncryptedNode{
		Uid:                rootNodeUid(),
		Type:               nodes.TypeFolder,
		ArmoredKey:         drivecrypto.ArmoredKey(rootKeyRaw),
		ArmoredPassphrase:  drivecrypto.ArmoredMessage("root-passphrase"),
		SignatureEmail:     "owner@example.com",
		NameSignatureEmail: "owner@example.com",
		ArmoredName:        drivecrypto.ArmoredMessage(xorWithKey([]byte("My Files"), rootOwnKey())),
		ArmoredHashKey:     drivecrypto.ArmoredMessage(xorWithKey([]byte("root-hash-key-32-bytes-padding!!"), rootOwnKey())),
	}
	api.nodes[rootEnc.Uid.NodeID] = rootEnc

	cipher := drivecrypto.NewCipher(fakePGP{})
	crypto := nodecrypto.New(cipher, nil)
	svc := New(api, crypto, cipher, shares, newMemCache(), newMemCache(), nil)
	return api, shares, svc
}

func addChild(api *fakeAPI, parent uid.NodeUid, nodeID, name string) nodecrypto.EncryptedNode {
	ownKey := "unlocked:raw-" + nodeID + "-key"
	enc := nodecrypto.EncryptedNode{
		Uid:                uid.NodeUid{VolumeID: testVolume, NodeID: nodeID},
		ParentUid:          &parent,
		Type:               nodes.TypeFile,
		ArmoredKey:         drivecrypto.ArmoredKey("raw-" + nodeID + "-key"),
		ArmoredPassphrase:  drivecrypto.ArmoredMessage(nodeID + "-passphrase"),
		SignatureEmail:     "owner@example.com",
		NameSignatureEmail: "owner@example.com",
		ArmoredName:        drivecrypto.ArmoredMessage(xorWithKey([]byte(name), ownKey)),
	}
	api.nodes[nodeID] = enc
	return enc
}

func TestGetNodeFetchesDecryptsAndCaches(t *testing.T) {
	api, _, svc := baseFixture()

	result, err := svc.GetNode(context.Background(), rootNodeUid())
	require.NoError(t, err)
	require.False(t, result.IsMissing())
	n, ok := result.Node()
	require.True(t, ok)
	assert.Equal(t, "My Files", n.Name)
	require.NotNil(t, n.Folder)
	assert.Equal(t, []byte("root-hash-key-32-bytes-padding!!"), n.Folder.HashKey)

	_, err = svc.GetNode(context.Background(), rootNodeUid())
	require.NoError(t, err)
	assert.Equal(t, 1, api.fetchCount["root"], "second GetNode should be served from cache, not re-fetched")
}

func TestGetNodeNotFound(t *testing.T) {
	_, _, svc := baseFixture()
	result, err := svc.GetNode(context.Background(), uid.NodeUid{VolumeID: testVolume, NodeID: "missing"})
	require.NoError(t, err)
	assert.True(t, result.IsMissing())
}

func TestIterateFolderChildrenDecryptsAcrossPages(t *testing.T) {
	api, _, svc := baseFixture()
	child1 := addChild(api, rootNodeUid(), "child1", "a.txt")
	child2 := addChild(api, rootNodeUid(), "child2", "b.txt")
	api.childrenPages["root"] = []Page{
		{Records: []nodecrypto.EncryptedNode{child1}, NextPageToken: "p2"},
		{Records: []nodecrypto.EncryptedNode{child2}, NextPageToken: ""},
	}

	seen := map[string]string{}
	for res := range svc.IterateFolderChildren(context.Background(), rootNodeUid()) {
		require.NoError(t, res.Err)
		n, ok := res.Node.Node()
		require.True(t, ok, "expected clean decrypt")
		seen[n.Uid.NodeID] = n.Name
	}
	assert.Equal(t, map[string]string{"child1": "a.txt", "child2": "b.txt"}, seen)
}

func TestRenameNodeUsesCurrentParentHashKeyAndInvalidatesCache(t *testing.T) {
	api, _, svc := baseFixture()
	child := addChild(api, rootNodeUid(), "child1", "old.txt")
	_ = child

	// populate cache so we can assert it gets invalidated
	_, err := svc.GetNode(context.Background(), uid.NodeUid{VolumeID: testVolume, NodeID: "child1"})
	require.NoError(t, err)

	result := svc.RenameNode(context.Background(), uid.NodeUid{VolumeID: testVolume, NodeID: "child1"}, "new.txt")
	require.NoError(t, result.Err)
	assert.True(t, result.Ok)
	require.Len(t, api.renameCalls, 1)

	wantHash, err := drivecrypto.GenerateLookupHash("new.txt", []byte("root-hash-key-32-bytes-padding!!"))
	require.NoError(t, err)
	assert.Equal(t, wantHash, api.renameCalls[0].Hash)
	assert.Equal(t, "owner@example.com", api.renameCalls[0].NameSignatureEmail)

	_, hit, _ := svc.cachedEncryptedNode(context.Background(), uid.NodeUid{VolumeID: testVolume, NodeID: "child1"})
	assert.False(t, hit, "rename should evict the stale cached record")
}

func TestRenameRootNodeIsRejected(t *testing.T) {
	_, _, svc := baseFixture()
	result := svc.RenameNode(context.Background(), rootNodeUid(), "whatever")
	require.Error(t, result.Err)
	assert.False(t, result.Ok)
}

func TestTrashNodesPartialFailureWithinBatch(t *testing.T) {
	api, _, svc := baseFixture()
	id1 := uid.NodeUid{VolumeID: testVolume, NodeID: "child1"}
	id2 := uid.NodeUid{VolumeID: testVolume, NodeID: "child2"}
	api.trashReplies = []BatchReply{
		{Uid: id1, Ok: true},
		{Uid: id2, Ok: false, Err: driveerrors.New(driveerrors.Validation, "already trashed", nil)},
	}

	results := map[string]nodes.NodeResult{}
	for r := range svc.TrashNodes(context.Background(), []uid.NodeUid{id1, id2}) {
		results[r.Uid.NodeID] = r
	}
	require.Len(t, results, 2)
	assert.True(t, results["child1"].Ok)
	assert.False(t, results["child2"].Ok)
	assert.Error(t, results["child2"].Err)
}

func TestTrashNodesTransportErrorDegradesWholeBatch(t *testing.T) {
	api, _, svc := baseFixture()

	id1 := uid.NodeUid{VolumeID: testVolume, NodeID: "child1"}
	id2 := uid.NodeUid{VolumeID: testVolume, NodeID: "child2"}
	api.trashErr = driveerrors.New(driveerrors.ServerError, "boom", nil)

	count := 0
	for r := range svc.TrashNodes(context.Background(), []uid.NodeUid{id1, id2}) {
		assert.False(t, r.Ok)
		assert.Error(t, r.Err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestCreateFolderRoundTrip(t *testing.T) {
	api, shares, svc := baseFixture()

	createdUid := uid.NodeUid{VolumeID: testVolume, NodeID: "newfolder"}
	api.createResult = nodecrypto.EncryptedNode{
		Uid:                createdUid,
		ParentUid:          func() *uid.NodeUid { u := rootNodeUid(); return &u }(),
		Type:               nodes.TypeFolder,
		ArmoredKey:         drivecrypto.ArmoredKey("locked:owner@example.com"),
		ArmoredPassphrase:  drivecrypto.ArmoredMessage("whatever"),
		SignatureEmail:     "owner@example.com",
		NameSignatureEmail: "owner@example.com",
		ArmoredName:        drivecrypto.ArmoredMessage(xorWithKey([]byte("New Folder"), "unlocked:locked:owner@example.com")),
		ArmoredHashKey:     drivecrypto.ArmoredMessage(xorWithKey([]byte("generated-hash-key-placeholder!!"), "unlocked:locked:owner@example.com")),
	}

	result, err := svc.CreateFolder(context.Background(), rootNodeUid(), "New Folder")
	require.NoError(t, err)
	require.False(t, result.IsMissing())
	n, ok := result.Node()
	require.True(t, ok)
	assert.Equal(t, "New Folder", n.Name)

	require.NotNil(t, api.createReq)
	assert.Equal(t, shares.email, api.createReq.NameSignatureEmail)
	assert.NotEmpty(t, api.createReq.ArmoredNodeKey)
	assert.NotEmpty(t, api.createReq.ArmoredPassphrase)
	assert.NotEmpty(t, api.createReq.ArmoredHashKey)
}

func TestMoveNodesToDestinationFolderSucceeds(t *testing.T) {
	api, _, svc := baseFixture()
	addChild(api, rootNodeUid(), "child1", "a.txt")
	destUid := uid.NodeUid{VolumeID: testVolume, NodeID: "dest"}
	destEnc := nodecrypto.EncryptedNode{
		Uid:                destUid,
		ParentUid:          func() *uid.NodeUid { u := rootNodeUid(); return &u }(),
		Type:               nodes.TypeFolder,
		ArmoredKey:         drivecrypto.ArmoredKey("raw-dest-key"),
		ArmoredPassphrase:  drivecrypto.ArmoredMessage("dest-passphrase"),
		SignatureEmail:     "owner@example.com",
		NameSignatureEmail: "owner@example.com",
		ArmoredName:        drivecrypto.ArmoredMessage(xorWithKey([]byte("Dest"), "unlocked:raw-dest-key")),
		ArmoredHashKey:     drivecrypto.ArmoredMessage(xorWithKey([]byte("dest-hash-key-32-bytes-padding!!"), "unlocked:raw-dest-key")),
	}
	api.nodes["dest"] = destEnc

	childID := uid.NodeUid{VolumeID: testVolume, NodeID: "child1"}
	api.moveReplies = []BatchReply{{Uid: childID, Ok: true}}

	var got nodes.NodeResult
	for r := range svc.MoveNodes(context.Background(), []uid.NodeUid{childID}, destUid) {
		got = r
	}
	assert.True(t, got.Ok)
	assert.NoError(t, got.Err)
}

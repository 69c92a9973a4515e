package shares

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

type fakeAPI struct {
	ids    MyFilesIDs
	shares map[string]EncryptedShare
}

func (f *fakeAPI) GetMyFilesIDs(context.Context) (MyFilesIDs, error) { return f.ids, nil }
func (f *fakeAPI) LoadEncryptedShare(_ context.Context, shareID string) (EncryptedShare, error) {
	return f.shares[shareID], nil
}
func (f *fakeAPI) GetAccountUsage(context.Context) (int64, int64, error) { return 10, 100, nil }

type fakeAddrs struct {
	decryptionKey drivecrypto.ArmoredKey
	publicKeys    []drivecrypto.ArmoredKey
}

func (f *fakeAddrs) DecryptionKey(context.Context, string) (drivecrypto.ArmoredKey, error) {
	return f.decryptionKey, nil
}
func (f *fakeAddrs) PublicKeys(context.Context, string) ([]drivecrypto.ArmoredKey, error) {
	return f.publicKeys, nil
}

type fakeCipherPGP struct{}

func (fakeCipherPGP) GenerateKey(context.Context, string, []byte) (drivecrypto.ArmoredKey, error) {
	return "", nil
}
func (fakeCipherPGP) UnlockKey(_ context.Context, locked drivecrypto.ArmoredKey, _ []byte) (drivecrypto.ArmoredKey, error) {
	return locked, nil
}
func (fakeCipherPGP) EncryptMessage(context.Context, []byte, drivecrypto.ArmoredKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return "", nil
}
func (fakeCipherPGP) EncryptMessageWithSessionKey(context.Context, []byte, drivecrypto.ArmoredKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, drivecrypto.SessionKey, error) {
	return "", drivecrypto.SessionKey{}, nil
}
func (fakeCipherPGP) DecryptMessage(_ context.Context, msg drivecrypto.ArmoredMessage, _ drivecrypto.ArmoredKey, _ []drivecrypto.ArmoredKey) ([]byte, drivecrypto.VerificationStatus, error) {
	return []byte(msg), drivecrypto.SignedAndValid, nil
}
func (fakeCipherPGP) EncryptSessionKey(context.Context, drivecrypto.SessionKey, drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	return "", nil
}
func (fakeCipherPGP) EncryptSessionKeyBinary(context.Context, drivecrypto.SessionKey, drivecrypto.ArmoredKey) ([]byte, error) {
	return nil, nil
}
func (fakeCipherPGP) DecryptSessionKey(context.Context, drivecrypto.ArmoredMessage, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakeCipherPGP) DecryptSessionKeyBinary(context.Context, []byte, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakeCipherPGP) DecryptUnsignedSessionKey(context.Context, drivecrypto.ArmoredMessage, drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return drivecrypto.SessionKey{}, nil
}
func (fakeCipherPGP) SignDetached(context.Context, []byte, drivecrypto.ArmoredKey, *drivecrypto.SigningContext) (drivecrypto.ArmoredSignature, error) {
	return "", nil
}
func (fakeCipherPGP) VerifyDetached(context.Context, []byte, drivecrypto.ArmoredSignature, []drivecrypto.ArmoredKey, *drivecrypto.SigningContext) (drivecrypto.VerificationStatus, error) {
	return drivecrypto.SignedAndValid, nil
}
func (fakeCipherPGP) EncryptSymmetric(context.Context, []byte, drivecrypto.SessionKey) ([]byte, error) {
	return nil, nil
}
func (fakeCipherPGP) DecryptSymmetric(context.Context, []byte, drivecrypto.SessionKey) ([]byte, error) {
	return nil, nil
}

func TestGetMyFilesIDsPopulatesVolumeMap(t *testing.T) {
	api := &fakeAPI{ids: MyFilesIDs{VolumeID: "v1", ShareID: "s1"}}
	svc := New(api, &fakeAddrs{}, drivecrypto.NewCipher(fakeCipherPGP{}), newMemCache(), nil)

	ids, err := svc.GetMyFilesIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1", ids.VolumeID)

	shareID, err := svc.shareIDForVolume(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "s1", shareID)
}

func TestRootDecryptionKeyCachesShareKey(t *testing.T) {
	api := &fakeAPI{
		ids: MyFilesIDs{VolumeID: "v1", ShareID: "s1"},
		shares: map[string]EncryptedShare{
			"s1": {ShareID: "s1", VolumeID: "v1", RootNodeID: "root1", AddressID: "a1", ArmoredPassphrase: "locked-passphrase", ArmoredKey: "locked-key"},
		},
	}
	cache := newMemCache()
	svc := New(api, &fakeAddrs{decryptionKey: "addr-key", publicKeys: []drivecrypto.ArmoredKey{"addr-pub"}}, drivecrypto.NewCipher(fakeCipherPGP{}), cache, nil)

	key, err := svc.RootDecryptionKey(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, drivecrypto.ArmoredKey("locked-key"), key)
	require.Contains(t, cache.entries, shareKeyCacheKey("v1"))

	root, err := svc.RootNodeUid(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "root1", root.NodeID)
}

func TestInvalidateAllShareKeysDropsEveryCachedVolume(t *testing.T) {
	api := &fakeAPI{
		ids: MyFilesIDs{VolumeID: "v1", ShareID: "s1"},
		shares: map[string]EncryptedShare{
			"s1": {ShareID: "s1", VolumeID: "v1", RootNodeID: "root1", AddressID: "a1", ArmoredPassphrase: "locked-passphrase", ArmoredKey: "locked-key"},
			"s2": {ShareID: "s2", VolumeID: "v2", RootNodeID: "root2", AddressID: "a1", ArmoredPassphrase: "locked-passphrase", ArmoredKey: "locked-key"},
		},
	}
	cache := newMemCache()
	svc := New(api, &fakeAddrs{decryptionKey: "addr-key", publicKeys: []drivecrypto.ArmoredKey{"addr-pub"}}, drivecrypto.NewCipher(fakeCipherPGP{}), cache, nil)
	svc.volumeToShareID["v2"] = "s2"

	_, err := svc.RootDecryptionKey(context.Background(), "v1")
	require.NoError(t, err)
	_, err = svc.RootDecryptionKey(context.Background(), "v2")
	require.NoError(t, err)
	require.Contains(t, cache.entries, shareKeyCacheKey("v1"))
	require.Contains(t, cache.entries, shareKeyCacheKey("v2"))

	require.NoError(t, svc.InvalidateAllShareKeys(context.Background()))
	require.NotContains(t, cache.entries, shareKeyCacheKey("v1"))
	require.NotContains(t, cache.entries, shareKeyCacheKey("v2"))
}

type memCache struct{ entries map[string]string }

func newMemCache() *memCache { return &memCache{entries: make(map[string]string)} }

func (m *memCache) SetEntity(_ context.Context, key, value string) error {
	m.entries[key] = value
	return nil
}
func (m *memCache) GetEntity(_ context.Context, key string) (string, bool, error) {
	v, ok := m.entries[key]
	return v, ok, nil
}
func (m *memCache) RemoveEntities(_ context.Context, keys []string) error {
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

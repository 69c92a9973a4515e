// Package shares implements the share & volume resolver (§4.E):
// share-level key material, the volume->signing-address mapping, and
// context lookup (getMyFilesIDs, loadEncryptedShare, getVolumeEmailKey,
// getVolumeMetricContext). Share keys are decrypted lazily on first use
// and cached, following the same crypto-cache discipline
// pkg/nodeaccess uses for node keys.
//
// Grounded in backend/protondrive.go's protonDrive.MainShare handling
// (the single well-known "my files" share a session resolves once at
// startup) and its About() quota passthrough, generalized to the
// spec's multi-share, multi-volume surface.
package shares

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

// MetricContext classifies a volume for telemetry tagging (§4.E).
type MetricContext int

const (
	OwnVolume MetricContext = iota
	Shared
	SharedPublic
)

func (c MetricContext) String() string {
	switch c {
	case OwnVolume:
		return "own_volume"
	case Shared:
		return "shared"
	case SharedPublic:
		return "shared_public"
	default:
		return "unknown"
	}
}

// MyFilesIDs is the root volume/share pair for the authenticated user
// (§4.E getMyFilesIDs).
type MyFilesIDs struct {
	VolumeID string
	ShareID  string
}

// EncryptedShare is one share's metadata as returned by the server
// (§4.E loadEncryptedShare), still carrying locked key material.
type EncryptedShare struct {
	ShareID       string
	VolumeID      string
	RootNodeID    string
	CreatorEmail  string
	AddressID     string
	ArmoredKey    drivecrypto.ArmoredKey
	ArmoredPassphrase drivecrypto.ArmoredMessage
	IsPublic      bool
}

// AddressKeyProvider resolves the public/private key material for a
// Drive address, standing in for the out-of-scope host account
// provider (spec.md §1: "the host account provider (address/key
// lookup)" is an external collaborator).
type AddressKeyProvider interface {
	// DecryptionKey returns the private key that unlocks share
	// passphrases created for addressID.
	DecryptionKey(ctx context.Context, addressID string) (drivecrypto.ArmoredKey, error)
	// PublicKeys returns the public keys used to verify anything
	// signed by addressID (may be more than one under key rotation).
	PublicKeys(ctx context.Context, addressID string) ([]drivecrypto.ArmoredKey, error)
}

// API is the subset of the transport the share resolver consumes.
type API interface {
	GetMyFilesIDs(ctx context.Context) (MyFilesIDs, error)
	LoadEncryptedShare(ctx context.Context, shareID string) (EncryptedShare, error)
	// GetAccountUsage backs the supplemented About/quota surface
	// (SPEC_FULL.md: "About/quota surface"), grounded in
	// backend/protondrive.go's About() mapping MaxSpace/UsedSpace.
	GetAccountUsage(ctx context.Context) (UsedBytes int64, MaxBytes int64, err error)
}

type cachedShareKey struct {
	Key          drivecrypto.ArmoredKey `json:"key"`
	VerifyKeys   []drivecrypto.ArmoredKey `json:"verifyKeys"`
	RootNodeUid  string                 `json:"rootNodeUid"`
}

// Service is the §4.E share & volume resolver.
type Service struct {
	api     API
	addrs   AddressKeyProvider
	cipher  *drivecrypto.Cipher
	cache   Cache
	log     *logrus.Entry

	mu              sync.Mutex
	volumeToShareID map[string]string // volumeId -> shareId, populated as shares are loaded
}

// Cache is the host-supplied crypto-cache seam (§9), the same contract
// pkg/nodeaccess.Cache describes, kept as its own narrow interface here
// so this package has no import-time dependency on nodeaccess.
type Cache interface {
	SetEntity(ctx context.Context, key string, value string) error
	GetEntity(ctx context.Context, key string) (value string, ok bool, err error)
	RemoveEntities(ctx context.Context, keys []string) error
}

// New builds a share resolver.
func New(api API, addrs AddressKeyProvider, cipher *drivecrypto.Cipher, cache Cache, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		api:             api,
		addrs:           addrs,
		cipher:          cipher,
		cache:           cache,
		log:             log,
		volumeToShareID: make(map[string]string),
	}
}

func shareKeyCacheKey(volumeID string) string { return "publicShareKey-" + volumeID }

// GetMyFilesIDs implements §4.E getMyFilesIDs.
func (s *Service) GetMyFilesIDs(ctx context.Context) (MyFilesIDs, error) {
	ids, err := s.api.GetMyFilesIDs(ctx)
	if err != nil {
		return MyFilesIDs{}, err
	}
	s.mu.Lock()
	s.volumeToShareID[ids.VolumeID] = ids.ShareID
	s.mu.Unlock()
	return ids, nil
}

// LoadEncryptedShare implements §4.E loadEncryptedShare.
func (s *Service) LoadEncryptedShare(ctx context.Context, shareID string) (EncryptedShare, error) {
	share, err := s.api.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return EncryptedShare{}, err
	}
	s.mu.Lock()
	s.volumeToShareID[share.VolumeID] = share.ShareID
	s.mu.Unlock()
	return share, nil
}

// GetVolumeMetricContext implements §4.E getVolumeMetricContext.
func (s *Service) GetVolumeMetricContext(ctx context.Context, volumeID string) (MetricContext, error) {
	shareID, err := s.shareIDForVolume(ctx, volumeID)
	if err != nil {
		return OwnVolume, err
	}
	share, err := s.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return OwnVolume, err
	}
	switch {
	case share.IsPublic:
		return SharedPublic, nil
	default:
		return OwnVolume, nil
	}
}

// GetVolumeEmailKey implements §4.E getVolumeEmailKey: the signing
// identity used for mutations on volumeID.
func (s *Service) GetVolumeEmailKey(ctx context.Context, volumeID string) (string, drivecrypto.ArmoredKey, error) {
	shareID, err := s.shareIDForVolume(ctx, volumeID)
	if err != nil {
		return "", "", err
	}
	share, err := s.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return "", "", err
	}
	key, err := s.decryptedShareKey(ctx, share)
	if err != nil {
		return "", "", err
	}
	return share.CreatorEmail, key.Key, nil
}

// GetAccountUsage exposes the supplemented quota surface.
func (s *Service) GetAccountUsage(ctx context.Context) (usedBytes, maxBytes int64, err error) {
	return s.api.GetAccountUsage(ctx)
}

func (s *Service) shareIDForVolume(ctx context.Context, volumeID string) (string, error) {
	s.mu.Lock()
	shareID, ok := s.volumeToShareID[volumeID]
	s.mu.Unlock()
	if ok {
		return shareID, nil
	}
	ids, err := s.GetMyFilesIDs(ctx)
	if err != nil {
		return "", err
	}
	if ids.VolumeID != volumeID {
		return "", driveerrors.New(driveerrors.NotFound, "no known share for volume "+volumeID, nil)
	}
	return ids.ShareID, nil
}

// decryptedShareKey decrypts share's key material, consulting (and
// populating) the crypto cache first (§4.E: "decrypted lazily on first
// use and cached").
func (s *Service) decryptedShareKey(ctx context.Context, share EncryptedShare) (drivecrypto.DecryptedKey, error) {
	cacheKey := shareKeyCacheKey(share.VolumeID)
	if raw, ok, err := s.cache.GetEntity(ctx, cacheKey); err == nil && ok {
		var cached cachedShareKey
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return drivecrypto.DecryptedKey{Key: cached.Key, Verification: drivecrypto.SignedAndValid}, nil
		}
		_ = s.cache.RemoveEntities(ctx, []string{cacheKey})
	}

	addressKey, err := s.addrs.DecryptionKey(ctx, share.AddressID)
	if err != nil {
		return drivecrypto.DecryptedKey{}, err
	}
	verifyKeys, err := s.addrs.PublicKeys(ctx, share.AddressID)
	if err != nil {
		return drivecrypto.DecryptedKey{}, err
	}
	decrypted, err := s.cipher.DecryptKey(ctx, share.ArmoredPassphrase, share.ArmoredKey, addressKey, verifyKeys)
	if err != nil {
		return drivecrypto.DecryptedKey{}, err
	}
	if decrypted.Verification != drivecrypto.SignedAndValid {
		s.log.WithField("volumeId", share.VolumeID).WithField("verification", decrypted.Verification).
			Warn("share key passphrase signature not valid, continuing with unverified key")
	}

	raw, err := json.Marshal(cachedShareKey{Key: decrypted.Key, VerifyKeys: verifyKeys})
	if err == nil {
		if cacheErr := s.cache.SetEntity(ctx, cacheKey, string(raw)); cacheErr != nil {
			s.log.WithError(cacheErr).Warn("failed to cache share key")
		}
	}
	return decrypted, nil
}

// --- nodeaccess.ShareContext implementation ---

// RootDecryptionKey implements pkg/nodeaccess.ShareContext: the key
// that unlocks volumeID's root folder is the volume's main share key.
func (s *Service) RootDecryptionKey(ctx context.Context, volumeID string) (drivecrypto.ArmoredKey, error) {
	shareID, err := s.shareIDForVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	share, err := s.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return "", err
	}
	key, err := s.decryptedShareKey(ctx, share)
	if err != nil {
		return "", err
	}
	return key.Key, nil
}

// VerifyKeys implements pkg/nodeaccess.ShareContext: the address public
// keys that verify everything signed under volumeID's share.
func (s *Service) VerifyKeys(ctx context.Context, volumeID string) ([]drivecrypto.ArmoredKey, error) {
	shareID, err := s.shareIDForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	share, err := s.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return s.addrs.PublicKeys(ctx, share.AddressID)
}

// MyFilesVolumeID implements pkg/nodeaccess.ShareContext.
func (s *Service) MyFilesVolumeID(ctx context.Context) (string, error) {
	ids, err := s.GetMyFilesIDs(ctx)
	if err != nil {
		return "", err
	}
	return ids.VolumeID, nil
}

// RootNodeUid implements pkg/nodeaccess.ShareContext.
func (s *Service) RootNodeUid(ctx context.Context, volumeID string) (uid.NodeUid, error) {
	shareID, err := s.shareIDForVolume(ctx, volumeID)
	if err != nil {
		return uid.NodeUid{}, err
	}
	share, err := s.LoadEncryptedShare(ctx, shareID)
	if err != nil {
		return uid.NodeUid{}, err
	}
	return uid.NodeUid{VolumeID: volumeID, NodeID: share.RootNodeID}, nil
}

// InvalidateShareKey drops the cached key material for one volumeID.
// The SharedWithMeUpdated event path does not use it; the event engine
// calls InvalidateAllShareKeys for that event.
func (s *Service) InvalidateShareKey(ctx context.Context, volumeID string) error {
	return s.cache.RemoveEntities(ctx, []string{shareKeyCacheKey(volumeID)})
}

// InvalidateAllShareKeys drops every share key this resolver has lazily
// loaded so far. The core-scoped SharedWithMeUpdated event (§4.F) names
// no particular volume - it signals that the shared-with-me view itself
// changed - so the event engine calls this instead of InvalidateShareKey
// for one volume; volumeToShareID is the full set of volumes this
// Service instance has ever resolved a share for.
func (s *Service) InvalidateAllShareKeys(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.volumeToShareID))
	for volumeID := range s.volumeToShareID {
		keys = append(keys, shareKeyCacheKey(volumeID))
	}
	s.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return s.cache.RemoveEntities(ctx, keys)
}

package nodeaccess

import (
	"context"
	"encoding/json"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
)

// ShareContext supplies the share-wide constants a node's ParentKey is
// built from (§4.E resolves these; nodeaccess only consumes them): the
// key that unlocks the volume's root folder, and the set of member
// address public keys that verify everything signed further down the
// tree. spec.md's ParentKey distinguishes NodeKeySigningPublicKeys/
// AddressPublicKeys/NameContextPublicKeys for different verification
// purposes, but doesn't describe a case where a share's three sets
// diverge in practice, so this layer populates all three from the same
// VerifyKeys() list — a deliberate simplification, not a spec gap.
type ShareContext interface {
	RootDecryptionKey(ctx context.Context, volumeID string) (drivecrypto.ArmoredKey, error)
	VerifyKeys(ctx context.Context, volumeID string) ([]drivecrypto.ArmoredKey, error)
	RootNodeUid(ctx context.Context, volumeID string) (uid.NodeUid, error)
	// MyFilesVolumeID resolves the authenticated user's own-volume ID
	// (§4.E getMyFilesIDs), used by GetMyFilesRootFolder.
	MyFilesVolumeID(ctx context.Context) (string, error)
	// GetVolumeEmailKey returns the signing identity for mutations on
	// volumeID (§4.E), consumed by rename/move/createFolder.
	GetVolumeEmailKey(ctx context.Context, volumeID string) (email string, signingKey drivecrypto.ArmoredKey, err error)
}

type cachedNodeKey struct {
	Key drivecrypto.ArmoredKey `json:"key"`
}

// resolveParentKey walks the ancestor chain from parent up to the share
// root, decrypting and caching one node key at a time (§4.D "cache
// discipline": key material lives in the crypto cache keyed by UID).
func (s *Service) resolveParentKey(ctx context.Context, parent uid.NodeUid) (nodecrypto.ParentKey, error) {
	verifyKeys, err := s.shares.VerifyKeys(ctx, parent.VolumeID)
	if err != nil {
		return nodecrypto.ParentKey{}, err
	}
	decryptionKey, err := s.decryptedNodeKey(ctx, parent)
	if err != nil {
		return nodecrypto.ParentKey{}, err
	}
	return nodecrypto.ParentKey{
		DecryptionKey:            decryptionKey,
		NodeKeySigningPublicKeys: verifyKeys,
		AddressPublicKeys:        verifyKeys,
		NameContextPublicKeys:    verifyKeys,
	}, nil
}

// decryptedNodeKey returns node's own decrypted key, consulting (and
// populating) the crypto cache before hitting the API.
func (s *Service) decryptedNodeKey(ctx context.Context, node uid.NodeUid) (drivecrypto.ArmoredKey, error) {
	cacheKey := nodeKeyMaterialKey(node.String())
	if raw, ok, err := s.cryptoCache.GetEntity(ctx, cacheKey); err == nil && ok {
		var cached cachedNodeKey
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached.Key, nil
		}
		_ = s.cryptoCache.RemoveEntities(ctx, []string{cacheKey})
	}

	root, err := s.shares.RootNodeUid(ctx, node.VolumeID)
	if err != nil {
		return "", err
	}

	var parentKey nodecrypto.ParentKey
	if node == root {
		rootKey, err := s.shares.RootDecryptionKey(ctx, node.VolumeID)
		if err != nil {
			return "", err
		}
		verifyKeys, err := s.shares.VerifyKeys(ctx, node.VolumeID)
		if err != nil {
			return "", err
		}
		parentKey = nodecrypto.ParentKey{
			DecryptionKey:            rootKey,
			NodeKeySigningPublicKeys: verifyKeys,
			AddressPublicKeys:        verifyKeys,
			NameContextPublicKeys:    verifyKeys,
		}
	} else {
		enc, err := s.api.FetchNode(ctx, node)
		if err != nil {
			return "", err
		}
		if enc.ParentUid == nil {
			return "", driveerrors.New(driveerrors.Validation, "node has no parent and is not the share root", nil)
		}
		parentKey, err = s.resolveParentKey(ctx, *enc.ParentUid)
		if err != nil {
			return "", err
		}
		key, verified, err := s.crypto.DecryptNodeKey(ctx, enc, parentKey)
		if err != nil {
			return "", err
		}
		if verified != drivecrypto.SignedAndValid {
			s.log.WithField("uid", node.String()).WithField("verification", verified).Warn("ancestor node key signature not valid, continuing with unverified key")
		}
		if err := s.cacheNodeKey(ctx, node, key); err != nil {
			s.log.WithError(err).Warn("failed to cache ancestor node key")
		}
		return key, nil
	}

	enc, err := s.api.FetchNode(ctx, node)
	if err != nil {
		return "", err
	}
	key, _, err := s.crypto.DecryptNodeKey(ctx, enc, parentKey)
	if err != nil {
		return "", err
	}
	if err := s.cacheNodeKey(ctx, node, key); err != nil {
		s.log.WithError(err).Warn("failed to cache root node key")
	}
	return key, nil
}

func (s *Service) cacheNodeKey(ctx context.Context, node uid.NodeUid, key drivecrypto.ArmoredKey) error {
	raw, err := json.Marshal(cachedNodeKey{Key: key})
	if err != nil {
		return err
	}
	return s.cryptoCache.SetEntity(ctx, nodeKeyMaterialKey(node.String()), string(raw))
}

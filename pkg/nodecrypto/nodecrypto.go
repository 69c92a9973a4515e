// Package nodecrypto implements the node crypto service (§4.C): it turns
// one server-supplied encrypted node record into a nodes.MaybeNode,
// decrypting the node key, name, hash key (folders) or content key
// (files), and active-revision extended attributes, tracking per-field
// verification status along the way.
//
// Grounded in backend/protondrive.go's readMetaDataForLink/
// newObjectWithLink (decrypt the record, populate a struct field by
// field, never fail the whole object for one bad field) and in
// backend/crypt/cipher.go's convention of surfacing a verification
// outcome instead of panicking on a bad signature.
package nodecrypto

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

// ParentKey supplies the key material needed to decrypt a node: the
// parent folder's key (or, for root nodes, the owning share's key) plus
// the public keys of the email addresses that may have signed the
// node's fields.
type ParentKey struct {
	// DecryptionKey is the parent/share private key used to unlock the
	// node's own key and passphrase.
	DecryptionKey drivecrypto.ArmoredKey
	// NodeKeySigningPublicKeys verifies the node-key passphrase
	// signature (usually the creating address's public key), and
	// (§4.C step 3) the content-key packet's detached signature.
	NodeKeySigningPublicKeys []drivecrypto.ArmoredKey
	// AddressPublicKeys additionally verifies hash-key signatures,
	// tolerating the legacy case where they were signed by the address
	// key rather than the node key (§4.A).
	AddressPublicKeys []drivecrypto.ArmoredKey
	// NameContextPublicKeys verifies the node name signature; normally
	// the same as NodeKeySigningPublicKeys.
	NameContextPublicKeys []drivecrypto.ArmoredKey
}

// EncryptedRevision is the wire shape of one revision's encrypted
// fields, as received from the node access layer.
type EncryptedRevision struct {
	Uid                       uid.RevisionUid
	State                     nodes.RevisionState
	CreationTime              int64 // unix seconds
	ContentKeyPacket          []byte
	ContentKeyPacketSignature drivecrypto.ArmoredSignature
	SignatureEmail            string
	ArmoredExtendedAttributes drivecrypto.ArmoredMessage
}

// EncryptedNode is the wire shape of one encrypted node record, as
// received from the node access layer (§4.C input).
type EncryptedNode struct {
	Uid          uid.NodeUid
	ParentUid    *uid.NodeUid
	Type         nodes.NodeType
	CreationTime int64

	ArmoredKey         drivecrypto.ArmoredKey
	ArmoredPassphrase  drivecrypto.ArmoredMessage
	SignatureEmail     string
	NameSignatureEmail string
	ArmoredName        drivecrypto.ArmoredMessage

	// Folder-only.
	ArmoredHashKey               drivecrypto.ArmoredMessage
	ArmoredFolderExtendedAttribs drivecrypto.ArmoredMessage

	// File-only.
	ActiveRevision *EncryptedRevision

	TrashTime        *int64
	IsShared         bool
	DirectMemberRole nodes.MemberRole
	MediaType        string
}

// Service decrypts encrypted node records via a crypto façade (§4.A).
type Service struct {
	cipher *drivecrypto.Cipher
	log    *logrus.Entry
}

// New builds a node crypto service around the given façade.
func New(cipher *drivecrypto.Cipher, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{cipher: cipher, log: log}
}

// claimedFields holds the "claimed" revision attributes extracted from
// extended attributes (§3): untrusted until verified against computed
// values by the download engine.
type claimedFields struct {
	size    *int64
	modTime *time.Time
	digests *nodes.Digests
}

// DecryptNode runs the full §4.C pipeline and always returns a
// nodes.MaybeNode — it never returns a Go error for a single bad field;
// a malformed or unverifiable field degrades the node instead.
func (s *Service) DecryptNode(ctx context.Context, enc EncryptedNode, parent ParentKey) nodes.MaybeNode {
	var failures []nodes.FieldFailure

	// Step 1: node key + passphrase.
	decryptedKey, keyErr, keyVerified := s.decryptNodeKey(ctx, enc, parent)
	keyAuthor := nodes.OkAuthor(enc.SignatureEmail)
	keyVerificationHidden := false
	switch {
	case keyErr != nil:
		failures = append(failures, nodes.FieldFailure{Field: nodes.FieldNodeKey, Err: keyErr})
		keyAuthor = nodes.ErrAuthor(enc.SignatureEmail, keyErr)
	case keyVerified != drivecrypto.SignedAndValid:
		err := driveerrors.Newf(driveerrors.Verification, nil, "node key passphrase signature %s", keyVerified)
		failures = append(failures, nodes.FieldFailure{Field: nodes.FieldNodeKey, Err: err})
		keyAuthor = nodes.ErrAuthor(enc.SignatureEmail, err)
		// Author priority (§4.C): an unverified key hides a subsequent
		// hash-key verification error to avoid double-reporting.
		keyVerificationHidden = true
	}

	n := nodes.Node{
		Uid:              enc.Uid,
		ParentUid:        enc.ParentUid,
		Type:             enc.Type,
		CreationTime:     unixTime(enc.CreationTime),
		KeyAuthor:        keyAuthor,
		TrashTime:        unixTimePtr(enc.TrashTime),
		IsShared:         enc.IsShared,
		DirectMemberRole: enc.DirectMemberRole,
		MediaType:        enc.MediaType,
	}

	// If the node key itself didn't decrypt, nothing downstream (name,
	// hash key, content key) can be attempted: surface a single degraded
	// node rather than chase secondary failures.
	if keyErr != nil {
		return nodes.ErrNode(nodes.DegradedNode{Uid: enc.Uid, FieldErrors: failures})
	}

	switch enc.Type {
	case nodes.TypeFolder:
		folder, hashFailure := s.decryptFolder(ctx, enc, decryptedKey, parent, keyVerificationHidden)
		n.Folder = folder
		if hashFailure != nil {
			failures = append(failures, *hashFailure)
		}
	case nodes.TypeFile:
		file, contentFailure := s.decryptFile(ctx, enc, decryptedKey, parent)
		n.File = file
		if contentFailure != nil {
			failures = append(failures, *contentFailure)
		}
	}

	// Step 4: node name, using the node key (never the parent key).
	name, nameAuthor, nameFailure := s.decryptName(ctx, enc, decryptedKey, parent)
	n.Name = name
	n.NameAuthor = nameAuthor
	if nameFailure != nil {
		failures = append(failures, *nameFailure)
	}

	if len(failures) == 0 {
		return nodes.OkNode(n)
	}
	return nodes.ErrNode(nodes.DegradedNode{Uid: enc.Uid, FieldErrors: failures})
}

// DecryptNodeKey decrypts just enc's own node key against parent, without
// touching name/folder/file fields. The node access layer (§4.D) uses this
// to walk the parent-key chain when resolving decryption context for a
// node's children, one ancestor at a time, without paying for a full
// DecryptNode on every ancestor.
func (s *Service) DecryptNodeKey(ctx context.Context, enc EncryptedNode, parent ParentKey) (drivecrypto.ArmoredKey, drivecrypto.VerificationStatus, error) {
	dk, err, verified := s.decryptNodeKey(ctx, enc, parent)
	if err != nil {
		return "", drivecrypto.NotSigned, err
	}
	return dk.Key, verified, nil
}

func (s *Service) decryptNodeKey(ctx context.Context, enc EncryptedNode, parent ParentKey) (drivecrypto.DecryptedKey, error, drivecrypto.VerificationStatus) {
	dk, err := s.cipher.DecryptKey(ctx, enc.ArmoredPassphrase, enc.ArmoredKey, parent.DecryptionKey, parent.NodeKeySigningPublicKeys)
	if err != nil {
		return drivecrypto.DecryptedKey{}, err, drivecrypto.NotSigned
	}
	return dk, nil, dk.Verification
}

// decryptFolder performs step 2: hash key and folder extended attributes.
func (s *Service) decryptFolder(ctx context.Context, enc EncryptedNode, key drivecrypto.DecryptedKey, parent ParentKey, hideVerificationError bool) (*nodes.FolderData, *nodes.FieldFailure) {
	folder := &nodes.FolderData{}

	// Hash-key signatures tolerate either the node key or the address
	// key (§4.A legacy tolerance) — verify against the union.
	verifyKeys := append(append([]drivecrypto.ArmoredKey{}, parent.NodeKeySigningPublicKeys...), parent.AddressPublicKeys...)
	hashResult, err := s.cipher.DecryptNodeHashKey(ctx, enc.ArmoredHashKey, key.Key, verifyKeys)

	var failure *nodes.FieldFailure
	switch {
	case err != nil:
		failure = &nodes.FieldFailure{Field: nodes.FieldNodeHashKey, Err: err}
	case hashResult.Verification != drivecrypto.SignedAndValid && !hideVerificationError:
		failure = &nodes.FieldFailure{
			Field: nodes.FieldNodeHashKey,
			Err:   driveerrors.Newf(driveerrors.Verification, nil, "hash key signature %s", hashResult.Verification),
		}
	}
	if err == nil {
		folder.HashKey = hashResult.HashKey
	}

	if len(enc.ArmoredFolderExtendedAttribs) > 0 {
		attrs, xattrErr := s.decryptAttributeBlob(ctx, enc.ArmoredFolderExtendedAttribs, key)
		if xattrErr != nil && failure == nil {
			failure = &nodes.FieldFailure{Field: nodes.FieldNodeExtendedAttributes, Err: xattrErr}
		}
		folder.ExtendedAttributes = attrs
	}

	return folder, failure
}

// decryptFile performs step 3: content-key session key (+ signature
// verification) and active-revision extended attributes.
func (s *Service) decryptFile(ctx context.Context, enc EncryptedNode, key drivecrypto.DecryptedKey, parent ParentKey) (*nodes.FileData, *nodes.FieldFailure) {
	file := &nodes.FileData{}
	if enc.ActiveRevision == nil {
		return file, nil
	}
	revision, sessionKey, failure := s.decryptRevision(ctx, enc.ActiveRevision, key, parent)
	file.ContentKeyPacketSessionKey = sessionKey
	file.ActiveRevision = &revision
	return file, failure
}

// decryptRevision decrypts one revision's content-key session key and
// extended attributes against an already-unlocked node key. Factored out
// of decryptFile so the same pipeline serves both a node's active
// revision and, via the public DecryptRevision wrapper, an arbitrary
// historical revision resolved by UID elsewhere (§4.G
// getFileRevisionDownloader).
func (s *Service) decryptRevision(ctx context.Context, rev *EncryptedRevision, key drivecrypto.DecryptedKey, parent ParentKey) (nodes.Revision, drivecrypto.SessionKey, *nodes.FieldFailure) {
	sessionKey, verification, err := s.cipher.DecryptAndVerifySessionKey(ctx, rev.ContentKeyPacket, key.Key, rev.ContentKeyPacketSignature, parent.NodeKeySigningPublicKeys)
	var failure *nodes.FieldFailure
	switch {
	case err != nil:
		failure = &nodes.FieldFailure{Field: nodes.FieldNodeContentKey, Err: err}
	case verification != drivecrypto.SignedAndValid:
		failure = &nodes.FieldFailure{
			Field: nodes.FieldNodeContentKey,
			Err:   driveerrors.Newf(driveerrors.Verification, nil, "content key signature %s", verification),
		}
	}

	revision := nodes.Revision{
		Uid:           rev.Uid,
		State:         rev.State,
		CreationTime:  unixTime(rev.CreationTime),
		ContentAuthor: nodes.OkAuthor(rev.SignatureEmail),
	}
	if len(rev.ArmoredExtendedAttributes) > 0 {
		attrs, claimed, xattrErr := s.decryptRevisionAttributes(ctx, rev, key)
		revision.ExtendedAttributes = attrs
		if claimed != nil {
			revision.ClaimedSize = claimed.size
			revision.ClaimedModificationTime = claimed.modTime
			revision.ClaimedDigests = claimed.digests
		}
		if xattrErr != nil {
			revision.ContentAuthor = nodes.ErrAuthor(rev.SignatureEmail, xattrErr)
			if failure == nil {
				failure = &nodes.FieldFailure{Field: nodes.FieldNodeExtendedAttributes, Err: xattrErr}
			}
		}
	}

	return revision, sessionKey, failure
}

// DecryptRevision decrypts a specific revision record against an
// already-unlocked node key and its owning node's parent verification
// context (§4.G getFileRevisionDownloader: resolving a non-active
// revision reuses the same pipeline DecryptNode uses for the active one,
// rather than a separate one).
func (s *Service) DecryptRevision(ctx context.Context, rev EncryptedRevision, nodeKey drivecrypto.ArmoredKey, parent ParentKey) (nodes.Revision, drivecrypto.SessionKey, error) {
	revision, sessionKey, failure := s.decryptRevision(ctx, &rev, drivecrypto.DecryptedKey{Key: nodeKey}, parent)
	if failure != nil {
		return revision, sessionKey, driveerrors.Newf(driveerrors.Decryption, failure.Err, "revision field %s", failure.Field)
	}
	return revision, sessionKey, nil
}

func (s *Service) decryptName(ctx context.Context, enc EncryptedNode, key drivecrypto.DecryptedKey, parent ParentKey) (string, nodes.Author, *nodes.FieldFailure) {
	result, err := s.cipher.DecryptNodeName(ctx, enc.ArmoredName, key.Key, parent.NameContextPublicKeys)
	if err != nil {
		return "", nodes.ErrAuthor(enc.NameSignatureEmail, err), &nodes.FieldFailure{Field: nodes.FieldNodeName, Err: err}
	}
	if result.Verification != drivecrypto.SignedAndValid {
		err := driveerrors.Newf(driveerrors.Verification, nil, "node name signature %s", result.Verification)
		return result.Name, nodes.ErrAuthor(enc.NameSignatureEmail, err), &nodes.FieldFailure{Field: nodes.FieldNodeName, Err: err}
	}
	return result.Name, nodes.OkAuthor(enc.NameSignatureEmail), nil
}

// decryptAttributeBlob decrypts an armored extended-attributes message
// (folder xattrs have no per-field signing context of their own, so
// verification is skipped — they ride inside the node-key-signed
// envelope) and JSON-deserializes it. A malformed payload degrades the
// node (returns an error) rather than failing the enclosing iteration
// (§4.C).
func (s *Service) decryptAttributeBlob(ctx context.Context, armored drivecrypto.ArmoredMessage, key drivecrypto.DecryptedKey) (map[string]any, error) {
	result, err := s.cipher.DecryptNodeName(ctx, armored, key.Key, nil)
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if jsonErr := json.Unmarshal([]byte(result.Name), &attrs); jsonErr != nil {
		s.log.WithError(jsonErr).Warn("malformed extended attributes, degrading node")
		return nil, driveerrors.New(driveerrors.Decryption, "malformed extended attributes JSON", jsonErr)
	}
	return attrs, nil
}

type revisionXattrPayload struct {
	Common struct {
		ModificationTime *int64 `json:"modificationTime"`
		Size             *int64 `json:"size"`
		Digests          struct {
			SHA1 string `json:"sha1"`
		} `json:"digests"`
	} `json:"common"`
}

func (s *Service) decryptRevisionAttributes(ctx context.Context, rev *EncryptedRevision, key drivecrypto.DecryptedKey) (map[string]any, *claimedFields, error) {
	result, err := s.cipher.DecryptNodeName(ctx, rev.ArmoredExtendedAttributes, key.Key, nil)
	if err != nil {
		return nil, nil, err
	}
	var raw revisionXattrPayload
	if jsonErr := json.Unmarshal([]byte(result.Name), &raw); jsonErr != nil {
		s.log.WithError(jsonErr).Warn("malformed revision extended attributes, degrading node")
		return nil, nil, driveerrors.New(driveerrors.Decryption, "malformed revision extended attributes JSON", jsonErr)
	}

	attrs := map[string]any{
		"size":             raw.Common.Size,
		"modificationTime": raw.Common.ModificationTime,
		"sha1":             raw.Common.Digests.SHA1,
	}

	claimed := &claimedFields{size: raw.Common.Size}
	if raw.Common.ModificationTime != nil {
		claimed.modTime = unixTimePtr(raw.Common.ModificationTime)
	}
	if raw.Common.Digests.SHA1 != "" {
		claimed.digests = &nodes.Digests{Sha1: raw.Common.Digests.SHA1}
	}
	return attrs, claimed, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := unixTime(*sec)
	return &t
}

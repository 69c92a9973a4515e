// Package nodeaccess implements the node access & management surface
// (§4.D): tree navigation (getNode/iterateNodes/iterateFolderChildren/
// iterateTrashedNodes), management operations (rename/move/trash/
// restore/delete/createFolder), the pipelined bounded-concurrency
// decrypt fan-out, batching, and cache discipline.
//
// Grounded in backend/protondrive.go's Fs (dirCache-backed tree nav,
// FindLeaf/CreateDir/Move/DirMove/Rmdir/Purge operation shape),
// generalized from a single-root single-share filesystem view to the
// spec's multi-node/multi-batch tree surface.
package nodeaccess

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/asynciter"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

// defaultConcurrency is §4.D's "bounded fan-out (default 10)".
const defaultConcurrency = 10

// batchSize is the per-request chunk size for bulk management calls
// (§4.D "batching"). Not specified by spec.md; 50 is a conservative,
// round choice that keeps a single failed request's blast radius small.
const batchSize = 50

// Options configures a Service.
type Options struct {
	Concurrency int
}

// Option mutates Options.
type Option func(*Options)

// WithConcurrency overrides the default bounded fan-out width.
func WithConcurrency(n int) Option { return func(o *Options) { o.Concurrency = n } }

// Service is the §4.D node access & management surface.
type Service struct {
	api         API
	crypto      *nodecrypto.Service
	cipher      *drivecrypto.Cipher
	shares      ShareContext
	cache       Cache
	cryptoCache Cache
	log         *logrus.Entry
	concurrency int
}

// New builds a Service.
func New(api API, crypto *nodecrypto.Service, cipher *drivecrypto.Cipher, shares ShareContext, cache, cryptoCache Cache, log *logrus.Entry, opts ...Option) *Service {
	o := Options{Concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		api:         api,
		crypto:      crypto,
		cipher:      cipher,
		shares:      shares,
		cache:       cache,
		cryptoCache: cryptoCache,
		log:         log,
		concurrency: o.Concurrency,
	}
}

// ChildResult is one item from a folder-children or trash iteration
// (§4.D). Err is set only as a terminal item signaling the paginated
// input iterator itself failed (§4.D: "re-raised at the end only if
// the input iterator itself fails"); a per-record decrypt failure never
// sets Err, it surfaces as a degraded Node instead.
type ChildResult struct {
	Node nodes.MaybeNode
	Err  error
}

// decryptEncrypted resolves enc's parent decryption context (the share
// root key for a root node, or the parent chain otherwise) and runs the
// node crypto service's full decrypt pipeline (§4.C).
func (s *Service) decryptEncrypted(ctx context.Context, enc nodecrypto.EncryptedNode) nodes.MaybeNode {
	parentKey, err := s.parentKeyFor(ctx, enc)
	if err != nil {
		return nodes.ErrNode(nodes.DegradedNode{Uid: enc.Uid, Errors: []error{err}})
	}
	return s.crypto.DecryptNode(ctx, enc, parentKey)
}

func (s *Service) parentKeyFor(ctx context.Context, enc nodecrypto.EncryptedNode) (nodecrypto.ParentKey, error) {
	if enc.ParentUid != nil {
		return s.resolveParentKey(ctx, *enc.ParentUid)
	}
	rootKey, err := s.shares.RootDecryptionKey(ctx, enc.Uid.VolumeID)
	if err != nil {
		return nodecrypto.ParentKey{}, err
	}
	verifyKeys, err := s.shares.VerifyKeys(ctx, enc.Uid.VolumeID)
	if err != nil {
		return nodecrypto.ParentKey{}, err
	}
	return nodecrypto.ParentKey{
		DecryptionKey:            rootKey,
		NodeKeySigningPublicKeys: verifyKeys,
		AddressPublicKeys:        verifyKeys,
		NameContextPublicKeys:    verifyKeys,
	}, nil
}

// --- cache discipline (§4.D) ---

type cachedRecord struct {
	Record nodecrypto.EncryptedNode `json:"record"`
}

func (s *Service) cachedEncryptedNode(ctx context.Context, id uid.NodeUid) (nodecrypto.EncryptedNode, bool, error) {
	raw, ok, err := s.cache.GetEntity(ctx, nodeEntityKey(id.String()))
	if err != nil || !ok {
		return nodecrypto.EncryptedNode{}, false, nil
	}
	var cached cachedRecord
	if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr != nil {
		_ = s.cache.RemoveEntities(ctx, []string{nodeEntityKey(id.String())})
		return nodecrypto.EncryptedNode{}, false, nil
	}
	return cached.Record, true, nil
}

func (s *Service) cacheEncryptedNode(ctx context.Context, enc nodecrypto.EncryptedNode) {
	raw, err := json.Marshal(cachedRecord{Record: enc})
	if err != nil {
		return
	}
	if err := s.cache.SetEntity(ctx, nodeEntityKey(enc.Uid.String()), string(raw)); err != nil {
		s.log.WithError(err).Warn("failed to cache node record")
	}
}

// InvalidateNode drops both the entities-cache record and any cached key
// material for id, following a trash/restore/delete event (§4.D: "Cached
// material for a trashed or deleted node is evicted on the matching
// event") or a §4.F NodeDeleted/NodeCreated/NodeUpdated tree
// event - the event engine calls this directly so a stale or superseded
// record is never served from cache after the matching event.
func (s *Service) InvalidateNode(ctx context.Context, id uid.NodeUid) error {
	if err := s.cache.RemoveEntities(ctx, []string{nodeEntityKey(id.String())}); err != nil {
		return err
	}
	return s.cryptoCache.RemoveEntities(ctx, []string{nodeKeyMaterialKey(id.String())})
}

// ResolveNodeKey exposes a node's own decrypted key together with its
// parent verification context, so a caller outside this package (the
// download engine resolving a non-active revision, §4.G
// getFileRevisionDownloader) can decrypt additional node-scoped material
// without re-walking the ancestor chain itself.
func (s *Service) ResolveNodeKey(ctx context.Context, id uid.NodeUid) (drivecrypto.ArmoredKey, nodecrypto.ParentKey, error) {
	enc, ok, err := s.cachedEncryptedNode(ctx, id)
	if err != nil {
		return "", nodecrypto.ParentKey{}, err
	}
	if !ok {
		enc, err = s.api.FetchNode(ctx, id)
		if err != nil {
			return "", nodecrypto.ParentKey{}, err
		}
		s.cacheEncryptedNode(ctx, enc)
	}
	parentKey, err := s.parentKeyFor(ctx, enc)
	if err != nil {
		return "", nodecrypto.ParentKey{}, err
	}
	nodeKey, err := s.decryptedNodeKey(ctx, id)
	if err != nil {
		return "", nodecrypto.ParentKey{}, err
	}
	return nodeKey, parentKey, nil
}

// --- tree navigation (§4.D) ---

// GetMyFilesRootFolder implements §4.D getMyFilesRootFolder.
func (s *Service) GetMyFilesRootFolder(ctx context.Context) (nodes.MaybeMissingNode, error) {
	volumeID, err := s.shares.MyFilesVolumeID(ctx)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	root, err := s.shares.RootNodeUid(ctx, volumeID)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	return s.GetNode(ctx, root)
}

// GetNode implements §4.D getNode: a read first consults the cache; a
// miss triggers a re-fetch (§4.D "cache discipline").
func (s *Service) GetNode(ctx context.Context, id uid.NodeUid) (nodes.MaybeMissingNode, error) {
	enc, hit, err := s.cachedEncryptedNode(ctx, id)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	if !hit {
		fetched, fetchErr := s.api.FetchNode(ctx, id)
		if fetchErr != nil {
			if driveerrors.Is(fetchErr, driveerrors.NotFound) {
				return nodes.ErrNotFound(id), nil
			}
			return nodes.MaybeMissingNode{}, fetchErr
		}
		enc = fetched
		s.cacheEncryptedNode(ctx, enc)
	}

	result := s.decryptEncrypted(ctx, enc)
	if n, ok := result.Node(); ok {
		return nodes.OkMissingNode(n), nil
	}
	d, _ := result.Degraded()
	return nodes.ErrDegradedLookup(d), nil
}

// IterateNodes implements §4.D iterateNodes: a bounded fan-out over an
// explicit UID list (§4.D, §5, §8 asyncIteratorMap), yielding results in
// completion order, not input order.
func (s *Service) IterateNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.MaybeMissingNode {
	out := make(chan nodes.MaybeMissingNode)
	results := asynciter.MapUnordered(ctx, ids, s.concurrency, func(ctx context.Context, id uid.NodeUid) (nodes.MaybeMissingNode, error) {
		return s.GetNode(ctx, id)
	})
	go func() {
		defer close(out)
		for r := range results {
			if r.Err != nil {
				out <- nodes.ErrDegradedLookup(nodes.DegradedNode{Errors: []error{r.Err}})
				continue
			}
			out <- r.Value
		}
	}()
	return out
}

// iteratePaginated drives a paginated server source (fetch) through a
// bounded-concurrency decrypt fan-out, matching IterateFolderChildren's
// and IterateTrashedNodes' shared shape: a single producer goroutine
// pages sequentially (each page depends on the previous one's
// continuation token), feeding a bounded set of decrypt workers whose
// results are delivered in completion order.
func (s *Service) iteratePaginated(ctx context.Context, fetch func(ctx context.Context, token string) (Page, error)) <-chan ChildResult {
	out := make(chan ChildResult)
	go func() {
		defer close(out)

		items := make(chan nodecrypto.EncryptedNode)
		go func() {
			defer close(items)
			token := ""
			for {
				page, err := fetch(ctx, token)
				if err != nil {
					select {
					case out <- ChildResult{Err: err}:
					case <-ctx.Done():
					}
					return
				}
				for _, rec := range page.Records {
					select {
					case items <- rec:
					case <-ctx.Done():
						return
					}
				}
				if page.NextPageToken == "" {
					return
				}
				token = page.NextPageToken
			}
		}()

		var wg sync.WaitGroup
		sem := make(chan struct{}, s.concurrency)
		for rec := range items {
			rec := rec
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				result := s.decryptEncrypted(ctx, rec)
				s.cacheEncryptedNode(ctx, rec)
				select {
				case out <- ChildResult{Node: result}:
				case <-ctx.Done():
				}
			}()
		}
		wg.Wait()
	}()
	return out
}

// IterateFolderChildren implements §4.D iterateFolderChildren.
func (s *Service) IterateFolderChildren(ctx context.Context, parent uid.NodeUid) <-chan ChildResult {
	return s.iteratePaginated(ctx, func(ctx context.Context, token string) (Page, error) {
		return s.api.FetchChildren(ctx, parent, token)
	})
}

// IterateTrashedNodes implements §4.D iterateTrashedNodes.
func (s *Service) IterateTrashedNodes(ctx context.Context, volumeID string) <-chan ChildResult {
	return s.iteratePaginated(ctx, func(ctx context.Context, token string) (Page, error) {
		return s.api.FetchTrashed(ctx, volumeID, token)
	})
}

// --- management operations (§4.D) ---

// folderHashKey returns parent's decrypted folder hash key, used to
// compute the destination lookup hash for rename/move/createFolder
// (§4.A generateLookupHash, §4.D "computed against the destination
// parent's hash key").
func (s *Service) folderHashKey(ctx context.Context, parent uid.NodeUid) ([]byte, error) {
	result, err := s.GetNode(ctx, parent)
	if err != nil {
		return nil, err
	}
	if result.IsMissing() {
		return nil, driveerrors.New(driveerrors.NotFound, "parent folder not found", nil)
	}
	n, ok := result.Node()
	if !ok || n.Folder == nil {
		return nil, driveerrors.New(driveerrors.Validation, "parent is not an accessible folder", nil)
	}
	return n.Folder.HashKey, nil
}

// RenameNode implements §4.D renameNode: the lookup hash is computed
// against the node's current parent's hash key; a collision fails the
// whole operation with a validation error (§4.D "Name collisions") and
// no server state changes.
func (s *Service) RenameNode(ctx context.Context, id uid.NodeUid, newName string) nodes.NodeResult {
	enc, err := s.api.FetchNode(ctx, id)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	if enc.ParentUid == nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: driveerrors.New(driveerrors.Validation, "root node cannot be renamed", nil)}
	}

	parentHashKey, err := s.folderHashKey(ctx, *enc.ParentUid)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	lookupHash, err := drivecrypto.GenerateLookupHash(newName, parentHashKey)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	ownKey, err := s.decryptedNodeKey(ctx, id)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	email, signingKey, err := s.shares.GetVolumeEmailKey(ctx, id.VolumeID)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	armoredName, err := s.cipher.EncryptNodeName(ctx, newName, nil, &ownKey, signingKey)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}

	if err := s.api.Rename(ctx, id, RenameRequest{
		ArmoredName:        string(armoredName),
		NameSignatureEmail: email,
		Hash:               lookupHash,
	}); err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	if err := s.InvalidateNode(ctx, id); err != nil {
		s.log.WithError(err).Warn("failed to evict renamed node from cache")
	}
	return nodes.NodeResult{Uid: id, Ok: true}
}

// moveOne moves a single node, recomputing its lookup hash against the
// destination parent (§4.D). The node's own name ciphertext is
// unchanged by a move — it is encrypted to the node's own key, never
// the parent's, so only the collision hash needs recomputing.
func (s *Service) moveOne(ctx context.Context, id, newParent uid.NodeUid) nodes.NodeResult {
	parentHashKey, err := s.folderHashKey(ctx, newParent)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	result, err := s.GetNode(ctx, id)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	n, ok := result.Node()
	if !ok {
		return nodes.NodeResult{Uid: id, Ok: false, Err: driveerrors.New(driveerrors.Validation, "cannot move a degraded node", nil)}
	}
	lookupHash, err := drivecrypto.GenerateLookupHash(n.Name, parentHashKey)
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}

	replies, err := s.api.Move(ctx, []uid.NodeUid{id}, MoveRequest{NewParentUid: newParent, Hash: lookupHash})
	if err != nil {
		return nodes.NodeResult{Uid: id, Ok: false, Err: err}
	}
	for _, r := range replies {
		if r.Uid == id {
			if r.Ok {
				if cerr := s.InvalidateNode(ctx, id); cerr != nil {
					s.log.WithError(cerr).Warn("failed to evict moved node from cache")
				}
			}
			return nodes.NodeResult{Uid: id, Ok: r.Ok, Err: r.Err}
		}
	}
	return nodes.NodeResult{Uid: id, Ok: false, Err: driveerrors.New(driveerrors.APIHTTPError, "move: no reply for uid", nil)}
}

// MoveNodes implements §4.D moveNodes, each node processed independently
// under the same bounded fan-out as IterateNodes; a partial failure
// never aborts the others (§4.D "batching").
func (s *Service) MoveNodes(ctx context.Context, ids []uid.NodeUid, newParent uid.NodeUid) <-chan nodes.NodeResult {
	out := make(chan nodes.NodeResult)
	results := asynciter.MapUnordered(ctx, ids, s.concurrency, func(ctx context.Context, id uid.NodeUid) (nodes.NodeResult, error) {
		return s.moveOne(ctx, id, newParent), nil
	})
	go func() {
		defer close(out)
		for r := range results {
			out <- r.Value
		}
	}()
	return out
}

func chunk(ids []uid.NodeUid, size int) [][]uid.NodeUid {
	if size <= 0 {
		size = len(ids)
	}
	var batches [][]uid.NodeUid
	for size > 0 && len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}

// bulk drives one of trash/restore/delete across ids, chunked into
// server-accepted batches (§4.D "batching"): a transport failure for one
// batch degrades every UID in that batch rather than aborting the
// others, and a partial per-UID failure within a successful batch reply
// never aborts the rest (§4.D, §8 scenario 4).
func (s *Service) bulk(ctx context.Context, ids []uid.NodeUid, call func(context.Context, []uid.NodeUid) ([]BatchReply, error), evictOnSuccess bool) <-chan nodes.NodeResult {
	out := make(chan nodes.NodeResult)
	batches := chunk(ids, batchSize)
	results := asynciter.MapUnordered(ctx, batches, s.concurrency, func(ctx context.Context, batch []uid.NodeUid) ([]nodes.NodeResult, error) {
		replies, err := call(ctx, batch)
		if err != nil {
			res := make([]nodes.NodeResult, len(batch))
			for i, id := range batch {
				res[i] = nodes.NodeResult{Uid: id, Ok: false, Err: err}
			}
			return res, nil
		}
		res := make([]nodes.NodeResult, 0, len(replies))
		for _, r := range replies {
			if r.Ok && evictOnSuccess {
				if cerr := s.InvalidateNode(ctx, r.Uid); cerr != nil {
					s.log.WithError(cerr).Warn("failed to evict node from cache")
				}
			}
			res = append(res, nodes.NodeResult{Uid: r.Uid, Ok: r.Ok, Err: r.Err})
		}
		return res, nil
	})
	go func() {
		defer close(out)
		for r := range results {
			for _, nr := range r.Value {
				out <- nr
			}
		}
	}()
	return out
}

// TrashNodes implements §4.D trashNodes.
func (s *Service) TrashNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return s.bulk(ctx, ids, s.api.Trash, true)
}

// RestoreNodes implements §4.D restoreNodes.
func (s *Service) RestoreNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return s.bulk(ctx, ids, s.api.Restore, true)
}

// DeleteNodes implements §4.D deleteNodes. Deletion is irreversible
// (§3 Lifecycle).
func (s *Service) DeleteNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return s.bulk(ctx, ids, s.api.Delete, true)
}

// CreateFolder implements §4.D createFolder: a fresh node key locked by
// a fresh passphrase (encrypted to the parent's key, §4.A generateKey),
// a fresh hash key for the new folder's own children (encrypted to the
// new folder's own key, matching decryptFolder's use of the node's own
// key), and the name encrypted to the new folder's own key (matching
// decryptName's use of the node's own key, never the parent's).
func (s *Service) CreateFolder(ctx context.Context, parent uid.NodeUid, name string) (nodes.MaybeMissingNode, error) {
	parentKey, err := s.resolveParentKey(ctx, parent)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	parentHashKey, err := s.folderHashKey(ctx, parent)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	email, signingKey, err := s.shares.GetVolumeEmailKey(ctx, parent.VolumeID)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}

	generated, err := s.cipher.GenerateKey(ctx, email, parentKey.DecryptionKey, signingKey)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	_, armoredHashKey, err := s.cipher.GenerateHashKey(ctx, generated.ArmoredKey, signingKey)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	armoredName, err := s.cipher.EncryptNodeName(ctx, name, nil, &generated.ArmoredKey, signingKey)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	lookupHash, err := drivecrypto.GenerateLookupHash(name, parentHashKey)
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}

	enc, err := s.api.CreateFolder(ctx, parent, CreateFolderRequest{
		ArmoredName:        string(armoredName),
		NameSignatureEmail: email,
		Hash:               lookupHash,
		ArmoredNodeKey:     string(generated.ArmoredKey),
		ArmoredPassphrase:  string(generated.ArmoredPassphrase),
		ArmoredHashKey:     string(armoredHashKey),
	})
	if err != nil {
		return nodes.MaybeMissingNode{}, err
	}
	s.cacheEncryptedNode(ctx, enc)

	result := s.decryptEncrypted(ctx, enc)
	if n, ok := result.Node(); ok {
		return nodes.OkMissingNode(n), nil
	}
	d, _ := result.Degraded()
	return nodes.ErrDegradedLookup(d), nil
}

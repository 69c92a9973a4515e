package upload

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // wire-mandated per-block content digest, not security-sensitive here
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/digest"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

// maxNameCandidates bounds how many numbered name variants
// resolveNameHash offers to checkAvailableHashes in one round (§4.H step
// 1: "the desired name plus numbered variants, depending on policy").
const maxNameCandidates = 8

// ThumbnailSource is a caller-supplied cleartext thumbnail offered
// alongside a file's content blocks (§4.H step 5). The engine encrypts it
// under a key derived from the revision's own content key before it ever
// reaches requestBlockUpload.
type ThumbnailSource struct {
	Type      int
	Cleartext []byte
}

// blockPayload is one chunk's encrypted form plus the cleartext metadata
// the server's block-token and manifest protocol needs (§4.H step 4).
type blockPayload struct {
	index      int
	size       int64
	sha1Hex    string
	ciphertext []byte
	signature  []byte
}

// WriteStream implements §4.H writeStream: the full create-draft,
// chunk-encrypt-sign, request-tokens, upload-blocks, commit pipeline
// behind the FileUploader handle returned by GetFileUploader/
// GetFileRevisionUploader. onProgress, when non-nil, is called with each
// block's cleartext size as it finishes uploading; it may be nil.
func (f *FileUploader) WriteStream(ctx context.Context, source io.Reader, thumbnails []ThumbnailSource, onProgress func(uploadedBytes int64)) (*UploadController, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ctrl := newController(cancel)

	if !f.svc.limiter.acquire(runCtx.Done()) {
		cancel()
		err := driveerrors.New(driveerrors.Abort, "upload cancelled waiting for a slot", nil)
		ctrl.finish(uid.NodeUid{}, err)
		return ctrl, err
	}

	reader, mediaType, err := peekMediaType(source, f.metadata.MediaType)
	if err != nil {
		f.svc.limiter.release()
		cancel()
		ctrl.finish(uid.NodeUid{}, err)
		return ctrl, err
	}
	f.metadata.MediaType = mediaType

	go func() {
		defer f.svc.limiter.release()
		defer cancel()
		nodeUid, uploadedSize, runErr := f.run(runCtx, ctrl, reader, thumbnails, onProgress)
		runErr = normalizeContextErr(runCtx, runErr)
		f.recordTelemetry(runErr, uploadedSize)
		ctrl.finish(nodeUid, runErr)
	}()

	return ctrl, nil
}

// peekMediaType samples the first 512 bytes of source for
// net/http.DetectContentType when declared is empty, replaying the
// sample ahead of the rest of source so no bytes are lost to sniffing.
func peekMediaType(source io.Reader, declared string) (io.Reader, string, error) {
	if declared != "" {
		return source, declared, nil
	}
	sample := make([]byte, 512)
	n, err := io.ReadFull(source, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", driveerrors.New(driveerrors.Network, "read upload source for media type sniffing", err)
	}
	sample = sample[:n]
	return io.MultiReader(bytes.NewReader(sample), source), sniffMediaType(sample), nil
}

func (f *FileUploader) volumeID() string {
	if f.existingNode != nil {
		return f.existingNode.VolumeID
	}
	return f.parentUid.VolumeID
}

// run drives steps 2-7 of §4.H for one writeStream call: resolve the
// signing identity once, mint a fresh content key, create the draft (or
// draft revision), then stream the source through the block pipeline and
// commit. Any failure after a draft exists triggers best-effort cleanup
// (§4.H "Failure handling").
func (f *FileUploader) run(ctx context.Context, ctrl *UploadController, source io.Reader, thumbnailSources []ThumbnailSource, onProgress func(int64)) (uid.NodeUid, int64, error) {
	email, signingKey, err := f.svc.signing.GetVolumeEmailKey(ctx, f.volumeID())
	if err != nil {
		return uid.NodeUid{}, 0, err
	}

	contentKey, err := f.svc.cipher.GenerateContentKey()
	if err != nil {
		return uid.NodeUid{}, 0, err
	}

	isNewFile := f.existingNode == nil
	var (
		nodeUid     uid.NodeUid
		revisionUid uid.RevisionUid
		nodeKey     drivecrypto.ArmoredKey
	)
	if isNewFile {
		nodeUid, revisionUid, nodeKey, err = f.createDraftWithRetry(ctx, email, signingKey, contentKey)
	} else {
		nodeUid, revisionUid, nodeKey, err = f.createRevision(ctx, *f.existingNode, email, signingKey, contentKey)
	}
	if err != nil {
		return uid.NodeUid{}, 0, err
	}

	uploadedSize, runErr := f.uploadRevision(ctx, ctrl, revisionUid, nodeKey, signingKey, email, contentKey, source, thumbnailSources, onProgress)
	if runErr != nil {
		f.cleanupDraft(isNewFile, nodeUid, revisionUid)
		return uid.NodeUid{}, 0, runErr
	}
	return nodeUid, uploadedSize, nil
}

// createDraftWithRetry implements §4.H steps 1-2 for a brand new file,
// restarting from name-hash resolution (bounded by
// maxNameCollisionRestarts) whenever createDraft reports the hash it was
// given lost a race to a different client in the meantime.
func (f *FileUploader) createDraftWithRetry(ctx context.Context, email string, signingKey drivecrypto.ArmoredKey, contentKey drivecrypto.SessionKey) (uid.NodeUid, uid.RevisionUid, drivecrypto.ArmoredKey, error) {
	parentResult, err := f.svc.parents.GetNode(ctx, f.parentUid)
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}
	if parentResult.IsMissing() {
		return uid.NodeUid{}, uid.RevisionUid{}, "", driveerrors.New(driveerrors.NotFound, "parent folder not found", nil)
	}
	parentNode, ok := parentResult.Node()
	if !ok || parentNode.Folder == nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", driveerrors.New(driveerrors.Validation, "parent is not an accessible folder", nil)
	}
	parentNodeKey, _, err := f.svc.parents.ResolveNodeKey(ctx, f.parentUid)
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxNameCollisionRestarts; attempt++ {
		finalName, hash, err := f.resolveNameHash(ctx, parentNode.Folder.HashKey)
		if err != nil {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}

		generated, err := f.svc.cipher.GenerateKey(ctx, email, parentNodeKey, signingKey)
		if err != nil {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}
		armoredName, err := f.svc.cipher.EncryptNodeName(ctx, finalName, nil, &generated.ArmoredKey, signingKey)
		if err != nil {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}
		contentKeyPacket, err := f.svc.cipher.EncryptSessionKeyBinary(ctx, contentKey, generated.ArmoredKey)
		if err != nil {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}
		contentKeySig, err := f.svc.cipher.EncryptSignature(ctx, contentKey.Key, signingKey)
		if err != nil {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}

		reply, err := f.svc.api.CreateDraft(ctx, DraftRequest{
			ParentNodeUid:              f.parentUid,
			ArmoredKey:                 generated.ArmoredKey,
			ArmoredPassphrase:          generated.ArmoredPassphrase,
			ArmoredPassphraseSignature: generated.ArmoredPassphraseSig,
			ArmoredName:                armoredName,
			NameSignatureEmail:         email,
			SignatureEmail:             email,
			Hash:                       hash,
			ClientUid:                  f.svc.clientUid,
			ContentKeyPacket:           contentKeyPacket,
			ContentKeyPacketSignature:  contentKeySig,
			MediaType:                  f.metadata.MediaType,
		})
		if err == nil {
			return reply.NodeUid, reply.RevisionUid, generated.ArmoredKey, nil
		}
		lastErr = err
		if !driveerrors.Is(err, driveerrors.Validation) {
			return uid.NodeUid{}, uid.RevisionUid{}, "", err
		}
		// Validation here means the hash lost a race to a different client
		// between checkAvailableHashes and createDraft; restart from step 1.
	}
	return uid.NodeUid{}, uid.RevisionUid{}, "", lastErr
}

// createRevision implements §4.H steps 1-2 for an existing file: no
// name-hash negotiation, just a fresh content key wrapped under the
// file's own already-established key.
func (f *FileUploader) createRevision(ctx context.Context, nodeUid uid.NodeUid, email string, signingKey drivecrypto.ArmoredKey, contentKey drivecrypto.SessionKey) (uid.NodeUid, uid.RevisionUid, drivecrypto.ArmoredKey, error) {
	nodeKey, _, err := f.svc.parents.ResolveNodeKey(ctx, nodeUid)
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}
	contentKeyPacket, err := f.svc.cipher.EncryptSessionKeyBinary(ctx, contentKey, nodeKey)
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}
	contentKeySig, err := f.svc.cipher.EncryptSignature(ctx, contentKey.Key, signingKey)
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}
	reply, err := f.svc.api.CreateDraftRevision(ctx, RevisionDraftRequest{
		NodeUid:                   nodeUid,
		SignatureEmail:            email,
		ContentKeyPacket:          contentKeyPacket,
		ContentKeyPacketSignature: contentKeySig,
	})
	if err != nil {
		return uid.NodeUid{}, uid.RevisionUid{}, "", err
	}
	return reply.NodeUid, reply.RevisionUid, nodeKey, nil
}

// resolveNameHash implements §4.H step 1: compute the desired name's
// lookup hash plus a bounded set of numbered variants, ask the server
// which are free, and return the first one available — reclaiming a
// pending draft of our own clientUid rather than racing a fresh variant
// for it, since createDraft is idempotent per (hash, clientUid)
// server-side.
func (f *FileUploader) resolveNameHash(ctx context.Context, parentHashKey []byte) (string, string, error) {
	candidates := candidateNames(f.name, maxNameCandidates)
	hashes := make([]string, len(candidates))
	byHash := make(map[string]string, len(candidates))
	for i, c := range candidates {
		h, err := drivecrypto.GenerateLookupHash(c, parentHashKey)
		if err != nil {
			return "", "", err
		}
		hashes[i] = h
		byHash[h] = c
	}

	avail, err := f.svc.api.CheckAvailableHashes(ctx, f.parentUid, hashes)
	if err != nil {
		return "", "", err
	}

	for _, h := range hashes {
		a, ok := avail[h]
		if !ok {
			continue
		}
		if a.Available || a.PendingDraftClientUid == f.svc.clientUid {
			return byHash[h], h, nil
		}
	}
	return "", "", driveerrors.New(driveerrors.Validation, "no available name variant found", nil)
}

// candidateNames returns name followed by up to n-1 numbered variants
// ("file (1).txt", "file (2).txt", ...), the extension preserved.
func candidateNames(name string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, name)
	base, ext := name, ""
	if idx := strings.LastIndexByte(name, '.'); idx > 0 {
		base, ext = name[:idx], name[idx:]
	}
	for i := 1; len(out) < n; i++ {
		out = append(out, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	return out
}

// uploadRevision implements §4.H steps 3-7 against an already-created
// draft/draft-revision: fetch the verification challenge, chunk and
// encrypt the source, request block tokens, upload ciphertext, then sign
// and commit the manifest.
func (f *FileUploader) uploadRevision(ctx context.Context, ctrl *UploadController, revisionUid uid.RevisionUid, nodeKey, signingKey drivecrypto.ArmoredKey, email string, contentKey drivecrypto.SessionKey, source io.Reader, thumbnailSources []ThumbnailSource, onProgress func(int64)) (int64, error) {
	verification, err := f.svc.api.GetVerificationData(ctx, revisionUid)
	if err != nil {
		return 0, err
	}

	blocks, acc, err := f.chunkAndEncrypt(ctx, source, contentKey, signingKey)
	if err != nil {
		return 0, err
	}
	thumbnails, err := f.encryptThumbnails(contentKey, thumbnailSources)
	if err != nil {
		return 0, err
	}

	reqs := make([]BlockUploadRequest, len(blocks))
	for i, b := range blocks {
		reqs[i] = BlockUploadRequest{
			Index:     b.index,
			Hash:      b.sha1Hex,
			Size:      b.size,
			Signature: b.signature,
			Verifier:  verificationToken(verification.VerificationCode, b.index),
		}
	}
	tokens, err := f.svc.api.RequestBlockUpload(ctx, revisionUid, reqs, thumbnails)
	if err != nil {
		return 0, err
	}

	if err := f.uploadBlocks(ctx, ctrl, blocks, tokens, onProgress); err != nil {
		return 0, err
	}

	manifestSig, err := f.svc.cipher.SignManifest(ctx, buildManifest(blocks), signingKey)
	if err != nil {
		return 0, err
	}
	xattrJSON, err := f.buildExtendedAttributes(acc)
	if err != nil {
		return 0, err
	}
	armoredXattr, err := f.svc.cipher.EncryptNodeName(ctx, xattrJSON, nil, &nodeKey, signingKey)
	if err != nil {
		return 0, err
	}

	if err := f.svc.api.CommitDraftRevision(ctx, revisionUid, CommitRequest{
		ManifestSignature:         manifestSig,
		SignatureEmail:            email,
		ArmoredExtendedAttributes: armoredXattr,
	}); err != nil {
		return 0, err
	}

	return acc.BytesWritten(), nil
}

// chunkAndEncrypt implements §4.H step 4: split source into
// svc.blockSize cleartext chunks, and for each compute size, SHA-1
// contribution, ciphertext and detached signature, while a running
// accumulator tracks the whole-stream digest for the final extended
// attributes.
func (f *FileUploader) chunkAndEncrypt(ctx context.Context, source io.Reader, contentKey drivecrypto.SessionKey, signingKey drivecrypto.ArmoredKey) ([]blockPayload, *digest.Accumulator, error) {
	buf := make([]byte, f.svc.blockSize)
	acc := digest.NewAccumulator()
	var blocks []blockPayload
	index := 0
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		n, err := io.ReadFull(source, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := acc.Write(chunk); werr != nil {
				return nil, nil, werr
			}
			bp, berr := f.encryptBlock(ctx, index, chunk, contentKey, signingKey)
			if berr != nil {
				return nil, nil, berr
			}
			blocks = append(blocks, bp)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, nil, driveerrors.New(driveerrors.Network, "read upload source", err)
		}
	}
	return blocks, acc, nil
}

func (f *FileUploader) encryptBlock(ctx context.Context, index int, cleartext []byte, contentKey drivecrypto.SessionKey, signingKey drivecrypto.ArmoredKey) (blockPayload, error) {
	sum := sha1.Sum(cleartext) //nolint:gosec
	ciphertext, err := f.svc.cipher.EncryptBlock(contentKey, cleartext)
	if err != nil {
		return blockPayload{}, err
	}
	sig, err := f.svc.cipher.EncryptAndSignDetached(ctx, cleartext, contentKey, signingKey)
	if err != nil {
		return blockPayload{}, err
	}
	return blockPayload{
		index:      index,
		size:       int64(len(cleartext)),
		sha1Hex:    hex.EncodeToString(sum[:]),
		ciphertext: ciphertext,
		signature:  sig,
	}, nil
}

// encryptThumbnails encrypts each caller-supplied thumbnail under a key
// derived from the revision's content key (drivecrypto.EncryptThumbnailBlock),
// pairing it with a cleartext SHA-1 for the server's dedup/verification use.
func (f *FileUploader) encryptThumbnails(contentKey drivecrypto.SessionKey, sources []ThumbnailSource) ([]ThumbnailUpload, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	out := make([]ThumbnailUpload, 0, len(sources))
	for _, t := range sources {
		ciphertext, err := f.svc.cipher.EncryptThumbnailBlock(contentKey, t.Cleartext)
		if err != nil {
			return nil, err
		}
		sum := sha1.Sum(t.Cleartext) //nolint:gosec
		out = append(out, ThumbnailUpload{Type: t.Type, Ciphertext: ciphertext, Hash: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// verificationToken derives requestBlockUpload's per-block verifier
// (§4.H step 5) from the revision's verification code and the block
// index via HMAC-SHA-256, the same MAC primitive
// drivecrypto.GenerateLookupHash uses for name-hash derivation.
func verificationToken(code []byte, index int) string {
	mac := hmac.New(sha256.New, code)
	fmt.Fprintf(mac, "%d", index)
	return hex.EncodeToString(mac.Sum(nil))
}

// buildManifest is the ordered concatenation of block hashes SignManifest
// signs (§4.A signManifest, GLOSSARY: Manifest).
func buildManifest(blocks []blockPayload) []byte {
	manifest := make([]byte, 0, len(blocks)*sha1.Size)
	for _, b := range blocks {
		raw, err := hex.DecodeString(b.sha1Hex)
		if err != nil {
			continue // sha1Hex always comes from hex.EncodeToString above
		}
		manifest = append(manifest, raw...)
	}
	return manifest
}

// revisionXattrPayload mirrors pkg/nodecrypto's decrypt-side struct of the
// same shape, kept as upload's own type so this package has no
// import-time dependency on nodecrypto for what is, from this side, just
// a JSON envelope to encrypt.
type revisionXattrPayload struct {
	Common struct {
		ModificationTime *int64 `json:"modificationTime"`
		Size             int64  `json:"size"`
		Digests          struct {
			SHA1 string `json:"sha1"`
		} `json:"digests"`
	} `json:"common"`
}

func (f *FileUploader) buildExtendedAttributes(acc *digest.Accumulator) (string, error) {
	var payload revisionXattrPayload
	if !f.metadata.ModificationTime.IsZero() {
		sec := f.metadata.ModificationTime.Unix()
		payload.Common.ModificationTime = &sec
	}
	payload.Common.Size = acc.BytesWritten()
	payload.Common.Digests.SHA1 = acc.SumHex()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", driveerrors.New(driveerrors.Validation, "marshal extended attributes", err)
	}
	return string(raw), nil
}

// uploadBlocks implements §4.H step 6: bounded-parallel ciphertext upload,
// the same gate-and-semaphore idiom pkg/download's fetch pipeline uses,
// cooperating with ctrl.Pause/Resume between block starts.
func (f *FileUploader) uploadBlocks(ctx context.Context, ctrl *UploadController, blocks []blockPayload, tokens []BlockUploadToken, onProgress func(int64)) error {
	byIndex := make(map[int]BlockUploadToken, len(tokens))
	for _, t := range tokens {
		byIndex[t.Index] = t
	}

	concurrency := f.svc.concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var progressMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for _, blk := range blocks {
		blk := blk
		token, ok := byIndex[blk.index]
		if !ok {
			return driveerrors.Newf(driveerrors.ServerError, nil, "server returned no upload token for block %d", blk.index)
		}
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return gctx.Err()
		}
		if err := ctrl.gate.wait(gctx); err != nil {
			<-sem
			return err
		}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := f.svc.api.UploadBlock(gctx, token, blk.ciphertext); err != nil {
				return err
			}
			if onProgress != nil {
				progressMu.Lock()
				onProgress(blk.size)
				progressMu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// cleanupDraft implements §4.H's best-effort draft teardown on any
// mid-flight failure before commit. Cleanup runs on a background context:
// the caller's ctx may already be the reason the transfer failed.
func (f *FileUploader) cleanupDraft(isNewFile bool, nodeUid uid.NodeUid, revisionUid uid.RevisionUid) {
	var err error
	if isNewFile {
		err = f.svc.api.DeleteDraft(context.Background(), nodeUid)
	} else {
		err = f.svc.api.DeleteDraftRevision(context.Background(), revisionUid)
	}
	if err != nil {
		f.svc.log.WithError(err).Warn("failed to clean up abandoned upload draft")
	}
}

// normalizeContextErr maps a raw context cancellation/deadline surfacing
// out of the upload pipeline to the SDK's Abort/Timeout error kinds,
// mirroring pkg/download's pipeline.
func normalizeContextErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := driveerrors.KindOf(err); ok {
		return err
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return driveerrors.New(driveerrors.Timeout, "upload context deadline exceeded", err)
		}
		return driveerrors.New(driveerrors.Abort, "upload cancelled", err)
	default:
		return err
	}
}

// recordTelemetry implements §4.H's "upload{context, uploadedSize,
// expectedSize, error?}" event. writeStream's source is an io.Reader of
// unknown length rather than a caller-declared size, so expectedSize
// reports the same total uploadedSize settled on; a future size-aware
// surface could widen Metadata to carry a caller-declared size instead.
func (f *FileUploader) recordTelemetry(err error, uploadedSize int64) {
	if err != nil && (driveerrors.Is(err, driveerrors.Abort) || driveerrors.Is(err, driveerrors.Validation)) {
		return
	}
	fields := map[string]any{
		"context":      f.metricContext,
		"uploadedSize": uploadedSize,
		"expectedSize": uploadedSize,
	}
	if err != nil {
		fields["error"] = driveerrors.AsTelemetryErrorKind(err)
	}
	f.svc.telemetry.RecordEvent("upload", fields)
}

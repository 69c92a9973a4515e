// Package upload implements the upload engine (§4.H): name-hash
// collision resolution, draft creation, chunked encrypt-sign-verify,
// bounded-parallel block upload, and manifest commit behind a
// single-shot FileUploader handle.
//
// Grounded in backend/crypt/cipher.go's encrypter (streaming encrypt
// pipeline, nonce per block) and backend/protondrive.go's Object.Update/
// f.createObject draft-then-commit two-phase write, generalized from a
// single whole-file PUT to the spec's explicit verification-code/
// block-token/commit protocol.
package upload

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/shares"
)

// defaultBlockSize is the fixed cleartext chunk size blocks are split
// into (§4.H step 4: "implementation-defined, e.g., 4 MiB").
const defaultBlockSize = 4 * 1024 * 1024

// defaultUploadConcurrency bounds in-flight block uploads within one
// transfer (§4.H step 6: "bounded parallelism").
const defaultUploadConcurrency = 4

// maxNameCollisionRestarts bounds how many times writeStream restarts
// from step 1 after losing a name race to a different client (§4.H
// "restart from step 1 (bounded)").
const maxNameCollisionRestarts = 5

// HashAvailability is one candidate name hash's availability, as
// reported by checkAvailableHashes (§4.H step 1).
type HashAvailability struct {
	Available             bool
	PendingDraftNodeUid    *uid.NodeUid
	PendingDraftClientUid  string
}

// DraftRequest carries everything createDraft needs to mint a new file
// node and its first revision (§4.H step 2).
type DraftRequest struct {
	ParentNodeUid              uid.NodeUid
	ArmoredKey                 drivecrypto.ArmoredKey
	ArmoredPassphrase          drivecrypto.ArmoredMessage
	ArmoredPassphraseSignature drivecrypto.ArmoredSignature
	ArmoredName                drivecrypto.ArmoredMessage
	NameSignatureEmail         string
	SignatureEmail             string
	Hash                       string
	ClientUid                  string
	ContentKeyPacket           []byte
	ContentKeyPacketSignature  drivecrypto.ArmoredSignature
	MediaType                  string
}

// DraftReply is createDraft's/createDraftRevision's result.
type DraftReply struct {
	NodeUid     uid.NodeUid
	RevisionUid uid.RevisionUid
}

// RevisionDraftRequest carries what createDraftRevision needs for a new
// revision of an existing file: no name/hash negotiation, just a fresh
// content key wrapped under the node's own (already-established) key.
type RevisionDraftRequest struct {
	NodeUid                   uid.NodeUid
	SignatureEmail             string
	ContentKeyPacket           []byte
	ContentKeyPacketSignature  drivecrypto.ArmoredSignature
}

// VerificationData is the per-revision challenge the server hands back
// before block upload begins (§4.H step 3).
type VerificationData struct {
	VerificationCode []byte
}

// BlockUploadRequest is one block's metadata offered to
// requestBlockUpload (§4.H step 5).
type BlockUploadRequest struct {
	Index     int
	Hash      string // cleartext SHA-1 contribution, hex
	Size      int64  // cleartext size
	Signature []byte // encrypted detached signature over cleartext
	Verifier  string // token derived from the verification code + index
}

// BlockUploadToken is the server's per-block upload destination.
type BlockUploadToken struct {
	Index   int
	BareURL string
	Token   string
}

// ThumbnailUpload is an optional encrypted thumbnail offered alongside
// the content blocks in the same requestBlockUpload call.
type ThumbnailUpload struct {
	Type       int // server-defined thumbnail type id
	Ciphertext []byte
	Hash       string
}

// CommitRequest carries the manifest signature and final extended
// attributes for commitDraftRevision (§4.H step 7).
type CommitRequest struct {
	ManifestSignature         drivecrypto.ArmoredSignature
	SignatureEmail            string
	ArmoredExtendedAttributes drivecrypto.ArmoredMessage
}

// API is the subset of the transport the upload engine consumes.
type API interface {
	CheckAvailableHashes(ctx context.Context, parentNodeUid uid.NodeUid, hashes []string) (map[string]HashAvailability, error)
	CreateDraft(ctx context.Context, req DraftRequest) (DraftReply, error)
	CreateDraftRevision(ctx context.Context, req RevisionDraftRequest) (DraftReply, error)
	GetVerificationData(ctx context.Context, revision uid.RevisionUid) (VerificationData, error)
	RequestBlockUpload(ctx context.Context, revision uid.RevisionUid, blocks []BlockUploadRequest, thumbnails []ThumbnailUpload) ([]BlockUploadToken, error)
	UploadBlock(ctx context.Context, token BlockUploadToken, ciphertext []byte) error
	CommitDraftRevision(ctx context.Context, revision uid.RevisionUid, req CommitRequest) error
	DeleteDraft(ctx context.Context, node uid.NodeUid) error
	DeleteDraftRevision(ctx context.Context, revision uid.RevisionUid) error
}

// ParentProvider resolves the key material an upload needs from a
// parent folder or an existing file node: the decrypted key that wraps
// a new child's passphrase (or a new revision's content key), and, for
// a brand-new file, the parent folder's hash key for name-collision
// lookups.
type ParentProvider interface {
	GetNode(ctx context.Context, id uid.NodeUid) (nodes.MaybeMissingNode, error)
	ResolveNodeKey(ctx context.Context, id uid.NodeUid) (drivecrypto.ArmoredKey, nodecrypto.ParentKey, error)
}

// SigningIdentity resolves the address key that signs new key material
// for a volume, mirroring pkg/shares.Service.GetVolumeEmailKey.
type SigningIdentity interface {
	GetVolumeEmailKey(ctx context.Context, volumeID string) (email string, key drivecrypto.ArmoredKey, err error)
}

// MetricContextResolver resolves the telemetry context tag for a volume
// (§4.E getVolumeMetricContext), the same contract pkg/download uses.
type MetricContextResolver interface {
	GetVolumeMetricContext(ctx context.Context, volumeID string) (shares.MetricContext, error)
}

// Telemetry receives the engine's completion/failure events.
type Telemetry interface {
	RecordEvent(name string, fields map[string]any)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordEvent(string, map[string]any) {}

// Options configures a Service.
type Options struct {
	BlockSize   int64
	Concurrency int
	Limiter     *Limiter
	Telemetry   Telemetry
	Contexts    MetricContextResolver
	ClientUid   string
	Log         *logrus.Entry
}

// Option mutates Options.
type Option func(*Options)

// WithBlockSize overrides the cleartext chunk size.
func WithBlockSize(n int64) Option { return func(o *Options) { o.BlockSize = n } }

// WithConcurrency overrides the per-upload block concurrency.
func WithConcurrency(n int) Option { return func(o *Options) { o.Concurrency = n } }

// WithLimiter overrides the process-wide upload semaphore.
func WithLimiter(l *Limiter) Option { return func(o *Options) { o.Limiter = l } }

// WithTelemetry attaches a telemetry sink.
func WithTelemetry(t Telemetry) Option { return func(o *Options) { o.Telemetry = t } }

// WithMetricContextResolver attaches the volume context resolver.
func WithMetricContextResolver(r MetricContextResolver) Option {
	return func(o *Options) { o.Contexts = r }
}

// WithClientUid pins the client correlation id instead of generating a
// fresh one, letting a restarted process reclaim its own prior drafts.
func WithClientUid(id string) Option { return func(o *Options) { o.ClientUid = id } }

// WithLogger overrides the default logger.
func WithLogger(log *logrus.Entry) Option { return func(o *Options) { o.Log = log } }

// Service is the §4.H upload engine.
type Service struct {
	api         API
	cipher      *drivecrypto.Cipher
	parents     ParentProvider
	signing     SigningIdentity
	blockSize   int64
	concurrency int
	limiter     *Limiter
	telemetry   Telemetry
	contexts    MetricContextResolver
	clientUid   string
	log         *logrus.Entry
}

// New builds an upload Service. clientUid identifies this SDK instance
// to the server's pending-draft reclaim logic (§4.H step 1); it is
// generated once via github.com/google/uuid unless WithClientUid pins
// one (e.g. to survive a process restart).
func New(api API, cipher *drivecrypto.Cipher, parents ParentProvider, signing SigningIdentity, opts ...Option) *Service {
	o := Options{
		BlockSize:   defaultBlockSize,
		Concurrency: defaultUploadConcurrency,
		Telemetry:   noopTelemetry{},
		Log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Limiter == nil {
		o.Limiter = NewLimiter(defaultUploadLimit)
	}
	if o.Telemetry == nil {
		o.Telemetry = noopTelemetry{}
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.ClientUid == "" {
		o.ClientUid = uuid.NewString()
	}
	return &Service{
		api:         api,
		cipher:      cipher,
		parents:     parents,
		signing:     signing,
		blockSize:   o.BlockSize,
		concurrency: o.Concurrency,
		limiter:     o.Limiter,
		telemetry:   o.Telemetry,
		contexts:    o.Contexts,
		clientUid:   o.ClientUid,
		log:         o.Log,
	}
}

// Metadata is the caller-supplied descriptive data for a new upload
// (SPEC_FULL.md supplement: MIME/content-type detection). MediaType
// defaults to content-sniffing the first bytes of the source, mirroring
// backend/protondrive's Object.MimeType passthrough, when left empty.
type Metadata struct {
	ModificationTime time.Time
	MediaType        string
}

// sniffMediaType mirrors fs.MimeTyper's best-effort content sniffing;
// there is no third-party sniffing library anywhere in the example
// corpus to ground an alternative on, so this uses net/http's
// DetectContentType directly, the same stdlib call rclone's own HTTP
// serving path (librclone) relies on.
func sniffMediaType(sample []byte) string {
	if len(sample) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(sample)
}

// FileUploader is a single-shot handle over one new-or-next revision
// (§4.H). writeStream may be called only once per handle.
type FileUploader struct {
	svc           *Service
	parentUid     uid.NodeUid
	existingNode  *uid.NodeUid // non-nil for getFileRevisionUploader
	name          string
	metadata      Metadata
	metricContext string
}

func (s *Service) resolveMetricContext(ctx context.Context, volumeID string) string {
	if s.contexts == nil {
		return shares.OwnVolume.String()
	}
	mc, err := s.contexts.GetVolumeMetricContext(ctx, volumeID)
	if err != nil {
		return shares.OwnVolume.String()
	}
	return mc.String()
}

// GetFileUploader implements §4.H getFileUploader: a handle for a brand
// new file under parentUid.
func (s *Service) GetFileUploader(ctx context.Context, parentUid uid.NodeUid, name string, metadata Metadata) (*FileUploader, error) {
	if name == "" {
		return nil, driveerrors.New(driveerrors.Validation, "name must not be empty", nil)
	}
	return &FileUploader{
		svc:           s,
		parentUid:     parentUid,
		name:          name,
		metadata:      metadata,
		metricContext: s.resolveMetricContext(ctx, parentUid.VolumeID),
	}, nil
}

// GetFileRevisionUploader implements §4.H getFileRevisionUploader: a
// handle for a new revision of an existing file, skipping name-hash
// negotiation entirely.
func (s *Service) GetFileRevisionUploader(ctx context.Context, nodeUid uid.NodeUid, metadata Metadata) (*FileUploader, error) {
	result, err := s.parents.GetNode(ctx, nodeUid)
	if err != nil {
		return nil, err
	}
	if result.IsMissing() {
		return nil, driveerrors.New(driveerrors.NotFound, "node not found", nil)
	}
	n, ok := result.Node()
	if !ok || n.Type != nodes.TypeFile {
		return nil, driveerrors.New(driveerrors.Validation, "getFileRevisionUploader requires an existing file node", nil)
	}
	existing := nodeUid
	return &FileUploader{
		svc:           s,
		existingNode:  &existing,
		metadata:      metadata,
		metricContext: s.resolveMetricContext(ctx, nodeUid.VolumeID),
	}, nil
}

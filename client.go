// Package drivesdk is the client façade named in spec.md §2: it wires
// the crypto, transport and per-domain services (§4.A-I) into the
// single entry point a host application constructs once per
// authenticated session. The façade itself does no work beyond
// construction and delegation - "fans requests to [nodeaccess] (for
// tree ops), [download/upload] (transfers), or [shares] (shares)", per
// §2's control-flow paragraph - every operation it exposes is a
// pass-through to the already-grounded subsystem that implements it.
//
// Grounded in backend/protondrive.go's NewFs (one constructor validating
// options, decrypting the main share, and assembling the rest of the
// backend's collaborators before returning a ready *Fs).
package drivesdk

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/httptransport"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/diagnostic"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/download"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto/openpgpadapter"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/driveapi"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/driveevents"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/events"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodeaccess"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/shares"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/upload"
)

// sdkVersion is reported in the x-pm-drive-sdk-version header (§4.B).
const sdkVersion = "0.1.0"

// Config collects every external collaborator spec.md §1 names as
// out-of-scope ("treated as external collaborators, with only their
// consumed/exposed contracts stated") plus the handful of tunables §6
// lists under Configuration options. Fetcher, Addresses, EntitiesCache,
// CryptoCache and EventCursors have no in-core default and must be
// supplied by the host; PGP, Thumbnails and Telemetry are optional.
type Config struct {
	// Fetcher is the external HTTP collaborator (§1); *http.Client
	// satisfies httptransport.Fetcher directly.
	Fetcher httptransport.Fetcher
	// BaseURL overrides the default https://drive.proton.me/api (§6).
	BaseURL string
	// Language sets the Language request header (§4.B); defaults to "en".
	Language string

	// PGP is the external OpenPGP capability (§1); defaults to
	// openpgpadapter.New() (github.com/ProtonMail/go-crypto/openpgp)
	// when nil.
	PGP drivecrypto.OpenPGPCrypto

	// Addresses resolves address key material for share decryption
	// (§4.E), standing in for the out-of-scope host account provider.
	Addresses shares.AddressKeyProvider

	// EntitiesCache and CryptoCache are the host-supplied KV stores
	// (§9); nodeaccess.NewMemoryCache() is a usable in-process default
	// for either, but a real host normally persists them.
	EntitiesCache nodeaccess.Cache
	CryptoCache   nodeaccess.Cache

	// EventCursors persists each scope's poll cursor across restarts
	// (§4.F); required because the event engine has no durable default.
	EventCursors events.LatestEventIdProvider

	// Thumbnails backs diagnostic.Options.VerifyThumbnails (§4.I); the
	// photos/albums/devices façade is out of core scope (§1), so this
	// is nil-able - verifyThumbnails is simply unavailable without it.
	Thumbnails diagnostic.ThumbnailProvider

	// Telemetry receives cross-cutting events: apiRetrySucceeded
	// (§4.B), download/upload completion records (§4.G, §4.H). Defaults
	// to a no-op sink.
	Telemetry Telemetry

	// ClientUid correlates this SDK instance's upload drafts across
	// restarts (§4.H step 1, §6 Configuration options); a fresh
	// github.com/google/uuid value is generated when empty.
	ClientUid string

	// UploadConcurrency/DownloadConcurrency override the per-transfer
	// block concurrency (§4.G, §4.H); zero keeps each package's default.
	UploadConcurrency   int
	DownloadConcurrency int

	// UploadQueueLimitItems/DownloadQueueLimitItems bound the
	// process-wide transfer semaphores (§5 "Upload/download semaphores
	// gate concurrency per direction"); zero keeps each limiter's
	// default width.
	UploadQueueLimitItems   int
	DownloadQueueLimitItems int

	Log *logrus.Entry
}

// Telemetry receives cross-cutting SDK telemetry events; the same
// shape httptransport.Telemetry/download.Telemetry/upload.Telemetry
// each declare locally, satisfied structurally by one concrete sink.
type Telemetry interface {
	RecordEvent(name string, fields map[string]any)
}

type noopTelemetry struct{}

func (noopTelemetry) RecordEvent(string, map[string]any) {}

// Client is the SDK's single entry point: one value per authenticated
// session, composing the crypto façade (A), API service (B), node
// crypto (C), node access (D), share resolver (E), event engine (F),
// download engine (G), upload engine (H) and diagnostic walker (I).
type Client struct {
	Events     *driveevents.Bus
	Transport  *httptransport.Service
	Cipher     *drivecrypto.Cipher
	Shares     *shares.Service
	Nodes      *nodeaccess.Service
	TreeEvents *events.Engine
	Downloads  *download.Service
	Uploads    *upload.Service
	Diagnostic *diagnostic.Walker

	log *logrus.Entry
}

// New validates cfg and wires every subsystem into a ready Client. It
// performs no network calls; the first I/O happens on the first method
// call made against the returned Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}

	bus := driveevents.NewBus()

	transport := httptransport.New(
		cfg.Fetcher,
		httptransport.WithLanguage(nonEmpty(cfg.Language, "en")),
		httptransport.WithSDKVersion(sdkVersion),
		httptransport.WithEvents(bus),
		httptransport.WithTelemetry(telemetry),
		httptransport.WithLogger(log),
	)
	api := driveapi.New(transport, cfg.BaseURL)

	pgp := cfg.PGP
	if pgp == nil {
		pgp = openpgpadapter.New()
	}
	cipher := drivecrypto.NewCipher(pgp)

	nodeCrypto := nodecrypto.New(cipher, log)
	shareSvc := shares.New(api, cfg.Addresses, cipher, cfg.CryptoCache, log)
	nodeSvc := nodeaccess.New(api, nodeCrypto, cipher, shareSvc, cfg.EntitiesCache, cfg.CryptoCache, log)
	treeEvents := events.New(api, cfg.EventCursors, log,
		events.WithNodeCache(nodeSvc),
		events.WithShareCache(shareSvc),
	)

	downloadOpts := []download.Option{
		download.WithMetricContextResolver(shareSvc),
		download.WithTelemetry(telemetry),
		download.WithLogger(log),
	}
	if cfg.DownloadConcurrency > 0 {
		downloadOpts = append(downloadOpts, download.WithConcurrency(cfg.DownloadConcurrency))
	}
	if cfg.DownloadQueueLimitItems > 0 {
		downloadOpts = append(downloadOpts, download.WithLimiter(download.NewLimiter(cfg.DownloadQueueLimitItems)))
	}
	downloadSvc := download.New(api, cipher, nodeCrypto, nodeSvc, downloadOpts...)

	uploadOpts := []upload.Option{
		upload.WithMetricContextResolver(shareSvc),
		upload.WithTelemetry(telemetry),
		upload.WithLogger(log),
	}
	if cfg.ClientUid != "" {
		uploadOpts = append(uploadOpts, upload.WithClientUid(cfg.ClientUid))
	}
	if cfg.UploadConcurrency > 0 {
		uploadOpts = append(uploadOpts, upload.WithConcurrency(cfg.UploadConcurrency))
	}
	if cfg.UploadQueueLimitItems > 0 {
		uploadOpts = append(uploadOpts, upload.WithLimiter(upload.NewLimiter(cfg.UploadQueueLimitItems)))
	}
	uploadSvc := upload.New(driveapi.UploadAPI{Client: api}, cipher, nodeSvc, shareSvc, uploadOpts...)

	walker := diagnostic.New(nodeSvc, diagnostic.NewDownloadProvider(downloadSvc), cfg.Thumbnails, log)

	return &Client{
		Events:     bus,
		Transport:  transport,
		Cipher:     cipher,
		Shares:     shareSvc,
		Nodes:      nodeSvc,
		TreeEvents: treeEvents,
		Downloads:  downloadSvc,
		Uploads:    uploadSvc,
		Diagnostic: walker,
		log:        log,
	}, nil
}

func (cfg Config) validate() error {
	if cfg.Fetcher == nil {
		return errRequired("Fetcher")
	}
	if cfg.Addresses == nil {
		return errRequired("Addresses")
	}
	if cfg.EntitiesCache == nil {
		return errRequired("EntitiesCache")
	}
	if cfg.CryptoCache == nil {
		return errRequired("CryptoCache")
	}
	if cfg.EventCursors == nil {
		return errRequired("EventCursors")
	}
	return nil
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// errRequired reports a missing mandatory Config collaborator as a
// Validation error (§7), matching the taxonomy every other precondition
// failure in the SDK uses.
func errRequired(field string) error {
	return driveerrors.Newf(driveerrors.Validation, nil, "drivesdk: Config.%s is required", field)
}

// --- §4.D tree surface passthroughs ---

// GetMyFilesRootFolder implements §4.D getMyFilesRootFolder.
func (c *Client) GetMyFilesRootFolder(ctx context.Context) (nodes.MaybeMissingNode, error) {
	return c.Nodes.GetMyFilesRootFolder(ctx)
}

// GetNode implements §4.D getNode.
func (c *Client) GetNode(ctx context.Context, id uid.NodeUid) (nodes.MaybeMissingNode, error) {
	return c.Nodes.GetNode(ctx, id)
}

// IterateFolderChildren implements §4.D iterateFolderChildren.
func (c *Client) IterateFolderChildren(ctx context.Context, parent uid.NodeUid) <-chan nodeaccess.ChildResult {
	return c.Nodes.IterateFolderChildren(ctx, parent)
}

// IterateNodes implements §4.D iterateNodes.
func (c *Client) IterateNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.MaybeMissingNode {
	return c.Nodes.IterateNodes(ctx, ids)
}

// IterateTrashedNodes implements §4.D iterateTrashedNodes.
func (c *Client) IterateTrashedNodes(ctx context.Context, volumeID string) <-chan nodeaccess.ChildResult {
	return c.Nodes.IterateTrashedNodes(ctx, volumeID)
}

// RenameNode implements §4.D renameNode.
func (c *Client) RenameNode(ctx context.Context, id uid.NodeUid, newName string) nodes.NodeResult {
	return c.Nodes.RenameNode(ctx, id, newName)
}

// MoveNodes implements §4.D moveNodes.
func (c *Client) MoveNodes(ctx context.Context, ids []uid.NodeUid, newParent uid.NodeUid) <-chan nodes.NodeResult {
	return c.Nodes.MoveNodes(ctx, ids, newParent)
}

// TrashNodes implements §4.D trashNodes.
func (c *Client) TrashNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return c.Nodes.TrashNodes(ctx, ids)
}

// RestoreNodes implements §4.D restoreNodes.
func (c *Client) RestoreNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return c.Nodes.RestoreNodes(ctx, ids)
}

// DeleteNodes implements §4.D deleteNodes.
func (c *Client) DeleteNodes(ctx context.Context, ids []uid.NodeUid) <-chan nodes.NodeResult {
	return c.Nodes.DeleteNodes(ctx, ids)
}

// CreateFolder implements §4.D createFolder.
func (c *Client) CreateFolder(ctx context.Context, parent uid.NodeUid, name string) (nodes.MaybeMissingNode, error) {
	return c.Nodes.CreateFolder(ctx, parent, name)
}

// --- §4.G/§4.H transfer passthroughs ---

// GetFileDownloader implements §4.G getFileDownloader.
func (c *Client) GetFileDownloader(ctx context.Context, node uid.NodeUid) (*download.FileDownloader, error) {
	return c.Downloads.GetFileDownloader(ctx, node)
}

// GetFileRevisionDownloader implements §4.G getFileRevisionDownloader.
func (c *Client) GetFileRevisionDownloader(ctx context.Context, revision uid.RevisionUid) (*download.FileDownloader, error) {
	return c.Downloads.GetFileRevisionDownloader(ctx, revision)
}

// GetFileUploader implements §4.H getFileUploader.
func (c *Client) GetFileUploader(ctx context.Context, parent uid.NodeUid, name string, metadata upload.Metadata) (*upload.FileUploader, error) {
	return c.Uploads.GetFileUploader(ctx, parent, name, metadata)
}

// GetFileRevisionUploader implements §4.H getFileRevisionUploader.
func (c *Client) GetFileRevisionUploader(ctx context.Context, node uid.NodeUid, metadata upload.Metadata) (*upload.FileUploader, error) {
	return c.Uploads.GetFileRevisionUploader(ctx, node, metadata)
}

// --- §4.F event subscription passthroughs ---

// SubscribeToDriveEvents implements §4.F subscribeToDriveEvents (the
// account-wide "core" scope).
func (c *Client) SubscribeToDriveEvents(listener events.Listener) *events.Subscription {
	return c.TreeEvents.SubscribeToDriveEvents(listener)
}

// SubscribeToTreeEvents implements §4.F subscribeToTreeEvents for a
// given volume scope.
func (c *Client) SubscribeToTreeEvents(volumeID string, kind events.ScopeKind, listener events.Listener) *events.Subscription {
	return c.TreeEvents.SubscribeToTreeEvents(volumeID, kind, listener)
}

// --- §4.I diagnostic passthroughs ---

// VerifyMyFiles implements §4.I verifyMyFiles.
func (c *Client) VerifyMyFiles(ctx context.Context, opts diagnostic.Options) <-chan diagnostic.DiagnosticResult {
	return c.Diagnostic.VerifyMyFiles(ctx, opts)
}

// VerifyNodeTree implements §4.I verifyNodeTree.
func (c *Client) VerifyNodeTree(ctx context.Context, node nodes.Node, opts diagnostic.Options) <-chan diagnostic.DiagnosticResult {
	return c.Diagnostic.VerifyNodeTree(ctx, node, opts)
}

package driveapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/upload"
)

type hashAvailabilityReply struct {
	Code            int      `json:"Code"`
	AvailableHashes []string `json:"AvailableHashes"`
	PendingHashes   []struct {
		Hash      string `json:"Hash"`
		LinkID    string `json:"LinkID"`
		ClientUid string `json:"ClientUid"`
	} `json:"PendingHashes"`
}

// UploadAPI adapts Client to upload.API. It exists as a separate type
// because upload.API and nodeaccess.API both declare a
// CheckAvailableHashes method with different return shapes over the
// same checkAvailableHashes endpoint (§6) - nodeaccess only needs a
// plain availability bool, the upload engine also needs to know which
// client holds a colliding pending draft - and a single Go type cannot
// carry two methods with the same name. Every other upload.API method
// is promoted unchanged from the embedded *Client.
type UploadAPI struct{ *Client }

// CheckAvailableHashes implements upload.API (§4.H step 1).
func (a UploadAPI) CheckAvailableHashes(ctx context.Context, parentNodeUid uid.NodeUid, hashes []string) (map[string]upload.HashAvailability, error) {
	c := a.Client
	url := c.volumeURL(parentNodeUid.VolumeID, "/links/%s/checkAvailableHashes", parentNodeUid.NodeID)
	var resp hashAvailabilityReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, hashProbeRequest{Hashes: hashes}, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]upload.HashAvailability, len(hashes))
	for _, h := range hashes {
		out[h] = upload.HashAvailability{Available: false}
	}
	for _, h := range resp.AvailableHashes {
		out[h] = upload.HashAvailability{Available: true}
	}
	for _, p := range resp.PendingHashes {
		nu := uid.NodeUid{VolumeID: parentNodeUid.VolumeID, NodeID: p.LinkID}
		out[p.Hash] = upload.HashAvailability{Available: false, PendingDraftNodeUid: &nu, PendingDraftClientUid: p.ClientUid}
	}
	return out, nil
}

type createDraftWireRequest struct {
	ParentLinkID              string `json:"ParentLinkID"`
	Name                       string `json:"Name"`
	NameSignatureEmail         string `json:"NameSignatureEmail"`
	Hash                       string `json:"Hash"`
	NodeKey                    string `json:"NodeKey"`
	NodePassphrase             string `json:"NodePassphrase"`
	NodePassphraseSignature    string `json:"NodePassphraseSignature"`
	SignatureEmail             string `json:"SignatureEmail"`
	ClientUid                  string `json:"ClientUid"`
	ContentKeyPacket           string `json:"ContentKeyPacket"` // base64
	ContentKeyPacketSignature  string `json:"ContentKeyPacketSignature"`
	MIMEType                   string `json:"MIMEType"`
}

type draftReply struct {
	Code       int    `json:"Code"`
	LinkID     string `json:"LinkID"`
	RevisionID string `json:"RevisionID"`
}

// CreateDraft implements upload.API (§6 POST .../files, §4.H step 2).
func (c *Client) CreateDraft(ctx context.Context, req upload.DraftRequest) (upload.DraftReply, error) {
	url := c.volumeURL(req.ParentNodeUid.VolumeID, "/files")
	body := createDraftWireRequest{
		ParentLinkID:              req.ParentNodeUid.NodeID,
		Name:                      req.ArmoredName,
		NameSignatureEmail:        req.NameSignatureEmail,
		Hash:                      req.Hash,
		NodeKey:                   req.ArmoredKey,
		NodePassphrase:            req.ArmoredPassphrase,
		NodePassphraseSignature:   req.ArmoredPassphraseSignature,
		SignatureEmail:            req.SignatureEmail,
		ClientUid:                 req.ClientUid,
		ContentKeyPacket:          base64.StdEncoding.EncodeToString(req.ContentKeyPacket),
		ContentKeyPacketSignature: req.ContentKeyPacketSignature,
		MIMEType:                  req.MediaType,
	}
	var resp draftReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return upload.DraftReply{}, err
	}
	volumeID := req.ParentNodeUid.VolumeID
	return upload.DraftReply{
		NodeUid:     uid.NodeUid{VolumeID: volumeID, NodeID: resp.LinkID},
		RevisionUid: uid.RevisionUid{VolumeID: volumeID, NodeID: resp.LinkID, RevisionID: resp.RevisionID},
	}, nil
}

type createDraftRevisionWireRequest struct {
	SignatureEmail             string `json:"SignatureEmail"`
	ContentKeyPacket           string `json:"ContentKeyPacket"`
	ContentKeyPacketSignature  string `json:"ContentKeyPacketSignature"`
}

// CreateDraftRevision implements upload.API (§6 POST .../revisions).
func (c *Client) CreateDraftRevision(ctx context.Context, req upload.RevisionDraftRequest) (upload.DraftReply, error) {
	url := c.volumeURL(req.NodeUid.VolumeID, "/files/%s/revisions", req.NodeUid.NodeID)
	body := createDraftRevisionWireRequest{
		SignatureEmail:            req.SignatureEmail,
		ContentKeyPacket:          base64.StdEncoding.EncodeToString(req.ContentKeyPacket),
		ContentKeyPacketSignature: req.ContentKeyPacketSignature,
	}
	var resp draftReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return upload.DraftReply{}, err
	}
	volumeID := req.NodeUid.VolumeID
	return upload.DraftReply{
		NodeUid:     req.NodeUid,
		RevisionUid: uid.RevisionUid{VolumeID: volumeID, NodeID: req.NodeUid.NodeID, RevisionID: resp.RevisionID},
	}, nil
}

// GetVerificationData implements upload.API (§6 GET .../verification,
// §4.H step 3).
func (c *Client) GetVerificationData(ctx context.Context, revision uid.RevisionUid) (upload.VerificationData, error) {
	var resp struct {
		Code             int    `json:"Code"`
		VerificationCode string `json:"VerificationCode"` // base64
	}
	url := c.volumeURL(revision.VolumeID, "/links/%s/revisions/%s/verification", revision.NodeID, revision.RevisionID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return upload.VerificationData{}, err
	}
	code, err := base64.StdEncoding.DecodeString(resp.VerificationCode)
	if err != nil {
		return upload.VerificationData{}, err
	}
	return upload.VerificationData{VerificationCode: code}, nil
}

type blockUploadWireRequest struct {
	Index     int    `json:"Index"`
	Hash      string `json:"Hash"`
	Size      int64  `json:"Size"`
	Signature string `json:"Signature"` // base64
	Verifier  string `json:"Verifier"`
}

type thumbnailUploadWireRequest struct {
	Type       int    `json:"Type"`
	Ciphertext string `json:"Ciphertext"` // base64
	Hash       string `json:"Hash"`
}

type requestBlockUploadWireRequest struct {
	Blocks     []blockUploadWireRequest     `json:"Blocks"`
	Thumbnails []thumbnailUploadWireRequest `json:"Thumbnails,omitempty"`
}

type blockUploadTokenWire struct {
	Index   int    `json:"Index"`
	BareURL string `json:"BareURL"`
	Token   string `json:"Token"`
}

// RequestBlockUpload implements upload.API (§6 POST /drive/blocks,
// §4.H step 5).
func (c *Client) RequestBlockUpload(ctx context.Context, revision uid.RevisionUid, blocks []upload.BlockUploadRequest, thumbnails []upload.ThumbnailUpload) ([]upload.BlockUploadToken, error) {
	wireBlocks := make([]blockUploadWireRequest, len(blocks))
	for i, b := range blocks {
		wireBlocks[i] = blockUploadWireRequest{
			Index:     b.Index,
			Hash:      b.Hash,
			Size:      b.Size,
			Signature: base64.StdEncoding.EncodeToString(b.Signature),
			Verifier:  b.Verifier,
		}
	}
	wireThumbs := make([]thumbnailUploadWireRequest, len(thumbnails))
	for i, t := range thumbnails {
		wireThumbs[i] = thumbnailUploadWireRequest{
			Type:       t.Type,
			Ciphertext: base64.StdEncoding.EncodeToString(t.Ciphertext),
			Hash:       t.Hash,
		}
	}
	body := requestBlockUploadWireRequest{Blocks: wireBlocks, Thumbnails: wireThumbs}
	var resp struct {
		Code         int                    `json:"Code"`
		UploadLinks  []blockUploadTokenWire `json:"UploadLinks"`
	}
	body2 := struct {
		requestBlockUploadWireRequest
		RevisionID string `json:"RevisionID"`
		LinkID     string `json:"LinkID"`
	}{requestBlockUploadWireRequest: body, RevisionID: revision.RevisionID, LinkID: revision.NodeID}
	if err := c.transport.DoJSON(ctx, http.MethodPost, c.url("/drive/blocks"), body2, &resp); err != nil {
		return nil, err
	}
	out := make([]upload.BlockUploadToken, 0, len(resp.UploadLinks))
	for _, t := range resp.UploadLinks {
		out = append(out, upload.BlockUploadToken{Index: t.Index, BareURL: t.BareURL, Token: t.Token})
	}
	return out, nil
}

// UploadBlock implements upload.API (§6 POST <bareUrl>, §4.H step 6).
func (c *Client) UploadBlock(ctx context.Context, token upload.BlockUploadToken, ciphertext []byte) error {
	return c.transport.DoBlobPost(ctx, token.BareURL, token.Token, bytes.NewReader(ciphertext))
}

type commitWireRequest struct {
	ManifestSignature  string `json:"ManifestSignature"`
	SignatureEmail     string `json:"SignatureEmail"`
	ExtendedAttributes string `json:"ExtendedAttributes"`
}

// CommitDraftRevision implements upload.API (§6 PUT .../revisions/{r},
// §4.H step 7).
func (c *Client) CommitDraftRevision(ctx context.Context, revision uid.RevisionUid, req upload.CommitRequest) error {
	url := c.volumeURL(revision.VolumeID, "/files/%s/revisions/%s", revision.NodeID, revision.RevisionID)
	body := commitWireRequest{
		ManifestSignature:  string(req.ManifestSignature),
		SignatureEmail:     req.SignatureEmail,
		ExtendedAttributes: string(req.ArmoredExtendedAttributes),
	}
	return c.transport.DoJSON(ctx, http.MethodPut, url, body, nil)
}

// DeleteDraft implements upload.API: best-effort cleanup of a
// never-committed file node (§4.H "Failure handling"), reusing the
// same bulk delete_multiple endpoint nodeaccess.Delete uses (§6).
func (c *Client) DeleteDraft(ctx context.Context, node uid.NodeUid) error {
	_, err := c.Delete(ctx, []uid.NodeUid{node})
	return err
}

// DeleteDraftRevision implements upload.API: best-effort cleanup of a
// never-committed revision of an existing file.
func (c *Client) DeleteDraftRevision(ctx context.Context, revision uid.RevisionUid) error {
	url := c.volumeURL(revision.VolumeID, "/files/%s/revisions/%s", revision.NodeID, revision.RevisionID)
	return c.transport.DoJSON(ctx, http.MethodDelete, url, nil, nil)
}

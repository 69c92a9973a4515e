package driveapi

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/download"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

type wireBlock struct {
	Index              int    `json:"Index"`
	Size               int64  `json:"Size"`
	BareURL            string `json:"BareURL"`
	Token              string `json:"Token"`
	EncSignature       string `json:"EncSignature"` // base64
}

// GetRevisionBlocks implements download.API.
func (c *Client) GetRevisionBlocks(ctx context.Context, revision uid.RevisionUid) ([]download.Block, error) {
	var resp struct {
		Code   int         `json:"Code"`
		Blocks []wireBlock `json:"Blocks"`
	}
	url := c.volumeURL(revision.VolumeID, "/links/%s/revisions/%s/blocks", revision.NodeID, revision.RevisionID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]download.Block, 0, len(resp.Blocks))
	for _, b := range resp.Blocks {
		var sig []byte
		if b.EncSignature != "" {
			sig, _ = base64.StdEncoding.DecodeString(b.EncSignature)
		}
		out = append(out, download.Block{
			Index:              b.Index,
			Size:               b.Size,
			BareURL:            b.BareURL,
			Token:              b.Token,
			EncryptedSignature: sig,
		})
	}
	return out, nil
}

// FetchBlock implements download.API: a direct streamed GET of the
// storage bareUrl, credentials omitted, pm-storage-token attached
// instead (§4.B, §4.G step 1).
func (c *Client) FetchBlock(ctx context.Context, block download.Block) (io.ReadCloser, error) {
	return c.transport.DoBlobGet(ctx, block.BareURL, block.Token)
}

// FetchRevision implements download.API, used by getFileRevisionDownloader
// to resolve a specific (possibly non-active) revision's record.
func (c *Client) FetchRevision(ctx context.Context, revision uid.RevisionUid) (nodecrypto.EncryptedRevision, error) {
	var resp struct {
		Code     int          `json:"Code"`
		Revision wireRevision `json:"Revision"`
	}
	url := c.volumeURL(revision.VolumeID, "/links/%s/revisions/%s", revision.NodeID, revision.RevisionID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nodecrypto.EncryptedRevision{}, err
	}
	r := resp.Revision
	return nodecrypto.EncryptedRevision{
		Uid:                       revision,
		State:                     nodes.RevisionState(r.State),
		CreationTime:              r.CreationTime,
		ContentKeyPacket:          r.ContentKeyPacket,
		ContentKeyPacketSignature: drivecrypto.ArmoredSignature(r.ContentKeyPacketSignature),
		SignatureEmail:            r.SignatureEmail,
		ArmoredExtendedAttributes: drivecrypto.ArmoredMessage(r.ExtendedAttributes),
	}, nil
}

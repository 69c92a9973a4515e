package driveapi

import (
	"context"
	"net/http"

	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/shares"
)

type wireMyFiles struct {
	Code     int    `json:"Code"`
	VolumeID string `json:"VolumeID"`
	ShareID  string `json:"ShareID"`
}

// GetMyFilesIDs implements shares.API.
func (c *Client) GetMyFilesIDs(ctx context.Context) (shares.MyFilesIDs, error) {
	var resp wireMyFiles
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.url("/drive/v2/me/volume"), nil, &resp); err != nil {
		return shares.MyFilesIDs{}, err
	}
	return shares.MyFilesIDs{VolumeID: resp.VolumeID, ShareID: resp.ShareID}, nil
}

type wireShare struct {
	Code         int    `json:"Code"`
	ShareID      string `json:"ShareID"`
	VolumeID     string `json:"VolumeID"`
	RootLinkID   string `json:"RootLinkID"`
	Creator      string `json:"Creator"`
	AddressID    string `json:"AddressID"`
	Key          string `json:"Key"`
	Passphrase   string `json:"Passphrase"`
	IsPublic     bool   `json:"IsPublic"`
}

// LoadEncryptedShare implements shares.API.
func (c *Client) LoadEncryptedShare(ctx context.Context, shareID string) (shares.EncryptedShare, error) {
	var resp wireShare
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.url("/drive/v2/shares/%s", shareID), nil, &resp); err != nil {
		return shares.EncryptedShare{}, err
	}
	return shares.EncryptedShare{
		ShareID:           resp.ShareID,
		VolumeID:          resp.VolumeID,
		RootNodeID:        resp.RootLinkID,
		CreatorEmail:      resp.Creator,
		AddressID:         resp.AddressID,
		ArmoredKey:        drivecrypto.ArmoredKey(resp.Key),
		ArmoredPassphrase: drivecrypto.ArmoredMessage(resp.Passphrase),
		IsPublic:          resp.IsPublic,
	}, nil
}

type wireUsage struct {
	Code     int   `json:"Code"`
	UsedSpace int64 `json:"UsedSpace"`
	MaxSpace  int64 `json:"MaxSpace"`
}

// GetAccountUsage implements shares.API (SPEC_FULL.md's supplemented
// About/quota surface).
func (c *Client) GetAccountUsage(ctx context.Context) (usedBytes, maxBytes int64, err error) {
	var resp wireUsage
	if err := c.transport.DoJSON(ctx, http.MethodGet, c.url("/drive/v2/me/usage"), nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.UsedSpace, resp.MaxSpace, nil
}

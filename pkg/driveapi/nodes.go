package driveapi

import (
	"context"
	"net/http"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodeaccess"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodecrypto"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/nodes"
)

// wireRevision is one revision record as the server represents it.
type wireRevision struct {
	RevisionID                string `json:"RevisionID"`
	State                     int    `json:"State"`
	CreationTime              int64  `json:"CreationTime"`
	ContentKeyPacket          []byte `json:"ContentKeyPacket"`
	ContentKeyPacketSignature string `json:"ContentKeyPacketSignature"`
	SignatureEmail            string `json:"SignatureEmail"`
	ExtendedAttributes        string `json:"ExtendedAttributes"`
}

// wireNode is one node (link, in Drive API terms) record as the server
// represents it.
type wireNode struct {
	LinkID             string        `json:"LinkID"`
	ParentLinkID       string        `json:"ParentLinkID"`
	Type               int           `json:"Type"`
	CreateTime         int64         `json:"CreateTime"`
	NodeKey            string        `json:"NodeKey"`
	NodePassphrase     string        `json:"NodePassphrase"`
	SignatureEmail     string        `json:"SignatureEmail"`
	NameSignatureEmail string        `json:"NameSignatureEmail"`
	Name               string        `json:"Name"`
	FolderProperties   *struct {
		NodeHashKey        string `json:"NodeHashKey"`
		ExtendedAttributes string `json:"ExtendedAttributes"`
	} `json:"FolderProperties"`
	FileProperties *struct {
		ActiveRevision *wireRevision `json:"ActiveRevision"`
	} `json:"FileProperties"`
	TrashTime        *int64 `json:"TrashTime"`
	Shared           bool   `json:"Shared"`
	DirectMemberRole int    `json:"DirectMemberRole"`
	MIMEType         string `json:"MIMEType"`
}

func (c *Client) toEncryptedNode(volumeID string, w wireNode) nodecrypto.EncryptedNode {
	id := uid.NodeUid{VolumeID: volumeID, NodeID: w.LinkID}
	var parent *uid.NodeUid
	if w.ParentLinkID != "" {
		p := uid.NodeUid{VolumeID: volumeID, NodeID: w.ParentLinkID}
		parent = &p
	}
	typ := nodes.TypeFile
	if w.Type == 2 {
		typ = nodes.TypeFolder
	}
	enc := nodecrypto.EncryptedNode{
		Uid:                id,
		ParentUid:          parent,
		Type:               typ,
		CreationTime:       w.CreateTime,
		ArmoredKey:         drivecrypto.ArmoredKey(w.NodeKey),
		ArmoredPassphrase:  drivecrypto.ArmoredMessage(w.NodePassphrase),
		SignatureEmail:     w.SignatureEmail,
		NameSignatureEmail: w.NameSignatureEmail,
		ArmoredName:        drivecrypto.ArmoredMessage(w.Name),
		TrashTime:          w.TrashTime,
		IsShared:           w.Shared,
		DirectMemberRole:   nodes.MemberRole(w.DirectMemberRole),
		MediaType:          w.MIMEType,
	}
	if w.FolderProperties != nil {
		enc.ArmoredHashKey = drivecrypto.ArmoredMessage(w.FolderProperties.NodeHashKey)
		enc.ArmoredFolderExtendedAttribs = drivecrypto.ArmoredMessage(w.FolderProperties.ExtendedAttributes)
	}
	if w.FileProperties != nil && w.FileProperties.ActiveRevision != nil {
		r := w.FileProperties.ActiveRevision
		enc.ActiveRevision = &nodecrypto.EncryptedRevision{
			Uid:                       uid.RevisionUid{VolumeID: volumeID, NodeID: w.LinkID, RevisionID: r.RevisionID},
			State:                     nodes.RevisionState(r.State),
			CreationTime:              r.CreationTime,
			ContentKeyPacket:          r.ContentKeyPacket,
			ContentKeyPacketSignature: drivecrypto.ArmoredSignature(r.ContentKeyPacketSignature),
			SignatureEmail:            r.SignatureEmail,
			ArmoredExtendedAttributes: drivecrypto.ArmoredMessage(r.ExtendedAttributes),
		}
	}
	return enc
}

// FetchNode implements nodeaccess.API.
func (c *Client) FetchNode(ctx context.Context, id uid.NodeUid) (nodecrypto.EncryptedNode, error) {
	var resp struct {
		Code int      `json:"Code"`
		Link wireNode `json:"Link"`
	}
	url := c.volumeURL(id.VolumeID, "/links/%s", id.NodeID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nodecrypto.EncryptedNode{}, err
	}
	return c.toEncryptedNode(id.VolumeID, resp.Link), nil
}

type wirePage struct {
	Code          int        `json:"Code"`
	Links         []wireNode `json:"Links"`
	NextPageToken string     `json:"NextPageToken"`
}

// FetchChildren implements nodeaccess.API.
func (c *Client) FetchChildren(ctx context.Context, parent uid.NodeUid, pageToken string) (nodeaccess.Page, error) {
	url := c.volumeURL(parent.VolumeID, "/links/%s/children", parent.NodeID)
	if pageToken != "" {
		url += "?PageToken=" + pageToken
	}
	var resp wirePage
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nodeaccess.Page{}, err
	}
	return c.pageFrom(parent.VolumeID, resp), nil
}

// FetchTrashed implements nodeaccess.API.
func (c *Client) FetchTrashed(ctx context.Context, volumeID, pageToken string) (nodeaccess.Page, error) {
	url := c.volumeURL(volumeID, "/trash")
	if pageToken != "" {
		url += "?PageToken=" + pageToken
	}
	var resp wirePage
	if err := c.transport.DoJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nodeaccess.Page{}, err
	}
	return c.pageFrom(volumeID, resp), nil
}

func (c *Client) pageFrom(volumeID string, resp wirePage) nodeaccess.Page {
	records := make([]nodecrypto.EncryptedNode, 0, len(resp.Links))
	for _, w := range resp.Links {
		records = append(records, c.toEncryptedNode(volumeID, w))
	}
	return nodeaccess.Page{Records: records, NextPageToken: resp.NextPageToken}
}

type hashProbeRequest struct {
	Hashes []string `json:"Hashes"`
}

type hashProbeReply struct {
	Code            int      `json:"Code"`
	AvailableHashes []string `json:"AvailableHashes"`
	PendingHashes   []struct {
		Hash      string `json:"Hash"`
		LinkID    string `json:"LinkID"`
		ClientUid string `json:"ClientUid"`
	} `json:"PendingHashes"`
}

// CheckAvailableHashes implements nodeaccess.API.
func (c *Client) CheckAvailableHashes(ctx context.Context, parent uid.NodeUid, hashes []string) (map[string]bool, error) {
	url := c.volumeURL(parent.VolumeID, "/links/%s/checkAvailableHashes", parent.NodeID)
	var resp hashProbeReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, hashProbeRequest{Hashes: hashes}, &resp); err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		available[h] = false
	}
	for _, h := range resp.AvailableHashes {
		available[h] = true
	}
	return available, nil
}

type renameRequest struct {
	Name               string `json:"Name"`
	NameSignatureEmail string `json:"NameSignatureEmail"`
	Hash               string `json:"Hash"`
}

// Rename implements nodeaccess.API.
func (c *Client) Rename(ctx context.Context, id uid.NodeUid, req nodeaccess.RenameRequest) error {
	url := c.volumeURL(id.VolumeID, "/links/%s/rename", id.NodeID)
	return c.transport.DoJSON(ctx, http.MethodPut, url, renameRequest{
		Name:               req.ArmoredName,
		NameSignatureEmail: req.NameSignatureEmail,
		Hash:               req.Hash,
	}, nil)
}

type moveRequest struct {
	LinkIDs      []string `json:"LinkIDs"`
	ParentLinkID string   `json:"ParentLinkID"`
	Name         string   `json:"Name"`
	Hash         string   `json:"Hash"`
}

type batchReply struct {
	Code      int `json:"Code"`
	Responses []struct {
		LinkID   string `json:"LinkID"`
		Response struct {
			Code  int    `json:"Code"`
			Error string `json:"Error"`
		} `json:"Response"`
	} `json:"Responses"`
}

func (c *Client) toBatchReplies(volumeID string, ids []uid.NodeUid, resp batchReply) []nodeaccess.BatchReply {
	byID := make(map[string]nodeaccess.BatchReply, len(resp.Responses))
	for _, r := range resp.Responses {
		nu := uid.NodeUid{VolumeID: volumeID, NodeID: r.LinkID}
		rep := nodeaccess.BatchReply{Uid: nu, Ok: r.Response.Code == 1000 || r.Response.Code == 1001}
		if !rep.Ok {
			rep.Err = driveerrors.New(driveerrors.APICodeError, r.Response.Error, nil).WithCode(r.Response.Code)
		}
		byID[r.LinkID] = rep
	}
	out := make([]nodeaccess.BatchReply, 0, len(ids))
	for _, id := range ids {
		if rep, ok := byID[id.NodeID]; ok {
			out = append(out, rep)
			continue
		}
		out = append(out, nodeaccess.BatchReply{Uid: id, Ok: false, Err: driveerrors.New(driveerrors.APIHTTPError, "no reply for node", nil)})
	}
	return out
}

func linkIDs(ids []uid.NodeUid) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.NodeID
	}
	return out
}

// Move implements nodeaccess.API.
func (c *Client) Move(ctx context.Context, ids []uid.NodeUid, req nodeaccess.MoveRequest) ([]nodeaccess.BatchReply, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	volumeID := ids[0].VolumeID
	url := c.volumeURL(volumeID, "/links/move")
	var resp batchReply
	body := moveRequest{
		LinkIDs:      linkIDs(ids),
		ParentLinkID: req.NewParentUid.NodeID,
		Name:         req.ArmoredName,
		Hash:         req.Hash,
	}
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}
	return c.toBatchReplies(volumeID, ids, resp), nil
}

type bulkLinksRequest struct {
	LinkIDs []string `json:"LinkIDs"`
}

func (c *Client) bulkLinks(ctx context.Context, ids []uid.NodeUid, path string) ([]nodeaccess.BatchReply, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	volumeID := ids[0].VolumeID
	url := c.volumeURL(volumeID, "%s", path)
	var resp batchReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, bulkLinksRequest{LinkIDs: linkIDs(ids)}, &resp); err != nil {
		return nil, err
	}
	return c.toBatchReplies(volumeID, ids, resp), nil
}

// Trash implements nodeaccess.API.
func (c *Client) Trash(ctx context.Context, ids []uid.NodeUid) ([]nodeaccess.BatchReply, error) {
	return c.bulkLinks(ctx, ids, "/links/trash_multiple")
}

// Restore implements nodeaccess.API.
func (c *Client) Restore(ctx context.Context, ids []uid.NodeUid) ([]nodeaccess.BatchReply, error) {
	return c.bulkLinks(ctx, ids, "/links/restore_multiple")
}

// Delete implements nodeaccess.API (§6 POST .../delete_multiple).
func (c *Client) Delete(ctx context.Context, ids []uid.NodeUid) ([]nodeaccess.BatchReply, error) {
	return c.bulkLinks(ctx, ids, "/delete_multiple")
}

type createFolderRequest struct {
	Name               string `json:"Name"`
	NameSignatureEmail string `json:"NameSignatureEmail"`
	Hash               string `json:"Hash"`
	NodeKey            string `json:"NodeKey"`
	NodePassphrase     string `json:"NodePassphrase"`
	NodeHashKey        string `json:"NodeHashKey"`
}

type createFolderReply struct {
	Code int      `json:"Code"`
	Link wireNode `json:"Link"`
}

// CreateFolder implements nodeaccess.API.
func (c *Client) CreateFolder(ctx context.Context, parent uid.NodeUid, req nodeaccess.CreateFolderRequest) (nodecrypto.EncryptedNode, error) {
	url := c.volumeURL(parent.VolumeID, "/links/%s/folders", parent.NodeID)
	body := createFolderRequest{
		Name:               req.ArmoredName,
		NameSignatureEmail: req.NameSignatureEmail,
		Hash:               req.Hash,
		NodeKey:            req.ArmoredNodeKey,
		NodePassphrase:     req.ArmoredPassphrase,
		NodeHashKey:        req.ArmoredHashKey,
	}
	var resp createFolderReply
	if err := c.transport.DoJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nodecrypto.EncryptedNode{}, err
	}
	return c.toEncryptedNode(parent.VolumeID, resp.Link), nil
}

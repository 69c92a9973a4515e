// Package nodes defines the tree data model (§3): nodes, authorship
// provenance, and the Ok/degraded result surface the rest of the SDK
// returns instead of throwing on a single node's decryption failure.
// Grounded in backend/protondrive.go's Object struct, which uses optional
// pointer fields for metadata that may not be known yet (originalSize
// *int64, digests *string) — the same idiom models "derived from
// decryption, might be degraded" fields here.
package nodes

import (
	"time"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/uid"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

// NodeType is a node's immutable kind.
type NodeType int

const (
	TypeFile NodeType = iota
	TypeFolder
)

// MemberRole is a node's effective sharing role (§3).
type MemberRole int

const (
	RoleInherited MemberRole = iota
	RoleViewer
	RoleEditor
	RoleAdmin
)

// Author carries a derived field's provenance (§3): either a concrete
// identity (possibly anonymous, for public-link uploads) or an error.
type Author struct {
	ok            bool
	email         string
	anonymous     bool
	claimedAuthor string
	err           error
}

// OkAuthor returns a successfully attributed Author.
func OkAuthor(email string) Author { return Author{ok: true, email: email} }

// AnonymousAuthor returns the Author for a public-link upload by a
// non-logged-in user.
func AnonymousAuthor() Author { return Author{ok: true, anonymous: true} }

// ErrAuthor returns an Author carrying an attribution failure.
func ErrAuthor(claimedAuthor string, err error) Author {
	return Author{ok: false, claimedAuthor: claimedAuthor, err: err}
}

// IsOk reports whether the author was determined successfully.
func (a Author) IsOk() bool { return a.ok }

// Email returns the author's email, or "" if anonymous or errored.
func (a Author) Email() string { return a.email }

// IsAnonymous reports whether this is a public-link anonymous author.
func (a Author) IsAnonymous() bool { return a.ok && a.anonymous }

// ClaimedAuthor and Err report the failure detail when !IsOk().
func (a Author) ClaimedAuthor() string { return a.claimedAuthor }
func (a Author) Err() error            { return a.err }

// RevisionState distinguishes the single active revision from superseded
// history (§3).
type RevisionState int

const (
	RevisionActive RevisionState = iota
	RevisionSuperseded
)

// Digests are the claimed per-algorithm content digests decrypted from
// extended attributes; MUST be treated as untrusted until verified (§3).
type Digests struct {
	Sha1 string
}

// Revision is one immutable content version of a file (§3, GLOSSARY).
type Revision struct {
	Uid                     uid.RevisionUid
	State                   RevisionState
	CreationTime            time.Time
	ContentAuthor           Author
	ClaimedSize             *int64
	ClaimedModificationTime *time.Time
	ClaimedDigests          *Digests
	ExtendedAttributes      map[string]any
}

// FolderData holds fields only folders carry.
type FolderData struct {
	HashKey            []byte
	ExtendedAttributes map[string]any
}

// FileData holds fields only files carry.
type FileData struct {
	ContentKeyPacketSessionKey drivecrypto.SessionKey
	ActiveRevision             *Revision
}

// Node represents a file or folder (§3).
type Node struct {
	Uid          uid.NodeUid
	ParentUid    *uid.NodeUid
	Type         NodeType
	CreationTime time.Time

	Name       string
	KeyAuthor  Author
	NameAuthor Author

	Folder *FolderData
	File   *FileData

	TrashTime        *time.Time
	IsShared         bool
	DirectMemberRole MemberRole
	MediaType        string
}

// Field names the node field a decrypt/verify failure occurred on
// (§4.C).
type Field int

const (
	FieldNodeKey Field = iota
	FieldNodeName
	FieldNodeHashKey
	FieldNodeExtendedAttributes
	FieldNodeContentKey
)

func (f Field) String() string {
	switch f {
	case FieldNodeKey:
		return "nodeKey"
	case FieldNodeName:
		return "nodeName"
	case FieldNodeHashKey:
		return "nodeHashKey"
	case FieldNodeExtendedAttributes:
		return "nodeExtendedAttributes"
	case FieldNodeContentKey:
		return "nodeContentKey"
	default:
		return "unknown"
	}
}

// FieldFailure is one per-field error contributed to a DegradedNode.
type FieldFailure struct {
	Field Field
	Err   error
}

// DegradedNode is the Err side of MaybeNode (§3): the node remains
// identifiable and partly usable, but at least one field failed.
type DegradedNode struct {
	Uid         uid.NodeUid
	FieldErrors []FieldFailure
	Errors      []error // non-field-specific failures
}

// MissingNode is the Err side of MaybeMissingNode, for explicit lookups
// of UIDs the server does not recognize.
type MissingNode struct {
	MissingUid uid.NodeUid
}

// MaybeNode is the public Ok|Err(DegradedNode) result surface (§3, §9).
type MaybeNode struct {
	node     *Node
	degraded *DegradedNode
}

// OkNode wraps a fully decrypted node.
func OkNode(n Node) MaybeNode { return MaybeNode{node: &n} }

// ErrNode wraps a degraded node.
func ErrNode(d DegradedNode) MaybeNode { return MaybeNode{degraded: &d} }

// IsOk reports whether the node decrypted cleanly.
func (m MaybeNode) IsOk() bool { return m.node != nil }

// Node returns the decrypted node and true, or the zero value and false.
func (m MaybeNode) Node() (Node, bool) {
	if m.node == nil {
		return Node{}, false
	}
	return *m.node, true
}

// Degraded returns the degraded detail and true, or the zero value and
// false.
func (m MaybeNode) Degraded() (DegradedNode, bool) {
	if m.degraded == nil {
		return DegradedNode{}, false
	}
	return *m.degraded, true
}

// MaybeMissingNode adds Err(MissingNode) to MaybeNode for explicit UID
// lookups (§3).
type MaybeMissingNode struct {
	MaybeNode
	missing *MissingNode
}

// OkMissingNode / ErrDegradedLookup / ErrNotFound construct the three
// possible outcomes of a single-node lookup.
func OkMissingNode(n Node) MaybeMissingNode { return MaybeMissingNode{MaybeNode: OkNode(n)} }
func ErrDegradedLookup(d DegradedNode) MaybeMissingNode {
	return MaybeMissingNode{MaybeNode: ErrNode(d)}
}
func ErrNotFound(missingUid uid.NodeUid) MaybeMissingNode {
	return MaybeMissingNode{missing: &MissingNode{MissingUid: missingUid}}
}

// IsMissing reports whether the lookup target does not exist.
func (m MaybeMissingNode) IsMissing() bool { return m.missing != nil }

// Missing returns the missing detail and true, or the zero value and
// false.
func (m MaybeMissingNode) Missing() (MissingNode, bool) {
	if m.missing == nil {
		return MissingNode{}, false
	}
	return *m.missing, true
}

// NodeResult is a per-item outcome from a bulk management call (§4.D).
type NodeResult struct {
	Uid uid.NodeUid
	Ok  bool
	Err error
}

// Package drivecrypto is the crypto façade (§4.A): a set of Drive-specific
// high-level operations layered over an externally supplied OpenPGP
// capability. The capability itself (OpenPGPCrypto) is an out-of-scope
// collaborator per spec.md §1 — this package never implements OpenPGP
// primitives, only composes calls to one, the way rclone's backend/crypt
// composes calls to golang.org/x/crypto/nacl/secretbox and the Helm
// provenance signer composes calls to github.com/ProtonMail/go-crypto/openpgp.
package drivecrypto

// ArmoredKey is an ASCII-armored OpenPGP key block (public or private).
type ArmoredKey string

// ArmoredMessage is an ASCII-armored OpenPGP message (typically a wrapped
// session key or an encrypted passphrase).
type ArmoredMessage string

// ArmoredSignature is an ASCII-armored OpenPGP detached signature.
type ArmoredSignature string

// VerificationStatus is the per-decrypt verification outcome (§3).
type VerificationStatus int

const (
	NotSigned VerificationStatus = iota
	SignedAndValid
	SignedAndInvalid
)

func (s VerificationStatus) String() string {
	switch s {
	case NotSigned:
		return "NotSigned"
	case SignedAndValid:
		return "SignedAndValid"
	case SignedAndInvalid:
		return "SignedAndInvalid"
	default:
		return "Unknown"
	}
}

// SessionKey is a symmetric key wrapped by public-key operations (GLOSSARY:
// "Session key"). Algo follows OpenPGP's symmetric-algorithm naming
// ("aes256" is what the adapter produces).
type SessionKey struct {
	Algo string
	Key  []byte
}

// SigningContext tags a detached signature with the Drive-specific context
// string the server/other clients expect, and whether verification MUST
// reject signatures lacking it (§4.A: invitation signature contexts are
// marked critical).
type SigningContext struct {
	Value    string
	Critical bool
}

// Invitation signing contexts (§4.A).
var (
	ContextInviter            = SigningContext{Value: "drive.share-member.inviter", Critical: true}
	ContextMember             = SigningContext{Value: "drive.share-member.member", Critical: true}
	ContextExternalInvitation = SigningContext{Value: "drive.share-member.external-invitation", Critical: true}
)

// DecryptedKey is the cleartext result of unlocking a node's/share's key.
type DecryptedKey struct {
	Passphrase   string
	Key          ArmoredKey
	SessionKey   SessionKey
	Verification VerificationStatus
}

// GeneratedKey is the result of generateKey: both the armored material to
// persist server-side and the decrypted material to keep in the crypto
// cache (§4.A).
type GeneratedKey struct {
	ArmoredKey            ArmoredKey
	ArmoredPassphrase     ArmoredMessage
	ArmoredPassphraseSig  ArmoredSignature
	DecryptedPassphrase   string
	DecryptedKey          ArmoredKey
	PassphraseSessionKey  SessionKey
}

// NameResult is the result of decryptNodeName: never thrown on a
// verification failure, the caller inspects Verification (§4.A).
type NameResult struct {
	Name         string
	Verification VerificationStatus
}

// HashKeyResult is the result of decryptNodeHashKey.
type HashKeyResult struct {
	HashKey      []byte
	Verification VerificationStatus
}

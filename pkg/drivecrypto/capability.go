package drivecrypto

import "context"

// OpenPGPCrypto is the external OpenPGP capability the crypto façade is
// built on (spec.md §1 Non-goals: "reimplementing OpenPGP" is explicitly
// excluded — this interface is the contract the host supplies an
// implementation of; pkg/drivecrypto/openpgpadapter ships a default one
// backed by github.com/ProtonMail/go-crypto/openpgp).
type OpenPGPCrypto interface {
	// GenerateKey creates a new OpenPGP key pair locked by passphrase,
	// signed for the given email identities.
	GenerateKey(ctx context.Context, userIDEmail string, passphrase []byte) (ArmoredKey, error)

	// UnlockKey decrypts a passphrase-locked private key, returning an
	// armored private key block usable directly by the other methods here
	// (an OpenPGP private key may be serialized either locked or in the
	// clear; this returns the latter).
	UnlockKey(ctx context.Context, lockedKey ArmoredKey, passphrase []byte) (ArmoredKey, error)

	// EncryptMessage encrypts data to encryptionKey, optionally signing
	// with signingKey (nil to skip signing), returning an armored message.
	EncryptMessage(ctx context.Context, data []byte, encryptionKey ArmoredKey, signingKey ArmoredKey) (ArmoredMessage, error)

	// EncryptMessageWithSessionKey is EncryptMessage but also returns the
	// per-message symmetric session key the message was sealed under
	// (§4.A generateKey returns this session key alongside the armored
	// passphrase so the caller can cache it without a second decrypt).
	EncryptMessageWithSessionKey(ctx context.Context, data []byte, encryptionKey ArmoredKey, signingKey ArmoredKey) (ArmoredMessage, SessionKey, error)

	// DecryptMessage decrypts msg with privateKey and, if verifyKeys is
	// non-empty, verifies an embedded signature against them.
	DecryptMessage(ctx context.Context, msg ArmoredMessage, privateKey ArmoredKey, verifyKeys []ArmoredKey) ([]byte, VerificationStatus, error)

	// EncryptSessionKey wraps sk for encryptionKey as an armored message.
	EncryptSessionKey(ctx context.Context, sk SessionKey, encryptionKey ArmoredKey) (ArmoredMessage, error)

	// EncryptSessionKeyBinary is EncryptSessionKey with a raw (non-armored)
	// key-packet result, used where the wire format wants raw bytes.
	EncryptSessionKeyBinary(ctx context.Context, sk SessionKey, encryptionKey ArmoredKey) ([]byte, error)

	// DecryptSessionKey unwraps an armored session-key packet with
	// privateKey. A PKESK packet carries no signature of its own —
	// verification, where needed, is a separate detached-signature check
	// the caller performs over the returned key (see Cipher's
	// DecryptAndVerifySessionKey).
	DecryptSessionKey(ctx context.Context, msg ArmoredMessage, privateKey ArmoredKey) (SessionKey, error)

	// DecryptSessionKeyBinary is DecryptSessionKey over a raw key packet.
	DecryptSessionKeyBinary(ctx context.Context, packet []byte, privateKey ArmoredKey) (SessionKey, error)

	// DecryptUnsignedSessionKey unwraps a session-key packet without any
	// signature expectation (§4.A: "used only for invitations").
	DecryptUnsignedSessionKey(ctx context.Context, msg ArmoredMessage, privateKey ArmoredKey) (SessionKey, error)

	// SignDetached produces an armored detached signature over data,
	// tagged with the given notation context when non-nil.
	SignDetached(ctx context.Context, data []byte, signingKey ArmoredKey, sigCtx *SigningContext) (ArmoredSignature, error)

	// VerifyDetached checks sig over data against any of publicKeys. When
	// sigCtx is non-nil and Critical, verification MUST fail if the
	// signature lacks a matching critical notation (§4.A).
	VerifyDetached(ctx context.Context, data []byte, sig ArmoredSignature, publicKeys []ArmoredKey, sigCtx *SigningContext) (VerificationStatus, error)

	// EncryptSymmetric encrypts data under sk using an OpenPGP symmetric
	// packet (used for passphrase-style small payloads, as distinct from
	// the bulk block cipher in cipher.go which binds directly to the raw
	// session key).
	EncryptSymmetric(ctx context.Context, data []byte, sk SessionKey) ([]byte, error)

	// DecryptSymmetric reverses EncryptSymmetric.
	DecryptSymmetric(ctx context.Context, ciphertext []byte, sk SessionKey) ([]byte, error)
}

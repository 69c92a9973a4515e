package drivecrypto

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
)

// blockOverhead is the secretbox authentication tag every content block
// carries, the same constant role backend/crypt/cipher.go's blockHeaderSize
// plays for its own secretbox-based stream format.
const blockOverhead = secretbox.Overhead

const passphraseRandomBytes = 32

// Cipher is the Drive crypto façade: the single capability object client
// code constructs once and passes down to the node-crypto service, the
// download engine and the upload engine.
type Cipher struct {
	pgp     OpenPGPCrypto
	buffers sync.Pool // reusable *[]byte buffers of 64 KiB+blockOverhead capacity
}

// NewCipher wraps pgp (an OpenPGPCrypto capability, typically
// openpgpadapter.New()) as a Cipher.
func NewCipher(pgp OpenPGPCrypto) *Cipher {
	c := &Cipher{pgp: pgp}
	c.buffers.New = func() any {
		buf := make([]byte, 0, 64*1024+blockOverhead)
		return &buf
	}
	return c
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, "generate random bytes", err)
	}
	return b, nil
}

// GenerateKey implements §4.A generateKey: a random 32-byte passphrase
// (base64-encoded for legacy compatibility), an OpenPGP key locked by it,
// and the passphrase encrypted+signed for the owning address.
func (c *Cipher) GenerateKey(ctx context.Context, userIDEmail string, encryptionKey, signingKey ArmoredKey) (GeneratedKey, error) {
	raw, err := randomBytes(passphraseRandomBytes)
	if err != nil {
		return GeneratedKey{}, err
	}
	passphrase := base64.StdEncoding.EncodeToString(raw)

	key, err := c.pgp.GenerateKey(ctx, userIDEmail, []byte(passphrase))
	if err != nil {
		return GeneratedKey{}, driveerrors.New(driveerrors.Decryption, "generate node key", err)
	}

	armoredPassphrase, passphraseSessionKey, err := c.pgp.EncryptMessageWithSessionKey(ctx, []byte(passphrase), encryptionKey, signingKey)
	if err != nil {
		return GeneratedKey{}, driveerrors.New(driveerrors.Decryption, "encrypt passphrase", err)
	}
	sig, err := c.pgp.SignDetached(ctx, []byte(passphrase), signingKey, nil)
	if err != nil {
		return GeneratedKey{}, driveerrors.New(driveerrors.Decryption, "sign passphrase", err)
	}
	unlocked, err := c.pgp.UnlockKey(ctx, key, []byte(passphrase))
	if err != nil {
		return GeneratedKey{}, driveerrors.New(driveerrors.Decryption, "unlock generated key", err)
	}

	return GeneratedKey{
		ArmoredKey:           key,
		ArmoredPassphrase:    armoredPassphrase,
		ArmoredPassphraseSig: sig,
		DecryptedPassphrase:  passphrase,
		DecryptedKey:         unlocked,
		PassphraseSessionKey: passphraseSessionKey,
	}, nil
}

// GenerateContentKey implements the content-key half of §4.H step 2: a
// fresh random 32-byte secretbox key, the same shape EncryptBlock and
// DecryptBlock already consume, minted for a brand new revision's blocks.
func (c *Cipher) GenerateContentKey() (SessionKey, error) {
	key, err := randomBytes(32)
	if err != nil {
		return SessionKey{}, err
	}
	return SessionKey{Algo: "aes256", Key: key}, nil
}

// EncryptPassphrase encrypts+signs a cleartext passphrase for a recipient
// (re-sharing an existing node's key material, §4.A).
func (c *Cipher) EncryptPassphrase(ctx context.Context, passphrase string, encryptionKey, signingKey ArmoredKey) (ArmoredMessage, error) {
	msg, err := c.pgp.EncryptMessage(ctx, []byte(passphrase), encryptionKey, signingKey)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "encrypt passphrase", err)
	}
	return msg, nil
}

// DecryptKey decrypts a node's passphrase with parentKey and verifies the
// passphrase signature against signingKeys, then uses the passphrase to
// unlock the node's own private key.
func (c *Cipher) DecryptKey(ctx context.Context, armoredPassphrase ArmoredMessage, lockedKey ArmoredKey, parentKey ArmoredKey, signingKeys []ArmoredKey) (DecryptedKey, error) {
	passphrase, verified, err := c.pgp.DecryptMessage(ctx, armoredPassphrase, parentKey, signingKeys)
	if err != nil {
		return DecryptedKey{}, driveerrors.New(driveerrors.Decryption, "decrypt node passphrase", err)
	}
	unlocked, err := c.pgp.UnlockKey(ctx, lockedKey, passphrase)
	if err != nil {
		return DecryptedKey{}, driveerrors.New(driveerrors.Decryption, "unlock node key", err)
	}
	return DecryptedKey{
		Passphrase:   string(passphrase),
		Key:          unlocked,
		Verification: verified,
	}, nil
}

// EncryptSessionKey wraps sk for a recipient (armored variant, §4.A).
func (c *Cipher) EncryptSessionKey(ctx context.Context, sk SessionKey, encryptionKey ArmoredKey) (ArmoredMessage, error) {
	msg, err := c.pgp.EncryptSessionKey(ctx, sk, encryptionKey)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "encrypt session key", err)
	}
	return msg, nil
}

// EncryptSessionKeyBinary is EncryptSessionKey's raw-bytes variant.
func (c *Cipher) EncryptSessionKeyBinary(ctx context.Context, sk SessionKey, encryptionKey ArmoredKey) ([]byte, error) {
	raw, err := c.pgp.EncryptSessionKeyBinary(ctx, sk, encryptionKey)
	if err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, "encrypt session key", err)
	}
	return raw, nil
}

// DecryptSessionKey unwraps an armored session-key packet. A PKESK packet
// carries no signature of its own; use DecryptAndVerifySessionKey when the
// caller also holds a detached signature to check.
func (c *Cipher) DecryptSessionKey(ctx context.Context, msg ArmoredMessage, privateKey ArmoredKey) (SessionKey, error) {
	sk, err := c.pgp.DecryptSessionKey(ctx, msg, privateKey)
	if err != nil {
		return SessionKey{}, driveerrors.New(driveerrors.Decryption, "decrypt session key", err)
	}
	return sk, nil
}

// DecryptAndVerifySessionKey decrypts the raw content-key packet and
// verifies detachedSig (itself produced over the decrypted key bytes) was
// signed by one of authorKeys, implementing §4.C step 3: "decrypt the
// content-key session key and verify its detached signature".
func (c *Cipher) DecryptAndVerifySessionKey(ctx context.Context, packet []byte, privateKey ArmoredKey, detachedSig ArmoredSignature, authorKeys []ArmoredKey) (SessionKey, VerificationStatus, error) {
	sk, err := c.pgp.DecryptSessionKeyBinary(ctx, packet, privateKey)
	if err != nil {
		return SessionKey{}, NotSigned, driveerrors.New(driveerrors.Decryption, "decrypt content session key", err)
	}
	verified, err := c.verifyDetached(ctx, sk.Key, detachedSig, authorKeys, nil)
	if err != nil {
		return SessionKey{}, NotSigned, err
	}
	return sk, verified, nil
}

// DecryptUnsignedKey unwraps a session-key packet without signature
// verification; used only for invitations (§4.A), where the sender's
// public key set is not yet trusted material.
func (c *Cipher) DecryptUnsignedKey(ctx context.Context, msg ArmoredMessage, privateKey ArmoredKey) (SessionKey, error) {
	sk, err := c.pgp.DecryptUnsignedSessionKey(ctx, msg, privateKey)
	if err != nil {
		return SessionKey{}, driveerrors.New(driveerrors.Decryption, "decrypt unsigned session key", err)
	}
	return sk, nil
}

// EncryptSignature produces a standalone armored detached signature over
// data (used for re-signing claims such as a held passphrase without
// re-encrypting it).
func (c *Cipher) EncryptSignature(ctx context.Context, data []byte, signingKey ArmoredKey) (ArmoredSignature, error) {
	sig, err := c.pgp.SignDetached(ctx, data, signingKey, nil)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "sign data", err)
	}
	return sig, nil
}

// GenerateHashKey implements §4.A generateHashKey: 32 random bytes,
// encrypted and signed as an armored message for a folder node.
func (c *Cipher) GenerateHashKey(ctx context.Context, encryptionKey, signingKey ArmoredKey) ([]byte, ArmoredMessage, error) {
	hashKey, err := randomBytes(32)
	if err != nil {
		return nil, "", err
	}
	armored, err := c.pgp.EncryptMessage(ctx, hashKey, encryptionKey, signingKey)
	if err != nil {
		return nil, "", driveerrors.New(driveerrors.Decryption, "encrypt hash key", err)
	}
	return hashKey, armored, nil
}

// EncryptNodeName implements §4.A encryptNodeName: caller supplies either
// sessionKey (re-encrypt for an existing node) or encryptionKey (new
// node); supplying neither is a validation error.
func (c *Cipher) EncryptNodeName(ctx context.Context, name string, sessionKey *SessionKey, encryptionKey *ArmoredKey, signingKey ArmoredKey) (ArmoredMessage, error) {
	sig, err := c.pgp.SignDetached(ctx, []byte(name), signingKey, nil)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "sign node name", err)
	}
	payload := append([]byte(name), []byte(sig)...)

	switch {
	case sessionKey != nil:
		ciphertext, err := c.pgp.EncryptSymmetric(ctx, payload, *sessionKey)
		if err != nil {
			return "", driveerrors.New(driveerrors.Decryption, "encrypt node name", err)
		}
		return ArmoredMessage(base64.StdEncoding.EncodeToString(ciphertext)), nil
	case encryptionKey != nil:
		msg, err := c.pgp.EncryptMessage(ctx, []byte(name), *encryptionKey, signingKey)
		if err != nil {
			return "", driveerrors.New(driveerrors.Decryption, "encrypt node name", err)
		}
		return msg, nil
	default:
		return "", driveerrors.New(driveerrors.Validation, "encryptNodeName requires a session key or an encryption key", nil)
	}
}

// DecryptNodeName implements §4.A decryptNodeName: never throws on
// verification failure, surfaces Verification in the result. Decoded
// UTF-8 is validated strictly (spec.md §4.A).
func (c *Cipher) DecryptNodeName(ctx context.Context, armoredName ArmoredMessage, nodeKey ArmoredKey, verifyKeys []ArmoredKey) (NameResult, error) {
	plaintext, verified, err := c.pgp.DecryptMessage(ctx, armoredName, nodeKey, verifyKeys)
	if err != nil {
		return NameResult{}, driveerrors.New(driveerrors.Decryption, "decrypt node name", err)
	}
	if !utf8.Valid(plaintext) {
		return NameResult{}, driveerrors.New(driveerrors.Decryption, "node name is not valid utf-8", nil)
	}
	return NameResult{Name: string(plaintext), Verification: verified}, nil
}

// DecryptNodeHashKey implements §4.A decryptNodeHashKey, which MUST accept
// signatures from either the node key or the address key (legacy
// tolerance). Callers pass both candidate verification keys in verifyKeys.
func (c *Cipher) DecryptNodeHashKey(ctx context.Context, armoredHashKey ArmoredMessage, nodeKey ArmoredKey, verifyKeys []ArmoredKey) (HashKeyResult, error) {
	hashKey, verified, err := c.pgp.DecryptMessage(ctx, armoredHashKey, nodeKey, verifyKeys)
	if err != nil {
		return HashKeyResult{}, driveerrors.New(driveerrors.Decryption, "decrypt hash key", err)
	}
	return HashKeyResult{HashKey: hashKey, Verification: verified}, nil
}

// EncryptBlock implements §4.A encryptBlock: session-key-bound symmetric
// encryption of one content block. Grounded in backend/crypt/cipher.go's
// secretbox-based block format: a random nonce plus the secretbox seal
// overhead, rather than an OpenPGP symmetric packet, since content blocks
// are bulk data and the session key here is exactly the raw 32-byte
// secretbox key the content-key packet unwraps to.
func (c *Cipher) EncryptBlock(sessionKey SessionKey, plaintext []byte) ([]byte, error) {
	if len(sessionKey.Key) != 32 {
		return nil, driveerrors.New(driveerrors.Validation, "content session key must be 32 bytes", nil)
	}
	var key [32]byte
	copy(key[:], sessionKey.Key)

	var n [24]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, "generate block nonce", err)
	}

	bufPtr := c.buffers.Get().(*[]byte)
	defer c.buffers.Put(bufPtr)
	out := (*bufPtr)[:0]

	out = append(out, n[:]...)
	out = secretbox.Seal(out, plaintext, &n, &key)
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// DecryptBlock reverses EncryptBlock.
func (c *Cipher) DecryptBlock(sessionKey SessionKey, ciphertext []byte) ([]byte, error) {
	if len(sessionKey.Key) != 32 {
		return nil, driveerrors.New(driveerrors.Validation, "content session key must be 32 bytes", nil)
	}
	if len(ciphertext) < 24+blockOverhead {
		return nil, driveerrors.New(driveerrors.Integrity, "block too short to be encrypted", nil)
	}
	var key [32]byte
	copy(key[:], sessionKey.Key)
	var n [24]byte
	copy(n[:], ciphertext[:24])

	bufPtr := c.buffers.Get().(*[]byte)
	defer c.buffers.Put(bufPtr)
	out := (*bufPtr)[:0]

	out, ok := secretbox.Open(out, ciphertext[24:], &n, &key)
	if !ok {
		return nil, driveerrors.New(driveerrors.Integrity, "block failed authentication", nil)
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// EncryptAndSignDetached produces a detached signature over streamable
// content (a block's cleartext), itself encrypted to sessionKey per §4.G:
// "Detached signatures are themselves encrypted-to-session-key".
func (c *Cipher) EncryptAndSignDetached(ctx context.Context, plaintext []byte, sessionKey SessionKey, signingKey ArmoredKey) ([]byte, error) {
	sig, err := c.pgp.SignDetached(ctx, plaintext, signingKey, nil)
	if err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, "sign block", err)
	}
	ciphertext, err := c.pgp.EncryptSymmetric(ctx, []byte(sig), sessionKey)
	if err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, "encrypt block signature", err)
	}
	return ciphertext, nil
}

// DecryptAndVerifyDetached decrypts an encrypted detached signature with
// sessionKey and verifies it against the content author's public keys.
func (c *Cipher) DecryptAndVerifyDetached(ctx context.Context, plaintext []byte, encryptedSig []byte, sessionKey SessionKey, authorKeys []ArmoredKey) (VerificationStatus, error) {
	sigBytes, err := c.pgp.DecryptSymmetric(ctx, encryptedSig, sessionKey)
	if err != nil {
		return NotSigned, driveerrors.New(driveerrors.Decryption, "decrypt block signature", err)
	}
	return c.verifyDetached(ctx, plaintext, ArmoredSignature(sigBytes), authorKeys, nil)
}

func (c *Cipher) verifyDetached(ctx context.Context, data []byte, sig ArmoredSignature, keys []ArmoredKey, sigCtx *SigningContext) (VerificationStatus, error) {
	status, err := c.pgp.VerifyDetached(ctx, data, sig, keys, sigCtx)
	if err != nil {
		return NotSigned, driveerrors.New(driveerrors.Decryption, "verify signature", err)
	}
	return status, nil
}

// SignManifest implements §4.A signManifest: an armored detached signature
// over the ordered concatenation of block hashes (GLOSSARY: Manifest).
func (c *Cipher) SignManifest(ctx context.Context, manifest []byte, signingKey ArmoredKey) (ArmoredSignature, error) {
	sig, err := c.pgp.SignDetached(ctx, manifest, signingKey, nil)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "sign manifest", err)
	}
	return sig, nil
}

// VerifyManifest implements §4.A verifyManifest.
func (c *Cipher) VerifyManifest(ctx context.Context, manifest []byte, sig ArmoredSignature, authorKeys []ArmoredKey) (VerificationStatus, error) {
	return c.verifyDetached(ctx, manifest, sig, authorKeys, nil)
}

// thumbnailKeyInfo domain-separates the thumbnail block key from the
// content block key, both derived from the same content session key via
// HKDF, so a compromise of one block stream cannot be replayed against
// the other (same idea as keyhierarchy.go's per-purpose HKDF labels).
const thumbnailKeyInfo = "drive.thumbnail-block.v1"

func (c *Cipher) thumbnailSessionKey(sessionKey SessionKey) (SessionKey, error) {
	sub, err := deriveSubkey(sessionKey.Key, thumbnailKeyInfo, 32)
	if err != nil {
		return SessionKey{}, err
	}
	return SessionKey{Algo: sessionKey.Algo, Key: sub}, nil
}

// EncryptThumbnailBlock implements §4.A encryptThumbnailBlock: no separate
// signature file, the authentication tag is embedded in the secretbox
// seal exactly like a content block, but under a key domain-separated from
// the content block key (see thumbnailKeyInfo).
func (c *Cipher) EncryptThumbnailBlock(sessionKey SessionKey, plaintext []byte) ([]byte, error) {
	sk, err := c.thumbnailSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	return c.EncryptBlock(sk, plaintext)
}

// DecryptThumbnailBlock implements §4.A decryptThumbnailBlock.
func (c *Cipher) DecryptThumbnailBlock(sessionKey SessionKey, ciphertext []byte) ([]byte, error) {
	sk, err := c.thumbnailSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	return c.DecryptBlock(sk, ciphertext)
}

// EncryptInvitation signs an invitation payload under the
// drive.share-member.inviter critical context (§4.A).
func (c *Cipher) EncryptInvitation(ctx context.Context, sessionKeyPacket []byte, inviterSigningKey ArmoredKey) (ArmoredSignature, error) {
	sig, err := c.pgp.SignDetached(ctx, sessionKeyPacket, inviterSigningKey, &ContextInviter)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "sign invitation", err)
	}
	return sig, nil
}

// AcceptInvitation verifies the inviter's signature under the
// drive.share-member.member context and returns the verification status;
// an implementation MUST reject signatures lacking the matching critical
// context tag (§4.A), which the adapter enforces.
func (c *Cipher) AcceptInvitation(ctx context.Context, sessionKeyPacket []byte, sig ArmoredSignature, inviterKeys []ArmoredKey) (VerificationStatus, error) {
	return c.verifyDetached(ctx, sessionKeyPacket, sig, inviterKeys, &ContextMember)
}

// EncryptExternalInvitation signs under the
// drive.share-member.external-invitation critical context, used when the
// invitee has no Drive account key yet.
func (c *Cipher) EncryptExternalInvitation(ctx context.Context, payload []byte, inviterSigningKey ArmoredKey) (ArmoredSignature, error) {
	sig, err := c.pgp.SignDetached(ctx, payload, inviterSigningKey, &ContextExternalInvitation)
	if err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "sign external invitation", err)
	}
	return sig, nil
}

// GenerateLookupHash implements §4.A generateLookupHash: HMAC-SHA-256 of
// the UTF-8 name under the parent folder's hash key, hex-encoded. This
// primitive takes the raw hash key directly rather than an HKDF-derived
// one (see thumbnailSessionKey for where HKDF is actually used in this
// package).
func GenerateLookupHash(name string, parentHashKey []byte) (string, error) {
	if !utf8.ValidString(name) {
		return "", driveerrors.New(driveerrors.Validation, "name is not valid utf-8", nil)
	}
	mac := hmac.New(sha256.New, parentHashKey)
	if _, err := mac.Write([]byte(name)); err != nil {
		return "", driveerrors.New(driveerrors.Decryption, "compute lookup hash", err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// deriveSubkey expands a session key into a domain-separated subkey via
// HKDF-SHA256, used internally wherever a derivation (rather than a MAC or
// an OpenPGP wrap) is the right primitive.
func deriveSubkey(master []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, driveerrors.New(driveerrors.Decryption, fmt.Sprintf("derive subkey %q", info), err)
	}
	return out, nil
}

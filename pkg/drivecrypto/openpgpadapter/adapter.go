// Package openpgpadapter is the default OpenPGPCrypto implementation,
// backed by github.com/ProtonMail/go-crypto/openpgp — the same library the
// Helm provenance signer (other_examples/…helm…sign.go) uses for real
// detached-signature verification, and the one Proton's own products use
// in production. pkg/drivecrypto never imports this package directly; a
// client wires it in at construction time (accept-interfaces/inject-
// implementation, not a hidden default).
package openpgpadapter

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

const (
	armorTypePrivateKey = "PGP PRIVATE KEY BLOCK"
	armorTypeMessage    = "PGP MESSAGE"
)

// Adapter implements drivecrypto.OpenPGPCrypto over a real OpenPGP stack.
type Adapter struct {
	config *packet.Config
}

// New returns an Adapter with Proton Drive's expected defaults (SHA-256
// over 2048-bit... the actual algorithm choice is delegated to the
// library's own key-generation defaults; only the hash used for
// signatures is pinned here, mirroring the Helm signer's defaultPGPConfig).
func New() *Adapter {
	return &Adapter{config: &packet.Config{DefaultHash: crypto.SHA256}}
}

var _ drivecrypto.OpenPGPCrypto = (*Adapter)(nil)

func (a *Adapter) readKeyRing(key drivecrypto.ArmoredKey) (openpgp.EntityList, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(string(key)))
	if err != nil {
		return nil, err
	}
	if len(ring) == 0 {
		return nil, errors.New("openpgpadapter: empty key ring")
	}
	return ring, nil
}

func (a *Adapter) readEntity(key drivecrypto.ArmoredKey) (*openpgp.Entity, error) {
	ring, err := a.readKeyRing(key)
	if err != nil {
		return nil, err
	}
	return ring[0], nil
}

func armorBlock(blockType string, body []byte) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(body); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeArmor(armored string) (*armor.Block, error) {
	return armor.Decode(strings.NewReader(armored))
}

// GenerateKey implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) GenerateKey(ctx context.Context, userIDEmail string, passphrase []byte) (drivecrypto.ArmoredKey, error) {
	entity, err := openpgp.NewEntity(userIDEmail, "", userIDEmail, a.config)
	if err != nil {
		return "", err
	}
	if entity.PrivateKey != nil && !entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Encrypt(passphrase); err != nil {
			return "", err
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && !sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Encrypt(passphrase); err != nil {
				return "", err
			}
		}
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, armorTypePrivateKey, nil)
	if err != nil {
		return "", err
	}
	if err := entity.SerializePrivate(w, a.config); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return drivecrypto.ArmoredKey(buf.String()), nil
}

// UnlockKey implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) UnlockKey(ctx context.Context, lockedKey drivecrypto.ArmoredKey, passphrase []byte) (drivecrypto.ArmoredKey, error) {
	entity, err := a.readEntity(lockedKey)
	if err != nil {
		return "", err
	}
	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return "", err
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return "", err
			}
		}
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, armorTypePrivateKey, nil)
	if err != nil {
		return "", err
	}
	if err := entity.SerializePrivate(w, a.config); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return drivecrypto.ArmoredKey(buf.String()), nil
}

// EncryptMessage implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) EncryptMessage(ctx context.Context, data []byte, encryptionKey, signingKey drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	msg, _, err := a.EncryptMessageWithSessionKey(ctx, data, encryptionKey, signingKey)
	return msg, err
}

// EncryptMessageWithSessionKey implements drivecrypto.OpenPGPCrypto by
// composing the two PKESK + SEIP building blocks it already exposes,
// rather than duplicating low-level packet serialization: it generates a
// session key, wraps it for encryptionKey, seals data under it, and
// concatenates both packets into a single armored message. This mirrors
// the structure openpgp.Encrypt itself produces, but surfaces the session
// key the SDK's own node crypto service needs to cache (§4.A).
func (a *Adapter) EncryptMessageWithSessionKey(ctx context.Context, data []byte, encryptionKey, signingKey drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, drivecrypto.SessionKey, error) {
	cipherFunc := packet.CipherAES256
	sk := make([]byte, cipherFunc.KeySize())
	if _, err := io.ReadFull(a.config.Random(), sk); err != nil {
		return "", drivecrypto.SessionKey{}, err
	}
	sessionKey := drivecrypto.SessionKey{Algo: "aes256", Key: sk}

	pkesk, err := a.EncryptSessionKeyBinary(ctx, sessionKey, encryptionKey)
	if err != nil {
		return "", drivecrypto.SessionKey{}, err
	}
	seip, err := a.sealSymmetric(data, sessionKey, signingKey)
	if err != nil {
		return "", drivecrypto.SessionKey{}, err
	}

	armored, err := armorBlock(armorTypeMessage, append(pkesk, seip...))
	if err != nil {
		return "", drivecrypto.SessionKey{}, err
	}
	return drivecrypto.ArmoredMessage(armored), sessionKey, nil
}

// sealSymmetric writes data (optionally signed by signingKey) as a
// symmetrically-encrypted-integrity-protected packet under sk.
func (a *Adapter) sealSymmetric(data []byte, sk drivecrypto.SessionKey, signingKey drivecrypto.ArmoredKey) ([]byte, error) {
	var signer *openpgp.Entity
	if signingKey != "" {
		e, err := a.readEntity(signingKey)
		if err != nil {
			return nil, err
		}
		signer = e
	}

	var buf bytes.Buffer
	cipherFunc := cipherFuncFor(sk.Algo)
	plaintext, err := packet.SerializeSymmetricallyEncrypted(&buf, cipherFunc, false, sk.Key, a.config)
	if err != nil {
		return nil, err
	}

	if signer != nil {
		if err := openpgp.DetachSign(plaintext, signer, bytes.NewReader(data), a.config); err != nil {
			return nil, err
		}
	}
	literal, err := packet.SerializeLiteral(plaintext, false, "", 0)
	if err != nil {
		return nil, err
	}
	if _, err := literal.Write(data); err != nil {
		return nil, err
	}
	if err := literal.Close(); err != nil {
		return nil, err
	}
	if err := plaintext.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cipherFuncFor(algo string) packet.CipherFunction {
	switch algo {
	case "aes128":
		return packet.CipherAES128
	case "aes192":
		return packet.CipherAES192
	default:
		return packet.CipherAES256
	}
}

// DecryptMessage implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) DecryptMessage(ctx context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey, verifyKeys []drivecrypto.ArmoredKey) ([]byte, drivecrypto.VerificationStatus, error) {
	privRing, err := a.readKeyRing(privateKey)
	if err != nil {
		return nil, drivecrypto.NotSigned, err
	}
	var verifyRing openpgp.EntityList
	for _, k := range verifyKeys {
		ring, err := a.readKeyRing(k)
		if err != nil {
			return nil, drivecrypto.NotSigned, err
		}
		verifyRing = append(verifyRing, ring...)
	}
	keyRing := append(openpgp.EntityList{}, privRing...)
	keyRing = append(keyRing, verifyRing...)

	block, err := decodeArmor(string(msg))
	if err != nil {
		return nil, drivecrypto.NotSigned, err
	}
	details, err := openpgp.ReadMessage(block.Body, keyRing, nil, a.config)
	if err != nil {
		return nil, drivecrypto.NotSigned, err
	}
	plaintext, err := io.ReadAll(details.UnverifiedBody)
	if err != nil {
		return nil, drivecrypto.NotSigned, err
	}

	if len(verifyKeys) == 0 {
		return plaintext, drivecrypto.NotSigned, nil
	}
	if details.SignatureError != nil {
		return plaintext, drivecrypto.SignedAndInvalid, nil
	}
	if details.Signature == nil && details.SignatureV3 == nil {
		return plaintext, drivecrypto.NotSigned, nil
	}
	return plaintext, drivecrypto.SignedAndValid, nil
}

// EncryptSessionKey implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) EncryptSessionKey(ctx context.Context, sk drivecrypto.SessionKey, encryptionKey drivecrypto.ArmoredKey) (drivecrypto.ArmoredMessage, error) {
	raw, err := a.EncryptSessionKeyBinary(ctx, sk, encryptionKey)
	if err != nil {
		return "", err
	}
	armored, err := armorBlock(armorTypeMessage, raw)
	if err != nil {
		return "", err
	}
	return drivecrypto.ArmoredMessage(armored), nil
}

// EncryptSessionKeyBinary implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) EncryptSessionKeyBinary(ctx context.Context, sk drivecrypto.SessionKey, encryptionKey drivecrypto.ArmoredKey) ([]byte, error) {
	ring, err := a.readKeyRing(encryptionKey)
	if err != nil {
		return nil, err
	}
	encryptKey, ok := ring[0].EncryptionKey(a.config.Now())
	if !ok {
		return nil, errors.New("openpgpadapter: key has no usable encryption subkey")
	}

	var buf bytes.Buffer
	if err := packet.SerializeEncryptedKey(&buf, encryptKey.PublicKey, cipherFuncFor(sk.Algo), sk.Key, a.config); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptSessionKey implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) DecryptSessionKey(ctx context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	block, err := decodeArmor(string(msg))
	if err != nil {
		return drivecrypto.SessionKey{}, err
	}
	raw, err := io.ReadAll(block.Body)
	if err != nil {
		return drivecrypto.SessionKey{}, err
	}
	return a.DecryptSessionKeyBinary(ctx, raw, privateKey)
}

// DecryptSessionKeyBinary implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) DecryptSessionKeyBinary(ctx context.Context, raw []byte, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	privRing, err := a.readKeyRing(privateKey)
	if err != nil {
		return drivecrypto.SessionKey{}, err
	}

	reader := packet.NewReader(bytes.NewReader(raw))
	p, err := reader.Next()
	if err != nil {
		return drivecrypto.SessionKey{}, err
	}
	ek, ok := p.(*packet.EncryptedKey)
	if !ok {
		return drivecrypto.SessionKey{}, errors.New("openpgpadapter: expected an encrypted-key packet")
	}

	var decryptErr error
	for _, entity := range privRing {
		if entity.PrivateKey == nil || entity.PrivateKey.Encrypted {
			continue
		}
		if ek.KeyId != 0 && ek.KeyId != entity.PrivateKey.KeyId {
			continue
		}
		if decryptErr = ek.Decrypt(entity.PrivateKey, a.config); decryptErr == nil {
			return drivecrypto.SessionKey{Algo: algoName(ek.CipherFunc), Key: ek.Key}, nil
		}
	}
	if decryptErr == nil {
		decryptErr = errors.New("openpgpadapter: no matching private key for encrypted-key packet")
	}
	return drivecrypto.SessionKey{}, decryptErr
}

func algoName(c packet.CipherFunction) string {
	switch c {
	case packet.CipherAES128:
		return "aes128"
	case packet.CipherAES192:
		return "aes192"
	default:
		return "aes256"
	}
}

// DecryptUnsignedSessionKey implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) DecryptUnsignedSessionKey(ctx context.Context, msg drivecrypto.ArmoredMessage, privateKey drivecrypto.ArmoredKey) (drivecrypto.SessionKey, error) {
	return a.DecryptSessionKey(ctx, msg, privateKey)
}

// SignDetached implements drivecrypto.OpenPGPCrypto. When sigCtx is
// non-nil, the context value and a NUL byte are prepended to the signed
// payload so VerifyDetached can enforce it as critical.
func (a *Adapter) SignDetached(ctx context.Context, data []byte, signingKey drivecrypto.ArmoredKey, sigCtx *drivecrypto.SigningContext) (drivecrypto.ArmoredSignature, error) {
	entity, err := a.readEntity(signingKey)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, entity, bytes.NewReader(withContext(data, sigCtx)), a.config); err != nil {
		return "", err
	}
	return drivecrypto.ArmoredSignature(buf.String()), nil
}

// VerifyDetached implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) VerifyDetached(ctx context.Context, data []byte, sig drivecrypto.ArmoredSignature, publicKeys []drivecrypto.ArmoredKey, sigCtx *drivecrypto.SigningContext) (drivecrypto.VerificationStatus, error) {
	if len(publicKeys) == 0 {
		return drivecrypto.NotSigned, nil
	}
	var keyRing openpgp.EntityList
	for _, k := range publicKeys {
		ring, err := a.readKeyRing(k)
		if err != nil {
			return drivecrypto.NotSigned, err
		}
		keyRing = append(keyRing, ring...)
	}
	_, err := openpgp.CheckArmoredDetachedSignature(keyRing, bytes.NewReader(withContext(data, sigCtx)), strings.NewReader(string(sig)), a.config)
	if err != nil {
		if sigCtx != nil && sigCtx.Critical {
			return drivecrypto.NotSigned, driveerrors.New(driveerrors.Verification, "signature missing required critical context "+sigCtx.Value, err)
		}
		return drivecrypto.SignedAndInvalid, nil
	}
	return drivecrypto.SignedAndValid, nil
}

// withContext prepends the Drive-specific signature context (§4.A) to the
// signed payload so verification with the wrong context tag simply fails
// to match, which VerifyDetached treats as SignedAndInvalid (or, when the
// context was required, as a hard verification error).
func withContext(data []byte, sigCtx *drivecrypto.SigningContext) []byte {
	if sigCtx == nil {
		return data
	}
	tagged := make([]byte, 0, len(sigCtx.Value)+1+len(data))
	tagged = append(tagged, []byte(sigCtx.Value)...)
	tagged = append(tagged, 0)
	tagged = append(tagged, data...)
	return tagged
}

// EncryptSymmetric implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) EncryptSymmetric(ctx context.Context, data []byte, sk drivecrypto.SessionKey) ([]byte, error) {
	var buf bytes.Buffer
	cipherFunc := cipherFuncFor(sk.Algo)
	plaintext, err := packet.SerializeSymmetricallyEncrypted(&buf, cipherFunc, false, sk.Key, a.config)
	if err != nil {
		return nil, err
	}
	literal, err := packet.SerializeLiteral(plaintext, false, "", 0)
	if err != nil {
		return nil, err
	}
	if _, err := literal.Write(data); err != nil {
		return nil, err
	}
	if err := literal.Close(); err != nil {
		return nil, err
	}
	if err := plaintext.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptSymmetric implements drivecrypto.OpenPGPCrypto.
func (a *Adapter) DecryptSymmetric(ctx context.Context, ciphertext []byte, sk drivecrypto.SessionKey) ([]byte, error) {
	reader := packet.NewReader(bytes.NewReader(ciphertext))
	p, err := reader.Next()
	if err != nil {
		return nil, err
	}
	se, ok := p.(*packet.SymmetricallyEncrypted)
	if !ok {
		return nil, errors.New("openpgpadapter: expected a symmetrically-encrypted packet")
	}
	rc, err := se.Decrypt(cipherFuncFor(sk.Algo), sk.Key)
	if err != nil {
		return nil, err
	}
	inner := packet.NewReader(rc)
	lp, err := inner.Next()
	if err != nil {
		return nil, err
	}
	lit, ok := lp.(*packet.LiteralData)
	if !ok {
		return nil, errors.New("openpgpadapter: expected a literal data packet")
	}
	return io.ReadAll(lit.Body)
}

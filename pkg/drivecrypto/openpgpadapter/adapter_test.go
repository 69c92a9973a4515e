package openpgpadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtarradellas/proton-drive-sdk-sub000/pkg/drivecrypto"
)

func generateUnlockedKey(t *testing.T, a *Adapter, email string) drivecrypto.ArmoredKey {
	t.Helper()
	ctx := context.Background()
	passphrase, err := DeriveTestPassphrase(email)
	require.NoError(t, err)
	locked, err := a.GenerateKey(ctx, email, passphrase)
	require.NoError(t, err)
	unlocked, err := a.UnlockKey(ctx, locked, passphrase)
	require.NoError(t, err)
	return unlocked
}

func TestEncryptDecryptMessageRoundTrips(t *testing.T) {
	a := New()
	ctx := context.Background()

	recipient := generateUnlockedKey(t, a, "recipient@example.com")
	sender := generateUnlockedKey(t, a, "sender@example.com")

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	msg, err := a.EncryptMessage(ctx, plaintext, recipient, sender)
	require.NoError(t, err)

	got, status, err := a.DecryptMessage(ctx, msg, recipient, []drivecrypto.ArmoredKey{sender})
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
	require.Equal(t, drivecrypto.SignedAndValid, status)
}

func TestSignAndVerifyDetachedRoundTrips(t *testing.T) {
	a := New()
	ctx := context.Background()
	key := generateUnlockedKey(t, a, "signer@example.com")

	data := []byte("manifest contents")
	sig, err := a.SignDetached(ctx, data, key, nil)
	require.NoError(t, err)

	status, err := a.VerifyDetached(ctx, data, sig, []drivecrypto.ArmoredKey{key}, nil)
	require.NoError(t, err)
	require.Equal(t, drivecrypto.SignedAndValid, status)
}

func TestVerifyDetachedRejectsMissingCriticalContext(t *testing.T) {
	a := New()
	ctx := context.Background()
	key := generateUnlockedKey(t, a, "signer@example.com")

	data := []byte("invitation payload")
	sig, err := a.SignDetached(ctx, data, key, nil) // signed without any context
	require.NoError(t, err)

	_, err = a.VerifyDetached(ctx, data, sig, []drivecrypto.ArmoredKey{key}, &drivecrypto.ContextInviter)
	require.Error(t, err)
}

func TestSessionKeyBinaryRoundTrips(t *testing.T) {
	a := New()
	ctx := context.Background()
	key := generateUnlockedKey(t, a, "owner@example.com")

	sk := drivecrypto.SessionKey{Algo: "aes256", Key: make([]byte, 32)}
	for i := range sk.Key {
		sk.Key[i] = byte(i)
	}

	packetBytes, err := a.EncryptSessionKeyBinary(ctx, sk, key)
	require.NoError(t, err)

	got, err := a.DecryptSessionKeyBinary(ctx, packetBytes, key)
	require.NoError(t, err)
	require.Equal(t, sk.Key, got.Key)
}

func TestSymmetricEncryptDecryptRoundTrips(t *testing.T) {
	a := New()
	ctx := context.Background()
	sk := drivecrypto.SessionKey{Algo: "aes256", Key: make([]byte, 32)}

	data := []byte("block cleartext contribution")
	ciphertext, err := a.EncryptSymmetric(ctx, data, sk)
	require.NoError(t, err)

	got, err := a.DecryptSymmetric(ctx, ciphertext, sk)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

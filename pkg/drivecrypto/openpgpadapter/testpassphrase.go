package openpgpadapter

import "golang.org/x/crypto/scrypt"

// testScryptSalt is a fixed salt for DeriveTestPassphrase, mirroring
// backend/crypt/cipher.go's defaultSalt: good enough for deterministic
// test fixtures, not a production secret-derivation path.
var testScryptSalt = []byte("proton-drive-sdk-openpgpadapter-test-salt")

// DeriveTestPassphrase derives a reproducible 32-byte passphrase from a
// human-readable seed via scrypt, the same KDF and cost parameters
// backend/crypt/cipher.go's Cipher.Key uses to turn a user password into
// key material (N=16384, r=8, p=1). Adapter itself never calls this —
// §4.A's generateKey always mints a fresh random passphrase — this exists
// only so the adapter's own tests get a stable, non-literal passphrase
// instead of a hardcoded byte string.
func DeriveTestPassphrase(seed string) ([]byte, error) {
	return scrypt.Key([]byte(seed), testScryptSalt, 16384, 8, 1, 32)
}

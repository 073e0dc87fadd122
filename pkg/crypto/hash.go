package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash.
func Hash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Fingerprint returns a short hex fingerprint of a public key, for display.
func Fingerprint(pub PublicKey) string {
	sum := blake2b.Sum256(pub[:])
	return hex.EncodeToString(sum[:10])
}

// GenerateNonce generates a random nonce of the given size.
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

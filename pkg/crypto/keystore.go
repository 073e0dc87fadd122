package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
)

var (
	ErrKeystoreCorrupt = errors.New("keystore corrupt")
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

const keystoreLabel = "veiltalk v1 keystore"

// SaveIdentity writes the identity seed to path, encrypted under a key
// derived from passphrase with Argon2id. Layout: salt ‖ nonce ‖ ciphertext.
func SaveIdentity(path string, id *Identity, passphrase string) error {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	key := DeriveStorageKey(passphrase, salt)
	defer Wipe(key)

	seed := id.seed()
	ct, err := Seal(key, nonce, seed, []byte(keystoreLabel))
	Wipe(seed)
	if err != nil {
		return fmt.Errorf("failed to seal identity: %w", err)
	}
	blob := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	return os.WriteFile(path, blob, 0600)
}

// LoadIdentity reads and decrypts an identity saved by SaveIdentity.
func LoadIdentity(path string, passphrase string) (*Identity, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(blob) < SaltLen+NonceLen+TagLen {
		return nil, ErrKeystoreCorrupt
	}
	salt := blob[:SaltLen]
	nonce := blob[SaltLen : SaltLen+NonceLen]
	ct := blob[SaltLen+NonceLen:]

	key := DeriveStorageKey(passphrase, salt)
	defer Wipe(key)

	seed, err := Open(key, nonce, ct, []byte(keystoreLabel))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer Wipe(seed)
	return identityFromSeed(seed)
}

package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthenticationFailed is returned whenever an AEAD open fails, for any
// reason. Malformed inputs and bad tags share this single failure path so
// the two cases are indistinguishable to an observer.
var ErrAuthenticationFailed = errors.New("authentication failed")

const (
	// KeyLen is the length of a symmetric encryption key.
	KeyLen = chacha20poly1305.KeySize
	// NonceLen is the length of an AEAD nonce.
	NonceLen = chacha20poly1305.NonceSize
	// TagLen is the length of the Poly1305 authentication tag.
	TagLen = chacha20poly1305.Overhead
)

// Seal encrypts plaintext under key with the given nonce and associated
// data, returning ciphertext with the tag appended.
func Seal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open decrypts and authenticates ciphertext produced by Seal. Any failure,
// including truncated or otherwise malformed input, is reported as
// ErrAuthenticationFailed.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if len(nonce) != NonceLen || len(ciphertext) < TagLen {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

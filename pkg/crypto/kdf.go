package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDF labels. Changing any of these is a wire-incompatible change.
const (
	kdfHandshakeLabel = "veiltalk v1 handshake"
	kdfChainLabel     = "veiltalk v1 chain"
	kdfEpochLabel     = "veiltalk v1 epoch"
)

// ChainKey is the root of the epoch key schedule. It can only be moved
// forward; once advanced, earlier epoch keys cannot be recomputed from it.
type ChainKey [KeyLen]byte

// EpochKeys is the symmetric key material of a single epoch. Send and
// receive directions use distinct keys.
type EpochKeys struct {
	Send [KeyLen]byte
	Recv [KeyLen]byte
}

// DeriveKeys expands secret into n output keys bound to a context label.
func DeriveKeys(secret []byte, label string, n int) ([][KeyLen]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	out := make([][KeyLen]byte, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HandshakeSecret derives the session chain key from the raw ECDH output
// and both ephemeral public keys. The publics are mixed in lexicographic
// order so initiator and responder derive the identical value.
func HandshakeSecret(dh [32]byte, local, remote [EphemeralKeyLen]byte) ChainKey {
	a, b := local[:], remote[:]
	if string(b) < string(a) {
		a, b = b, a
	}
	salt := make([]byte, 0, 2*EphemeralKeyLen)
	salt = append(salt, a...)
	salt = append(salt, b...)
	r := hkdf.New(sha256.New, dh[:], salt, []byte(kdfHandshakeLabel))
	var chain ChainKey
	if _, err := io.ReadFull(r, chain[:]); err != nil {
		panic("hkdf: short read")
	}
	Wipe(dh[:])
	return chain
}

// NextChainKey advances the chain one epoch. The step is one-way: the input
// chain value cannot be recovered from the output.
func NextChainKey(chain ChainKey) ChainKey {
	r := hkdf.New(sha256.New, chain[:], nil, []byte(kdfChainLabel))
	var next ChainKey
	if _, err := io.ReadFull(r, next[:]); err != nil {
		panic("hkdf: short read")
	}
	return next
}

// DeriveEpochKeys derives the directional keys of one epoch from the chain
// value at that epoch. The initiator's send key is the responder's receive
// key and vice versa.
func DeriveEpochKeys(chain ChainKey, epoch uint32, initiator bool) (EpochKeys, error) {
	info := make([]byte, 0, len(kdfEpochLabel)+4)
	info = append(info, kdfEpochLabel...)
	info = binary.BigEndian.AppendUint32(info, epoch)
	r := hkdf.New(sha256.New, chain[:], nil, info)
	var initiatorKey, responderKey [KeyLen]byte
	if _, err := io.ReadFull(r, initiatorKey[:]); err != nil {
		return EpochKeys{}, err
	}
	if _, err := io.ReadFull(r, responderKey[:]); err != nil {
		return EpochKeys{}, err
	}
	if initiator {
		return EpochKeys{Send: initiatorKey, Recv: responderKey}, nil
	}
	return EpochKeys{Send: responderKey, Recv: initiatorKey}, nil
}

// Destroy wipes the epoch key material.
func (ek *EpochKeys) Destroy() {
	Wipe(ek.Send[:])
	Wipe(ek.Recv[:])
}

// Argon2id parameters for the storage key. Deliberately slow.
const (
	storageKeyTime    = 1
	storageKeyMemory  = 64 * 1024
	storageKeyThreads = 4
)

// SaltLen is the length of the random salt fed to DeriveStorageKey.
const SaltLen = 16

// DeriveStorageKey derives a symmetric key from a low-entropy passphrase
// and a random salt using Argon2id.
func DeriveStorageKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, storageKeyTime, storageKeyMemory, storageKeyThreads, KeyLen)
}

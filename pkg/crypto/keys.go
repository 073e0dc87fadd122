package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	// PublicKeyLen is the length of a long-term Ed25519 public key.
	PublicKeyLen = ed25519.PublicKeySize
	// EphemeralKeyLen is the length of an X25519 ephemeral public key.
	EphemeralKeyLen = 32
	// SignatureLen is the length of an Ed25519 signature.
	SignatureLen = ed25519.SignatureSize
)

// PublicKey is a peer's long-term Ed25519 public key. It is the durable,
// address-independent identifier of an installation.
type PublicKey [PublicKeyLen]byte

// Identity is the long-term signing keypair of the local installation.
// It is created once at first run and never mutated afterwards.
type Identity struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// GenerateIdentity creates a new long-term identity keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id := &Identity{priv: priv}
	copy(id.pub[:], pub)
	return id, nil
}

// identityFromSeed rebuilds an identity from its 32-byte private seed.
func identityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	id := &Identity{priv: priv}
	copy(id.pub[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// PublicKey returns the public half of the identity.
func (id *Identity) PublicKey() PublicKey {
	return id.pub
}

// Sign signs message with the long-term private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

// seed returns the 32-byte private seed for keystore serialization.
func (id *Identity) seed() []byte {
	return id.priv.Seed()
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(pub PublicKey, message, sig []byte) bool {
	if len(sig) != SignatureLen {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig)
}

// Ephemeral is a short-lived X25519 keypair used for a single handshake
// attempt. The private half never leaves this struct and is wiped when the
// handshake state is discarded.
type Ephemeral struct {
	priv [EphemeralKeyLen]byte
	pub  [EphemeralKeyLen]byte
}

// GenerateEphemeral creates a fresh X25519 keypair, clamped per RFC 7748.
func GenerateEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, err
	}
	e.priv[0] &= 248
	e.priv[31] &= 127
	e.priv[31] |= 64
	curve25519.ScalarBaseMult(&e.pub, &e.priv)
	return e, nil
}

// PublicBytes returns the public half to send to the other party.
func (e *Ephemeral) PublicBytes() [EphemeralKeyLen]byte {
	return e.pub
}

// DH computes the X25519 shared point with a remote ephemeral public key.
func (e *Ephemeral) DH(remote [EphemeralKeyLen]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(e.priv[:], remote[:])
	if err != nil {
		return out, ErrInvalidKey
	}
	copy(out[:], secret)
	return out, nil
}

// Destroy wipes the private half of the ephemeral keypair.
func (e *Ephemeral) Destroy() {
	Wipe(e.priv[:])
}

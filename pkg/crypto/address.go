package crypto

import (
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidAddress is returned when parsing a malformed address.
var ErrInvalidAddress = errors.New("invalid address")

// AddressLen is the length of a peer address in bytes.
const AddressLen = 33

const addressVersion = 0x01

// Address is the compact, user-facing form of a peer identity: a version
// byte followed by the BLAKE2b-256 digest of the long-term public key.
// It is what peers exchange out of band and what the rendezvous service
// keys its records by.
type Address [AddressLen]byte

// AddressOf computes the address of a long-term public key.
func AddressOf(pub PublicKey) Address {
	sum := blake2b.Sum256(pub[:])
	var addr Address
	addr[0] = addressVersion
	copy(addr[1:], sum[:])
	return addr
}

// String renders the address as URL-safe base64.
func (a Address) String() string {
	return base64.URLEncoding.EncodeToString(a[:])
}

// ParseAddress parses the base64 text form produced by String.
func ParseAddress(s string) (Address, error) {
	var addr Address
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil || len(raw) != AddressLen || raw[0] != addressVersion {
		return addr, ErrInvalidAddress
	}
	copy(addr[:], raw)
	return addr, nil
}

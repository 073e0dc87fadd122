package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
)

var (
	ErrMalformed      = errors.New("malformed packet")
	ErrUnknownVersion = errors.New("unsupported protocol version")
	ErrUnknownType    = errors.New("unknown packet type")
)

// Version is the wire protocol version carried in every packet.
const Version = 0x01

// Packet type bytes.
const (
	TypeInit = 0x01
	TypeResp = 0x02
	TypeData = 0x03
)

const (
	// DataHeaderLen is the length of the data packet header, which is also
	// the AEAD associated data.
	DataHeaderLen = 1 + 1 + 4 + 8 + crypto.NonceLen

	// InitLen is the exact length of a handshake init packet.
	InitLen = 1 + 1 + 8 + crypto.EphemeralKeyLen + crypto.PublicKeyLen + crypto.SignatureLen

	// RespLen is the exact length of a handshake response packet.
	RespLen = InitLen + crypto.TagLen

	// MinDataLen is the minimum length of a data packet: header plus tag.
	MinDataLen = DataHeaderLen + crypto.TagLen
)

// Packet is the tagged union of everything that can arrive in a datagram.
// Decode returns exactly one of *InitPacket, *RespPacket or *DataPacket.
type Packet interface {
	Encode() []byte
}

// InitPacket is the first handshake message. The signature covers the
// ephemeral public key concatenated with the big-endian timestamp, under
// the sender's long-term key.
type InitPacket struct {
	Timestamp uint64
	Ephemeral [crypto.EphemeralKeyLen]byte
	PublicKey crypto.PublicKey
	Signature [crypto.SignatureLen]byte
}

// RespPacket is the second handshake message. ConfirmationTag is an AEAD
// tag over a fixed label under the responder's derived epoch-0 send key,
// proving the responder already holds the shared secret.
type RespPacket struct {
	Timestamp       uint64
	Ephemeral       [crypto.EphemeralKeyLen]byte
	PublicKey       crypto.PublicKey
	Signature       [crypto.SignatureLen]byte
	ConfirmationTag [crypto.TagLen]byte
}

// DataPacket is an encrypted packet of an established session.
type DataPacket struct {
	Epoch      uint32
	Sequence   uint64
	Nonce      [crypto.NonceLen]byte
	Ciphertext []byte
}

// SignedInitPayload builds the byte string covered by a handshake
// signature: ephemeral public key followed by the big-endian timestamp.
func SignedInitPayload(ephemeral [crypto.EphemeralKeyLen]byte, timestamp uint64) []byte {
	buf := make([]byte, 0, crypto.EphemeralKeyLen+8)
	buf = append(buf, ephemeral[:]...)
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	return buf
}

// Encode serializes the init packet.
func (p *InitPacket) Encode() []byte {
	buf := make([]byte, 0, InitLen)
	buf = append(buf, Version, TypeInit)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = append(buf, p.Ephemeral[:]...)
	buf = append(buf, p.PublicKey[:]...)
	buf = append(buf, p.Signature[:]...)
	return buf
}

// Encode serializes the response packet.
func (p *RespPacket) Encode() []byte {
	buf := make([]byte, 0, RespLen)
	buf = append(buf, Version, TypeResp)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = append(buf, p.Ephemeral[:]...)
	buf = append(buf, p.PublicKey[:]...)
	buf = append(buf, p.Signature[:]...)
	buf = append(buf, p.ConfirmationTag[:]...)
	return buf
}

// Encode serializes the data packet.
func (p *DataPacket) Encode() []byte {
	buf := make([]byte, 0, DataHeaderLen+len(p.Ciphertext))
	buf = append(buf, Version, TypeData)
	buf = binary.BigEndian.AppendUint32(buf, p.Epoch)
	buf = binary.BigEndian.AppendUint64(buf, p.Sequence)
	buf = append(buf, p.Nonce[:]...)
	buf = append(buf, p.Ciphertext...)
	return buf
}

// Header returns the associated-data prefix of an encoded data packet.
// Encoding a packet and taking its header is how the send path builds the
// AEAD associated data; the receive path slices it off the raw datagram.
func (p *DataPacket) Header() []byte {
	buf := make([]byte, 0, DataHeaderLen)
	buf = append(buf, Version, TypeData)
	buf = binary.BigEndian.AppendUint32(buf, p.Epoch)
	buf = binary.BigEndian.AppendUint64(buf, p.Sequence)
	buf = append(buf, p.Nonce[:]...)
	return buf
}

// Decode parses a raw datagram into one of the packet types. Structural
// validation only: length, version and type are checked here so garbage is
// dropped before any signature or AEAD work.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 2 {
		return nil, ErrMalformed
	}
	if raw[0] != Version {
		return nil, ErrUnknownVersion
	}
	switch raw[1] {
	case TypeInit:
		if len(raw) != InitLen {
			return nil, ErrMalformed
		}
		p := &InitPacket{}
		p.Timestamp = binary.BigEndian.Uint64(raw[2:10])
		copy(p.Ephemeral[:], raw[10:42])
		copy(p.PublicKey[:], raw[42:74])
		copy(p.Signature[:], raw[74:138])
		return p, nil
	case TypeResp:
		if len(raw) != RespLen {
			return nil, ErrMalformed
		}
		p := &RespPacket{}
		p.Timestamp = binary.BigEndian.Uint64(raw[2:10])
		copy(p.Ephemeral[:], raw[10:42])
		copy(p.PublicKey[:], raw[42:74])
		copy(p.Signature[:], raw[74:138])
		copy(p.ConfirmationTag[:], raw[138:154])
		return p, nil
	case TypeData:
		if len(raw) < MinDataLen {
			return nil, ErrMalformed
		}
		p := &DataPacket{}
		p.Epoch = binary.BigEndian.Uint32(raw[2:6])
		p.Sequence = binary.BigEndian.Uint64(raw[6:14])
		copy(p.Nonce[:], raw[14:DataHeaderLen])
		p.Ciphertext = append([]byte(nil), raw[DataHeaderLen:]...)
		return p, nil
	default:
		return nil, ErrUnknownType
	}
}

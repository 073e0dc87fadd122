// Package protocol implements the veiltalk wire format.
//
// The protocol package defines the binary layout of every datagram the
// transport sends or receives and nothing else: it validates structure
// (length, version, type) before any cryptographic work happens, so
// malformed or truncated datagrams are rejected at zero cryptographic
// cost.
//
// # Packet Families
//
// Handshake packets (cleartext, signed):
//   - Init: the first message of the three-message handshake
//   - Resp: the responder's reply, carrying a key-confirmation tag
//
// Data packets (encrypted):
//   - Data: epoch id, sequence number, nonce and AEAD ciphertext. The
//     26-byte header doubles as the AEAD associated data, binding epoch
//     and sequence to the payload. The handshake-completing Confirm is
//     an ordinary Data packet, as are heartbeats (empty plaintext).
//
// All integers are big-endian.
package protocol

// Package rendezvous implements the discovery service nodes use to find
// each other behind NATs. A node registers its key and listening port,
// the server records the source IP it saw, and peers exchange observed
// endpoints through introductions so both sides can open toward each
// other simultaneously.
package rendezvous

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
)

// RegisterRequest announces a node to the rendezvous server. The
// signature proves possession of the private key; the server pairs the
// claimed UDP port with the source IP it observed.
type RegisterRequest struct {
	PublicKey string `json:"publicKey" binding:"required"` // base64
	Port      int    `json:"port" binding:"required"`      // UDP listening port
	Nonce     string `json:"nonce" binding:"required"`     // base64, fresh per request
	Timestamp int64  `json:"timestamp" binding:"required"` // unix milliseconds
	Signature string `json:"signature" binding:"required"` // base64
}

// RegisterResponse reports the registration back to the node, including
// the endpoint the server observed, which is what other peers will be
// told.
type RegisterResponse struct {
	Address   string `json:"address"`
	Endpoint  string `json:"endpoint"`
	ExpiresIn int64  `json:"expiresInMs"`
}

// IntroduceRequest asks the server to connect the requester with a
// registered target. The requester must itself be registered.
type IntroduceRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Target    string `json:"target" binding:"required"` // target's peer address
	Nonce     string `json:"nonce" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// IntroduceResponse carries the target's observed endpoint so the
// requester can start punching toward it.
type IntroduceResponse struct {
	PublicKey string `json:"publicKey"`
	Endpoint  string `json:"endpoint"`
}

// PollRequest fetches introductions queued for the caller. Polling also
// refreshes the caller's registration.
type PollRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Introduction tells a node that a peer wants to reach it and where that
// peer can be punched.
type Introduction struct {
	PublicKey string `json:"publicKey"`
	Endpoint  string `json:"endpoint"`
}

// PollResponse lists the introductions queued since the last poll.
type PollResponse struct {
	Introductions []Introduction `json:"introductions"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

const signLabel = "veiltalk v1 rendezvous"

// SignPayload builds the bytes a client signs for a rendezvous request.
// The action string binds the signature to one endpoint so a captured
// register signature cannot be replayed as an introduce.
func SignPayload(action string, nonce []byte, timestamp int64) []byte {
	buf := make([]byte, 0, len(signLabel)+len(action)+len(nonce)+8)
	buf = append(buf, signLabel...)
	buf = append(buf, action...)
	buf = append(buf, nonce...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	return buf
}

func decodeKey(s string) (crypto.PublicKey, error) {
	var key crypto.PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != crypto.PublicKeyLen {
		return key, crypto.ErrInvalidKey
	}
	copy(key[:], raw)
	return key, nil
}

func encodeKey(key crypto.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

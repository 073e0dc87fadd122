// Package session implements the per-peer secure channel: the
// authenticated handshake, epoch-based key rotation, replay protection
// and liveness. A Session is a pure state machine; it never touches the
// network and is driven entirely by its caller.
package session

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
	"github.com/veiltalk/veiltalk-node/pkg/protocol"
)

var (
	ErrReplayed          = errors.New("replayed packet")
	ErrStaleTimestamp    = errors.New("stale handshake timestamp")
	ErrEpochRetired      = errors.New("epoch retired")
	ErrNotEstablished    = errors.New("session not established")
	ErrClosed            = errors.New("session closed")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHandshakeConflict = errors.New("conflicting handshake")
)

const confirmLabel = "veiltalk v1 confirm"

// State is the lifecycle state of a session. There is no explicit Idle
// state: Idle is the absence of a session.
type State int

const (
	StateHandshakeInitiated State = iota
	StateHandshakeReceived
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshakeInitiated:
		return "handshake-initiated"
	case StateHandshakeReceived:
		return "handshake-received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a session reached StateClosed. Unreachable (the
// handshake retry budget ran out) and Rejected (authentication failed) are
// distinct so a caller can tell "peer unreachable" from "peer rejected".
type CloseReason int

const (
	ReasonRequested CloseReason = iota
	ReasonTimeout
	ReasonUnreachable
	ReasonRejected
	ReasonSuperseded
)

func (r CloseReason) String() string {
	switch r {
	case ReasonRequested:
		return "close requested"
	case ReasonTimeout:
		return "liveness timeout"
	case ReasonUnreachable:
		return "peer unreachable"
	case ReasonRejected:
		return "handshake rejected"
	case ReasonSuperseded:
		return "superseded by new handshake"
	default:
		return "unknown"
	}
}

// Event is something a session wants its consumer to know about. The
// concrete types are Established, Message and Closed.
type Event interface{ sessionEvent() }

// Established fires exactly once, when the handshake completes.
type Established struct{}

// Message carries one decrypted application payload.
type Message struct{ Payload []byte }

// Closed fires exactly once, when the session dies.
type Closed struct{ Reason CloseReason }

func (Established) sessionEvent() {}
func (Message) sessionEvent()     {}
func (Closed) sessionEvent()      {}

// Params is the tuning surface of a single session. The defaults balance
// clock-skew tolerance against replay surface; both the timestamp window
// and the replay width are deliberately configuration, not constants.
type Params struct {
	HeartbeatInterval      time.Duration
	IdleTimeout            time.Duration
	HandshakeRetryInterval time.Duration
	HandshakeRetries       int
	TimestampSkew          time.Duration
	RotateAfter            time.Duration
	RotatePackets          uint64
	EpochGrace             time.Duration
	ReplayWindow           int
}

// DefaultParams returns the documented safe defaults.
func DefaultParams() Params {
	return Params{
		HeartbeatInterval:      750 * time.Millisecond,
		IdleTimeout:            3 * time.Second,
		HandshakeRetryInterval: 100 * time.Millisecond,
		HandshakeRetries:       20,
		TimestampSkew:          30 * time.Second,
		RotateAfter:            15 * time.Minute,
		RotatePackets:          4096,
		EpochGrace:             10 * time.Second,
		ReplayWindow:           1024,
	}
}

// handshakeState is the transient per-attempt record. It owns the local
// ephemeral keypair and the encoded packet to retransmit; it is destroyed
// the moment the handshake completes or fails.
type handshakeState struct {
	eph        *crypto.Ephemeral
	packet     []byte
	timestamp  uint64
	attempts   int
	lastSend   time.Time
	remoteEph  [crypto.EphemeralKeyLen]byte
	hasRemote  bool
}

func (h *handshakeState) destroy() {
	if h.eph != nil {
		h.eph.Destroy()
	}
	h.packet = nil
}

// Session is the live secure relationship with one peer. All methods must
// be called from a single goroutine (the transport event loop); the
// session carries no locks of its own.
type Session struct {
	params   Params
	identity *crypto.Identity
	peerKey  crypto.PublicKey
	peerAddr net.Addr

	state     State
	initiator bool

	handshake *handshakeState
	schedule  *keySchedule
	current   *epochState
	previous  *epochState

	// Resp packet that established this session, initiator side only.
	// Lets retransmissions of the exact same Resp earn a fresh Confirm
	// while anything else stays rejected.
	acceptedResp *protocol.RespPacket

	lastRecv time.Time
	lastSend time.Time

	events []Event
}

// NewInitiator creates an outbound session and returns the encoded Init
// packet to start sending to the peer.
func NewInitiator(params Params, identity *crypto.Identity, peerKey crypto.PublicKey, peerAddr net.Addr, now time.Time) (*Session, []byte, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	ts := uint64(now.UnixMilli())
	init := &protocol.InitPacket{
		Timestamp: ts,
		Ephemeral: eph.PublicBytes(),
		PublicKey: identity.PublicKey(),
	}
	copy(init.Signature[:], identity.Sign(protocol.SignedInitPayload(init.Ephemeral, ts)))
	packet := init.Encode()

	s := &Session{
		params:    params,
		identity:  identity,
		peerKey:   peerKey,
		peerAddr:  peerAddr,
		state:     StateHandshakeInitiated,
		initiator: true,
		handshake: &handshakeState{
			eph:       eph,
			packet:    packet,
			timestamp: ts,
			attempts:  1,
			lastSend:  now,
		},
		lastRecv: now,
		lastSend: now,
	}
	return s, packet, nil
}

// VerifyInit checks an Init packet's signature and timestamp freshness
// without creating any state. The transport uses it to vet unsolicited
// handshakes before allocating a session.
func VerifyInit(init *protocol.InitPacket, now time.Time, skew time.Duration) error {
	if !timestampFresh(init.Timestamp, now, skew) {
		return ErrStaleTimestamp
	}
	payload := protocol.SignedInitPayload(init.Ephemeral, init.Timestamp)
	if !crypto.Verify(init.PublicKey, payload, init.Signature[:]) {
		return ErrHandshakeRejected
	}
	return nil
}

// NewResponder creates an inbound session from a verified Init packet and
// returns the encoded Resp packet. The caller must have run VerifyInit.
func NewResponder(params Params, identity *crypto.Identity, init *protocol.InitPacket, peerAddr net.Addr, now time.Time) (*Session, []byte, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	dh, err := eph.DH(init.Ephemeral)
	if err != nil {
		eph.Destroy()
		return nil, nil, err
	}
	chain := crypto.HandshakeSecret(dh, eph.PublicBytes(), init.Ephemeral)

	s := &Session{
		params:    params,
		identity:  identity,
		peerKey:   init.PublicKey,
		peerAddr:  peerAddr,
		state:     StateHandshakeReceived,
		initiator: false,
		schedule:  newKeySchedule(chain, false),
		lastRecv:  now,
		lastSend:  now,
	}
	keys, err := s.schedule.derive(0)
	if err != nil {
		eph.Destroy()
		return nil, nil, err
	}
	s.current = &epochState{
		epoch:     0,
		keys:      keys,
		window:    newReplayWindow(params.ReplayWindow),
		startedAt: now,
	}

	ts := uint64(now.UnixMilli())
	resp := &protocol.RespPacket{
		Timestamp: ts,
		Ephemeral: eph.PublicBytes(),
		PublicKey: identity.PublicKey(),
	}
	copy(resp.Signature[:], identity.Sign(protocol.SignedInitPayload(resp.Ephemeral, ts)))
	resp.ConfirmationTag = confirmationTag(chain)
	packet := resp.Encode()

	s.handshake = &handshakeState{
		eph:       eph,
		packet:    packet,
		timestamp: ts,
		attempts:  1,
		lastSend:  now,
		remoteEph: init.Ephemeral,
		hasRemote: true,
	}
	return s, packet, nil
}

// HandleInit processes an Init from the session's peer while a handshake
// is in flight. A retransmission of the same attempt gets the stored Resp
// again (idempotent, no duplicate state). A simultaneous open is broken
// by comparing public keys: the side with the smaller key stays initiator,
// the other returns ErrHandshakeConflict so the transport can rebuild it
// as a responder.
func (s *Session) HandleInit(init *protocol.InitPacket, now time.Time) ([]byte, error) {
	switch s.state {
	case StateClosed:
		return nil, ErrClosed
	case StateHandshakeReceived:
		if s.handshake != nil && s.handshake.hasRemote && s.handshake.remoteEph == init.Ephemeral {
			s.lastRecv = now
			s.handshake.lastSend = now
			return s.handshake.packet, nil
		}
		return nil, ErrHandshakeConflict
	case StateHandshakeInitiated:
		if lessKey(s.identity.PublicKey(), init.PublicKey) {
			// Our Init wins the race; the peer will answer it.
			return nil, nil
		}
		return nil, ErrHandshakeConflict
	default:
		return nil, ErrHandshakeConflict
	}
}

// HandleResp processes the responder's reply on the initiating side. On
// success the session is established and the returned packet is the
// protected Confirm the peer is waiting for.
func (s *Session) HandleResp(resp *protocol.RespPacket, from net.Addr, now time.Time) ([]byte, error) {
	if s.state == StateEstablished {
		// The responder retransmits Resp until it sees protected traffic,
		// so a duplicate means our Confirm was lost. Only a byte-exact
		// copy of the Resp that established the session earns a fresh
		// Confirm; a Resp packet proves nothing on its own.
		if s.acceptedResp != nil && *resp == *s.acceptedResp {
			return s.seal(nil, now)
		}
		return nil, ErrHandshakeConflict
	}
	if s.state != StateHandshakeInitiated || s.handshake == nil {
		return nil, ErrHandshakeConflict
	}
	if resp.PublicKey != s.peerKey {
		return nil, ErrHandshakeRejected
	}
	if !timestampFresh(resp.Timestamp, now, s.params.TimestampSkew) {
		return nil, ErrStaleTimestamp
	}
	payload := protocol.SignedInitPayload(resp.Ephemeral, resp.Timestamp)
	if !crypto.Verify(resp.PublicKey, payload, resp.Signature[:]) {
		return nil, ErrHandshakeRejected
	}

	dh, err := s.handshake.eph.DH(resp.Ephemeral)
	if err != nil {
		return nil, ErrHandshakeRejected
	}
	chain := crypto.HandshakeSecret(dh, s.handshake.eph.PublicBytes(), resp.Ephemeral)
	if confirmationTag(chain) != resp.ConfirmationTag {
		return nil, ErrHandshakeRejected
	}
	schedule := newKeySchedule(chain, true)
	keys, err := schedule.derive(0)
	if err != nil {
		return nil, err
	}

	s.schedule = schedule
	s.current = &epochState{
		epoch:     0,
		keys:      keys,
		window:    newReplayWindow(s.params.ReplayWindow),
		startedAt: now,
	}
	s.handshake.destroy()
	s.handshake = nil
	s.state = StateEstablished
	s.peerAddr = from
	s.lastRecv = now
	accepted := *resp
	s.acceptedResp = &accepted
	s.emit(Established{})

	return s.seal(nil, now)
}

// HandleData processes an inbound data packet: epoch resolution, replay
// check, authenticated decryption, and only then any state change.
func (s *Session) HandleData(pkt *protocol.DataPacket, from net.Addr, now time.Time) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.current == nil {
		return ErrNotEstablished
	}

	var (
		st      *epochState
		future  bool
		keys    crypto.EpochKeys
		chain   crypto.ChainKey
	)
	switch {
	case pkt.Epoch == s.current.epoch:
		st = s.current
	case s.previous != nil && pkt.Epoch == s.previous.epoch:
		st = s.previous
	case pkt.Epoch > s.current.epoch:
		var err error
		keys, chain, err = s.schedule.peek(pkt.Epoch)
		if err != nil {
			return err
		}
		future = true
	default:
		return ErrEpochRetired
	}

	// Replay is checked before decryption is attempted; the window is only
	// marked after the packet authenticates.
	if st != nil && !st.window.Check(pkt.Sequence) {
		return ErrReplayed
	}

	recv := keys.Recv
	if st != nil {
		recv = st.keys.Recv
	}
	plaintext, err := crypto.Open(recv[:], pkt.Nonce[:], pkt.Ciphertext, pkt.Header())
	if err != nil {
		if future {
			keys.Destroy()
		}
		return err
	}

	if future {
		// The peer rotated ahead of us; adopt its epoch and keep ours for
		// the grace period.
		s.schedule.commit(pkt.Epoch, chain)
		s.retire(s.current, now)
		s.current = &epochState{
			epoch:     pkt.Epoch,
			keys:      keys,
			window:    newReplayWindow(s.params.ReplayWindow),
			startedAt: now,
		}
		st = s.current
	}
	st.window.Mark(pkt.Sequence)

	// Authenticity, not address continuity, proves the peer: adopt the new
	// source address on any validly decrypted packet.
	s.peerAddr = from
	s.lastRecv = now

	if s.state == StateHandshakeReceived {
		// First protected packet is the initiator's Confirm.
		if s.handshake != nil {
			s.handshake.destroy()
			s.handshake = nil
		}
		s.state = StateEstablished
		s.emit(Established{})
	}

	if len(plaintext) > 0 {
		s.emit(Message{Payload: plaintext})
	}
	return nil
}

// Send encrypts payload under the current epoch and returns the encoded
// datagram. Rotation thresholds are applied before the sequence number is
// consumed.
func (s *Session) Send(payload []byte, now time.Time) ([]byte, error) {
	switch s.state {
	case StateClosed:
		return nil, ErrClosed
	case StateEstablished:
	default:
		return nil, ErrNotEstablished
	}
	s.maybeRotate(now)
	return s.seal(payload, now)
}

func (s *Session) seal(payload []byte, now time.Time) ([]byte, error) {
	pkt := &protocol.DataPacket{
		Epoch:    s.current.epoch,
		Sequence: s.current.sendSeq,
	}
	binary.BigEndian.PutUint32(pkt.Nonce[0:4], pkt.Epoch)
	binary.BigEndian.PutUint64(pkt.Nonce[4:12], pkt.Sequence)
	ct, err := crypto.Seal(s.current.keys.Send[:], pkt.Nonce[:], payload, pkt.Header())
	if err != nil {
		return nil, err
	}
	pkt.Ciphertext = ct
	s.current.sendSeq++
	s.lastSend = now
	return pkt.Encode(), nil
}

// maybeRotate starts a new epoch once the packet-count or age threshold of
// the current one is reached.
func (s *Session) maybeRotate(now time.Time) {
	byCount := s.params.RotatePackets > 0 && s.current.sendSeq >= s.params.RotatePackets
	byTime := s.params.RotateAfter > 0 && now.Sub(s.current.startedAt) >= s.params.RotateAfter
	if !byCount && !byTime {
		return
	}
	next := s.current.epoch + 1
	keys, err := s.schedule.derive(next)
	if err != nil {
		return
	}
	s.retire(s.current, now)
	s.current = &epochState{
		epoch:     next,
		keys:      keys,
		window:    newReplayWindow(s.params.ReplayWindow),
		startedAt: now,
	}
}

// retire moves an epoch to the previous slot for the grace period,
// destroying whatever occupied the slot before.
func (s *Session) retire(e *epochState, now time.Time) {
	if s.previous != nil {
		s.previous.destroy()
	}
	e.retireAt = now.Add(s.params.EpochGrace)
	s.previous = e
}

// Tick advances the session's timers. It returns zero or more datagrams
// to transmit: handshake retransmissions or heartbeats.
func (s *Session) Tick(now time.Time) [][]byte {
	if s.state == StateClosed {
		return nil
	}

	var out [][]byte

	if s.previous != nil && now.After(s.previous.retireAt) {
		s.previous.destroy()
		s.previous = nil
	}

	switch s.state {
	case StateHandshakeInitiated, StateHandshakeReceived:
		h := s.handshake
		if h == nil {
			break
		}
		if now.Sub(h.lastSend) >= s.params.HandshakeRetryInterval {
			if h.attempts >= s.params.HandshakeRetries {
				s.Close(ReasonUnreachable)
				return nil
			}
			h.attempts++
			h.lastSend = now
			out = append(out, h.packet)
		}
	case StateEstablished:
		if now.Sub(s.lastRecv) >= s.params.IdleTimeout {
			s.Close(ReasonTimeout)
			return nil
		}
		if now.Sub(s.lastSend) >= s.params.HeartbeatInterval {
			s.maybeRotate(now)
			if hb, err := s.seal(nil, now); err == nil {
				out = append(out, hb)
			}
		}
	}
	return out
}

// Close is the single idempotent transition to StateClosed. All key
// material is destroyed and exactly one Closed event is emitted.
func (s *Session) Close(reason CloseReason) {
	if s.state == StateClosed {
		return
	}
	if s.handshake != nil {
		s.handshake.destroy()
		s.handshake = nil
	}
	if s.current != nil {
		s.current.destroy()
		s.current = nil
	}
	if s.previous != nil {
		s.previous.destroy()
		s.previous = nil
	}
	if s.schedule != nil {
		s.schedule.destroy()
		s.schedule = nil
	}
	s.state = StateClosed
	s.emit(Closed{Reason: reason})
}

// DrainEvents returns and clears the pending event queue.
func (s *Session) DrainEvents() []Event {
	ev := s.events
	s.events = nil
	return ev
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// PeerKey returns the peer's long-term public key.
func (s *Session) PeerKey() crypto.PublicKey { return s.peerKey }

// RemoteAddr returns the peer's most recently observed network address.
func (s *Session) RemoteAddr() net.Addr { return s.peerAddr }

// Epoch returns the current outbound epoch id.
func (s *Session) Epoch() uint32 {
	if s.current == nil {
		return 0
	}
	return s.current.epoch
}

func (s *Session) emit(ev Event) {
	s.events = append(s.events, ev)
}

// confirmationTag computes the key-confirmation tag: the AEAD tag over an
// empty plaintext with the fixed label as associated data, zero nonce. The
// key is derived from the handshake chain for this one purpose, so the tag
// never shares a (key, nonce) pair with any data packet.
func confirmationTag(chain crypto.ChainKey) [crypto.TagLen]byte {
	keys, err := crypto.DeriveKeys(chain[:], confirmLabel, 1)
	if err != nil {
		panic("confirmation key derivation failed")
	}
	defer crypto.Wipe(keys[0][:])
	nonce := make([]byte, crypto.NonceLen)
	ct, err := crypto.Seal(keys[0][:], nonce, nil, []byte(confirmLabel))
	if err != nil || len(ct) != crypto.TagLen {
		panic("confirmation tag construction failed")
	}
	var tag [crypto.TagLen]byte
	copy(tag[:], ct)
	return tag
}

func timestampFresh(ts uint64, now time.Time, skew time.Duration) bool {
	t := time.UnixMilli(int64(ts))
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= skew
}

// lessKey orders public keys lexicographically, used to break simultaneous
// open: the smaller key keeps the initiator role.
func lessKey(a, b crypto.PublicKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

package session

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
	"github.com/veiltalk/veiltalk-node/pkg/protocol"
)

var (
	addrA = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	addrB = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}
	addrC = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 4000}
)

func testParams() Params {
	p := DefaultParams()
	p.ReplayWindow = 128
	return p
}

func mustIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return id
}

func decodeInit(t *testing.T, raw []byte) *protocol.InitPacket {
	t.Helper()
	pkt, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	init, ok := pkt.(*protocol.InitPacket)
	if !ok {
		t.Fatalf("expected InitPacket, got %T", pkt)
	}
	return init
}

func decodeResp(t *testing.T, raw []byte) *protocol.RespPacket {
	t.Helper()
	pkt, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp, ok := pkt.(*protocol.RespPacket)
	if !ok {
		t.Fatalf("expected RespPacket, got %T", pkt)
	}
	return resp
}

func decodeData(t *testing.T, raw []byte) *protocol.DataPacket {
	t.Helper()
	pkt, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data, ok := pkt.(*protocol.DataPacket)
	if !ok {
		t.Fatalf("expected DataPacket, got %T", pkt)
	}
	return data
}

// establishPair runs the full three-message handshake and returns both
// established sessions.
func establishPair(t *testing.T, params Params, now time.Time) (*Session, *Session) {
	t.Helper()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	sa, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init := decodeInit(t, initRaw)
	if err := VerifyInit(init, now, params.TimestampSkew); err != nil {
		t.Fatalf("VerifyInit: %v", err)
	}
	sb, respRaw, err := NewResponder(params, idB, init, addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	confirmRaw, err := sa.HandleResp(decodeResp(t, respRaw), addrB, now)
	if err != nil {
		t.Fatalf("HandleResp: %v", err)
	}
	if sa.State() != StateEstablished {
		t.Fatalf("initiator state = %v, want established", sa.State())
	}
	if err := sb.HandleData(decodeData(t, confirmRaw), addrA, now); err != nil {
		t.Fatalf("responder HandleData(confirm): %v", err)
	}
	if sb.State() != StateEstablished {
		t.Fatalf("responder state = %v, want established", sb.State())
	}
	return sa, sb
}

func expectEstablished(t *testing.T, s *Session, side string) {
	t.Helper()
	var n int
	for _, ev := range s.DrainEvents() {
		if _, ok := ev.(Established); ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%s: got %d Established events, want 1", side, n)
	}
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	now := time.Now()
	sa, sb := establishPair(t, testParams(), now)
	expectEstablished(t, sa, "initiator")
	expectEstablished(t, sb, "responder")

	// Keys agree in both directions.
	raw, err := sa.Send([]byte("hello"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sb.HandleData(decodeData(t, raw), addrA, now); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	raw, err = sb.Send([]byte("world"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sa.HandleData(decodeData(t, raw), addrB, now); err != nil {
		t.Fatalf("HandleData: %v", err)
	}

	var got []string
	for _, ev := range sb.DrainEvents() {
		if m, ok := ev.(Message); ok {
			got = append(got, string(m.Payload))
		}
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("responder messages = %q, want [hello]", got)
	}
	got = nil
	for _, ev := range sa.DrainEvents() {
		if m, ok := ev.(Message); ok {
			got = append(got, string(m.Payload))
		}
	}
	if len(got) != 1 || got[0] != "world" {
		t.Fatalf("initiator messages = %q, want [world]", got)
	}
}

func TestHandleRespWrongIdentity(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)
	idC := mustIdentity(t)

	sa, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init := decodeInit(t, initRaw)
	// A third party answers instead of the intended peer.
	_, respRaw, err := NewResponder(params, idC, init, addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if _, err := sa.HandleResp(decodeResp(t, respRaw), addrB, now); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("HandleResp = %v, want ErrHandshakeRejected", err)
	}
	if sa.State() != StateHandshakeInitiated {
		t.Fatalf("state = %v, want handshake-initiated", sa.State())
	}
}

func TestHandleRespBadConfirmationTag(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	sa, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	_, respRaw, err := NewResponder(params, idB, decodeInit(t, initRaw), addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	resp := decodeResp(t, respRaw)
	resp.ConfirmationTag[0] ^= 0xff
	if _, err := sa.HandleResp(resp, addrB, now); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("HandleResp = %v, want ErrHandshakeRejected", err)
	}
}

func TestVerifyInitStaleTimestamp(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	_, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init := decodeInit(t, initRaw)
	late := now.Add(params.TimestampSkew + time.Minute)
	if err := VerifyInit(init, late, params.TimestampSkew); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("VerifyInit = %v, want ErrStaleTimestamp", err)
	}
	// Inside the window, skew in either direction is fine.
	early := now.Add(-params.TimestampSkew / 2)
	if err := VerifyInit(init, early, params.TimestampSkew); err != nil {
		t.Fatalf("VerifyInit within skew = %v", err)
	}
}

func TestVerifyInitBadSignature(t *testing.T) {
	now := time.Now()
	idA := mustIdentity(t)
	idB := mustIdentity(t)
	_, initRaw, err := NewInitiator(testParams(), idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init := decodeInit(t, initRaw)
	init.Signature[10] ^= 0x01
	if err := VerifyInit(init, now, time.Minute); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("VerifyInit = %v, want ErrHandshakeRejected", err)
	}
}

func TestDuplicateInitReturnsSameResp(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	_, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	init := decodeInit(t, initRaw)
	sb, respRaw, err := NewResponder(params, idB, init, addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	again, err := sb.HandleInit(init, now)
	if err != nil {
		t.Fatalf("HandleInit(dup): %v", err)
	}
	if string(again) != string(respRaw) {
		t.Fatal("retransmitted Init did not get the stored Resp back")
	}
	if sb.State() != StateHandshakeReceived {
		t.Fatalf("state = %v, want handshake-received", sb.State())
	}
}

func TestSimultaneousOpenTieBreak(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	sa, _, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	sb, initBRaw, err := NewInitiator(params, idB, idA.PublicKey(), addrA, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	_, initARaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}

	_, errA := sa.HandleInit(decodeInit(t, initBRaw), now)
	_, errB := sb.HandleInit(decodeInit(t, initARaw), now)

	// Exactly one side must yield so the other's handshake proceeds.
	aYields := errors.Is(errA, ErrHandshakeConflict)
	bYields := errors.Is(errB, ErrHandshakeConflict)
	if aYields == bYields {
		t.Fatalf("tie break not decisive: a=%v b=%v", errA, errB)
	}
	if aYields && errB != nil {
		t.Fatalf("winning side errored: %v", errB)
	}
	if bYields && errA != nil {
		t.Fatalf("winning side errored: %v", errA)
	}
}

func TestDuplicateRespGetsFreshConfirm(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	sa, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	sb, respRaw, err := NewResponder(params, idB, decodeInit(t, initRaw), addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if _, err := sa.HandleResp(decodeResp(t, respRaw), addrB, now); err != nil {
		t.Fatalf("HandleResp: %v", err)
	}

	// The first Confirm was lost; the responder retransmits Resp and the
	// replacement Confirm must still establish it.
	again, err := sa.HandleResp(decodeResp(t, respRaw), addrB, now)
	if err != nil {
		t.Fatalf("HandleResp(dup): %v", err)
	}
	if err := sb.HandleData(decodeData(t, again), addrA, now); err != nil {
		t.Fatalf("HandleData(replacement confirm): %v", err)
	}
	if sb.State() != StateEstablished {
		t.Fatalf("responder state = %v, want established", sb.State())
	}
}

func TestForgedRespAfterEstablishRejected(t *testing.T) {
	now := time.Now()
	sa, _ := establishPair(t, testParams(), now)

	// A Resp that merely names the right peer proves nothing. Answering
	// it would hand a protected packet to whoever forged it.
	forged := &protocol.RespPacket{
		Timestamp: uint64(now.UnixMilli()),
		PublicKey: sa.PeerKey(),
	}
	out, err := sa.HandleResp(forged, addrC, now)
	if !errors.Is(err, ErrHandshakeConflict) {
		t.Fatalf("HandleResp(forged) = %v, want ErrHandshakeConflict", err)
	}
	if out != nil {
		t.Fatal("forged Resp produced a protected packet")
	}
	// The rejection must not burn a sequence number either.
	raw, err := sa.Send([]byte("after"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seq := decodeData(t, raw).Sequence; seq != 1 {
		t.Fatalf("sequence after forgery = %d, want 1", seq)
	}
}

func TestConfirmationTagDisjointFromDataKeys(t *testing.T) {
	now := time.Now()
	params := testParams()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	_, initRaw, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	sb, respRaw, err := NewResponder(params, idB, decodeInit(t, initRaw), addrA, now)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	resp := decodeResp(t, respRaw)

	// The responder's first data packet is sealed under its epoch-0 send
	// key with the all-zero epoch 0, sequence 0 nonce. The confirmation
	// tag must not come from that same key and nonce.
	nonce := make([]byte, crypto.NonceLen)
	ct, err := crypto.Seal(sb.current.keys.Send[:], nonce, nil, []byte(confirmLabel))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var tag [crypto.TagLen]byte
	copy(tag[:], ct)
	if tag == resp.ConfirmationTag {
		t.Fatal("confirmation tag reuses the epoch-0 data key and nonce")
	}
}

func TestTamperedDataRejectedWindowUnmarked(t *testing.T) {
	now := time.Now()
	sa, sb := establishPair(t, testParams(), now)
	sa.DrainEvents()
	sb.DrainEvents()

	raw, err := sa.Send([]byte("payload"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	tampered := decodeData(t, raw)
	tampered.Ciphertext[0] ^= 0x01
	if err := sb.HandleData(tampered, addrA, now); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Fatalf("HandleData(tampered) = %v, want ErrAuthenticationFailed", err)
	}
	// The forgery must not burn the sequence number.
	if err := sb.HandleData(decodeData(t, raw), addrA, now); err != nil {
		t.Fatalf("genuine packet after forgery: %v", err)
	}
}

func TestReplayRejectedReorderAccepted(t *testing.T) {
	now := time.Now()
	sa, sb := establishPair(t, testParams(), now)

	var raws [][]byte
	for i := 0; i < 5; i++ {
		raw, err := sa.Send([]byte(fmt.Sprintf("msg-%d", i)), now)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		raws = append(raws, raw)
	}

	// Deliver 0, 3, then the out-of-order 1 and 2, then replays.
	for _, i := range []int{0, 3, 1, 2} {
		if err := sb.HandleData(decodeData(t, raws[i]), addrA, now); err != nil {
			t.Fatalf("HandleData(%d): %v", i, err)
		}
	}
	for _, i := range []int{0, 1, 2, 3} {
		if err := sb.HandleData(decodeData(t, raws[i]), addrA, now); !errors.Is(err, ErrReplayed) {
			t.Fatalf("replay of %d = %v, want ErrReplayed", i, err)
		}
	}
	if err := sb.HandleData(decodeData(t, raws[4]), addrA, now); err != nil {
		t.Fatalf("HandleData(4): %v", err)
	}
}

func TestRotationByPacketCount(t *testing.T) {
	now := time.Now()
	params := testParams()
	params.RotatePackets = 500
	params.RotateAfter = 0
	sa, sb := establishPair(t, testParams(), now)
	sa.params = params
	sb.params = params

	for i := 0; i < 1000; i++ {
		raw, err := sa.Send([]byte("x"), now)
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if err := sb.HandleData(decodeData(t, raw), addrA, now); err != nil {
			t.Fatalf("HandleData %d: %v", i, err)
		}
	}
	// The confirm consumed sequence 0 of epoch 0, so the thresholds land
	// one packet early: exactly two rotations in 1000 sends.
	if sa.Epoch() != 2 {
		t.Fatalf("sender epoch = %d, want 2", sa.Epoch())
	}
	if sb.Epoch() != 2 {
		t.Fatalf("receiver epoch = %d, want 2", sb.Epoch())
	}
}

func TestRotationGraceAcceptsPreviousEpoch(t *testing.T) {
	now := time.Now()
	params := testParams()
	// The tick below jumps past the grace period; keep the session from
	// idling out underneath the assertion.
	params.IdleTimeout = time.Minute
	sa, sb := establishPair(t, params, now)

	old, err := sa.Send([]byte("old-epoch"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Force a rotation on the sender.
	sa.params.RotatePackets = 1
	fresh, err := sa.Send([]byte("new-epoch"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if decodeData(t, fresh).Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", decodeData(t, fresh).Epoch)
	}

	// New epoch first makes the receiver fast-forward; the straggler from
	// epoch 0 is still accepted inside the grace period.
	if err := sb.HandleData(decodeData(t, fresh), addrA, now); err != nil {
		t.Fatalf("HandleData(new epoch): %v", err)
	}
	if err := sb.HandleData(decodeData(t, old), addrA, now); err != nil {
		t.Fatalf("HandleData(grace straggler): %v", err)
	}

	// After the grace period expires the old epoch is gone for good.
	later := now.Add(params.EpochGrace + time.Second)
	sb.Tick(later)
	replay := decodeData(t, old)
	replay.Sequence++ // not a bitmap hit, the epoch itself is retired
	if err := sb.HandleData(replay, addrA, later); !errors.Is(err, ErrEpochRetired) {
		t.Fatalf("HandleData(retired epoch) = %v, want ErrEpochRetired", err)
	}
}

func TestFutureEpochSkipBounded(t *testing.T) {
	now := time.Now()
	_, sb := establishPair(t, testParams(), now)

	pkt := &protocol.DataPacket{Epoch: maxEpochSkip + 10, Sequence: 0, Ciphertext: make([]byte, crypto.TagLen)}
	if err := sb.HandleData(pkt, addrA, now); !errors.Is(err, ErrEpochRetired) {
		t.Fatalf("HandleData(far future epoch) = %v, want ErrEpochRetired", err)
	}
}

func TestForgedFutureEpochLeavesStateIntact(t *testing.T) {
	now := time.Now()
	sa, sb := establishPair(t, testParams(), now)

	forged := &protocol.DataPacket{Epoch: 3, Sequence: 7, Ciphertext: make([]byte, crypto.TagLen+4)}
	if err := sb.HandleData(forged, addrA, now); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Fatalf("HandleData(forged) = %v, want ErrAuthenticationFailed", err)
	}
	if sb.Epoch() != 0 {
		t.Fatalf("forged future epoch advanced state to %d", sb.Epoch())
	}
	raw, err := sa.Send([]byte("still fine"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sb.HandleData(decodeData(t, raw), addrA, now); err != nil {
		t.Fatalf("HandleData after forgery: %v", err)
	}
}

func TestEndpointMigration(t *testing.T) {
	now := time.Now()
	sa, sb := establishPair(t, testParams(), now)

	raw, err := sa.Send([]byte("moved"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sb.HandleData(decodeData(t, raw), addrC, now); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if sb.RemoteAddr().String() != addrC.String() {
		t.Fatalf("remote addr = %v, want %v", sb.RemoteAddr(), addrC)
	}

	// A forgery from yet another address must not move the endpoint.
	raw, err = sa.Send([]byte("x"), now)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	forged := decodeData(t, raw)
	forged.Ciphertext[0] ^= 0x01
	bogus := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 9}
	if err := sb.HandleData(forged, bogus, now); err == nil {
		t.Fatal("forged packet accepted")
	}
	if sb.RemoteAddr().String() != addrC.String() {
		t.Fatalf("forgery moved endpoint to %v", sb.RemoteAddr())
	}
}

func TestIdleTimeoutClosesOnce(t *testing.T) {
	now := time.Now()
	params := testParams()
	sa, _ := establishPair(t, params, now)
	sa.DrainEvents()

	late := now.Add(params.IdleTimeout + time.Second)
	sa.Tick(late)
	sa.Tick(late.Add(time.Second))

	var closed []Closed
	for _, ev := range sa.DrainEvents() {
		if c, ok := ev.(Closed); ok {
			closed = append(closed, c)
		}
	}
	if len(closed) != 1 {
		t.Fatalf("got %d Closed events, want 1", len(closed))
	}
	if closed[0].Reason != ReasonTimeout {
		t.Fatalf("reason = %v, want timeout", closed[0].Reason)
	}
	if _, err := sa.Send([]byte("x"), late); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	now := time.Now()
	params := testParams()
	sa, sb := establishPair(t, params, now)

	// Heartbeat from sa, delivered to sb, refreshes sb's liveness.
	at := now.Add(params.HeartbeatInterval)
	out := sa.Tick(at)
	if len(out) != 1 {
		t.Fatalf("got %d datagrams from Tick, want 1 heartbeat", len(out))
	}
	if err := sb.HandleData(decodeData(t, out[0]), addrA, at); err != nil {
		t.Fatalf("HandleData(heartbeat): %v", err)
	}
	// Heartbeats are liveness only, never surfaced as messages.
	for _, ev := range sb.DrainEvents() {
		if _, ok := ev.(Message); ok {
			t.Fatal("heartbeat surfaced as a Message")
		}
	}
	almost := at.Add(params.IdleTimeout - time.Millisecond)
	sb.Tick(almost)
	if sb.State() != StateEstablished {
		t.Fatalf("state = %v, want established", sb.State())
	}
}

func TestHandshakeRetriesThenUnreachable(t *testing.T) {
	now := time.Now()
	params := testParams()
	params.HandshakeRetries = 3
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	sa, _, err := NewInitiator(params, idA, idB.PublicKey(), addrB, now)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}

	var resent int
	at := now
	for i := 0; i < 10; i++ {
		at = at.Add(params.HandshakeRetryInterval)
		resent += len(sa.Tick(at))
		if sa.State() == StateClosed {
			break
		}
	}
	// Attempt 1 was the initial send; two retransmissions exhaust the
	// budget of three.
	if resent != 2 {
		t.Fatalf("retransmissions = %d, want 2", resent)
	}
	if sa.State() != StateClosed {
		t.Fatalf("state = %v, want closed", sa.State())
	}
	var reasons []CloseReason
	for _, ev := range sa.DrainEvents() {
		if c, ok := ev.(Closed); ok {
			reasons = append(reasons, c.Reason)
		}
	}
	if len(reasons) != 1 || reasons[0] != ReasonUnreachable {
		t.Fatalf("close reasons = %v, want [unreachable]", reasons)
	}
}

func TestCloseIdempotent(t *testing.T) {
	now := time.Now()
	sa, _ := establishPair(t, testParams(), now)
	sa.DrainEvents()

	sa.Close(ReasonRequested)
	sa.Close(ReasonTimeout)

	var closed int
	for _, ev := range sa.DrainEvents() {
		if _, ok := ev.(Closed); ok {
			closed++
		}
	}
	if closed != 1 {
		t.Fatalf("got %d Closed events, want 1", closed)
	}
	if out := sa.Tick(now.Add(time.Hour)); out != nil {
		t.Fatalf("Tick after close returned %d datagrams", len(out))
	}
}

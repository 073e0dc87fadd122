// Package transport runs secure sessions over a single UDP socket. One
// event loop owns every session, so session code never needs locks: the
// reader goroutine, the ticker and the public API all funnel into the
// loop through channels.
package transport

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
	"github.com/veiltalk/veiltalk-node/pkg/protocol"
	"github.com/veiltalk/veiltalk-node/pkg/session"
)

var (
	ErrNoSession       = errors.New("no session for peer")
	ErrSessionClosed   = errors.New("session closed")
	ErrTransportClosed = errors.New("transport closed")
)

const maxDatagram = 64 * 1024

// Config carries the transport's tuning knobs.
type Config struct {
	Session       session.Params
	TickInterval  time.Duration
	EventBuffer   int
	AcceptBacklog int
	Logger        *log.Logger
}

// DefaultConfig returns the defaults used by the node daemon.
func DefaultConfig() Config {
	return Config{
		Session:       session.DefaultParams(),
		TickInterval:  50 * time.Millisecond,
		EventBuffer:   64,
		AcceptBacklog: 16,
	}
}

type inbound struct {
	raw  []byte
	from net.Addr
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdSend
	cmdClose
)

type command struct {
	kind    cmdKind
	peer    crypto.PublicKey
	addr    net.Addr
	payload []byte
	reply   chan cmdResult
}

type cmdResult struct {
	conn *Conn
	err  error
}

type entry struct {
	sess *session.Session
	conn *Conn
}

// Transport multiplexes sessions over one packet socket.
type Transport struct {
	cfg      Config
	identity *crypto.Identity
	pc       net.PacketConn
	log      *log.Logger

	commands chan command
	packets  chan inbound
	accepts  chan *Conn
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once

	// Loop-owned state, never touched outside the event loop.
	sessions map[crypto.PublicKey]*entry
	byAddr   map[string]crypto.PublicKey

	errMu sync.Mutex
	err   error
}

// New starts a transport on an already-bound packet socket. The transport
// takes ownership of the socket and closes it on shutdown.
func New(identity *crypto.Identity, pc net.PacketConn, cfg Config) *Transport {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	t := &Transport{
		cfg:      cfg,
		identity: identity,
		pc:       pc,
		log:      cfg.Logger,
		commands: make(chan command),
		packets:  make(chan inbound, 256),
		accepts:  make(chan *Conn, cfg.AcceptBacklog),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[crypto.PublicKey]*entry),
		byAddr:   make(map[string]crypto.PublicKey),
	}
	go t.readLoop()
	go t.loop()
	return t
}

// LocalAddr returns the socket's bound address.
func (t *Transport) LocalAddr() net.Addr { return t.pc.LocalAddr() }

// Identity returns the local long-term public key.
func (t *Transport) Identity() crypto.PublicKey { return t.identity.PublicKey() }

// Connect opens (or returns the existing) session to peer at addr. The
// returned Conn is usable immediately; the Established event on its
// channel signals handshake completion.
func (t *Transport) Connect(ctx context.Context, peer crypto.PublicKey, addr net.Addr) (*Conn, error) {
	res, err := t.roundTrip(ctx, command{kind: cmdConnect, peer: peer, addr: addr})
	if err != nil {
		return nil, err
	}
	return res.conn, res.err
}

// Accept blocks until an inbound session completes its first handshake
// message and a Conn exists for it.
func (t *Transport) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c, ok := <-t.accepts:
		if !ok {
			return nil, ErrTransportClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopped:
		return nil, ErrTransportClosed
	}
}

// Err reports the fatal socket error that stopped the transport, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close shuts the transport down: every live session gets a Closed event
// and the socket is released. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.pc.Close()
	})
	<-t.stopped
	return nil
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

func (t *Transport) roundTrip(ctx context.Context, cmd command) (cmdResult, error) {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case t.commands <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-t.stopped:
		return cmdResult{}, ErrTransportClosed
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-t.stopped:
		return cmdResult{}, ErrTransportClosed
	}
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// A UDP send to a dead port can surface as a reset on the
			// next read; the socket itself is still fine.
			if errors.Is(err, syscall.ECONNRESET) {
				continue
			}
			t.setErr(err)
			t.closeOnce.Do(func() {
				close(t.done)
				t.pc.Close()
			})
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		select {
		case t.packets <- inbound{raw: raw, from: from}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) loop() {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.shutdown()
			return
		case in := <-t.packets:
			t.handlePacket(in, time.Now())
		case now := <-ticker.C:
			t.tickAll(now)
		case cmd := <-t.commands:
			t.handleCommand(cmd, time.Now())
		}
		t.flushAll()
	}
}

func (t *Transport) shutdown() {
	for _, e := range t.sessions {
		e.sess.Close(session.ReasonRequested)
		t.flush(e)
	}
	t.sessions = nil
	t.byAddr = nil
	close(t.accepts)
	close(t.stopped)
}

func (t *Transport) handlePacket(in inbound, now time.Time) {
	pkt, err := protocol.Decode(in.raw)
	if err != nil {
		t.log.Printf("transport: dropping datagram from %v: %v", in.from, err)
		return
	}
	switch p := pkt.(type) {
	case *protocol.InitPacket:
		t.handleInit(p, in.from, now)
	case *protocol.RespPacket:
		t.handleResp(p, in.from, now)
	case *protocol.DataPacket:
		t.handleData(p, in.from, now)
	}
}

func (t *Transport) handleInit(init *protocol.InitPacket, from net.Addr, now time.Time) {
	if err := session.VerifyInit(init, now, t.cfg.Session.TimestampSkew); err != nil {
		t.log.Printf("transport: rejecting handshake from %v: %v", from, err)
		return
	}
	var rebind *Conn
	if e, ok := t.sessions[init.PublicKey]; ok {
		out, err := e.sess.HandleInit(init, now)
		switch {
		case err == nil:
			if out != nil {
				t.write(out, from)
			}
			return
		case errors.Is(err, session.ErrHandshakeConflict):
			if e.sess.State() != session.StateEstablished {
				// Lost simultaneous open. The dialer keeps its Conn; it
				// is rebound to the responder session built below, so
				// the handle the caller already holds still establishes.
				rebind = e.conn
				e.sess.Close(session.ReasonSuperseded)
				e.sess.DrainEvents()
			} else {
				// A fresh authenticated handshake supersedes an
				// established session.
				e.sess.Close(session.ReasonSuperseded)
				t.flush(e)
			}
			t.remove(init.PublicKey)
		case errors.Is(err, session.ErrClosed):
			t.flush(e)
			t.remove(init.PublicKey)
		default:
			t.log.Printf("transport: handshake from %v: %v", from, err)
			return
		}
	}

	sess, resp, err := session.NewResponder(t.cfg.Session, t.identity, init, from, now)
	if err != nil {
		t.log.Printf("transport: responder setup for %v: %v", from, err)
		return
	}
	e := t.insert(init.PublicKey, sess, from)
	if rebind != nil {
		e.conn = rebind
	}
	t.write(resp, from)
	if rebind != nil {
		return
	}
	select {
	case t.accepts <- e.conn:
	default:
		t.log.Printf("transport: accept backlog full, closing session from %v", from)
		sess.Close(session.ReasonRejected)
		t.flush(e)
		t.remove(init.PublicKey)
	}
}

func (t *Transport) handleResp(resp *protocol.RespPacket, from net.Addr, now time.Time) {
	e, ok := t.sessions[resp.PublicKey]
	if !ok {
		return
	}
	out, err := e.sess.HandleResp(resp, from, now)
	if err != nil {
		t.log.Printf("transport: handshake reply from %v: %v", from, err)
		return
	}
	// The Resp is cleartext, so the source address proves nothing; route
	// by the address the session itself vouches for.
	peer := e.sess.RemoteAddr()
	t.byAddr[peer.String()] = resp.PublicKey
	t.write(out, peer)
}

func (t *Transport) handleData(pkt *protocol.DataPacket, from net.Addr, now time.Time) {
	var tried crypto.PublicKey
	if key, ok := t.byAddr[from.String()]; ok {
		if e, ok := t.sessions[key]; ok {
			if err := e.sess.HandleData(pkt, from, now); err == nil {
				return
			}
			tried = key
		}
	}
	// Unknown or stale source address: the packet may be a peer arriving
	// from a new endpoint. Only an authenticated decryption claims it.
	for key, e := range t.sessions {
		if key == tried {
			continue
		}
		if err := e.sess.HandleData(pkt, from, now); err == nil {
			t.byAddr[from.String()] = key
			return
		}
	}
}

func (t *Transport) handleCommand(cmd command, now time.Time) {
	switch cmd.kind {
	case cmdConnect:
		if e, ok := t.sessions[cmd.peer]; ok {
			cmd.reply <- cmdResult{conn: e.conn}
			return
		}
		sess, init, err := session.NewInitiator(t.cfg.Session, t.identity, cmd.peer, cmd.addr, now)
		if err != nil {
			cmd.reply <- cmdResult{err: err}
			return
		}
		e := t.insert(cmd.peer, sess, cmd.addr)
		t.write(init, cmd.addr)
		cmd.reply <- cmdResult{conn: e.conn}
	case cmdSend:
		e, ok := t.sessions[cmd.peer]
		if !ok {
			cmd.reply <- cmdResult{err: ErrNoSession}
			return
		}
		raw, err := e.sess.Send(cmd.payload, now)
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				err = ErrSessionClosed
			}
			cmd.reply <- cmdResult{err: err}
			return
		}
		t.write(raw, e.sess.RemoteAddr())
		cmd.reply <- cmdResult{}
	case cmdClose:
		e, ok := t.sessions[cmd.peer]
		if !ok {
			cmd.reply <- cmdResult{}
			return
		}
		e.sess.Close(session.ReasonRequested)
		t.flush(e)
		t.remove(cmd.peer)
		cmd.reply <- cmdResult{}
	}
}

func (t *Transport) tickAll(now time.Time) {
	for key, e := range t.sessions {
		for _, raw := range e.sess.Tick(now) {
			t.write(raw, e.sess.RemoteAddr())
		}
		if e.sess.State() == session.StateClosed {
			t.flush(e)
			t.remove(key)
		}
	}
}

func (t *Transport) insert(key crypto.PublicKey, sess *session.Session, addr net.Addr) *entry {
	e := &entry{
		sess: sess,
		conn: newConn(t, key, t.cfg.EventBuffer),
	}
	t.sessions[key] = e
	t.byAddr[addr.String()] = key
	return e
}

func (t *Transport) remove(key crypto.PublicKey) {
	delete(t.sessions, key)
	for addr, k := range t.byAddr {
		if k == key {
			delete(t.byAddr, addr)
		}
	}
}

func (t *Transport) flushAll() {
	for key, e := range t.sessions {
		t.flush(e)
		if e.sess.State() == session.StateClosed {
			t.remove(key)
		}
	}
}

// flush forwards pending session events to the Conn. A full event channel
// drops the oldest kind of information a UDP transport can afford to lose,
// a message, rather than stall every other session.
func (t *Transport) flush(e *entry) {
	for _, ev := range e.sess.DrainEvents() {
		if c, ok := ev.(session.Closed); ok {
			e.conn.markClosed(c.Reason)
		}
		select {
		case e.conn.events <- ev:
		default:
			t.log.Printf("transport: event buffer full for %s, dropping event", crypto.Fingerprint(e.sess.PeerKey()))
		}
	}
}

func (t *Transport) write(raw []byte, addr net.Addr) {
	if addr == nil {
		return
	}
	if _, err := t.pc.WriteTo(raw, addr); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Printf("transport: write to %v: %v", addr, err)
	}
}

package transport

import (
	"context"
	"sync"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
	"github.com/veiltalk/veiltalk-node/pkg/session"
)

// Conn is the caller's handle on one session. It is safe for concurrent
// use; every operation is relayed to the transport loop.
type Conn struct {
	t    *Transport
	peer crypto.PublicKey

	events chan session.Event

	mu     sync.Mutex
	closed bool
	reason session.CloseReason
}

func newConn(t *Transport, peer crypto.PublicKey, buffer int) *Conn {
	return &Conn{
		t:      t,
		peer:   peer,
		events: make(chan session.Event, buffer),
	}
}

// Peer returns the remote long-term public key.
func (c *Conn) Peer() crypto.PublicKey { return c.peer }

// Addr returns the peer's address form of the key.
func (c *Conn) Addr() crypto.Address { return crypto.AddressOf(c.peer) }

// Events returns the channel carrying Established, Message and Closed
// events for this session.
func (c *Conn) Events() <-chan session.Event { return c.events }

// Send encrypts payload and hands it to the socket. It fails with
// ErrSessionClosed once the session died and with
// session.ErrNotEstablished before the handshake completes.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.mu.Unlock()
	res, err := c.t.roundTrip(ctx, command{kind: cmdSend, peer: c.peer, payload: payload})
	if err != nil {
		return err
	}
	return res.err
}

// Close tears the session down. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	_, err := c.t.roundTrip(context.Background(), command{kind: cmdClose, peer: c.peer})
	return err
}

// CloseReason reports why the session ended. Only meaningful after the
// Closed event was observed.
func (c *Conn) CloseReason() (session.CloseReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closed
}

func (c *Conn) markClosed(reason session.CloseReason) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	c.mu.Unlock()
}

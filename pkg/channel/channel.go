package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/andersop91/opensdg/pkg/wire"
)

// Channel carries packets over a transport connection and, once a handshake
// completes, encrypted frames. Writes go through an outbox so that a
// non-blocking connection never loses a partially written packet.
//
// The receive side (Step, ReadPacket, Receive) must be driven from one
// goroutine at a time. Send and WritePacket may be called concurrently with
// it.
type Channel struct {
	conn   *transport.Conn
	reader *wire.Reader

	writeMu sync.Mutex
	outbox  []byte

	mu      sync.Mutex
	hs      Handshaker
	session *Session
}

// New creates a Channel over conn. readSize is the socket read chunk size.
func New(conn *transport.Conn, readSize int) *Channel {
	return &Channel{
		conn:   conn,
		reader: wire.NewReader(conn, readSize),
	}
}

// Conn returns the underlying transport connection.
func (c *Channel) Conn() *transport.Conn {
	return c.conn
}

// WritePacket queues an encoded packet and writes as much as the connection
// accepts. In non-blocking mode any remainder stays queued for Flush.
func (c *Channel) WritePacket(pkt []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.outbox = append(c.outbox, pkt...)
	if err := c.flushLocked(); err != nil && !transport.IsWouldBlock(err) {
		return err
	}
	return nil
}

// Flush writes queued bytes. It returns transport.ErrWouldBlock while data
// remains queued.
func (c *Channel) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.flushLocked()
}

// Pending reports the number of queued bytes not yet written.
func (c *Channel) Pending() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return len(c.outbox)
}

func (c *Channel) flushLocked() error {
	for len(c.outbox) > 0 {
		n, err := c.conn.Write(c.outbox)
		c.outbox = c.outbox[:copy(c.outbox, c.outbox[n:])]
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket returns the next packet from the connection. The body is valid
// until the next read.
func (c *Channel) ReadPacket() (wire.Packet, error) {
	p, err := c.reader.Next()
	if err != nil {
		if errors.Is(err, wire.ErrBadMagic) || errors.Is(err, wire.ErrShortPacket) {
			return p, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return p, err
	}
	return p, nil
}

// Begin attaches a handshake and sends its opening packet.
func (c *Channel) Begin(hs Handshaker) error {
	c.mu.Lock()
	if c.hs != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: handshake already started", ErrProtocolViolation)
	}
	c.hs = hs
	c.mu.Unlock()

	first, err := hs.Start()
	if err != nil {
		return err
	}
	if first != nil {
		return c.WritePacket(first)
	}
	return nil
}

// Step drives the attached handshake with whatever data is available. It
// returns true once the session is established. In non-blocking mode a
// transport.ErrWouldBlock means no further progress is possible right now.
func (c *Channel) Step() (bool, error) {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()
	if hs == nil {
		return false, ErrNoSession
	}

	if err := c.Flush(); err != nil {
		return false, err
	}

	for !hs.Done() {
		p, err := c.ReadPacket()
		if err != nil {
			return false, err
		}
		out, err := hs.Handle(p)
		if err != nil {
			return false, err
		}
		if out != nil {
			if err := c.WritePacket(out); err != nil {
				return false, err
			}
		}
	}

	c.mu.Lock()
	c.session = hs.Session()
	c.mu.Unlock()

	// The final handshake packet must leave before the session is reported.
	if err := c.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Handshake runs hs to completion, blocking until the session is
// established, the context ends, or the handshake fails. The context's
// deadline bounds the whole exchange; expiry yields ErrHandshakeTimeout.
func (c *Channel) Handshake(ctx context.Context, hs Handshaker) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		c.conn.SetReadDeadline(time.Time{})
	}()

	if err := c.Begin(hs); err != nil {
		return c.handshakeError(ctx, err)
	}

	for {
		done, err := c.Step()
		if done {
			return nil
		}
		if transport.IsWouldBlock(err) {
			select {
			case <-c.conn.Ready():
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrHandshakeTimeout, ctx.Err())
			case <-time.After(time.Millisecond):
			}
			continue
		}
		return c.handshakeError(ctx, err)
	}
}

func (c *Channel) handshakeError(ctx context.Context, err error) error {
	if errors.Is(err, transport.ErrTimeout) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}

// Established reports whether the handshake completed.
func (c *Channel) Established() bool {
	return c.Session() != nil
}

// Session returns the established session, or nil.
func (c *Channel) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// RemotePeer returns the authenticated peer id, or the zero id before the
// handshake completes.
func (c *Channel) RemotePeer() crypto.PeerID {
	if s := c.Session(); s != nil {
		return s.RemotePeer()
	}
	return crypto.PeerID{}
}

// Send seals and writes one frame. Frames leave in the order Send is called.
func (c *Channel) Send(flag Flag, payload []byte) error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pkt, err := s.Seal(flag, payload)
	if err != nil {
		return err
	}
	c.outbox = append(c.outbox, pkt...)
	if err := c.flushLocked(); err != nil && !transport.IsWouldBlock(err) {
		return err
	}
	return nil
}

// Receive reads and opens one frame. The returned payload is owned by the
// caller.
func (c *Channel) Receive() (Flag, []byte, error) {
	s := c.Session()
	if s == nil {
		return 0, nil, ErrNoSession
	}

	p, err := c.ReadPacket()
	if err != nil {
		return 0, nil, err
	}
	if p.Command != wire.CmdMessage {
		return 0, nil, fmt.Errorf("%w: unexpected %v on established channel", ErrProtocolViolation, p.Command)
	}
	return s.Open(p.Body)
}

// Close wipes the session key and closes the connection.
func (c *Channel) Close() error {
	if s := c.Session(); s != nil {
		s.Destroy()
	}
	return c.conn.Close()
}

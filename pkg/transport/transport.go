// Package transport provides the byte-stream connection used by OpenSDG
// channels. A Conn works in blocking mode (reads and writes suspend the
// caller) or non-blocking mode (they return ErrWouldBlock), and the mode can
// be switched between operations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andersop91/opensdg/internal/pool"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Default option values.
const (
	DefaultWriteTimeout = 30 * time.Second

	// DefaultBufferedChunks is the default inbox cap in ReadSize chunks.
	DefaultBufferedChunks = 4

	// nonBlockingWriteSlice bounds how long a non-blocking write may sit in
	// the kernel before it reports ErrWouldBlock.
	nonBlockingWriteSlice = 5 * time.Millisecond
)

var (
	// ErrWouldBlock indicates that the operation cannot make progress yet.
	// It is not a failure; retry after Ready fires or on the next poll.
	ErrWouldBlock = errors.New("transport: operation would block")

	// ErrClosed indicates the connection was closed, locally or by the peer.
	ErrClosed = errors.New("transport: connection closed")

	// ErrTimeout indicates a blocking read or write hit its deadline.
	ErrTimeout = errors.New("transport: i/o timeout")
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Conn.
type Options struct {
	// Dialer opens the underlying connection. Defaults to a net.Dialer.
	Dialer Dialer

	// Blocking selects the initial I/O mode.
	Blocking bool

	// WriteTimeout bounds blocking writes. Zero means DefaultWriteTimeout.
	WriteTimeout time.Duration

	// ReadSize is the chunk size for socket reads. Zero means the pool's
	// receive buffer size.
	ReadSize int

	// MaxBuffered caps the bytes the background reader holds for Read.
	// Once reached, the reader stops pulling from the socket until Read
	// drains the inbox, so the sender sees TCP flow control. Zero means
	// DefaultBufferedChunks times ReadSize.
	MaxBuffered int
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadSize <= 0 {
		o.ReadSize = pool.ReceiveBufferSize
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = DefaultBufferedChunks * o.ReadSize
	}
}

// Conn is a network connection with switchable blocking semantics. A
// background reader drains the socket into an inbox so that non-blocking
// reads never touch the socket directly.
//
// Read, Write and Close may be called from different goroutines; concurrent
// Reads or concurrent Writes must be serialized by the caller.
type Conn struct {
	opts     Options
	network  string
	address  string
	blocking atomic.Bool

	mu       sync.Mutex
	conn     net.Conn
	dialErr  error
	inbox    []*[]byte
	head     int
	buffered int
	readErr  error
	closed   bool
	deadline time.Time

	dialDone chan struct{}
	signal   chan struct{}
	ready    chan struct{}
	space    chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Dial opens a connection to address. In blocking mode Dial returns once the
// connection is established. In non-blocking mode it returns immediately;
// the connection completes in the background and Read/Write report
// ErrWouldBlock until it does.
func Dial(ctx context.Context, network, address string, opts Options) (*Conn, error) {
	opts.applyDefaults()

	c := newConn(opts)
	c.network = network
	c.address = address

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if opts.Blocking {
		nc, err := opts.Dialer.DialContext(dialCtx, network, address)
		c.finishDial(nc, err)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return c, nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		nc, err := opts.Dialer.DialContext(dialCtx, network, address)
		c.finishDial(nc, err)
	}()

	return c, nil
}

// DialMultiaddr opens a connection to a multiaddr such as
// /ip4/77.66.11.90/tcp/443.
func DialMultiaddr(ctx context.Context, addr multiaddr.Multiaddr, opts Options) (*Conn, error) {
	network, address, err := manet.DialArgs(addr)
	if err != nil {
		return nil, fmt.Errorf("unsupported address %s: %w", addr, err)
	}
	return Dial(ctx, network, address, opts)
}

// Wrap adopts an established net.Conn, typically one returned by a
// listener's Accept.
func Wrap(nc net.Conn, opts Options) *Conn {
	opts.applyDefaults()

	c := newConn(opts)
	c.cancel = func() {}
	c.network = nc.RemoteAddr().Network()
	c.address = nc.RemoteAddr().String()
	c.finishDial(nc, nil)
	return c
}

func newConn(opts Options) *Conn {
	c := &Conn{
		opts:     opts,
		dialDone: make(chan struct{}),
		signal:   make(chan struct{}, 1),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.blocking.Store(opts.Blocking)
	return c
}

func (c *Conn) finishDial(nc net.Conn, err error) {
	c.mu.Lock()
	if err == nil && c.closed {
		nc.Close()
		err = ErrClosed
	}
	if err != nil {
		c.dialErr = err
	} else {
		c.conn = nc
		c.wg.Add(1)
		go c.readLoop(nc)
	}
	c.mu.Unlock()

	close(c.dialDone)
	c.notify()
}

func (c *Conn) readLoop(nc net.Conn) {
	defer c.wg.Done()

	for {
		if !c.waitForSpace() {
			return
		}

		buf := pool.GetExactBuffer(c.opts.ReadSize)
		n, err := nc.Read(*buf)

		c.mu.Lock()
		if n > 0 {
			*buf = (*buf)[:n]
			c.inbox = append(c.inbox, buf)
			c.buffered += n
		} else {
			pool.PutBuffer(buf)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.closed {
				c.readErr = ErrClosed
			} else {
				c.readErr = err
			}
		}
		c.mu.Unlock()

		c.notify()
		if err != nil {
			return
		}
	}
}

// waitForSpace blocks while the inbox is full. It returns false once the
// connection is closed.
func (c *Conn) waitForSpace() bool {
	for {
		c.mu.Lock()
		full := c.buffered >= c.opts.MaxBuffered
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return false
		}
		if !full {
			return true
		}
		select {
		case <-c.space:
		case <-c.done:
			return false
		}
	}
}

// bufferedBytes reports the bytes held in the inbox.
func (c *Conn) bufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Conn) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// SetBlocking switches the I/O mode. It takes effect on the next call.
func (c *Conn) SetBlocking(blocking bool) {
	c.blocking.Store(blocking)
}

// Blocking reports the current I/O mode.
func (c *Conn) Blocking() bool {
	return c.blocking.Load()
}

// SetReadDeadline bounds blocking reads. The zero time removes the bound.
func (c *Conn) SetReadDeadline(t time.Time) {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()

	// Wake a blocked reader so it picks up the new deadline.
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value whenever the connection
// completes, data arrives, or the connection fails. It is the readiness
// notification for non-blocking callers.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Connected reports whether the connection has been established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Address returns the dialed address.
func (c *Conn) Address() string {
	return c.address
}

// Read copies buffered data into p.
//
// In non-blocking mode it returns ErrWouldBlock when nothing is buffered.
// In blocking mode it waits for data, the read deadline, or close.
// After the peer closes, buffered data is still returned before ErrClosed.
func (c *Conn) Read(p []byte) (int, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		c.mu.Lock()
		if c.head < len(c.inbox) {
			n := c.drainLocked(p)
			c.mu.Unlock()
			return n, nil
		}
		if c.dialErr != nil {
			err := c.dialErr
			c.mu.Unlock()
			return 0, err
		}
		if c.readErr != nil {
			err := c.readErr
			c.mu.Unlock()
			return 0, err
		}
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		deadline := c.deadline
		c.mu.Unlock()

		if !c.Blocking() {
			return 0, ErrWouldBlock
		}

		var expired <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			expired = timer.C
		}

		select {
		case <-c.signal:
		case <-expired:
			return 0, ErrTimeout
		}
	}
}

func (c *Conn) drainLocked(p []byte) int {
	total := 0
	for total < len(p) && c.head < len(c.inbox) {
		buf := c.inbox[c.head]
		n := copy(p[total:], *buf)
		total += n
		if n < len(*buf) {
			*buf = (*buf)[n:]
			break
		}
		pool.PutBuffer(buf)
		c.inbox[c.head] = nil
		c.head++
	}
	if c.head == len(c.inbox) {
		c.inbox = c.inbox[:0]
		c.head = 0
	}
	c.buffered -= total
	if total > 0 {
		select {
		case c.space <- struct{}{}:
		default:
		}
	}
	return total
}

// Write sends p. In blocking mode it writes everything or fails.
// In non-blocking mode it returns ErrWouldBlock while the connection is still
// being established, and a short count with ErrWouldBlock when the kernel
// buffer is full; the caller must retry with the remainder.
//
// A non-blocking Write is bounded, not instantaneous: with the kernel send
// buffer full it waits up to nonBlockingWriteSlice (5ms) for room before it
// reports ErrWouldBlock.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nc, err := c.writable()
	if err != nil {
		return 0, err
	}

	if c.Blocking() {
		if err := nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return 0, c.writeError(err)
		}
		n, err := nc.Write(p)
		if err != nil {
			if isTimeout(err) {
				return n, ErrTimeout
			}
			return n, c.writeError(err)
		}
		return n, nil
	}

	if err := nc.SetWriteDeadline(time.Now().Add(nonBlockingWriteSlice)); err != nil {
		return 0, c.writeError(err)
	}
	n, err := nc.Write(p)
	if err != nil {
		if isTimeout(err) {
			return n, ErrWouldBlock
		}
		return n, c.writeError(err)
	}
	return n, nil
}

func (c *Conn) writable() (net.Conn, error) {
	if c.Blocking() {
		<-c.dialDone
	} else {
		select {
		case <-c.dialDone:
		default:
			return nil, ErrWouldBlock
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dialErr != nil {
		return nil, c.dialErr
	}
	if c.closed {
		return nil, ErrClosed
	}
	return c.conn, nil
}

func (c *Conn) writeError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Close closes the connection and waits for the background reader to exit.
// It is safe to call Close multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.conn
	c.mu.Unlock()

	close(c.done)
	c.cancel()

	var err error
	if nc != nil {
		err = nc.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	for i := c.head; i < len(c.inbox); i++ {
		pool.PutBuffer(c.inbox[i])
	}
	c.inbox = nil
	c.head = 0
	c.buffered = 0
	c.mu.Unlock()

	c.notify()
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

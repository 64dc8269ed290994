package opensdg

import (
	"errors"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/transport"
)

// pollInterval bounds how long a waiting operation or pump sleeps without a
// readiness notification. Partial writes produce no notification.
const pollInterval = 5 * time.Millisecond

var errPumpStopped = errors.New("pump stopped")

// link is one secure channel of a Connection: to the grid, or to the peer
// through a relay. A forwarder goroutine is the only consumer of the
// transport's readiness channel and fans each notification out to the
// link's own wake channel and to the Connection's Ready channel.
type link struct {
	ch   *channel.Channel
	wake chan struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func newLink(conn *transport.Conn, readSize int, notify func()) *link {
	l := &link{
		ch:   channel.New(conn, readSize),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.forward(conn.Ready(), notify)
	return l
}

func (l *link) forward(ready <-chan struct{}, notify func()) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-ready:
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
		notify()
	}
}

// close stops the forwarder, wipes the session and closes the socket. It is
// idempotent.
func (l *link) close() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		l.err = l.ch.Close()
	})
	return l.err
}

// pump is a receive loop over an established link.
type pump struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newPump() *pump {
	return &pump{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (p *pump) halt() {
	p.once.Do(func() { close(p.stop) })
}

func (p *pump) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// next returns the next frame on l. While nothing is buffered it flushes
// queued writes and waits for readiness, so it works with the transport in
// either mode.
func (p *pump) next(l *link) (channel.Flag, []byte, error) {
	for {
		if p.stopped() {
			return 0, nil, errPumpStopped
		}

		flag, payload, err := l.ch.Receive()
		if err == nil {
			return flag, payload, nil
		}
		if !transport.IsWouldBlock(err) {
			if p.stopped() {
				return 0, nil, errPumpStopped
			}
			return 0, nil, err
		}

		if err := l.ch.Flush(); err != nil && !transport.IsWouldBlock(err) {
			return 0, nil, err
		}

		select {
		case <-p.stop:
			return 0, nil, errPumpStopped
		case <-l.wake:
		case <-time.After(pollInterval):
		}
	}
}

// runPeerPump delivers peer frames until the link fails or the pump is
// halted. It is the only reader of the peer link and owns the Messages
// channel.
func (c *Connection) runPeerPump(l *link, p *pump) {
	defer close(p.done)
	defer c.closeMessages()

	for {
		flag, payload, err := p.next(l)
		if err != nil {
			if !errors.Is(err, errPumpStopped) {
				c.pumpFailed(err)
			}
			return
		}

		c.stats.recordReceived(flag, len(payload))
		ka := c.keepaliveTimer()
		if ka != nil {
			ka.Activity()
		}

		switch flag {
		case channel.FlagData:
			c.metrics.MessageReceived(len(payload))
			select {
			case c.messages <- payload:
			case <-p.stop:
				return
			}

		case channel.FlagPing:
			if err := l.ch.Send(channel.FlagPong, nil); err != nil {
				c.pumpFailed(err)
				return
			}
			c.stats.recordSent(channel.FlagPong, 0)

		case channel.FlagPong:
			if ka != nil {
				ka.PongReceived()
			}

		case channel.FlagClose:
			c.remoteClosed()
			return

		default:
			c.log.Debug("ignoring frame", "flag", flag.String())
		}
	}
}

// runGridPump keeps the grid session alive while the peer is connected.
// Losing the grid does not affect the established peer tunnel.
func (c *Connection) runGridPump(l *link, p *pump) {
	defer close(p.done)

	for {
		flag, _, err := p.next(l)
		if err != nil {
			if !errors.Is(err, errPumpStopped) {
				c.log.Warn("grid session lost", "error", err)
			}
			return
		}

		switch flag {
		case channel.FlagPing:
			if err := l.ch.Send(channel.FlagPong, nil); err != nil {
				c.log.Warn("grid session lost", "error", err)
				return
			}
		case channel.FlagClose:
			c.log.Info("grid closed the session")
			return
		default:
			c.log.Debug("ignoring grid frame", "flag", flag.String())
		}
	}
}

func (c *Connection) pumpFailed(err error) {
	code := ResultOf(err)
	if code == ResultDecryptionFailed {
		c.metrics.DecryptionError()
	}
	c.fail(code, err, true)
}

// remoteClosed handles a close frame from the peer.
func (c *Connection) remoteClosed() {
	if err := c.machine.TransitionFrom(StateConnected, StateClosing, toMachineResult(ResultChannelClosed), 0); err != nil {
		return
	}
	c.log.Info("peer closed the connection")
	c.release(true)
	_ = c.machine.TransitionFrom(StateClosing, StateClosed, toMachineResult(ResultChannelClosed), 0)
}

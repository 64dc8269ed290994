package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/andersop91/opensdg/pkg/wire"
)

// tunnelIDSize is the length of the tunnel ids the relay hands out.
const tunnelIDSize = 16

// Relay accepts connections from initiators and hands each to the device
// its forward request names. Tunnel ids are single use.
type Relay struct {
	ln net.Listener

	mu      sync.Mutex
	tunnels map[string]*Device
	wg      sync.WaitGroup
}

func newRelay() (*Relay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	r := &Relay{
		ln:      ln,
		tunnels: make(map[string]*Device),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Addr returns the relay's host:port.
func (r *Relay) Addr() string {
	return r.ln.Addr().String()
}

// open reserves a tunnel to d and returns its id.
func (r *Relay) open(d *Device) ([]byte, error) {
	id := make([]byte, tunnelIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.tunnels[hex.EncodeToString(id)] = d
	r.mu.Unlock()
	return id, nil
}

func (r *Relay) take(id []byte) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := hex.EncodeToString(id)
	d := r.tunnels[key]
	delete(r.tunnels, key)
	return d
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.wg.Add(1)
		go r.route(nc)
	}
}

// route reads the forward request and passes the connection on.
func (r *Relay) route(nc net.Conn) {
	defer r.wg.Done()

	conn := transport.Wrap(nc, transport.Options{Blocking: true})
	ch := channel.New(conn, 0)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	p, err := ch.ReadPacket()
	conn.SetReadDeadline(time.Time{})
	if err != nil || p.Command != wire.CmdForward {
		_ = ch.Close()
		return
	}

	d := r.take(p.Body)
	if d == nil {
		_ = ch.Close()
		return
	}
	d.accept(ch)
}

// Close stops accepting connections.
func (r *Relay) Close() error {
	err := r.ln.Close()
	r.wg.Wait()
	return err
}

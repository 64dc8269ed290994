package opensdg

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/andersop91/opensdg/internal/eventdispatch"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Node is the process-wide context of the library: it owns the local
// identity and the table of connection handles.
//
// All public methods are thread-safe.
type Node struct {
	config   *Config
	identity *crypto.Identity
	events   *eventdispatch.Dispatcher[ConnectionEvent]

	mu       sync.RWMutex
	conns    map[uuid.UUID]*Connection
	shutdown bool
}

// Init validates cfg and creates a Node. A nil cfg uses NewConfig().
//
// When cfg carries a private key every connection starts with that
// identity; otherwise each connection needs SetPrivateKey before it can
// connect.
func Init(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	n := &Node{
		config: cfg,
		events: eventdispatch.NewDispatcher[ConnectionEvent](cfg.EventBufferSize),
		conns:  make(map[uuid.UUID]*Connection),
	}
	n.events.OnDrop(func(ConnectionEvent) {
		cfg.Metrics.EventDropped()
	})

	if len(cfg.PrivateKey) > 0 {
		id, err := crypto.NewIdentity(cfg.PrivateKey)
		if err != nil {
			n.events.Close()
			return nil, newError(ResultInvalidKey, "", err)
		}
		n.identity = id
	}

	cfg.Logger.Info("opensdg initialized", "version", GetVersion().String(), "grid_servers", len(cfg.GridServers))
	return n, nil
}

// Config returns the node's configuration. It must not be modified.
func (n *Node) Config() *Config {
	return n.config
}

// PeerID returns the peer id of the node-wide identity, if one was
// configured.
func (n *Node) PeerID() (crypto.PeerID, bool) {
	if n.identity == nil {
		return crypto.PeerID{}, false
	}
	return n.identity.PeerID(), true
}

// NewConnection allocates a connection handle in the Created state.
func (n *Node) NewConnection() (*Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.shutdown {
		return nil, ErrNodeShutdown
	}

	c := newConnection(n)
	n.conns[c.id] = c
	n.config.Metrics.ConnectionCreated()
	c.log.Debug("connection created")
	return c, nil
}

// Connection returns the handle with the given id.
func (n *Node) Connection(id uuid.UUID) (*Connection, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	c, ok := n.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

// Connections returns all live handles ordered by id.
func (n *Node) Connections() []*Connection {
	n.mu.RLock()
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return bytes.Compare(conns[i].id[:], conns[j].id[:]) < 0
	})
	return conns
}

// Events returns the node-wide channel of state changes of every
// connection. Events are dropped when nobody reads it.
func (n *Node) Events() <-chan ConnectionEvent {
	return n.events.Events()
}

// SubscribeEvents returns a subscription receiving the node-wide events
// that match filter. A bufferSize of 0 uses the configured event buffer
// size.
func (n *Node) SubscribeEvents(filter EventFilter, bufferSize int) *EventSubscription {
	if bufferSize <= 0 {
		bufferSize = n.config.EventBufferSize
	}
	return &EventSubscription{sub: n.events.Subscribe(bufferSize, filter.matches)}
}

func (n *Node) broadcast(ev ConnectionEvent) {
	if n.events.Emit(ev) {
		n.config.Metrics.EventEmitted(ev.To.String())
	}
}

func (n *Node) remove(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, id)
}

// Shutdown closes and destroys every connection and releases the node.
// Connections that fail to close cleanly are destroyed anyway; their
// errors are combined in the result. It is idempotent.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	var errs error
	for _, c := range conns {
		switch c.State() {
		case StateConnectedToGrid, StateConnectingPeer, StateConnected:
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", c.id, err))
			}
		}
		c.Destroy()
	}

	n.events.Close()
	if n.identity != nil {
		n.identity.Destroy()
	}
	n.config.Logger.Info("opensdg shut down", "connections", len(conns))
	return errs
}

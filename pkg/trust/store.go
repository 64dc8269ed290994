package trust

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/benbjohnson/clock"
)

// flushInterval is how often batched LastSeen updates reach the disk.
const flushInterval = 5 * time.Second

var (
	// ErrNotFound indicates a peer that has no entry.
	ErrNotFound = errors.New("trust: peer not found")

	// ErrNotTrusted indicates a peer that is unknown or revoked.
	ErrNotTrusted = errors.New("trust: peer not trusted")

	// ErrRevoked indicates an attempt to trust a revoked peer.
	ErrRevoked = errors.New("trust: peer revoked")
)

// Store is the persistent set of trusted peers.
//
// Changes to the set itself (Trust, Remove, Revoke) are written through
// immediately. LastSeen updates are batched and flushed periodically and on
// Close.
type Store struct {
	storage *storage
	clock   clock.Clock
	peers   map[string]*Entry
	mu      sync.RWMutex
	dirty   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open loads the store at path, creating it on first save. A nil clock uses
// the real clock. The Store must be closed to persist batched updates.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}

	s := newStorage(path)
	data, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("load trust store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Store{
		storage: s,
		clock:   clk,
		peers:   data.Peers,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go st.flushLoop(clk.Ticker(flushInterval))
	return st, nil
}

// Trust adds peer or updates its label and metadata. A nil metadata map
// leaves existing metadata untouched.
func (st *Store) Trust(peer crypto.PeerID, label string, metadata map[string]string) error {
	return st.upsert(peer, label, metadata, false)
}

// RecordPairing trusts peer and stamps PairedAt. Responders call it after a
// pairing response verified.
func (st *Store) RecordPairing(peer crypto.PeerID) error {
	return st.upsert(peer, "", nil, true)
}

func (st *Store) upsert(peer crypto.PeerID, label string, metadata map[string]string, paired bool) error {
	if peer.IsZero() {
		return fmt.Errorf("%w: zero peer id", ErrNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.clock.Now()
	key := peer.String()
	e, ok := st.peers[key]
	if ok && e.Revoked {
		return fmt.Errorf("%w: %s", ErrRevoked, peer.ShortString())
	}
	if !ok {
		e = &Entry{PeerID: peer, CreatedAt: now}
		st.peers[key] = e
	}
	if label != "" {
		e.Label = label
	}
	if metadata != nil {
		e.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
	if paired {
		e.PairedAt = now
	}
	e.UpdatedAt = now
	return st.saveLocked()
}

// IsTrusted reports whether peer has an entry that is not revoked.
func (st *Store) IsTrusted(peer crypto.PeerID) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.peers[peer.String()]
	return ok && !e.Revoked
}

// Authorize admits trusted peers and records the contact. Its signature
// matches the authorizer hook of a channel responder.
func (st *Store) Authorize(peer crypto.PeerID) error {
	if !st.IsTrusted(peer) {
		return fmt.Errorf("%w: %s", ErrNotTrusted, peer.ShortString())
	}
	return st.Touch(peer)
}

// Get returns a copy of the entry for peer.
func (st *Store) Get(peer crypto.PeerID) (*Entry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	e, ok := st.peers[peer.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, peer.ShortString())
	}
	return e.Clone(), nil
}

// List returns copies of the trusted entries ordered by peer id.
func (st *Store) List() []*Entry {
	return st.list(false)
}

// ListAll is List including revoked entries.
func (st *Store) ListAll() []*Entry {
	return st.list(true)
}

func (st *Store) list(revoked bool) []*Entry {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Entry, 0, len(st.peers))
	for _, e := range st.peers {
		if e.Revoked && !revoked {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID.String() < out[j].PeerID.String()
	})
	return out
}

// Remove deletes the entry for peer.
func (st *Store) Remove(peer crypto.PeerID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := peer.String()
	if _, ok := st.peers[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, peer.ShortString())
	}
	delete(st.peers, key)
	return st.saveLocked()
}

// Revoke keeps the entry but stops admitting peer.
func (st *Store) Revoke(peer crypto.PeerID) error {
	return st.setRevoked(peer, true)
}

// Restore undoes Revoke.
func (st *Store) Restore(peer crypto.PeerID) error {
	return st.setRevoked(peer, false)
}

func (st *Store) setRevoked(peer crypto.PeerID, revoked bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.peers[peer.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, peer.ShortString())
	}
	e.Revoked = revoked
	e.UpdatedAt = st.clock.Now()
	return st.saveLocked()
}

// Touch updates LastSeen for peer. The change is batched.
func (st *Store) Touch(peer crypto.PeerID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.peers[peer.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, peer.ShortString())
	}
	e.LastSeen = st.clock.Now()
	st.dirty = true
	return nil
}

// Count returns the number of entries, revoked ones included.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.peers)
}

// Reload replaces the in-memory set with the file contents, discarding
// unsaved updates.
func (st *Store) Reload() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := st.storage.load()
	if err != nil {
		return fmt.Errorf("reload trust store: %w", err)
	}
	st.peers = data.Peers
	st.dirty = false
	return nil
}

// Flush writes batched updates now.
func (st *Store) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.dirty {
		return nil
	}
	return st.saveLocked()
}

// Close stops the background flusher and writes pending updates. The Store
// must not be used afterwards.
func (st *Store) Close() error {
	st.cancel()
	<-st.done
	return st.Flush()
}

func (st *Store) saveLocked() error {
	if err := st.storage.save(&storeData{Version: currentVersion, Peers: st.peers}); err != nil {
		return err
	}
	st.dirty = false
	return nil
}

func (st *Store) flushLoop(ticker *clock.Ticker) {
	defer close(st.done)
	defer ticker.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case <-ticker.C:
			// A failed flush stays dirty and is retried on the next tick.
			_ = st.Flush()
		}
	}
}

// Package trust keeps the set of peers a responder admits without pairing.
// The set is persisted to a JSON file and shared safely between processes.
package trust

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
)

// Entry is one trusted peer.
type Entry struct {
	// PeerID is the peer's long-term key.
	PeerID crypto.PeerID `json:"-"`

	// Label is an optional human readable name.
	Label string `json:"label,omitempty"`

	// Metadata holds application-defined key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// PairedAt is when the peer completed pairing. Zero for peers that were
	// added directly.
	PairedAt time.Time `json:"paired_at,omitempty"`

	// LastSeen is the time of the last admitted handshake.
	LastSeen time.Time `json:"last_seen,omitempty"`

	// Revoked peers are kept on file but never admitted.
	Revoked bool `json:"revoked"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON writes the peer id in hex.
func (e *Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	return json.Marshal(&struct {
		*Alias
		RawPeerID string `json:"peer_id"`
	}{
		Alias:     (*Alias)(e),
		RawPeerID: e.PeerID.String(),
	})
}

// UnmarshalJSON parses the hex peer id.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := &struct {
		*Alias
		RawPeerID string `json:"peer_id"`
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	id, err := crypto.ParsePeerID(aux.RawPeerID)
	if err != nil {
		return fmt.Errorf("entry peer id: %w", err)
	}
	e.PeerID = id
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	clone := *e
	if len(e.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	} else {
		clone.Metadata = nil
	}
	return &clone
}

// storeData is the on-disk layout.
type storeData struct {
	Version int               `json:"version"`
	Peers   map[string]*Entry `json:"peers"`
}

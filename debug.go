package opensdg

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DebugState represents the complete state of a Node for debugging purposes.
type DebugState struct {
	// Node identity, empty when connections bring their own keys
	PeerID string `json:"peer_id,omitempty"`

	// Library version
	Version string `json:"version"`

	// Configuration
	Config DebugConfig `json:"config"`

	// Trusted peers known to the trust store, if one is configured
	TrustedPeers int `json:"trusted_peers"`

	Connections []DebugConnection `json:"connections"`

	// Timestamp when state was captured
	CapturedAt time.Time `json:"captured_at"`
}

// DebugConfig represents configuration summary for debugging.
type DebugConfig struct {
	GridServers      []string `json:"grid_servers"`
	HandshakeTimeout string   `json:"handshake_timeout"`
	RequestTimeout   string   `json:"request_timeout"`
	PingInterval     string   `json:"ping_interval"`
	MaxMissedPings   int      `json:"max_missed_pings"`
	BufferSize       int      `json:"buffer_size"`
	Blocking         bool     `json:"blocking"`
}

// DebugConnection represents one connection handle for debugging.
type DebugConnection struct {
	ID               string `json:"id"`
	PeerID           string `json:"peer_id,omitempty"`
	Protocol         string `json:"protocol,omitempty"`
	State            string `json:"state"`
	LastResult       string `json:"last_result"`
	LastErrno        int    `json:"last_errno,omitempty"`
	Blocking         bool   `json:"blocking"`
	PingInterval     string `json:"ping_interval"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
	ConnectedFor     string `json:"connected_for,omitempty"`
}

// DumpState captures the current state of the node for debugging.
func (n *Node) DumpState() *DebugState {
	state := &DebugState{
		Version:    GetVersion().String(),
		Config:     n.dumpConfig(),
		CapturedAt: n.config.Clock.Now(),
	}
	if id, ok := n.PeerID(); ok {
		state.PeerID = id.String()
	}
	if st := n.config.TrustStore; st != nil {
		state.TrustedPeers = st.Count()
	}

	for _, c := range n.Connections() {
		state.Connections = append(state.Connections, c.dump())
	}
	return state
}

func (n *Node) dumpConfig() DebugConfig {
	cfg := DebugConfig{
		HandshakeTimeout: n.config.HandshakeTimeout.String(),
		RequestTimeout:   n.config.RequestTimeout.String(),
		PingInterval:     n.config.PingInterval.String(),
		MaxMissedPings:   n.config.MaxMissedPings,
		BufferSize:       n.config.BufferSize,
		Blocking:         n.config.Blocking,
	}
	for _, addr := range n.config.GridServers {
		cfg.GridServers = append(cfg.GridServers, addr.String())
	}
	return cfg
}

func (c *Connection) dump() DebugConnection {
	st := c.Stats()
	d := DebugConnection{
		ID:               c.id.String(),
		Protocol:         c.Protocol(),
		State:            st.State.String(),
		LastResult:       c.LastResult().String(),
		LastErrno:        c.LastErrno(),
		Blocking:         c.BlockingMode(),
		PingInterval:     c.PingInterval().String(),
		MessagesSent:     st.MessagesSent,
		MessagesReceived: st.MessagesReceived,
	}
	if !st.PeerID.IsZero() {
		d.PeerID = st.PeerID.String()
	}
	if st.ConnectedFor > 0 {
		d.ConnectedFor = st.ConnectedFor.String()
	}
	return d
}

// DumpStateJSON returns the node state as formatted JSON.
func (n *Node) DumpStateJSON() (string, error) {
	state := n.DumpState()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DumpStateString returns a human-readable string representation of the node state.
func (n *Node) DumpStateString() string {
	state := n.DumpState()
	var sb strings.Builder

	sb.WriteString("=== OpenSDG Node Debug State ===\n\n")

	sb.WriteString("IDENTITY:\n")
	if state.PeerID != "" {
		sb.WriteString(fmt.Sprintf("  Peer ID:    %s\n", state.PeerID))
	} else {
		sb.WriteString("  Peer ID:    (per connection)\n")
	}
	sb.WriteString(fmt.Sprintf("  Version:    %s\n", state.Version))
	sb.WriteString("\n")

	sb.WriteString("GRID SERVERS:\n")
	if len(state.Config.GridServers) == 0 {
		sb.WriteString("  (none)\n")
	} else {
		for _, addr := range state.Config.GridServers {
			sb.WriteString(fmt.Sprintf("  - %s\n", addr))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("CONFIGURATION:\n")
	sb.WriteString(fmt.Sprintf("  Handshake Timeout:  %s\n", state.Config.HandshakeTimeout))
	sb.WriteString(fmt.Sprintf("  Request Timeout:    %s\n", state.Config.RequestTimeout))
	sb.WriteString(fmt.Sprintf("  Ping Interval:      %s\n", state.Config.PingInterval))
	sb.WriteString(fmt.Sprintf("  Max Missed Pings:   %d\n", state.Config.MaxMissedPings))
	sb.WriteString(fmt.Sprintf("  Buffer Size:        %d bytes\n", state.Config.BufferSize))
	sb.WriteString(fmt.Sprintf("  Blocking:           %t\n", state.Config.Blocking))
	sb.WriteString(fmt.Sprintf("  Trusted Peers:      %d\n", state.TrustedPeers))
	sb.WriteString("\n")

	sb.WriteString("CONNECTIONS:\n")
	if len(state.Connections) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, c := range state.Connections {
		sb.WriteString(fmt.Sprintf("  %s: %s (last result %s)\n", c.ID, c.State, c.LastResult))
		if c.PeerID != "" {
			sb.WriteString(fmt.Sprintf("    peer %s protocol %q\n", c.PeerID, c.Protocol))
		}
		if c.ConnectedFor != "" {
			sb.WriteString(fmt.Sprintf("    connected for %s, %d sent, %d received\n",
				c.ConnectedFor, c.MessagesSent, c.MessagesReceived))
		}
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Captured at: %s\n", state.CapturedAt.Format(time.RFC3339)))
	sb.WriteString("================================\n")

	return sb.String()
}

// ConnectionSummary returns the number of connections in each state.
func (n *Node) ConnectionSummary() map[string]int {
	summary := make(map[string]int)
	for _, c := range n.Connections() {
		summary[c.State().String()]++
	}
	return summary
}

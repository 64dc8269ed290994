package opensdg

import (
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// FrameStats contains counters for one frame kind (data, ping, pong, close).
type FrameStats struct {
	// Kind is the frame kind.
	Kind string

	// Sent is the number of frames of this kind sent.
	Sent int64

	// Received is the number of frames of this kind received.
	Received int64

	// LastSentAt is when a frame of this kind was last sent.
	LastSentAt time.Time

	// LastReceivedAt is when a frame of this kind was last received.
	LastReceivedAt time.Time
}

// ConnectionStats contains statistics for a connection.
// All fields are snapshot copies and safe to read without synchronization.
type ConnectionStats struct {
	// ConnID identifies the connection.
	ConnID uuid.UUID

	// PeerID is the remote peer, if any.
	PeerID crypto.PeerID

	// State is the state at the time of the snapshot.
	State ConnectionState

	// CreatedAt is when the connection handle was created.
	CreatedAt time.Time

	// ConnectedAt is when the connection reached Connected.
	// Zero value if it never did.
	ConnectedAt time.Time

	// ConnectedFor is the time spent in Connected so far.
	ConnectedFor time.Duration

	// MessagesSent is the number of data frames sent.
	MessagesSent int64

	// MessagesReceived is the number of data frames received.
	MessagesReceived int64

	// BytesSent is the total application payload sent.
	BytesSent int64

	// BytesReceived is the total application payload received.
	BytesReceived int64

	// Frames contains per-kind frame counters.
	Frames map[string]*FrameStats

	// LastActivity is when any frame was last received from the peer.
	LastActivity time.Time

	// HandshakeCount is the number of completed handshakes (grid and peer).
	HandshakeCount int

	// FailureCount is the number of failed operations.
	FailureCount int
}

// connStatsTracker is the internal mutable stats tracker of a Connection.
type connStatsTracker struct {
	mu    sync.RWMutex
	clock clock.Clock

	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64

	frames map[channel.Flag]*frameStatsInternal

	lastActivity   time.Time
	handshakeCount int
	failureCount   int
}

type frameStatsInternal struct {
	sent           int64
	received       int64
	lastSentAt     time.Time
	lastReceivedAt time.Time
}

func newConnStatsTracker(clk clock.Clock) *connStatsTracker {
	return &connStatsTracker{
		clock:     clk,
		createdAt: clk.Now(),
		frames:    make(map[channel.Flag]*frameStatsInternal),
	}
}

func (s *connStatsTracker) frameLocked(flag channel.Flag) *frameStatsInternal {
	fs := s.frames[flag]
	if fs == nil {
		fs = &frameStatsInternal{}
		s.frames[flag] = fs
	}
	return fs
}

func (s *connStatsTracker) recordConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedAt = s.clock.Now()
	s.endedAt = time.Time{}
}

func (s *connStatsTracker) recordEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connectedAt.IsZero() && s.endedAt.IsZero() {
		s.endedAt = s.clock.Now()
	}
}

func (s *connStatsTracker) recordHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeCount++
}

func (s *connStatsTracker) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
}

func (s *connStatsTracker) recordSent(flag channel.Flag, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if flag == channel.FlagData {
		s.messagesSent++
		s.bytesSent += int64(size)
	}
	fs := s.frameLocked(flag)
	fs.sent++
	fs.lastSentAt = now
}

func (s *connStatsTracker) recordReceived(flag channel.Flag, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if flag == channel.FlagData {
		s.messagesReceived++
		s.bytesReceived += int64(size)
	}
	s.lastActivity = now
	fs := s.frameLocked(flag)
	fs.received++
	fs.lastReceivedAt = now
}

// snapshot returns a copy of the stats for external consumption.
func (s *connStatsTracker) snapshot(id uuid.UUID, peer crypto.PeerID, state ConnectionState) *ConnectionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ConnectionStats{
		ConnID:           id,
		PeerID:           peer,
		State:            state,
		CreatedAt:        s.createdAt,
		ConnectedAt:      s.connectedAt,
		MessagesSent:     s.messagesSent,
		MessagesReceived: s.messagesReceived,
		BytesSent:        s.bytesSent,
		BytesReceived:    s.bytesReceived,
		Frames:           make(map[string]*FrameStats, len(s.frames)),
		LastActivity:     s.lastActivity,
		HandshakeCount:   s.handshakeCount,
		FailureCount:     s.failureCount,
	}

	if !s.connectedAt.IsZero() {
		end := s.endedAt
		if end.IsZero() {
			end = s.clock.Now()
		}
		stats.ConnectedFor = end.Sub(s.connectedAt)
	}

	for flag, fs := range s.frames {
		kind := flag.String()
		stats.Frames[kind] = &FrameStats{
			Kind:           kind,
			Sent:           fs.sent,
			Received:       fs.received,
			LastSentAt:     fs.lastSentAt,
			LastReceivedAt: fs.lastReceivedAt,
		}
	}

	return stats
}

package connection

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultMaxMissedPings is the number of unanswered pings tolerated before
// the keepalive reports a timeout.
const DefaultMaxMissedPings = 3

// KeepaliveConfig configures a KeepaliveTimer.
type KeepaliveConfig struct {
	// Interval between pings. Zero disables the timer.
	Interval time.Duration

	// MaxMissed unanswered pings trigger OnTimeout. Zero means
	// DefaultMaxMissedPings.
	MaxMissed int

	// Clock drives the timer. Nil uses the real clock.
	Clock clock.Clock

	// SendPing is called at every interval while fewer than MaxMissed pings
	// are outstanding. An error stops the timer and is passed to OnTimeout.
	SendPing func() error

	// OnTimeout is called once when the peer stopped answering or a ping
	// could not be sent.
	OnTimeout func(err error)
}

// KeepaliveTimer sends pings on an interval and reports a timeout after too
// many consecutive pings went unanswered. Any received traffic counts as an
// answer.
//
// KeepaliveTimer is safe for concurrent use.
type KeepaliveTimer struct {
	mu       sync.Mutex
	cfg      KeepaliveConfig
	missed   int
	lastSeen time.Time
	stop     chan struct{}
	done     chan struct{}
	armed    bool
	fired    bool
}

// NewKeepaliveTimer creates a stopped timer.
func NewKeepaliveTimer(cfg KeepaliveConfig) *KeepaliveTimer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissedPings
	}
	return &KeepaliveTimer{cfg: cfg, lastSeen: cfg.Clock.Now()}
}

// Start arms the timer. Pings begin once the interval is non-zero; a timer
// that already timed out stays stopped.
func (k *KeepaliveTimer) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.armed = true
	k.startLocked()
}

func (k *KeepaliveTimer) startLocked() {
	if k.cfg.Interval <= 0 || k.stop != nil || k.fired {
		return
	}

	k.missed = 0
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	ticker := k.cfg.Clock.Ticker(k.cfg.Interval)
	go k.run(ticker, k.stop, k.done)
}

// Stop halts the timer and waits for its goroutine to exit. It must not be
// called from SendPing.
func (k *KeepaliveTimer) Stop() {
	k.mu.Lock()
	k.armed = false
	stop, done := k.stop, k.done
	k.stop, k.done = nil, nil
	k.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// SetInterval changes the ping cadence. An armed timer restarts with the
// new interval; zero pauses it until the next non-zero interval.
func (k *KeepaliveTimer) SetInterval(d time.Duration) {
	k.mu.Lock()
	armed := k.armed
	k.mu.Unlock()

	if armed {
		k.Stop()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg.Interval = d
	if armed {
		k.armed = true
		k.startLocked()
	}
}

// Interval returns the current ping cadence.
func (k *KeepaliveTimer) Interval() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.Interval
}

// Running reports whether the timer goroutine is active.
func (k *KeepaliveTimer) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}

// PongReceived resets the missed-ping count.
func (k *KeepaliveTimer) PongReceived() {
	k.Activity()
}

// Activity records received traffic from the peer.
func (k *KeepaliveTimer) Activity() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.missed = 0
	k.lastSeen = k.cfg.Clock.Now()
}

// Missed returns the number of consecutive unanswered pings.
func (k *KeepaliveTimer) Missed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.missed
}

// LastSeen returns the time traffic was last received.
func (k *KeepaliveTimer) LastSeen() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSeen
}

func (k *KeepaliveTimer) run(ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		k.mu.Lock()
		if k.missed >= k.cfg.MaxMissed {
			k.fired = true
			k.stop, k.done = nil, nil
			k.mu.Unlock()
			if k.cfg.OnTimeout != nil {
				k.cfg.OnTimeout(nil)
			}
			return
		}
		k.missed++
		send := k.cfg.SendPing
		k.mu.Unlock()

		if send == nil {
			continue
		}
		if err := send(); err != nil {
			k.mu.Lock()
			k.fired = true
			k.stop, k.done = nil, nil
			k.mu.Unlock()
			if k.cfg.OnTimeout != nil {
				k.cfg.OnTimeout(err)
			}
			return
		}
	}
}

package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/benbjohnson/clock"
)

// OTPLength is the number of digits of an issued OTP.
const OTPLength = 9

var (
	// ErrUnknownOTP indicates a locator no OTP was registered for.
	ErrUnknownOTP = errors.New("pairing: unknown otp")

	// ErrOTPConsumed indicates an OTP that was already used.
	ErrOTPConsumed = errors.New("pairing: otp already used")

	// ErrOTPExpired indicates an OTP past its lifetime.
	ErrOTPExpired = errors.New("pairing: otp expired")

	// ErrNoChallenge indicates a response without a preceding challenge.
	ErrNoChallenge = errors.New("pairing: no outstanding challenge")
)

type entry struct {
	otp      string
	expires  time.Time
	nonce    []byte
	consumed bool
}

// Registry holds the OTPs a responder has handed out. Each OTP verifies at
// most once: the first response consumes it whatever the outcome.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	id      *crypto.Identity
	clock   clock.Clock
	entries map[string]*entry
}

// NewRegistry creates a Registry for the responder identity id.
func NewRegistry(id *crypto.Identity, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		id:      id,
		clock:   clk,
		entries: make(map[string]*entry),
	}
}

// Issue generates a random numeric OTP valid for ttl and registers it.
func (r *Registry) Issue(ttl time.Duration) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < OTPLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	otp := fmt.Sprintf("%0*d", OTPLength, n.Int64())
	if err := r.Register(otp, ttl); err != nil {
		return "", err
	}
	return otp, nil
}

// Register adds an externally chosen OTP valid for ttl. Registering an OTP
// again resets it.
func (r *Registry) Register(otp string, ttl time.Duration) error {
	if otp == "" || ttl <= 0 {
		return ErrInvalidOTP
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[hex.EncodeToString(Locator(otp))] = &entry{
		otp:     otp,
		expires: r.clock.Now().Add(ttl),
	}
	return nil
}

func (r *Registry) lookupLocked(locator []byte) (*entry, error) {
	e, ok := r.entries[hex.EncodeToString(locator)]
	if !ok {
		return nil, ErrUnknownOTP
	}
	if e.consumed {
		return nil, ErrOTPConsumed
	}
	if !r.clock.Now().Before(e.expires) {
		return nil, ErrOTPExpired
	}
	return e, nil
}

// Challenge returns a fresh nonce for a PairRemote naming locator.
func (r *Registry) Challenge(locator []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(locator)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	e.nonce = nonce
	return append([]byte(nil), nonce...), nil
}

// Verify checks an initiator's response to the last challenge for locator
// and consumes the OTP. On success it returns the initiator's peer id.
func (r *Registry) Verify(locator []byte, initiator crypto.PeerID, auth []byte) (crypto.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(locator)
	if err != nil {
		return crypto.PeerID{}, err
	}
	if e.nonce == nil {
		return crypto.PeerID{}, ErrNoChallenge
	}

	e.consumed = true
	otp, nonce := e.otp, e.nonce
	e.otp, e.nonce = "", nil

	if err := verifyAuth(r.id, otp, nonce, initiator.PublicKey(), auth); err != nil {
		return crypto.PeerID{}, err
	}
	return initiator, nil
}

// Prune drops entries that expired, consumed ones included.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for k, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

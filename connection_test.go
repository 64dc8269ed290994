package opensdg

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/andersop91/opensdg/internal/testutil"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/grid"
	"github.com/andersop91/opensdg/pkg/trust"
	"github.com/andersop91/opensdg/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProtocol = "dominion-1.0"

// testEnv is a grid with one registered device and a node configured to
// use them.
type testEnv struct {
	grid    *testutil.Grid
	device  *testutil.Device
	node    *Node
	metrics *TestMetrics
	logger  *TestLogger
	trust   *trust.Store
}

func newTestEnv(t *testing.T, opts ...ConfigOption) *testEnv {
	t.Helper()

	g := testutil.NewGrid(t)
	d := testutil.NewDevice(t, testProtocol)
	g.Register(d)

	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		grid:    g,
		device:  d,
		metrics: NewTestMetrics(),
		logger:  &TestLogger{},
		trust:   store,
	}

	base := []ConfigOption{
		WithPrivateKey(generateTestKey(t)),
		WithGridServers(g.Addr()),
		WithGridPeerID(g.PeerID()),
		WithHandshakeTimeout(5 * time.Second),
		WithRequestTimeout(5 * time.Second),
		WithTrustStore(store),
		WithMetrics(env.metrics),
		WithLogger(env.logger),
	}
	node, err := Init(NewConfig(append(base, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })
	env.node = node
	return env
}

func (e *testEnv) peerID(t *testing.T) crypto.PeerID {
	t.Helper()
	id, ok := e.node.PeerID()
	require.True(t, ok)
	return id
}

func (e *testEnv) newConn(t *testing.T) *Connection {
	t.Helper()
	conn, err := e.node.NewConnection()
	require.NoError(t, err)
	return conn
}

// connected returns a connection in Connected to the env's device, which
// trusts the node beforehand.
func (e *testEnv) connected(t *testing.T) *Connection {
	t.Helper()
	require.NoError(t, e.device.Trust(e.peerID(t)))

	conn := e.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))
	require.NoError(t, conn.ConnectToRemote(ctx, e.device.PeerID(), testProtocol))
	require.Equal(t, StateConnected, conn.State())
	return conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func receive(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case msg, ok := <-conn.Messages():
		require.True(t, ok, "messages channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func drainEvents(conn *Connection) []ConnectionEvent {
	var out []ConnectionEvent
	for {
		select {
		case ev := <-conn.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestConnect_EchoRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	assert.Equal(t, env.device.PeerID(), conn.PeerID())
	assert.Equal(t, testProtocol, conn.Protocol())
	assert.Equal(t, ResultOK, conn.LastResult())

	sizes := []int{0, 1, 4096, MaxPayloadSize}
	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xa5}, size)
		require.NoError(t, conn.Send(payload))
		got := receive(t, conn)
		assert.True(t, bytes.Equal(payload, got), "echo of %d bytes differs", size)
	}

	stats := conn.Stats()
	assert.Equal(t, int64(len(sizes)), stats.MessagesSent)
	assert.Equal(t, int64(len(sizes)), stats.MessagesReceived)
	assert.Equal(t, int64(1+4096+MaxPayloadSize), stats.BytesSent)
	assert.Equal(t, 2, stats.HandshakeCount)

	var states []ConnectionState
	for _, ev := range drainEvents(conn) {
		assert.Equal(t, conn.ID(), ev.ConnID)
		states = append(states, ev.To)
	}
	assert.Equal(t, []ConnectionState{
		StateConnectingGrid, StateConnectedToGrid, StateConnectingPeer, StateConnected,
	}, states)

	assert.Equal(t, 1, env.metrics.count(func(m *TestMetrics) int { return m.PeerRequests["OK"] }))
	assert.Equal(t, 1, env.metrics.count(func(m *TestMetrics) int { return m.HandshakeResults["peer:OK"] }))
}

func TestConnectToRemote_UnknownPeer(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	var stranger crypto.PeerID
	stranger[31] = 0x42
	err := conn.ConnectToRemote(ctx, stranger, testProtocol)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, ResultPeerUnreachable, conn.LastResult())
	assert.True(t, IsFatal(err))

	// The handle stays usable for queries and is still destroyable.
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrInvalidState)
	assert.NoError(t, conn.Close())
	conn.Destroy()
}

func TestConnectToRemote_ProtocolUnsupported(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.device.Trust(env.peerID(t)))
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	err := conn.ConnectToRemote(ctx, env.device.PeerID(), "other-2.0")
	assert.ErrorIs(t, err, ErrProtocolUnsupported)
	assert.Equal(t, StateError, conn.State())
}

func TestConnectToRemote_InvalidArguments(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)

	err := conn.ConnectToRemote(testContext(t), crypto.PeerID{}, testProtocol)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	err = conn.ConnectToRemote(testContext(t), env.device.PeerID(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Valid arguments, wrong state.
	err = conn.ConnectToRemote(testContext(t), env.device.PeerID(), testProtocol)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateCreated, conn.State())
	assert.True(t, conn.PeerID().IsZero(), "a rejected call must not set the peer")
}

func TestPairing_Flow(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	err := conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol)
	require.ErrorIs(t, err, ErrPairingRequired)
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, StateConnectingPeer, conn.State())
	assert.Equal(t, ResultPairingRequired, conn.LastResult())
	assert.True(t, env.logger.hasMessage("warn", "peer requires pairing"))

	otp, err := env.device.IssueOTP(time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.PairRemote(ctx, otp))
	assert.Equal(t, StateConnectingPeer, conn.State())
	assert.True(t, env.trust.IsTrusted(env.device.PeerID()), "paired device should be recorded")
	assert.True(t, env.device.Trusts(env.peerID(t)))

	require.NoError(t, conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol))
	assert.Equal(t, StateConnected, conn.State())

	require.NoError(t, conn.Send([]byte("after pairing")))
	assert.Equal(t, []byte("after pairing"), receive(t, conn))
	assert.Equal(t, 1, env.metrics.count(func(m *TestMetrics) int { return m.PairingResults["OK"] }))

	var states []ConnectionState
	for _, ev := range drainEvents(conn) {
		states = append(states, ev.To)
	}
	assert.Equal(t, []ConnectionState{
		StateConnectingGrid, StateConnectedToGrid, StateConnectingPeer,
		StatePairing, StateConnectingPeer, StateConnected,
	}, states)
}

func TestPairing_ConsumedOTP(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.device.RegisterOTP("123456789", time.Minute))

	first := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, first.ConnectToGrid(ctx))
	require.ErrorIs(t, first.ConnectToRemote(ctx, env.device.PeerID(), testProtocol), ErrPairingRequired)
	require.NoError(t, first.PairRemote(ctx, "123456789"))

	// A second client with its own key replays the same OTP.
	store, err := trust.Open(filepath.Join(t.TempDir(), "second.json"), nil)
	require.NoError(t, err)
	defer store.Close()
	second, err := Init(NewConfig(
		WithPrivateKey(generateTestKey(t)),
		WithGridServers(env.grid.Addr()),
		WithTrustStore(store),
	))
	require.NoError(t, err)
	defer second.Shutdown()

	conn, err := second.NewConnection()
	require.NoError(t, err)
	require.NoError(t, conn.ConnectToGrid(ctx))
	require.ErrorIs(t, conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol), ErrPairingRequired)

	err = conn.PairRemote(ctx, "123456789")
	assert.ErrorIs(t, err, ErrPairingFailed)
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, ResultPairingFailed, conn.LastResult())
	assert.Equal(t, 0, store.Count(), "failed pairing must not touch the trust store")

	secondID, _ := second.PeerID()
	assert.False(t, env.device.Trusts(secondID))
}

func TestPairing_WrongOTP(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.device.RegisterOTP("111111111", time.Minute))

	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))
	require.ErrorIs(t, conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol), ErrPairingRequired)

	err := conn.PairRemote(ctx, "222222222")
	assert.ErrorIs(t, err, ErrPairingFailed)
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, 0, env.trust.Count())
}

func TestPairRemote_NotRequired(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	err := conn.PairRemote(ctx, "123456789")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateConnectedToGrid, conn.State())

	err = conn.PairRemote(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSend_NotConnected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)

	err := conn.Send([]byte("hello"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateCreated, conn.State())
	assert.Equal(t, ResultInvalidState, conn.LastResult())
	assert.Zero(t, env.grid.Requests())

	require.NoError(t, conn.ConnectToGrid(testContext(t)))
	assert.ErrorIs(t, conn.Send([]byte("hello")), ErrInvalidState)
	assert.Equal(t, StateConnectedToGrid, conn.State())
}

func TestSend_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	err := conn.Send(make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, StateConnected, conn.State())
}

func TestKeepalive_Timeout(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, WithClock(mock))
	conn := env.connected(t)

	env.device.SetIgnorePings(true)
	require.NoError(t, conn.SetPingInterval(1))
	assert.Equal(t, time.Second, conn.PingInterval())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return conn.State() == StateError
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, ResultKeepaliveTimeout, conn.LastResult())
	assert.Equal(t, 1, env.metrics.count(func(m *TestMetrics) int { return m.KeepaliveTimeouts }))
	assert.GreaterOrEqual(t, env.metrics.count(func(m *TestMetrics) int { return m.Pings }), DefaultMaxMissedPings)
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrInvalidState)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-conn.Messages():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKeepalive_PongsKeepConnectionAlive(t *testing.T) {
	mock := clock.NewMock()
	env := newTestEnv(t, WithClock(mock), WithPingInterval(time.Second))
	conn := env.connected(t)
	require.NotNil(t, conn.keepaliveTimer())

	want := int64(2 * DefaultMaxMissedPings)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		ping := conn.Stats().Frames["ping"]
		return ping != nil && ping.Sent >= want
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, StateConnected, conn.State())
	require.NoError(t, conn.Send([]byte("alive")))
	assert.Equal(t, []byte("alive"), receive(t, conn))
}

func TestSetPingInterval_Negative(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	assert.ErrorIs(t, conn.SetPingInterval(-1), ErrInvalidArgument)
	assert.NoError(t, conn.SetPingInterval(0))
	assert.NoError(t, conn.SetPingInterval(30))
	assert.Equal(t, 30*time.Second, conn.PingInterval())
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	require.NoError(t, conn.Close())

	_, ok := <-conn.Messages()
	assert.False(t, ok, "messages should be closed")
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrInvalidState)

	var states []ConnectionState
	for _, ev := range drainEvents(conn) {
		states = append(states, ev.To)
	}
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []ConnectionState{StateClosing, StateClosed}, states[len(states)-2:])
}

func TestClose_FromConnectedToGrid(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	assert.ErrorIs(t, conn.Close(), ErrInvalidState, "nothing to close before connecting")

	require.NoError(t, conn.ConnectToGrid(testContext(t)))
	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
}

func TestRemoteClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	env.device.CloseSessions()
	require.Eventually(t, func() bool {
		return conn.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ResultChannelClosed, conn.LastResult())
}

// waitMessagesClosed drains conn.Messages until it is closed.
func waitMessagesClosed(t *testing.T, conn *Connection) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-conn.Messages():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("messages channel not closed")
		}
	}
}

func errorEvents(conn *Connection) int {
	n := 0
	for _, ev := range drainEvents(conn) {
		if ev.To == StateError {
			n++
		}
	}
	return n
}

func TestForgedFrame_LatchesError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	// One echo makes sure the device's tunnel is live.
	require.NoError(t, conn.Send([]byte("hello")))
	require.Equal(t, []byte("hello"), receive(t, conn))

	forged := wire.MustEncode(wire.CmdMessage, bytes.Repeat([]byte{0x5a}, wire.ShortNonceLen+32))
	env.device.InjectRaw(forged)

	require.Eventually(t, func() bool {
		return conn.State() == StateError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ResultDecryptionFailed, conn.LastResult())
	waitMessagesClosed(t, conn)

	// Later frames change nothing.
	env.device.InjectRaw(forged)
	assert.ErrorIs(t, conn.Send([]byte("again")), ErrInvalidState)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, 1, errorEvents(conn))
	assert.Equal(t, 1, env.metrics.count(func(m *TestMetrics) int { return m.DecryptionErrors }))
	assert.True(t, env.logger.hasMessage("error", "connection failed"))
}

func TestMalformedFrame_DecryptionFailed(t *testing.T) {
	tests := []struct {
		name string
		pkt  []byte
	}{
		{"size shorter than header", []byte{0x00, 0x02, 0xaa, 0xbb}},
		{"bad magic", []byte{0x00, 0x08, 0xde, 0xad, 0xbe, 0xef, 'M', 'E', 'S', 'G'}},
		{"handshake command", wire.MustEncode(wire.CmdHello, make([]byte, 16))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.connected(t)
			require.NoError(t, conn.Send([]byte("hello")))
			require.Equal(t, []byte("hello"), receive(t, conn))

			env.device.InjectRaw(tt.pkt)

			require.Eventually(t, func() bool {
				return conn.State() == StateError
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, ResultDecryptionFailed, conn.LastResult())
			assert.NotEqual(t, ResultProtocolUnsupported, conn.LastResult())
			waitMessagesClosed(t, conn)
			assert.Equal(t, 1, errorEvents(conn))
		})
	}
}

func TestGridLossAfterConnected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	env.grid.DropSessions()
	require.Eventually(t, func() bool {
		return env.logger.hasMessage("warn", "grid session lost") ||
			env.logger.hasMessage("info", "grid closed the session")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateConnected, conn.State())
	require.NoError(t, conn.Send([]byte("still here")))
	assert.Equal(t, []byte("still here"), receive(t, conn))
}

func TestConnectToGrid_Failover(t *testing.T) {
	env := newTestEnv(t)
	dead := testutil.UnusedAddr(t)
	env.node.config.GridServers = []multiaddr.Multiaddr{dead, env.grid.Addr()}

	conn := env.newConn(t)
	require.NoError(t, conn.ConnectToGrid(testContext(t)))
	assert.Equal(t, StateConnectedToGrid, conn.State())
	assert.True(t, env.logger.hasMessage("warn", "grid server unreachable"))
}

func TestConnectToGrid_AllUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.node.config.GridServers = []multiaddr.Multiaddr{testutil.UnusedAddr(t), testutil.UnusedAddr(t)}

	conn := env.newConn(t)
	err := conn.ConnectToGrid(testContext(t))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, ResultNetworkError, conn.LastResult())
	assert.Equal(t, int(syscall.ECONNREFUSED), conn.LastErrno())
}

func TestConnectToGrid_WrongGridKey(t *testing.T) {
	var other crypto.PeerID
	other[0] = 1
	env := newTestEnv(t, WithGridPeerID(other))

	conn := env.newConn(t)
	err := conn.ConnectToGrid(testContext(t))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, StateError, conn.State())
}

func TestConnectToGrid_VersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.grid.SetVersion(&grid.ProtocolVersion{Magic: grid.ProtocolMagic, Major: grid.ProtocolMajor + 1})

	conn := env.newConn(t)
	err := conn.ConnectToGrid(testContext(t))
	assert.ErrorIs(t, err, ErrProtocolUnsupported)
	assert.Equal(t, StateError, conn.State())
}

func TestConnectToGrid_RequestTimeout(t *testing.T) {
	env := newTestEnv(t, WithRequestTimeout(200*time.Millisecond))
	env.grid.SetSilent(true)

	conn := env.newConn(t)
	err := conn.ConnectToGrid(testContext(t))
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateError, conn.State())
}

func TestConnectToGrid_ContextCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.grid.SetSilent(true)

	conn := env.newConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := conn.ConnectToGrid(ctx)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateError, conn.State())
	assert.NoError(t, conn.Poll(), "nothing left in flight")
}

func TestConnectToGrid_WrongState(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	require.NoError(t, conn.ConnectToGrid(testContext(t)))

	err := conn.ConnectToGrid(testContext(t))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateConnectedToGrid, conn.State())
}

func TestSetPrivateKey(t *testing.T) {
	env := newTestEnv(t)
	node, err := Init(NewConfig(WithGridServers(env.grid.Addr())))
	require.NoError(t, err)
	defer node.Shutdown()

	conn, err := node.NewConnection()
	require.NoError(t, err)

	_, err = conn.MyPeerID()
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, conn.ConnectToGrid(testContext(t)), ErrInvalidKey)
	assert.Equal(t, StateCreated, conn.State())

	assert.ErrorIs(t, conn.SetPrivateKey([]byte{1, 2, 3}), ErrInvalidKey)
	assert.Equal(t, StateCreated, conn.State())

	key := generateTestKey(t)
	require.NoError(t, conn.SetPrivateKey(key))
	pub, err := CalcPublicKey(key)
	require.NoError(t, err)
	mine, err := conn.MyPeerID()
	require.NoError(t, err)
	assert.Equal(t, pub[:], mine[:])

	require.NoError(t, conn.ConnectToGrid(testContext(t)))
	assert.ErrorIs(t, conn.SetPrivateKey(key), ErrInvalidState)
}

// pollUntilDone drives a non-blocking operation to completion.
func pollUntilDone(t *testing.T, conn *Connection, err error) error {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for errors.Is(err, ErrWouldBlock) {
		assert.Equal(t, ResultWouldBlock, conn.LastResult())
		select {
		case <-conn.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("operation did not finish")
		}
		err = conn.Poll()
	}
	return err
}

func TestNonBlocking_Poll(t *testing.T) {
	env := newTestEnv(t, WithBlocking(false))
	require.NoError(t, env.device.Trust(env.peerID(t)))
	conn := env.newConn(t)
	assert.False(t, conn.BlockingMode())
	assert.NoError(t, conn.Poll(), "nothing in flight")

	ctx := testContext(t)
	err := conn.ConnectToGrid(ctx)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, StateConnectingGrid, conn.State())

	// Busy while the operation is in flight.
	assert.ErrorIs(t, conn.SetBlockingMode(true), ErrInvalidState)
	assert.ErrorIs(t, conn.Close(), ErrInvalidState)
	assert.ErrorIs(t, conn.ConnectToGrid(ctx), ErrInvalidState)

	require.NoError(t, pollUntilDone(t, conn, err))
	assert.Equal(t, StateConnectedToGrid, conn.State())

	err = conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol)
	require.NoError(t, pollUntilDone(t, conn, err))
	assert.Equal(t, StateConnected, conn.State())

	require.NoError(t, conn.Send([]byte("non-blocking")))
	assert.Equal(t, []byte("non-blocking"), receive(t, conn))

	require.NoError(t, conn.SetBlockingMode(true))
	assert.True(t, conn.BlockingMode())
	require.NoError(t, conn.Send([]byte("blocking again")))
	assert.Equal(t, []byte("blocking again"), receive(t, conn))
}

func TestNonBlocking_PairingRequired(t *testing.T) {
	env := newTestEnv(t, WithBlocking(false))
	conn := env.newConn(t)
	ctx := testContext(t)

	require.NoError(t, pollUntilDone(t, conn, conn.ConnectToGrid(ctx)))
	err := pollUntilDone(t, conn, conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol))
	require.ErrorIs(t, err, ErrPairingRequired)

	otp, err := env.device.IssueOTP(time.Minute)
	require.NoError(t, err)
	require.NoError(t, pollUntilDone(t, conn, conn.PairRemote(ctx, otp)))
	require.NoError(t, pollUntilDone(t, conn, conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol)))
	assert.Equal(t, StateConnected, conn.State())
}

func TestShutdown_ClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)

	require.NoError(t, env.node.Shutdown())
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, env.node.Connections())
}

func TestTracer_SpansPerOperation(t *testing.T) {
	tracer := &recordingTracer{}
	env := newTestEnv(t, WithTracer(tracer))
	conn := env.connected(t)
	require.NoError(t, conn.Send([]byte("traced")))
	receive(t, conn)
	require.NoError(t, conn.Close())

	assert.Equal(t, []string{OpConnectGrid, OpConnectPeer, OpSend, OpClose}, tracer.ops())
	for _, err := range tracer.errs() {
		assert.NoError(t, err)
	}
}

type tracedOp struct {
	op  string
	err error
}

// recordingTracer remembers the operations it was asked to trace.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*tracedOp
}

func (r *recordingTracer) Start(ctx context.Context, op, connID, peer string) (context.Context, func(error)) {
	span := &tracedOp{op: op}
	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.mu.Unlock()
	return ctx, func(err error) {
		r.mu.Lock()
		span.err = err
		r.mu.Unlock()
	}
}

func (r *recordingTracer) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.spans))
	for i, s := range r.spans {
		out[i] = s.op
	}
	return out
}

func (r *recordingTracer) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.spans))
	for i, s := range r.spans {
		out[i] = s.err
	}
	return out
}

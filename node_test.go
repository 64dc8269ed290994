package opensdg

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Defaults(t *testing.T) {
	node, err := Init(nil)
	require.NoError(t, err)
	defer node.Shutdown()

	assert.Len(t, node.Config().GridServers, len(DefaultGridServers))
	_, ok := node.PeerID()
	assert.False(t, ok, "no node-wide identity without a private key")
}

func TestInit_InvalidConfig(t *testing.T) {
	_, err := Init(&Config{PrivateKey: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Init(&Config{BufferSize: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInit_WithPrivateKey(t *testing.T) {
	key := generateTestKey(t)
	pub, err := CalcPublicKey(key)
	require.NoError(t, err)

	node, err := Init(NewConfig(WithPrivateKey(key)))
	require.NoError(t, err)
	defer node.Shutdown()

	id, ok := node.PeerID()
	require.True(t, ok)
	assert.Equal(t, pub[:], id[:])

	conn, err := node.NewConnection()
	require.NoError(t, err)
	mine, err := conn.MyPeerID()
	require.NoError(t, err)
	assert.Equal(t, id, mine)
}

func TestNode_ConnectionTable(t *testing.T) {
	metrics := NewTestMetrics()
	node, err := Init(NewConfig(WithMetrics(metrics)))
	require.NoError(t, err)
	defer node.Shutdown()

	a, err := node.NewConnection()
	require.NoError(t, err)
	b, err := node.NewConnection()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, StateCreated, a.State())

	got, err := node.Connection(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Len(t, node.Connections(), 2)

	_, err = node.Connection(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownConnection)

	a.Destroy()
	a.Destroy()
	_, err = node.Connection(a.ID())
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Len(t, node.Connections(), 1)

	assert.Equal(t, 2, metrics.count(func(m *TestMetrics) int { return m.Created }))
	assert.Equal(t, 1, metrics.count(func(m *TestMetrics) int { return m.Destroyed }))
}

func TestNode_DestroyedHandleRejectsCalls(t *testing.T) {
	node, err := Init(nil)
	require.NoError(t, err)
	defer node.Shutdown()

	conn, err := node.NewConnection()
	require.NoError(t, err)
	conn.Destroy()

	assert.ErrorIs(t, conn.Send([]byte("x")), ErrInvalidState)
	assert.ErrorIs(t, conn.SetPrivateKey(generateTestKey(t)), ErrInvalidState)
	_, ok := <-conn.Messages()
	assert.False(t, ok, "Messages should be closed after Destroy")
}

func TestNode_Shutdown(t *testing.T) {
	node, err := Init(nil)
	require.NoError(t, err)

	conn, err := node.NewConnection()
	require.NoError(t, err)

	require.NoError(t, node.Shutdown())
	require.NoError(t, node.Shutdown())

	assert.Empty(t, node.Connections())
	_, err = node.NewConnection()
	assert.True(t, errors.Is(err, ErrNodeShutdown))
	assert.ErrorIs(t, conn.Send(nil), ErrInvalidState)

	_, ok := <-node.Events()
	assert.False(t, ok, "node events should be closed after Shutdown")
}

func TestCreatePrivateKey(t *testing.T) {
	a, err := CreatePrivateKey()
	require.NoError(t, err)
	b, err := CreatePrivateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pubA, err := CalcPublicKey(a[:])
	require.NoError(t, err)
	again, err := CalcPublicKey(a[:])
	require.NoError(t, err)
	assert.Equal(t, pubA, again)

	_, err = CalcPublicKey(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

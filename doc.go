/*
Package opensdg implements the Grid Connect protocol: secure, NAT-traversing
peer-to-peer connections brokered by a central grid server.

A client identifies itself with a long-term Curve25519 key pair. It opens a
secure channel to the grid, asks the grid for a tunnel to a peer named by
its peer id (the public key), and then runs a second, end-to-end secure
channel with the peer through the relay the grid hands out. Peers that do
not trust each other yet are bootstrapped with a one-time password shared
out of band.

# Features

  - CurveCP-style handshake with NaCl boxes and forward-secret session keys
  - Grid failover across a list of grid servers
  - OTP pairing with single-use passwords and a persistent trust store
  - Keepalive pings with a configurable interval
  - Blocking and non-blocking operation on every connect call
  - Non-blocking connection state event notifications
  - Optional zap logging, Prometheus metrics and OpenTelemetry tracing

# Quick Start

Create a node and a connection:

	key, _ := opensdg.CreatePrivateKey()
	node, err := opensdg.Init(opensdg.NewConfig(
		opensdg.WithPrivateKey(key[:]),
	))
	if err != nil {
		// Handle error
	}
	defer node.Shutdown()

	conn, _ := node.NewConnection()
	defer conn.Destroy()

Connect to the grid, then to a peer:

	ctx := context.Background()
	if err := conn.ConnectToGrid(ctx); err != nil {
		// Handle error
	}

	err = conn.ConnectToRemote(ctx, peerID, "dominion-1.0")
	if errors.Is(err, opensdg.ErrPairingRequired) {
		// Pair with the OTP shown by the peer, then connect again
		if err := conn.PairRemote(ctx, otp); err != nil {
			// Handle error
		}
		err = conn.ConnectToRemote(ctx, peerID, "dominion-1.0")
	}

Exchange data:

	conn.Send([]byte("hello"))
	for msg := range conn.Messages() {
		fmt.Printf("received %d bytes\n", len(msg))
	}

Monitor state changes:

	for event := range conn.Events() {
		fmt.Printf("%s -> %s (%s)\n", event.From, event.To, event.Result)
	}

# Connection States

	Created → ConnectingGrid → ConnectedToGrid → ConnectingPeer → Connected
	                                              ↕ Pairing
	Connected → Closing → Closed
	any non-terminal state → Error

Error and Closed are terminal. A handle in either state only supports
Destroy.

# Non-blocking Mode

With SetBlockingMode(false) the connect calls take one step and return
ErrWouldBlock. Wait on Ready and call Poll until it returns something else:

	err := conn.ConnectToGrid(ctx)
	for errors.Is(err, opensdg.ErrWouldBlock) {
		<-conn.Ready()
		err = conn.Poll()
	}

# Security

Private keys and session keys never appear in logs or error messages.
Session keys are wiped when a channel closes, and identities are wiped on
Destroy.

# Thread Safety

All public Node and Connection methods are thread-safe. Messages and Events
are meant for a single consumer each.
*/
package opensdg

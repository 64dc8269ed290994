package opensdg

import (
	"sync"
	"testing"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogger records log calls.
type TestLogger struct {
	mu    sync.Mutex
	Calls []LogCall
}

type LogCall struct {
	Level         string
	Message       string
	KeysAndValues []any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.record("debug", msg, keysAndValues)
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.record("info", msg, keysAndValues)
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.record("warn", msg, keysAndValues)
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.record("error", msg, keysAndValues)
}

func (l *TestLogger) record(level, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, LogCall{
		Level:         level,
		Message:       msg,
		KeysAndValues: keysAndValues,
	})
}

// hasMessage reports whether l recorded msg at level.
func (l *TestLogger) hasMessage(level, msg string) bool {
	_, ok := l.find(level, msg, nil)
	return ok
}

// find returns the first call at level with msg for which match (if any)
// returns true.
func (l *TestLogger) find(level, msg string, match func(LogCall) bool) (LogCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.Calls {
		if c.Level == level && c.Message == msg && (match == nil || match(c)) {
			return c, true
		}
	}
	return LogCall{}, false
}

// field returns the value logged under key.
func (c LogCall) field(key string) (any, bool) {
	for i := 0; i+1 < len(c.KeysAndValues); i += 2 {
		if c.KeysAndValues[i] == key {
			return c.KeysAndValues[i+1], true
		}
	}
	return nil, false
}

func TestConfig_DefaultsToNopLogger(t *testing.T) {
	cfg := NewConfig()
	if _, ok := cfg.Logger.(NopLogger); !ok {
		t.Errorf("default logger = %T, want NopLogger", cfg.Logger)
	}

	l := &TestLogger{}
	cfg = NewConfig(WithLogger(l))
	if cfg.Logger != l {
		t.Error("WithLogger should win over the default")
	}
}

func TestWithFields_PrefixesEveryCall(t *testing.T) {
	base := &TestLogger{}
	l := withFields(base, "conn_id", "abc")
	l = withFields(l, "peer_id", "def")

	l.Info("connected", "state", "Connected")
	l.Error("failed")

	if len(base.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(base.Calls))
	}
	want := []any{"conn_id", "abc", "peer_id", "def", "state", "Connected"}
	got := base.Calls[0].KeysAndValues
	if len(got) != len(want) {
		t.Fatalf("KeysAndValues = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("KeysAndValues[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if n := len(base.Calls[1].KeysAndValues); n != 4 {
		t.Errorf("expected 4 fields on the error call, got %d", n)
	}
}

func TestWithFields_Flattens(t *testing.T) {
	base := &TestLogger{}
	l := withFields(withFields(base, "a", 1), "b", 2)

	fl, ok := l.(*fieldLogger)
	if !ok {
		t.Fatalf("withFields returned %T", l)
	}
	if fl.base != Logger(base) {
		t.Error("nested withFields should wrap the original logger once")
	}
}

func TestWithFields_SiblingsDoNotShareFields(t *testing.T) {
	base := &TestLogger{}
	parent := withFields(base, "conn_id", "c1")
	left := withFields(parent, "peer_id", "left")
	right := withFields(parent, "peer_id", "right")

	left.Debug("l")
	right.Debug("r")
	parent.Debug("p")

	tests := []struct {
		msg  string
		want []any
	}{
		{"l", []any{"conn_id", "c1", "peer_id", "left"}},
		{"r", []any{"conn_id", "c1", "peer_id", "right"}},
		{"p", []any{"conn_id", "c1"}},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			c, ok := base.find("debug", tt.msg, nil)
			if !ok {
				t.Fatalf("no %q call", tt.msg)
			}
			if len(c.KeysAndValues) != len(tt.want) {
				t.Fatalf("KeysAndValues = %v, want %v", c.KeysAndValues, tt.want)
			}
			for i := range tt.want {
				if c.KeysAndValues[i] != tt.want[i] {
					t.Errorf("KeysAndValues[%d] = %v, want %v", i, c.KeysAndValues[i], tt.want[i])
				}
			}
		})
	}
}

func TestWithFields_LeavesCallerArgsAlone(t *testing.T) {
	base := &TestLogger{}
	l := withFields(base, "conn_id", "c1")

	kv := make([]any, 2, 8)
	kv[0], kv[1] = "state", "Connected"
	l.Info("a", kv...)
	l.Info("b", kv[:0]...)

	if kv[0] != "state" || kv[1] != "Connected" {
		t.Errorf("caller slice modified: %v", kv)
	}
	c, _ := base.find("info", "b", nil)
	if len(c.KeysAndValues) != 2 {
		t.Errorf("second call fields = %v", c.KeysAndValues)
	}
}

func TestConnectionLog_ConnIDAndStateLevels(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connected(t)
	id := conn.ID().String()

	for _, state := range []string{StateConnectedToGrid.String(), StateConnected.String()} {
		c, ok := env.logger.find("info", "state changed", func(c LogCall) bool {
			v, _ := c.field("state")
			return v == state
		})
		require.True(t, ok, "no info log for %s", state)
		assert.Equal(t, []any{"conn_id", id}, c.KeysAndValues[:2], "conn_id must lead")
	}

	_, ok := env.logger.find("debug", "state changed", func(c LogCall) bool {
		v, _ := c.field("state")
		return v == StateConnectingPeer.String()
	})
	assert.True(t, ok, "intermediate states log at debug")

	require.NoError(t, conn.Close())
	_, ok = env.logger.find("info", "state changed", func(c LogCall) bool {
		v, _ := c.field("state")
		return v == StateClosed.String()
	})
	assert.True(t, ok, "Closed logs at info")
}

func TestConnectionLog_ErrorOnFailure(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	var stranger crypto.PeerID
	stranger[0] = 0x17
	require.Error(t, conn.ConnectToRemote(ctx, stranger, testProtocol))

	c, ok := env.logger.find("error", "connection failed", nil)
	require.True(t, ok)
	v, _ := c.field("conn_id")
	assert.Equal(t, conn.ID().String(), v)
	v, _ = c.field("result")
	assert.Equal(t, ResultPeerUnreachable.String(), v)
	v, _ = c.field("from")
	assert.Equal(t, StateConnectingPeer.String(), v)
}

func TestConnectionLog_WarnOnPairingRequired(t *testing.T) {
	env := newTestEnv(t)
	conn := env.newConn(t)
	ctx := testContext(t)
	require.NoError(t, conn.ConnectToGrid(ctx))

	err := conn.ConnectToRemote(ctx, env.device.PeerID(), testProtocol)
	require.ErrorIs(t, err, ErrPairingRequired)

	c, ok := env.logger.find("warn", "peer requires pairing", nil)
	require.True(t, ok)
	v, _ := c.field("conn_id")
	assert.Equal(t, conn.ID().String(), v)
	v, _ = c.field("peer_id")
	assert.Equal(t, env.device.PeerID().ShortString(), v)
	assert.False(t, env.logger.hasMessage("error", "connection failed"), "pairing required is not a failure")
}

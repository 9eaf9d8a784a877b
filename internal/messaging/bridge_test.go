package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBridgeServer accepts one websocket at a time and records received commands.
type fakeBridgeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []command
}

func newFakeBridgeServer(t *testing.T) *fakeBridgeServer {
	t.Helper()
	f := &fakeBridgeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if json.Unmarshal(data, &cmd) == nil {
				f.mu.Lock()
				f.commands = append(f.commands, cmd)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBridgeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeBridgeServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeBridgeServer) last() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeBridgeServer) received() []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command(nil), f.commands...)
}

func TestBridge_ReceivesFramesInOrder(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := NewBridge(srv.wsURL(), zap.NewNop(), time.Second)
	defer b.Close()

	var mu sync.Mutex
	var events []string
	b.AddHandler(func(f Frame) {
		mu.Lock()
		events = append(events, f.Event)
		mu.Unlock()
	})

	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, time.Second, 10*time.Millisecond)

	conn := srv.last()
	for _, ev := range []string{EventQR, EventAuthenticated, EventReady} {
		require.NoError(t, conn.WriteJSON(map[string]any{"event": ev, "data": map[string]string{}}))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteJSON(map[string]any{"event": EventMessage}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{EventQR, EventAuthenticated, EventReady, EventMessage}, events)
	mu.Unlock()
}

func TestBridge_SendCommandAndOnConnect(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := NewBridge(srv.wsURL(), zap.NewNop(), time.Second)
	defer b.Close()

	b.OnConnect(func(ctx context.Context) error {
		return b.Send(ctx, CommandInitialize, map[string]any{"session": nil})
	})
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.Send(context.Background(), CommandSend, map[string]string{"to": "521@c.us", "body": "hola"}))

	require.Eventually(t, func() bool { return len(srv.received()) == 2 }, time.Second, 10*time.Millisecond)
	cmds := srv.received()
	assert.Equal(t, CommandInitialize, cmds[0].Command)
	assert.Equal(t, CommandSend, cmds[1].Command)
}

func TestBridge_SendWhenDisconnected(t *testing.T) {
	b := NewBridge("ws://127.0.0.1:1/events", zap.NewNop(), time.Second)
	assert.ErrorIs(t, b.Send(context.Background(), CommandSend, nil), ErrNotConnected)
	assert.False(t, b.IsConnected())
	assert.NoError(t, b.Close())
}

func TestBridge_ConnectFailure(t *testing.T) {
	b := NewBridge("ws://127.0.0.1:1/events", zap.NewNop(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to bridge")
}

func TestBridge_RetryConnectAfterInitialFailure(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := NewBridge(srv.wsURL(), zap.NewNop(), 20*time.Millisecond)
	defer b.Close()

	b.RetryConnect()

	require.Eventually(t, b.IsConnected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBridge_ConnectAfterCloseDropsConnection(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := NewBridge(srv.wsURL(), zap.NewNop(), 20*time.Millisecond)
	hooks := 0
	b.OnConnect(func(context.Context) error {
		hooks++
		return nil
	})
	require.NoError(t, b.Close())

	err := b.Connect(context.Background())
	require.ErrorIs(t, err, ErrBridgeClosed)
	assert.False(t, b.IsConnected())
	assert.Zero(t, hooks)
	assert.ErrorIs(t, b.Send(context.Background(), CommandSend, nil), ErrNotConnected)
}

func TestBridge_ReconnectsAfterServerDrop(t *testing.T) {
	srv := newFakeBridgeServer(t)
	b := NewBridge(srv.wsURL(), zap.NewNop(), 20*time.Millisecond)
	defer b.Close()

	var mu sync.Mutex
	hellos := 0
	b.OnConnect(func(context.Context) error {
		mu.Lock()
		hellos++
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, time.Second, 10*time.Millisecond)

	_ = srv.last().Close()

	require.Eventually(t, func() bool { return srv.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hellos == 2
	}, time.Second, 10*time.Millisecond, "hooks run again after reconnect")
	require.Eventually(t, b.IsConnected, time.Second, 10*time.Millisecond)
}

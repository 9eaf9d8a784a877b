package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is one event pushed by the bridge: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// command is what we push to the bridge: {"command": "...", "data": {...}}.
type command struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}

// FrameHandler is called for every received frame, in arrival order.
type FrameHandler func(Frame)

var ErrNotConnected = errors.New("messaging: bridge not connected")

// ErrBridgeClosed is returned by Connect once Close has been called.
var ErrBridgeClosed = errors.New("messaging: bridge closed")

// Bridge is a websocket client for the browser-automation bridge.
// It reconnects after read errors and runs the OnConnect hooks on every
// successful dial.
type Bridge struct {
	url            string
	logger         *zap.Logger
	reconnectDelay time.Duration

	connMu    sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool

	handlersMu sync.RWMutex
	handlers   []FrameHandler
	onConnect  []func(ctx context.Context) error

	done      chan struct{}
	closeOnce sync.Once
}

func NewBridge(url string, logger *zap.Logger, reconnectDelay time.Duration) *Bridge {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Bridge{
		url:            url,
		logger:         logger,
		reconnectDelay: reconnectDelay,
		done:           make(chan struct{}),
	}
}

// Connect dials the bridge, starts the read loop and runs the OnConnect hooks.
func (b *Bridge) Connect(ctx context.Context) error {
	b.logger.Info("bridge.connecting", zap.String("url", b.url))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}

	b.connMu.Lock()
	select {
	case <-b.done:
		b.connMu.Unlock()
		_ = conn.Close()
		return ErrBridgeClosed
	default:
	}
	b.conn = conn
	b.connected = true
	b.connMu.Unlock()
	b.logger.Info("bridge.connected")

	go b.readLoop(conn)

	b.handlersMu.RLock()
	hooks := append([]func(context.Context) error(nil), b.onConnect...)
	b.handlersMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			b.logger.Warn("bridge.on_connect_failed", zap.Error(err))
		}
	}
	return nil
}

// Close stops reconnecting and closes the connection.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.connMu.Lock()
	defer b.connMu.Unlock()
	b.connected = false
	if b.conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
	return b.conn.Close()
}

func (b *Bridge) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected
}

func (b *Bridge) AddHandler(h FrameHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// OnConnect registers a hook run after every successful (re)connect.
func (b *Bridge) OnConnect(hook func(ctx context.Context) error) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.onConnect = append(b.onConnect, hook)
}

// Send writes a command frame.
func (b *Bridge) Send(ctx context.Context, name string, data any) error {
	b.connMu.RLock()
	conn, connected := b.conn, b.connected
	b.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(command{Command: name, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send command %s: %w", name, err)
	}
	b.logger.Debug("bridge.command_sent", zap.String("command", name))
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.connMu.Lock()
		if b.conn == conn {
			b.connected = false
		}
		b.connMu.Unlock()
		b.logger.Info("bridge.read_loop_exited")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Info("bridge.closed_by_peer")
			} else {
				b.logger.Error("bridge.read_failed", zap.Error(err))
			}
			b.scheduleReconnect()
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			b.logger.Warn("bridge.invalid_frame", zap.Error(err))
			continue
		}
		b.notifyHandlers(frame)
	}
}

func (b *Bridge) notifyHandlers(f Frame) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for _, h := range b.handlers {
		h(f)
	}
}

// RetryConnect keeps dialing in the background after a failed Connect.
func (b *Bridge) RetryConnect() { b.scheduleReconnect() }

func (b *Bridge) scheduleReconnect() {
	b.logger.Info("bridge.reconnect_scheduled", zap.Duration("delay", b.reconnectDelay))

	time.AfterFunc(b.reconnectDelay, func() {
		select {
		case <-b.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := b.Connect(ctx); err != nil {
			b.logger.Error("bridge.reconnect_failed", zap.Error(err))
			b.scheduleReconnect()
		}
	})
}

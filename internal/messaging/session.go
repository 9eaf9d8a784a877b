// Package messaging adapts the event stream of the external chat bridge:
// pairing (QR, authentication, session backup), inbound message relay and
// outbound send commands.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/credstore"
	"github.com/Checker-Finance/books-gateway/internal/metrics"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// Bridge events.
const (
	EventQR            = "qr"
	EventAuthenticated = "authenticated"
	EventSession       = "session"
	EventAuthFailure   = "auth_failure"
	EventReady         = "ready"
	EventMessage       = "message"
	EventDisconnected  = "disconnected"
)

// Bridge commands.
const (
	CommandInitialize = "initialize"
	CommandSend       = "send"
)

var (
	// ErrPairingFailed is delivered on Fatal() when the bridge reports auth_failure.
	ErrPairingFailed = errors.New("messaging: pairing failed")
	ErrNotReady      = errors.New("messaging: session not ready")
)

// Transport is the bridge connection; *Bridge implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, command string, data any) error
	AddHandler(h FrameHandler)
	OnConnect(hook func(ctx context.Context) error)
	IsConnected() bool
	Close() error
}

// Relayer forwards inbound messages; *relay.Fanout implements it.
type Relayer interface {
	Enabled() bool
	Relay(ctx context.Context, msg model.InboundMessage) error
}

// MediaFetcher downloads attachments; *HTTPMedia implements it.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, id string) (*model.Attachment, error)
}

// SessionConfig holds the Session collaborators. Relay and Media may be nil.
type SessionConfig struct {
	Transport    Transport
	Store        credstore.Store[model.SessionCredential]
	Relay        Relayer
	Media        MediaFetcher
	QRPath       string
	EventTimeout time.Duration
}

// Session tracks pairing state and reacts to bridge events.
// After auth_failure the session halts: the fatal signal fires once and
// every later event is dropped.
type Session struct {
	logger       *zap.Logger
	transport    Transport
	store        credstore.Store[model.SessionCredential]
	relay        Relayer
	media        MediaFetcher
	qrPath       string
	eventTimeout time.Duration

	mu     sync.RWMutex
	qr     string
	authed bool
	ready  bool

	halted    atomic.Bool
	fatal     chan error
	fatalOnce sync.Once
}

func NewSession(logger *zap.Logger, cfg SessionConfig) *Session {
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	s := &Session{
		logger:       logger,
		transport:    cfg.Transport,
		store:        cfg.Store,
		relay:        cfg.Relay,
		media:        cfg.Media,
		qrPath:       cfg.QRPath,
		eventTimeout: cfg.EventTimeout,
		fatal:        make(chan error, 1),
	}
	cfg.Transport.AddHandler(s.HandleFrame)
	cfg.Transport.OnConnect(s.hello)
	return s
}

// Initialize connects to the bridge. On every (re)connect the stored session
// credential is offered with the initialize command.
func (s *Session) Initialize(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

func (s *Session) hello(ctx context.Context) error {
	data := map[string]any{"session": nil}
	if s.store != nil {
		cred, err := credstore.LoadOr(ctx, s.store, model.SessionCredential{})
		if err != nil {
			s.logger.Warn("messaging.session_load_failed", zap.Error(err))
		}
		if len(cred.Payload) > 0 {
			data["session"] = cred.Payload
			s.logger.Info("messaging.session_restored", zap.Time("saved_at", cred.SavedAt))
		}
	}
	return s.transport.Send(ctx, CommandInitialize, data)
}

// Fatal delivers ErrPairingFailed at most once.
func (s *Session) Fatal() <-chan error { return s.fatal }

// QR returns the last pairing code, if the session is waiting for a scan.
func (s *Session) QR() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr, s.qr != ""
}

func (s *Session) Authed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Send asks the bridge to deliver body to a phone number or chat id.
func (s *Session) Send(ctx context.Context, to, body string) error {
	if s.halted.Load() || !s.Ready() {
		return ErrNotReady
	}
	chatID := ChatID(to)
	if chatID == "" {
		return fmt.Errorf("messaging: empty recipient")
	}
	return s.transport.Send(ctx, CommandSend, map[string]string{"to": chatID, "body": body})
}

// Close disconnects from the bridge.
func (s *Session) Close() error { return s.transport.Close() }

// ChatID turns a phone number into a chat id ("5215512345678" → "5215512345678@c.us").
func ChatID(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.Contains(phone, "@") {
		return phone
	}
	phone = strings.NewReplacer("+", "", " ", "", "-", "").Replace(phone)
	return phone + "@c.us"
}

// HandleFrame processes one bridge event.
func (s *Session) HandleFrame(f Frame) {
	if s.halted.Load() {
		s.logger.Debug("messaging.event_dropped", zap.String("event", f.Event))
		return
	}
	metrics.IncMessagingEvent(f.Event)

	ctx, cancel := context.WithTimeout(context.Background(), s.eventTimeout)
	defer cancel()

	switch f.Event {
	case EventQR:
		s.onQR(f.Data)
	case EventAuthenticated:
		s.onAuthenticated(ctx, f.Data)
	case EventSession:
		s.saveSession(ctx, f.Data)
	case EventAuthFailure:
		s.onAuthFailure(ctx, f.Data)
	case EventReady:
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.logger.Info("messaging.ready")
	case EventMessage:
		s.onMessage(ctx, f.Data)
	case EventDisconnected:
		s.onDisconnected(ctx, f.Data)
	default:
		s.logger.Debug("messaging.unknown_event", zap.String("event", f.Event))
	}
}

func (s *Session) onQR(data json.RawMessage) {
	var p struct {
		QR string `json:"qr"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.QR == "" {
		s.logger.Warn("messaging.invalid_qr", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.qr = p.QR
	s.authed = false
	s.mu.Unlock()

	if s.qrPath != "" {
		err := os.MkdirAll(filepath.Dir(s.qrPath), 0o755)
		if err == nil {
			err = os.WriteFile(s.qrPath, []byte(p.QR), 0o644)
		}
		if err != nil {
			s.logger.Warn("messaging.qr_write_failed", zap.String("path", s.qrPath), zap.Error(err))
		}
	}
	s.logger.Info("messaging.qr_received")
}

func (s *Session) onAuthenticated(ctx context.Context, data json.RawMessage) {
	s.mu.Lock()
	s.qr = ""
	s.authed = true
	s.mu.Unlock()

	if s.qrPath != "" {
		if err := os.Remove(s.qrPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("messaging.qr_remove_failed", zap.Error(err))
		}
	}
	s.logger.Info("messaging.authenticated")
	s.saveSession(ctx, data)
}

// saveSession persists {"session": ...} when the event carries one.
func (s *Session) saveSession(ctx context.Context, data json.RawMessage) {
	if s.store == nil || len(data) == 0 {
		return
	}
	var p struct {
		Session json.RawMessage `json:"session"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("messaging.invalid_session_payload", zap.Error(err))
		return
	}
	if len(p.Session) == 0 || string(p.Session) == "null" {
		return
	}
	cred := model.SessionCredential{Payload: p.Session, SavedAt: time.Now().UTC()}
	if err := s.store.Save(ctx, cred); err != nil {
		s.logger.Error("messaging.session_save_failed", zap.Error(err))
		return
	}
	s.logger.Debug("messaging.session_saved")
}

func (s *Session) onAuthFailure(ctx context.Context, data json.RawMessage) {
	var p struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &p)

	s.fatalOnce.Do(func() {
		s.halted.Store(true)

		s.mu.Lock()
		s.authed = false
		s.ready = false
		s.mu.Unlock()

		s.deleteSession(ctx)
		s.logger.Error("messaging.auth_failure", zap.String("reason", p.Message))
		s.fatal <- fmt.Errorf("%w: %s", ErrPairingFailed, p.Message)
	})
}

func (s *Session) onMessage(ctx context.Context, data json.RawMessage) {
	if s.relay == nil || !s.relay.Enabled() {
		return
	}

	var msg model.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("messaging.invalid_message", zap.Error(err))
		return
	}

	if msg.HasMedia && s.media != nil {
		att, err := s.media.FetchMedia(ctx, msg.ID)
		if err != nil {
			s.logger.Warn("messaging.media_fetch_failed",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		} else {
			msg.AttachmentData = att
		}
	}

	if err := s.relay.Relay(ctx, msg); err != nil {
		s.logger.Warn("messaging.relay_failed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (s *Session) onDisconnected(ctx context.Context, data json.RawMessage) {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(data, &p)

	s.mu.Lock()
	s.ready = false
	if p.Reason == "LOGOUT" {
		s.authed = false
	}
	s.mu.Unlock()

	s.logger.Warn("messaging.disconnected", zap.String("reason", p.Reason))
	if p.Reason == "LOGOUT" {
		s.deleteSession(ctx)
	}
}

func (s *Session) deleteSession(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx); err != nil {
		s.logger.Error("messaging.session_delete_failed", zap.Error(err))
	}
}

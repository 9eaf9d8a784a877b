// Package intuit owns the OAuth2 session with the accounting provider:
// client configuration, the authorization-code exchange, token refresh and
// authenticated API calls.
package intuit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Checker-Finance/books-gateway/internal/credstore"
	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/internal/metrics"
	"github.com/Checker-Finance/books-gateway/internal/rate"
	"github.com/Checker-Finance/books-gateway/pkg/model"
	"github.com/Checker-Finance/books-gateway/pkg/utils"
)

// State of the session.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateAuthorized   State = "authorized"
	StateRefreshing   State = "refreshing"
)

// Config tunes the Manager. Zero values fall back to production defaults.
type Config struct {
	Endpoints  Endpoints
	State      string
	HTTPClient *http.Client
	RPS        int
	Burst      int
	RetryMax   int
}

// Manager holds at most one live token record.
// mu guards the fields; flight serializes exchanges and refreshes so that
// the last completed refresh wins.
type Manager struct {
	logger    *zap.Logger
	endpoints Endpoints
	client    *http.Client
	exec      *httpclient.Executor
	store     credstore.Store[model.TokenRecord]
	now       func() time.Time

	flight sync.Mutex

	mu         sync.Mutex
	conf       *oauth2.Config
	record     model.TokenRecord
	state      State
	authState  string
	generation uint64
}

// NewManager creates an unconfigured Manager. store may be nil.
func NewManager(logger *zap.Logger, cfg Config, store credstore.Store[model.TokenRecord]) *Manager {
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.State == "" {
		cfg.State = DefaultState
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	rateMgr := rate.NewManager(rate.Config{RequestsPerSecond: cfg.RPS, Burst: cfg.Burst})

	return &Manager{
		logger:    logger,
		endpoints: cfg.Endpoints,
		client:    cfg.HTTPClient,
		exec:      httpclient.New(logger, rateMgr, cfg.HTTPClient, cfg.RetryMax, "intuit", apiErrorHandler),
		store:     store,
		now:       time.Now,
		state:     StateUnconfigured,
		authState: cfg.State,
	}
}

// Configure discards any prior session and token and starts over with creds.
// Nothing is persisted until a code exchange succeeds.
func (m *Manager) Configure(creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.conf = m.oauthConfig(creds)
	m.record = model.TokenRecord{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Environment:  creds.Environment,
		RedirectURI:  creds.RedirectURI,
	}
	m.state = StateConfigured
	m.generation++

	m.logger.Info("intuit.configured",
		zap.String("client_id", utils.MaskSecret(creds.ClientID)),
		zap.String("environment", creds.Environment),
		zap.String("redirect_uri", creds.RedirectURI))
	return nil
}

// Restore re-hydrates a persisted record at startup.
func (m *Manager) Restore(rec model.TokenRecord) error {
	creds := Credentials{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		Environment:  rec.Environment,
		RedirectURI:  rec.RedirectURI,
	}
	if err := creds.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.conf = m.oauthConfig(creds)
	m.record = rec
	m.state = StateConfigured
	if rec.RefreshToken != "" || rec.HasAccessToken() {
		m.state = StateAuthorized
	}
	m.generation++
	metrics.SetTokenExpiry(rec.ExpiresAt)

	m.logger.Info("intuit.restored",
		zap.String("environment", rec.Environment),
		zap.String("realm_id", rec.RealmID),
		zap.String("state", string(m.state)),
		zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

// AuthorizationURL builds the consent URL for scopes. An empty state uses
// the configured default. The URL is a pure function of the configuration.
func (m *Manager) AuthorizationURL(scopes []string, state string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conf == nil {
		return "", ErrNotConfigured
	}
	if state == "" {
		state = m.authState
	}
	conf := *m.conf
	conf.Scopes = append([]string(nil), scopes...)
	return conf.AuthCodeURL(state), nil
}

// ExchangeCode trades the authorization code in callbackURL for tokens.
// callbackURL may be absolute or just the request URI ("/callback?code=...").
// On failure the previous record is left untouched.
func (m *Manager) ExchangeCode(ctx context.Context, callbackURL string) (model.TokenRecord, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("%w: invalid callback url: %w", ErrExchangeFailed, err)
	}
	q := u.Query()

	m.flight.Lock()
	defer m.flight.Unlock()

	m.mu.Lock()
	if m.conf == nil {
		m.mu.Unlock()
		return model.TokenRecord{}, ErrNotConfigured
	}
	conf := *m.conf
	gen := m.generation
	wantState := m.authState
	m.mu.Unlock()

	if e := q.Get("error"); e != "" {
		metrics.IncTokenRefresh("exchange", "failed")
		return model.TokenRecord{}, fmt.Errorf("%w: provider returned %s: %s",
			ErrExchangeFailed, e, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		return model.TokenRecord{}, ErrMissingCode
	}
	if st := q.Get("state"); st != "" && st != wantState {
		return model.TokenRecord{}, fmt.Errorf("%w: got %q", ErrStateMismatch, st)
	}

	tok, err := conf.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		metrics.IncTokenRefresh("exchange", "failed")
		m.logger.Warn("intuit.exchange_failed", zap.Error(err))
		return model.TokenRecord{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	rec, ok := m.apply(gen, tok, q.Get("realmId"))
	if !ok {
		return model.TokenRecord{}, fmt.Errorf("%w: client reconfigured during exchange", ErrExchangeFailed)
	}
	metrics.IncTokenRefresh("exchange", "success")
	m.logger.Info("intuit.exchange_success",
		zap.String("realm_id", rec.RealmID),
		zap.Time("expires_at", rec.ExpiresAt))
	m.persist(ctx, rec)
	return rec, nil
}

// Refresh always exchanges the refresh token for a new access token.
func (m *Manager) Refresh(ctx context.Context) (model.TokenRecord, error) {
	m.flight.Lock()
	defer m.flight.Unlock()
	return m.refreshLocked(ctx, "manual")
}

// EnsureFresh returns the current record untouched while the access token
// stays valid for longer than skew, and refreshes otherwise.
func (m *Manager) EnsureFresh(ctx context.Context, skew time.Duration) (model.TokenRecord, error) {
	m.flight.Lock()
	defer m.flight.Unlock()

	m.mu.Lock()
	rec := m.record
	configured := m.conf != nil
	m.mu.Unlock()

	if configured && rec.HasAccessToken() && rec.ExpiresIn(m.now()) > skew {
		metrics.IncTokenRefresh("scheduled", "skipped")
		return rec, nil
	}
	return m.refreshLocked(ctx, "scheduled")
}

// refreshLocked requires m.flight.
func (m *Manager) refreshLocked(ctx context.Context, trigger string) (model.TokenRecord, error) {
	m.mu.Lock()
	if m.conf == nil {
		m.mu.Unlock()
		return model.TokenRecord{}, ErrNotConfigured
	}
	if m.record.RefreshToken == "" {
		m.mu.Unlock()
		return model.TokenRecord{}, ErrUnauthenticated
	}
	conf := *m.conf
	gen := m.generation
	realm := m.record.RealmID
	old := &oauth2.Token{RefreshToken: m.record.RefreshToken}
	prev := m.state
	m.state = StateRefreshing
	m.mu.Unlock()

	tok, err := conf.TokenSource(m.oauthContext(ctx), old).Token()
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.state = prev
		}
		m.mu.Unlock()
		metrics.IncTokenRefresh(trigger, "failed")
		m.logger.Warn("intuit.refresh_failed", zap.String("trigger", trigger), zap.Error(err))
		return model.TokenRecord{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	rec, ok := m.apply(gen, tok, realm)
	if !ok {
		return model.TokenRecord{}, fmt.Errorf("%w: client reconfigured during refresh", ErrRefreshFailed)
	}
	metrics.IncTokenRefresh(trigger, "success")
	m.logger.Info("intuit.refresh_success",
		zap.String("trigger", trigger),
		zap.String("realm_id", rec.RealmID),
		zap.Time("expires_at", rec.ExpiresAt))
	m.persist(ctx, rec)
	return rec, nil
}

// apply merges tok into the record unless Configure ran since gen was read.
func (m *Manager) apply(gen uint64, tok *oauth2.Token, realmID string) (model.TokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		return model.TokenRecord{}, false
	}

	// stored times are UTC without a monotonic reading so they survive a JSON round trip
	now := m.now().UTC().Round(0)
	rec := m.record
	rec.AccessToken = tok.AccessToken
	rec.TokenType = tok.TokenType
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	if realmID != "" {
		rec.RealmID = realmID
	}
	if exp := tok.Expiry; !exp.IsZero() && exp.After(rec.ExpiresAt) {
		rec.ExpiresAt = exp.UTC().Round(0)
	}
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		rec.IDToken = id
	}
	if secs := extraSeconds(tok.Extra("x_refresh_token_expires_in")); secs > 0 {
		rec.RefreshTokenExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	rec.UpdatedAt = now

	m.record = rec
	m.state = StateAuthorized
	metrics.SetTokenExpiry(rec.ExpiresAt)
	return rec, true
}

func (m *Manager) persist(ctx context.Context, rec model.TokenRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("intuit.persist_failed", zap.Error(err))
	}
}

// Token returns the current record; ok is false while there is no access token.
func (m *Manager) Token() (model.TokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, m.record.HasAccessToken()
}

func (m *Manager) Environment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Environment
}

func (m *Manager) RealmID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.RealmID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BaseURL is the API base for the configured environment.
func (m *Manager) BaseURL() string {
	return m.endpoints.BaseURL(m.Environment())
}

func (m *Manager) oauthConfig(c Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint:     m.endpoints.oauth2(),
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func extraSeconds(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var secs int64
		if _, err := fmt.Sscan(n, &secs); err == nil {
			return secs
		}
	}
	return 0
}

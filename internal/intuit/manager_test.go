package intuit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Checker-Finance/books-gateway/internal/credstore"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// fakeProvider plays the token endpoint and both API environments.
type fakeProvider struct {
	srv *httptest.Server

	exchanges    atomic.Int32
	refreshes    atomic.Int32
	rejectTokens atomic.Bool
	rotate       atomic.Bool
	expiresIn    atomic.Int64

	mu       sync.Mutex
	apiCalls []apiCall
	apiReply func(w http.ResponseWriter, r *http.Request)
}

type apiCall struct {
	env       string
	method    string
	path      string
	auth      string
	body      string
	requestID string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.rotate.Store(true)
	p.expiresIn.Store(3600)
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) endpoints() Endpoints {
	return Endpoints{
		AuthURL:           p.srv.URL + "/connect/oauth2",
		TokenURL:          p.srv.URL + "/oauth2/v1/tokens/bearer",
		SandboxBaseURL:    p.srv.URL + "/sandbox/",
		ProductionBaseURL: p.srv.URL + "/production/",
	}
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/v1/tokens/bearer" {
		p.token(w, r)
		return
	}

	env, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.apiCalls = append(p.apiCalls, apiCall{
		env: env, method: r.Method, path: rest,
		auth: r.Header.Get("Authorization"), body: string(body),
		requestID: r.URL.Query().Get("requestid"),
	})
	reply := p.apiReply
	p.mu.Unlock()

	if reply != nil {
		reply(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"CompanyInfo":{"CompanyName":"Sandbox Company"}}`))
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	user, pass, ok := r.BasicAuth()
	if !ok || user != "cid" || pass != "csecret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	if p.rejectTokens.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	var n int32
	resp := map[string]any{
		"token_type":                 "bearer",
		"expires_in":                 p.expiresIn.Load(),
		"x_refresh_token_expires_in": 8726400,
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n = p.exchanges.Add(1)
		resp["access_token"] = fmt.Sprintf("access-x%d", n)
		resp["refresh_token"] = fmt.Sprintf("refresh-x%d", n)
		resp["id_token"] = "id-token"
	case "refresh_token":
		n = p.refreshes.Add(1)
		resp["access_token"] = fmt.Sprintf("access-r%d", n)
		if p.rotate.Load() {
			resp["refresh_token"] = fmt.Sprintf("refresh-r%d", n)
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *fakeProvider) calls() []apiCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]apiCall(nil), p.apiCalls...)
}

func testCreds(env string) Credentials {
	return Credentials{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Environment:  env,
		RedirectURI:  "http://localhost:8000/callback",
	}
}

func newTestManager(t *testing.T, p *fakeProvider, store credstore.Store[model.TokenRecord]) *Manager {
	t.Helper()
	return NewManager(zap.NewNop(), Config{
		Endpoints:  p.endpoints(),
		HTTPClient: p.srv.Client(),
		RPS:        100,
		Burst:      100,
	}, store)
}

func authorize(t *testing.T, m *Manager) model.TokenRecord {
	t.Helper()
	rec, err := m.ExchangeCode(context.Background(), "/callback?code=abc&state=intuit-test&realmId=4620816365")
	require.NoError(t, err)
	return rec
}

// --- Configure / AuthorizationURL ---

func TestAuthorizationURL_ContainsRedirectAndState(t *testing.T) {
	m := NewManager(zap.NewNop(), Config{}, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))

	raw, err := m.AuthorizationURL([]string{ScopeAccounting}, "")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "appcenter.intuit.com", u.Host)
	assert.Equal(t, "/connect/oauth2", u.Path)

	q := u.Query()
	assert.Equal(t, "http://localhost:8000/callback", q.Get("redirect_uri"))
	assert.Equal(t, "intuit-test", q.Get("state"))
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, ScopeAccounting, q.Get("scope"))

	again, err := m.AuthorizationURL([]string{ScopeAccounting}, "")
	require.NoError(t, err)
	assert.Equal(t, raw, again, "authorization url is deterministic")
}

func TestAuthorizationURL_CustomStateAndScopes(t *testing.T) {
	m := NewManager(zap.NewNop(), Config{State: "csrf-42"}, nil)
	require.NoError(t, m.Configure(testCreds(EnvProduction)))

	raw, err := m.AuthorizationURL([]string{ScopeOpenID, ScopeEmail}, "")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	assert.Equal(t, "csrf-42", u.Query().Get("state"))
	assert.Equal(t, "openid email", u.Query().Get("scope"))

	raw, err = m.AuthorizationURL([]string{ScopeAccounting}, "explicit")
	require.NoError(t, err)
	u, _ = url.Parse(raw)
	assert.Equal(t, "explicit", u.Query().Get("state"))
}

func TestAuthorizationURL_NotConfigured(t *testing.T) {
	m := NewManager(zap.NewNop(), Config{}, nil)
	_, err := m.AuthorizationURL([]string{ScopeAccounting}, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, StateUnconfigured, m.State())
}

func TestConfigure_Validation(t *testing.T) {
	m := NewManager(zap.NewNop(), Config{}, nil)

	err := m.Configure(testCreds("staging"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	creds := testCreds(EnvSandbox)
	creds.ClientID = ""
	assert.ErrorIs(t, m.Configure(creds), ErrInvalidConfig)

	assert.Equal(t, StateUnconfigured, m.State())
}

func TestConfigure_DiscardsPriorToken(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	authorize(t, m)
	assert.Equal(t, StateAuthorized, m.State())

	require.NoError(t, m.Configure(testCreds(EnvProduction)))
	rec, ok := m.Token()
	assert.False(t, ok)
	assert.Empty(t, rec.AccessToken)
	assert.Empty(t, rec.RefreshToken)
	assert.Equal(t, EnvProduction, rec.Environment)
	assert.Equal(t, StateConfigured, m.State())
}

func TestCredentials_WithDefaults(t *testing.T) {
	def := testCreds(EnvSandbox)
	got := Credentials{ClientID: "other"}.WithDefaults(def)
	assert.Equal(t, "other", got.ClientID)
	assert.Equal(t, "csecret", got.ClientSecret)
	assert.Equal(t, EnvSandbox, got.Environment)
	assert.Equal(t, def.RedirectURI, got.RedirectURI)
}

// --- ExchangeCode ---

func TestExchangeCode_StoresAndPersistsRecord(t *testing.T) {
	p := newFakeProvider(t)
	store := credstore.NewFileStore[model.TokenRecord](filepath.Join(t.TempDir(), "intuit_token.json"))
	m := newTestManager(t, p, store)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))

	rec := authorize(t, m)
	assert.Equal(t, "access-x1", rec.AccessToken)
	assert.Equal(t, "refresh-x1", rec.RefreshToken)
	assert.Equal(t, "4620816365", rec.RealmID)
	assert.Equal(t, "id-token", rec.IDToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, 5*time.Second)
	assert.False(t, rec.RefreshTokenExpiresAt.IsZero())

	got, ok := m.Token()
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Equal(t, "4620816365", m.RealmID())

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-x1", persisted.AccessToken)
	assert.Equal(t, "cid", persisted.ClientID)
}

func TestConfigure_LogsMaskedClientID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewManager(zap.New(core), Config{}, nil)
	creds := testCreds(EnvSandbox)
	creds.ClientID = "ABcd1234clientWXYZ"
	require.NoError(t, m.Configure(creds))

	entries := logs.FilterMessage("intuit.configured").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "***WXYZ", entries[0].ContextMap()["client_id"])
}

func TestTokenRecord_StoreRoundTripIsDeepEqual(t *testing.T) {
	p := newFakeProvider(t)
	store := credstore.NewFileStore[model.TokenRecord](filepath.Join(t.TempDir(), "intuit_token.json"))
	m := newTestManager(t, p, store)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))

	rec := authorize(t, m)
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	refreshed, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), refreshed))
	got, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, refreshed, got)
	assert.Equal(t, time.UTC, got.ExpiresAt.Location())
}

func TestExchangeCode_FailureLeavesRecordUntouched(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	before := authorize(t, m)

	p.rejectTokens.Store(true)
	_, err := m.ExchangeCode(context.Background(), "/callback?code=again&state=intuit-test&realmId=999")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExchangeFailed)

	after, ok := m.Token()
	assert.True(t, ok)
	assert.Equal(t, before, after)
}

func TestExchangeCode_BadCallbacks(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)

	_, err := m.ExchangeCode(context.Background(), "/callback?code=abc")
	assert.ErrorIs(t, err, ErrNotConfigured)

	require.NoError(t, m.Configure(testCreds(EnvSandbox)))

	_, err = m.ExchangeCode(context.Background(), "/callback?state=intuit-test&realmId=1")
	assert.ErrorIs(t, err, ErrMissingCode)

	_, err = m.ExchangeCode(context.Background(), "/callback?error=access_denied&error_description=user+cancelled")
	assert.ErrorIs(t, err, ErrExchangeFailed)
	assert.Contains(t, err.Error(), "access_denied")

	_, err = m.ExchangeCode(context.Background(), "/callback?code=abc&state=forged")
	assert.ErrorIs(t, err, ErrStateMismatch)

	assert.Zero(t, p.exchanges.Load())
}

// --- Refresh / EnsureFresh ---

func TestRefresh_TwiceMonotonicExpiry(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	authorize(t, m)

	first, err := m.Refresh(context.Background())
	require.NoError(t, err)
	second, err := m.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "access-r1", first.AccessToken)
	assert.Equal(t, "access-r2", second.AccessToken)
	assert.Equal(t, "refresh-r2", second.RefreshToken)
	assert.False(t, second.ExpiresAt.Before(first.ExpiresAt))
	assert.Equal(t, "4620816365", second.RealmID, "realm survives refresh")
	assert.Equal(t, int32(2), p.refreshes.Load())
}

func TestRefresh_ExpiryNeverMovesBackwards(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	first := authorize(t, m)

	p.expiresIn.Store(60)
	rec, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-r1", rec.AccessToken)
	assert.False(t, rec.ExpiresAt.Before(first.ExpiresAt))
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	p := newFakeProvider(t)
	p.rotate.Store(false)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	authorize(t, m)

	rec, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-r1", rec.AccessToken)
	assert.Equal(t, "refresh-x1", rec.RefreshToken)
}

func TestRefresh_Preconditions(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	_, err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Zero(t, p.refreshes.Load())
}

func TestRefresh_Rejected(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	before := authorize(t, m)

	p.rejectTokens.Store(true)
	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Contains(t, err.Error(), "invalid_grant")

	after, _ := m.Token()
	assert.Equal(t, before, after)
	assert.Equal(t, StateAuthorized, m.State())
}

func TestRefresh_ConcurrentCallsSerialized(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	authorize(t, m)

	var wg sync.WaitGroup
	results := make([]model.TokenRecord, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	final, _ := m.Token()
	for i := range results {
		require.NoError(t, errs[i])
		assert.False(t, final.ExpiresAt.Before(results[i].ExpiresAt))
	}
	assert.Equal(t, "access-r8", final.AccessToken, "last completed refresh wins")
	assert.Equal(t, int32(8), p.refreshes.Load())
}

func TestEnsureFresh(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	issued := authorize(t, m)

	rec, err := m.EnsureFresh(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, issued, rec)
	assert.Zero(t, p.refreshes.Load(), "token valid for an hour is left alone")

	rec, err = m.EnsureFresh(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "access-r1", rec.AccessToken)
	assert.Equal(t, int32(1), p.refreshes.Load())
}

func TestEnsureFresh_ExpiredToken(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)
	require.NoError(t, m.Configure(testCreds(EnvSandbox)))
	authorize(t, m)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := m.EnsureFresh(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.refreshes.Load())
}

// --- Restore ---

func TestRestore(t *testing.T) {
	p := newFakeProvider(t)
	m := newTestManager(t, p, nil)

	rec := model.TokenRecord{
		ClientID: "cid", ClientSecret: "csecret", Environment: EnvSandbox,
		RedirectURI: "http://localhost:8000/callback",
		AccessToken: "persisted", RefreshToken: "persisted-rt", RealmID: "77",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, m.Restore(rec))
	assert.Equal(t, StateAuthorized, m.State())
	assert.Equal(t, "77", m.RealmID())

	refreshed, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-r1", refreshed.AccessToken)
	assert.Equal(t, "77", refreshed.RealmID)

	assert.ErrorIs(t, m.Restore(model.TokenRecord{ClientID: "cid", Environment: "nope"}), ErrInvalidConfig)
}

func TestRestore_WithoutTokensIsConfigured(t *testing.T) {
	m := NewManager(zap.NewNop(), Config{}, nil)
	require.NoError(t, m.Restore(model.TokenRecord{ClientID: "cid", Environment: EnvProduction}))
	assert.Equal(t, StateConfigured, m.State())
	assert.Equal(t, "https://quickbooks.api.intuit.com/", m.BaseURL())
}

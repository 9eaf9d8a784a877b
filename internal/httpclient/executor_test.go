package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/rate"
)

func newExec(retryMax int, client *http.Client) *Executor {
	return New(zap.NewNop(), nil, client, retryMax, "test", nil)
}

// countingHandler fails the first failCount calls with failStatus, then returns 200 with body.
func countingHandler(failCount int, failStatus int, successBody []byte) (http.Handler, *atomic.Int32) {
	var n atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(n.Add(1)) <= failCount {
			w.WriteHeader(failStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(successBody)
	}), &n
}

// ─── Basic success ────────────────────────────────────────────────────────────

func TestDo_ReturnsBufferedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("intuit_tid", "tid-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Customer":{"Id":"58"}}`))
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, nil)

	resp, err := exec.Do(context.Background(), req, "k")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "tid-1", resp.Header.Get("intuit_tid"))
	assert.JSONEq(t, `{"Customer":{"Id":"58"}}`, string(resp.Body))
}

func TestDoJSON_SuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	var out map[string]string
	require.NoError(t, exec.DoJSON(context.Background(), req, "k", &out))
	assert.Equal(t, "ok", out["result"])
}

// ─── 5xx retry then success ───────────────────────────────────────────────────

func TestDoJSON_Retries5xxThenSucceeds(t *testing.T) {
	h, count := countingHandler(1, http.StatusServiceUnavailable, []byte(`{"result":"ok"}`))
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	var out map[string]string
	require.NoError(t, exec.DoJSON(context.Background(), req, "k", &out))
	assert.EqualValues(t, 2, count.Load(), "expected exactly 2 attempts")
	assert.Equal(t, "ok", out["result"])
}

// ─── POST body is re-sent on retry ───────────────────────────────────────────

func TestDo_PostBodyResentOnRetry(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(b))
		n := len(received)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	exec := newExec(1, srv.Client())

	bodyBytes, _ := json.Marshal(map[string]string{"DisplayName": "Acme"})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, bytes.NewReader(bodyBytes))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, "req-1")

	_, err := exec.Do(context.Background(), req, "k")
	require.NoError(t, err)
	require.Len(t, received, 2, "expected two attempts")
	assert.JSONEq(t, `{"DisplayName":"Acme"}`, received[0])
	assert.JSONEq(t, `{"DisplayName":"Acme"}`, received[1], "retry must re-send the full body")
}

func TestDo_PostWithoutIdempotencyKeyNotRetried(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, bytes.NewReader([]byte(`{}`)))

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 1 attempts")
	assert.EqualValues(t, 1, count.Load(), "a POST without a key must not be replayed")
}

// ─── Oversized body ──────────────────────────────────────────────────────────

func TestDo_BodyOverLimitIsError(t *testing.T) {
	old := maxBody
	maxBody = 8
	t.Cleanup(func() { maxBody = old })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"a":"123456789"}`))
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDo_BodyAtLimitIsKept(t *testing.T) {
	old := maxBody
	maxBody = 8
	t.Cleanup(func() { maxBody = old })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`12345678`))
	}))
	defer srv.Close()

	exec := newExec(0, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	resp, err := exec.Do(context.Background(), req, "k")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(resp.Body))
}

// ─── 4xx: no retry ────────────────────────────────────────────────────────────

func TestDo_4xxNotRetried(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.EqualValues(t, 1, count.Load(), "4xx must not be retried")
}

// ─── All retries exhausted ────────────────────────────────────────────────────

func TestDo_ExhaustAllRetries(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.EqualValues(t, 3, count.Load(), "retryMax=2 means 3 total attempts")
}

func TestDo_ExhaustedRetriesUseErrorHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	exec := New(zap.NewNop(), nil, srv.Client(), 1, "test", func(status int, body []byte) error {
		return fmt.Errorf("api %d: %s", status, body)
	})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.Equal(t, "api 502: upstream down", err.Error())
}

// ─── retryMax=0: single attempt only ─────────────────────────────────────────

func TestDo_ZeroRetries(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := newExec(0, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.EqualValues(t, 1, count.Load(), "retryMax=0 means exactly one attempt")
}

// ─── Custom error handler receives body ──────────────────────────────────────

func TestDo_CustomErrorHandlerCalled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"INVALID"}`))
	}))
	defer srv.Close()

	exec := New(zap.NewNop(), nil, srv.Client(), 2, "test", func(status int, body []byte) error {
		return fmt.Errorf("api %d: %s", status, body)
	})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, nil)

	_, err := exec.Do(context.Background(), req, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "INVALID")
}

// ─── JSON decode error ────────────────────────────────────────────────────────

func TestDoJSON_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	exec := newExec(0, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	var out map[string]string
	err := exec.DoJSON(context.Background(), req, "k", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")
}

// ─── Rate limiter and context ────────────────────────────────────────────────

func TestDo_RateLimitWaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr := rate.NewManager(rate.Config{RequestsPerSecond: 1, Burst: 1})
	exec := New(zap.NewNop(), mgr, srv.Client(), 0, "test", nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	_, err := exec.Do(context.Background(), req, "realm-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req2, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err = exec.Do(ctx, req2, "realm-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestDo_TwoFailuresThenSuccess(t *testing.T) {
	h, count := countingHandler(2, http.StatusBadGateway, []byte(`{"v":1}`))
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExec(2, srv.Client())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)

	var out map[string]int
	require.NoError(t, exec.DoJSON(context.Background(), req, "k", &out))
	assert.EqualValues(t, 3, count.Load(), "expected 3 total attempts")
	assert.Equal(t, 1, out["v"])
}

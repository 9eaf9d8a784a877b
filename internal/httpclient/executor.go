package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/rate"
)

// HeaderIdempotencyKey marks a non-idempotent request as safe to replay:
// the receiver de-duplicates attempts that carry the same key.
const HeaderIdempotencyKey = "Idempotency-Key"

// maxBody caps how much of a response body is buffered.
var maxBody int64 = 16 << 20

// ErrBodyTooLarge is returned when a response exceeds the buffering cap.
var ErrBodyTooLarge = errors.New("response body too large")

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Response is a fully buffered HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Executor handles rate-limited, retrying HTTP execution.
// Transport errors and 5xx responses are retried up to retryMax times;
// 4xx responses are returned immediately. POST and PATCH are only retried
// when they carry an Idempotency-Key header.
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	retryMax     int
	tag          string
	errorHandler func(status int, body []byte) error
}

// New creates an Executor. errorHandler turns a final non-2xx response into an
// API-specific error; if nil, a generic error is returned. rateMgr may be nil.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	retryMax int,
	tag string,
	errorHandler func(status int, body []byte) error,
) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		retryMax:     retryMax,
		tag:          tag,
		errorHandler: errorHandler,
	}
}

// Do executes req and returns the buffered 2xx response.
// rateLimitKey scopes the rate limiter (e.g. per realm).
func (e *Executor) Do(ctx context.Context, req *http.Request, rateLimitKey string) (*Response, error) {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, rateLimitKey); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	retryMax := e.retryMax
	if !replayable(req) {
		retryMax = 0
	}

	var lastErr error
	var last *Response
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, Backoff(attempt-1)); err != nil {
				return nil, err
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind body: %w", err)
				}
				req.Body = body
			}
		}

		start := time.Now()
		resp, err := e.http.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			last = nil
			e.logger.Warn(e.tag+".http_failed",
				zap.String("url", req.URL.String()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read body: %w", readErr)
			last = nil
			continue
		}
		if int64(len(body)) > maxBody {
			return nil, fmt.Errorf("%s: %w (over %d bytes)", e.tag, ErrBodyTooLarge, maxBody)
		}
		elapsed := time.Since(start)
		last = &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}

		if resp.StatusCode >= 500 {
			e.logger.Warn(e.tag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("url", req.URL.String()),
				zap.Duration("latency", elapsed),
				zap.Int("attempt", attempt))
			lastErr = fmt.Errorf("%s server error: %d", e.tag, resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, e.fail(resp.StatusCode, body)
		}

		e.logger.Debug(e.tag+".http_success",
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
		return last, nil
	}

	if last != nil && e.errorHandler != nil {
		return nil, e.errorHandler(last.Status, last.Body)
	}
	return nil, fmt.Errorf("%s request failed after %d attempts: %w", e.tag, retryMax+1, lastErr)
}

// DoJSON executes req and JSON-decodes a non-empty response body into out.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, rateLimitKey string, out any) error {
	resp, err := e.Do(ctx, req, rateLimitKey)
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			e.logger.Warn(e.tag+".decode_failed",
				zap.Error(err),
				zap.String("url", req.URL.String()))
			return fmt.Errorf("decode failed: %w", err)
		}
	}
	return nil
}

func (e *Executor) fail(status int, body []byte) error {
	if e.errorHandler != nil {
		return e.errorHandler(status, body)
	}
	return fmt.Errorf("%s returned %d", e.tag, status)
}

func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodPost, http.MethodPatch:
		return req.Header.Get(HeaderIdempotencyKey) != ""
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

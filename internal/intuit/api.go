package intuit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/internal/metrics"
)

// Request is an accounting API call relative to the environment base URL,
// e.g. Path "v3/company/123/companyinfo/123".
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Call performs a bearer-authenticated request. Non-2xx answers come back
// as *APIError (errors.Is(err, ErrAPI)).
func (m *Manager) Call(ctx context.Context, r Request) (*httpclient.Response, error) {
	m.mu.Lock()
	configured := m.conf != nil
	rec := m.record
	m.mu.Unlock()

	if !configured {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrNotConfigured)
	}
	if !rec.HasAccessToken() {
		return nil, ErrUnauthenticated
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	url := m.endpoints.BaseURL(rec.Environment) + strings.TrimPrefix(r.Path, "/")
	// the provider de-duplicates writes that share a requestid
	var requestID string
	if method == http.MethodPost || method == http.MethodPatch {
		requestID = uuid.NewString()
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "requestid=" + requestID
	}

	var req *http.Request
	var err error
	if r.Body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(r.Body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	if requestID != "" {
		req.Header.Set(httpclient.HeaderIdempotencyKey, requestID)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	endpoint := endpointLabel(r.Path)
	start := time.Now()
	resp, err := m.exec.Do(ctx, req, rec.RealmID)
	metrics.ObserveDuration(metrics.IntuitRequestDuration, start, endpoint, method)
	if err != nil {
		status := "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = fmt.Sprint(apiErr.Status)
		}
		metrics.IncIntuitRequest(endpoint, method, status)
		return nil, err
	}
	metrics.IncIntuitRequest(endpoint, method, fmt.Sprint(resp.Status))
	return resp, nil
}

// CompanyInfo fetches the company record of the connected realm.
func (m *Manager) CompanyInfo(ctx context.Context) (*httpclient.Response, error) {
	realm := m.RealmID()
	return m.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("v3/company/%s/companyinfo/%s", realm, realm),
	})
}

// CreateCustomer posts a customer document (passed through as-is).
func (m *Manager) CreateCustomer(ctx context.Context, customer []byte) (*httpclient.Response, error) {
	return m.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("v3/company/%s/customer", m.RealmID()),
		Body:   customer,
	})
}

// endpointLabel keeps metric cardinality bounded: "v3/company/123/customer" → "customer".
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v3" && parts[1] == "company" {
		return parts[3]
	}
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "root"
}

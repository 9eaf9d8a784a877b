package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// HTTPMedia downloads message attachments from the bridge HTTP API.
type HTTPMedia struct {
	exec    *httpclient.Executor
	baseURL string
}

func NewHTTPMedia(exec *httpclient.Executor, baseURL string) *HTTPMedia {
	return &HTTPMedia{exec: exec, baseURL: strings.TrimRight(baseURL, "/")}
}

// FetchMedia returns the attachment of message id as {mimetype, data(base64), filename}.
func (m *HTTPMedia) FetchMedia(ctx context.Context, id string) (*model.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/media/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var att model.Attachment
	if err := m.exec.DoJSON(ctx, req, "bridge", &att); err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", id, err)
	}
	if att.Data == "" {
		return nil, fmt.Errorf("fetch media %s: empty attachment", id)
	}
	return &att, nil
}

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Checker-Finance/books-gateway/internal/httpclient"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// Webhook POSTs the envelope as JSON to a fixed URL.
type Webhook struct {
	exec *httpclient.Executor
	url  string
}

func NewWebhook(exec *httpclient.Executor, url string) *Webhook {
	return &Webhook{exec: exec, url: url}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, env model.MessageEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", env.EventID)
	req.Header.Set(httpclient.HeaderIdempotencyKey, env.EventID)

	_, err = w.exec.Do(ctx, req, "webhook")
	return err
}

// WebhookSink returns a webhook sink, or nil when the webhook is disabled or has no URL.
func WebhookSink(enabled bool, url string, exec *httpclient.Executor) Sink {
	if !enabled || url == "" {
		return nil
	}
	return NewWebhook(exec, url)
}

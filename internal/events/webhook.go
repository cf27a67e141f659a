package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSink POSTs events as JSON. With a filter set, only the named events
// are sent; the rest are accepted and skipped.
type WebhookSink struct {
	url    string
	client *http.Client
	only   map[string]bool
}

// NewWebhookSink posts to url. names restricts delivery to those events.
func NewWebhookSink(url string, names ...string) *WebhookSink {
	w := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if len(names) > 0 {
		w.only = make(map[string]bool, len(names))
		for _, n := range names {
			w.only[n] = true
		}
	}
	return w
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Write(ctx context.Context, ev Event) error {
	if w.only != nil && !w.only[ev.Name] {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", ev.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", ev.Name)
	if ev.TraceID != "" {
		req.Header.Set("X-Trace-Id", ev.TraceID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", ev.Name, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s answered %d: %s", w.url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

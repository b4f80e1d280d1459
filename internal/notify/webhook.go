package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to every enabled hook whose event
// filter matches.
type Webhook struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
}

func NewWebhook(hooks []config.WebhookConfig) *Webhook {
	return &Webhook{Hooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	delivery := uuid.NewString()
	var errs []error
	for _, hook := range w.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(n.Type) {
			continue
		}
		if err := w.post(ctx, hook, n.Type, delivery, data); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) post(ctx context.Context, hook config.WebhookConfig, eventType, delivery string, data []byte) error {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shepherd-Event", eventType)
	req.Header.Set("X-Shepherd-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shepherd-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

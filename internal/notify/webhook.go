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

	"tableside/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs events to the configured endpoints. Session tokens are never sent.
type WebhookSink struct {
	hooks  []config.WebhookConfig
	filter []eventFilter
	client *http.Client
}

func NewWebhookSink(hooks []config.WebhookConfig) *WebhookSink {
	s := &WebhookSink{client: &http.Client{Timeout: defaultWebhookTimeout}}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		s.hooks = append(s.hooks, hook)
		s.filter = append(s.filter, newEventFilter(hook.Events))
	}
	return s
}

// Len returns the number of enabled endpoints.
func (s *WebhookSink) Len() int { return len(s.hooks) }

type webhookEvent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Scope Scope          `json:"scope"`
	Key   string         `json:"key,omitempty"`
	At    string         `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

func (s *WebhookSink) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for i, hook := range s.hooks {
		if !s.filter[i].match(evt.Type) {
			continue
		}
		if err := s.postEvent(ctx, hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) postEvent(ctx context.Context, hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(webhookEvent{
		ID:    evt.ID,
		Type:  evt.Type,
		Scope: evt.Scope,
		Key:   evt.PublicKey(),
		At:    evt.At.UTC().Format(time.RFC3339Nano),
		Data:  evt.Data,
	})
	if err != nil {
		return err
	}
	client := s.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tableside-Event", evt.Type)
	req.Header.Set("X-Tableside-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tableside-Secret", hook.Secret)
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
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"skirmish/internal/config"
	"skirmish/internal/logging"
	"skirmish/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the store for committed events and POSTs them to each enabled
// hook. Every hook keeps its own cursor, starting at the head of the log, and stops at
// the first failed delivery so it retries that event on the next tick.
type WebhookDispatcher struct {
	store    repo.Store
	hooks    []config.Webhook
	client   *http.Client
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(store repo.Store, hooks []config.Webhook, log *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		store:    store,
		hooks:    hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logging.OrNop(log),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done. It returns at once when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if !d.anyEnabled() {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) anyEnabled() bool {
	for _, h := range d.hooks {
		if h.Enabled && strings.TrimSpace(h.URL) != "" {
			return true
		}
	}
	return false
}

// DispatchOnce delivers one batch per enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.log.Warn("webhook cursor init failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	events, err := d.store.EventsSince(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("webhook fetch failed", zap.Error(err))
		return
	}
	for _, evt := range events {
		if hook.Wants(string(evt.EventType)) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.log.Warn("webhook delivery failed",
					zap.String("url", hook.URL),
					zap.Int64("seq", evt.Seq),
					zap.Error(err),
				)
				return
			}
		}
		d.setCursor(idx, evt.Seq)
	}
}

// Prime pins every hook cursor to the current head so only new events are delivered.
func (d *WebhookDispatcher) Prime(ctx context.Context) error {
	for i := range d.hooks {
		if _, err := d.cursorFor(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.store.LatestSeq(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt repo.StreamEvent) error {
	data, err := json.Marshal(webhookEvent{
		Seq:       evt.Seq,
		SessionID: evt.SessionID,
		Version:   evt.Version,
		Type:      string(evt.EventType),
		Payload:   evt.EventPayload,
		CreatedAt: evt.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Skirmish-Event", string(evt.EventType))
	req.Header.Set("X-Skirmish-Delivery", fmt.Sprintf("%d", evt.Seq))
	req.Header.Set("X-Skirmish-Session", evt.SessionID)
	res, err := d.client.Do(req)
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

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

	"reliefline/internal/config"
	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher pushes change-log entries to configured URLs. Each hook
// keeps its own cursor, starting at the log head when the dispatcher starts.
type WebhookDispatcher struct {
	Engine   engine.Engine
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Log      *zap.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		Engine:   e,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Log:      log,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled. It returns nil on cancellation.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.Webhooks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := d.Log.With(zap.String("url", hook.URL))
	cursor := d.cursorFor(ctx, idx)
	changes, err := d.Engine.Changes(ctx, store.ChangeFilter{After: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("webhook: fetch changes failed", zap.Error(err))
		}
		return
	}
	filter := newCollectionFilter(hook.Collections)
	for _, c := range changes {
		if !filter.match(c.Collection) {
			d.setCursor(idx, c.Seq)
			continue
		}
		if err := d.postChange(ctx, hook, c); err != nil {
			log.Warn("webhook: delivery failed", zap.Int64("seq", c.Seq), zap.Error(err))
			return
		}
		d.setCursor(idx, c.Seq)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	var cur int64
	latest, err := d.Engine.Changes(ctx, store.ChangeFilter{Newest: true, Limit: 1})
	if err != nil {
		d.Log.Warn("webhook: init cursor failed", zap.Error(err))
	} else if len(latest) > 0 {
		cur = latest[0].Seq
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postChange(ctx context.Context, hook config.WebhookConfig, c domain.Change) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if c.Payload != "" {
		if json.Valid([]byte(c.Payload)) {
			payload = json.RawMessage([]byte(c.Payload))
		} else {
			raw = c.Payload
		}
	}
	eventType := c.Collection + "." + c.Op
	body := webhookEvent{
		Seq:        c.Seq,
		Type:       eventType,
		Collection: c.Collection,
		DocID:      c.DocID,
		ActorID:    c.ActorID,
		TS:         c.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if client == nil || timeout != client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reliefline-Event", eventType)
	req.Header.Set("X-Reliefline-Delivery", fmt.Sprintf("%d", c.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Reliefline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type collectionFilter struct {
	all bool
	set map[string]struct{}
}

func newCollectionFilter(collections []string) collectionFilter {
	if len(collections) == 0 {
		return collectionFilter{all: true}
	}
	set := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		key := strings.TrimSpace(c)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return collectionFilter{all: true}
	}
	return collectionFilter{set: set}
}

func (f collectionFilter) match(collection string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[collection]
	return ok
}

// Package webhook delivers operator alerts as signed HTTP webhooks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/pkg/config"
)

// EventType names an alert condition.
type EventType string

const (
	EventChainBroken     EventType = "chain.broken"
	EventSnapshotCorrupt EventType = "snapshot.corrupt"
	EventSweepFailed     EventType = "sweep.failed"
	EventRollbackFailed  EventType = "rollback.failed"
)

// Signature and event headers.
const (
	HeaderEvent     = "X-Trail-Event"
	HeaderSignature = "X-Trail-Signature"
)

// Event is the JSON body posted to the hook.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// HookConfig represents a single webhook target.
type HookConfig struct {
	URL     string
	Secret  string
	Events  []EventType
	Timeout time.Duration
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig
	MaxRetries     int
	RetryDelay     time.Duration
	AsyncQueueSize int
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

// FromAlerts builds a config with one hook from the alerts section. It
// returns nil when no URL is configured. An empty event list subscribes to
// every event.
func FromAlerts(a config.AlertsConfig) *Config {
	if a.WebhookURL == "" {
		return nil
	}
	hook := HookConfig{URL: a.WebhookURL, Secret: a.Secret, Timeout: a.Timeout}
	for _, e := range a.Events {
		hook.Events = append(hook.Events, EventType(e))
	}
	if len(hook.Events) == 0 {
		hook.Events = []EventType{"*"}
	}
	cfg := DefaultConfig()
	cfg.Hooks = []HookConfig{hook}
	return cfg
}

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	logger *zap.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	mu     sync.RWMutex
	now    func() time.Time
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a client and starts its delivery worker.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.Named("webhook"),
		queue:  make(chan *job, cfg.AsyncQueueSize),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// worker processes webhook notifications in the background.
func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case job := <-c.queue:
					c.send(job)
				default:
					return
				}
			}
		case job := <-c.queue:
			c.send(job)
		}
	}
}

// Notify queues event for every matching hook and returns without waiting.
// A full queue drops the alert with a warning.
func (c *Client) Notify(_ context.Context, event string, payload map[string]any) {
	_ = c.Send(Event{Event: EventType(event), Payload: payload}, true)
}

// Send sends an event to all matching webhooks. Async sends are queued;
// sync sends return the last delivery error.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	if event.Timestamp == "" {
		event.Timestamp = c.now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.logger.Warn("webhook queue full, dropping alert", zap.String("event", string(event.Event)))
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(job *job) {
	if err := c.sendSync(job); err != nil {
		c.logger.Error("webhook delivery failed",
			zap.String("event", string(job.event.Event)),
			zap.String("url", job.hook.URL),
			zap.Error(err))
	}
}

// sendSync sends a webhook synchronously with retries.
func (c *Client) sendSync(job *job) error {
	payload, err := json.Marshal(job.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return lastErr
			case <-time.After(c.config.RetryDelay):
			}
		}
		if lastErr = c.post(job, payload); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) post(job *job, payload []byte) error {
	ctx := context.Background()
	if job.hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.hook.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.hook.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trail-webhook/1.0")
	req.Header.Set(HeaderEvent, string(job.event.Event))
	if job.hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, job.hook.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close drains queued alerts and stops the worker. Retries still pending
// are abandoned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

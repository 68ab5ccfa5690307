// Package notifier implements spec.md §4.8's output-category module shim:
// it subscribes to a rate-limited event topic and "delivers" each surviving
// MediaArtifact by POSTing a small JSON AlertNotification to a configured
// webhook URL.
//
// Grounded on internal/infrastructure/publishing/slack_client.go's
// http.Client-plus-rate.Limiter shape (one limiter per outbound channel,
// blocking Wait before every send since this runs on the subscription's own
// goroutine, not the bus's dispatch path) and
// internal/infrastructure/publishing/webhook_client.go's POST-JSON-with-timeout
// request construction, simplified to a single attempt — the retry/backoff
// machinery in the teacher's client is out of scope for this shim.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/time/rate"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const (
	defaultRequestTimeoutSeconds = 5
	defaultRefillPerSecond       = 1.0
	defaultCapacity              = 1
)

// Config is the notifier shim's settings.
type Config struct {
	SourceTopic           string  `mapstructure:"source_topic"`
	WebhookURL            string  `mapstructure:"webhook_url"`
	Channel               string  `mapstructure:"channel"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	RefillPerSecond       float64 `mapstructure:"refill_per_second"`
	Capacity              int     `mapstructure:"capacity"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{
		RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
		RefillPerSecond:       defaultRefillPerSecond,
		Capacity:              defaultCapacity,
	}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("notifier: decode settings: %w", err)
	}
	if cfg.SourceTopic == "" {
		return Config{}, fmt.Errorf("notifier: source_topic is required")
	}
	if cfg.WebhookURL == "" {
		return Config{}, fmt.Errorf("notifier: webhook_url is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "default"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = defaultRefillPerSecond
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	return cfg, nil
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	client  *http.Client

	bus    *bus.Bus
	handle bus.Handle
	logger *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "notifier", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{
		ID:       m.id,
		Category: contracts.CategoryOutput,
	}
	if m.cfg.SourceTopic != "" {
		c.Subscribes = []contracts.Topic{contracts.Topic(m.cfg.SourceTopic)}
	}
	return c
}

// Configure decodes fragment.Settings and rebuilds the limiter and HTTP
// client on every call. source_topic is set-once, like every other
// module's subscription target; webhook_url, channel, refill_per_second,
// capacity, and request_timeout_seconds hot-reload.
func (m *Module) Configure(_ context.Context, fragment config.ModuleFragment) error {
	cfg, err := decodeConfig(fragment.Settings)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
	m.client = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second}
	return nil
}

func (m *Module) Start(ctx context.Context, b *bus.Bus) error {
	m.mu.Lock()
	topic := contracts.Topic(m.cfg.SourceTopic)
	m.mu.Unlock()

	handle, err := b.Subscribe(ctx, topic, m.handle1, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		return fmt.Errorf("notifier: subscribe %q: %w", topic, err)
	}
	m.bus = b
	m.handle = handle
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Unsubscribe(m.handle)
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail: map[string]any{
			"delivered": m.delivered.Load(),
			"failed":    m.failed.Load(),
		},
		LastSeen: time.Now().UnixNano(),
	}
}

// handle1 waits for a rate-limit token then POSTs the notification. It runs
// on this subscription's own dedicated goroutine, so blocking here degrades
// only this notifier, never the bus's dispatch path.
func (m *Module) handle1(ctx context.Context, env *contracts.Envelope) error {
	artifact, ok := env.Payload.(contracts.MediaArtifact)
	if !ok {
		return nil
	}

	m.mu.Lock()
	limiter := m.limiter
	client := m.client
	url := m.cfg.WebhookURL
	channel := m.cfg.Channel
	m.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil
	}

	notification := contracts.AlertNotification{
		Channel:     channel,
		Caption:     fmt.Sprintf("%s snapshot from %s", artifact.Kind, artifact.CameraID),
		ArtifactRef: artifact.Handle,
	}

	if err := m.post(ctx, client, url, notification); err != nil {
		m.failed.Add(1)
		m.logger.Warn("webhook delivery failed", "error", err, "channel", channel)
		return nil
	}
	m.delivered.Add(1)
	return nil
}

func (m *Module) post(ctx context.Context, client *http.Client, url string, notification contracts.AlertNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("notifier: marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

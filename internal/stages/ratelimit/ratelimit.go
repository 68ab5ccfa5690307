// Package ratelimit implements spec.md §4.6's rate-limit stage: a small
// built-in module that subscribes to an artifact-ready topic, holds one
// token bucket per key, and republishes to an allowed topic while a token
// is available, dropping (and counting) the rest.
//
// Grounded on the teacher's internal/infrastructure/publishing/{pagerduty,
// slack,rootly}_client.go, each of which already holds a *rate.Limiter per
// outbound client (golang.org/x/time/rate). The generalization is from
// "one limiter per external client, Wait()-blocking the caller" to "one
// limiter per key, created lazily, checked with the non-blocking Allow(),
// and evicted once idle" — a publish pipeline cannot afford to block the
// bus's delivery goroutine the way an outbound HTTP call can afford to
// block its own.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/time/rate"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const (
	defaultKeyAttribute    = "camera_id"
	defaultCapacity        = 1
	defaultRefillPerSecond = 1.0
	defaultIdleEvictSeconds = 300
	evictSweepInterval     = 30 * time.Second
)

// Config is the rate-limit stage's settings, decoded from its
// ModuleFragment's free-form Settings map.
type Config struct {
	SourceTopic      string  `mapstructure:"source_topic"`
	TargetTopic      string  `mapstructure:"target_topic"`
	KeyAttribute     string  `mapstructure:"key_attribute"`
	Capacity         int     `mapstructure:"capacity"`
	RefillPerSecond  float64 `mapstructure:"refill_per_second"`
	IdleEvictSeconds int     `mapstructure:"idle_evict_seconds"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{
		KeyAttribute:     defaultKeyAttribute,
		Capacity:         defaultCapacity,
		RefillPerSecond:  defaultRefillPerSecond,
		IdleEvictSeconds: defaultIdleEvictSeconds,
	}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("ratelimit: decode settings: %w", err)
	}
	if cfg.SourceTopic == "" {
		return Config{}, fmt.Errorf("ratelimit: source_topic is required")
	}
	if cfg.TargetTopic == "" {
		return Config{}, fmt.Errorf("ratelimit: target_topic is required")
	}
	if cfg.Capacity <= 0 {
		return Config{}, fmt.Errorf("ratelimit: capacity must be > 0, got %d", cfg.Capacity)
	}
	if cfg.RefillPerSecond <= 0 {
		return Config{}, fmt.Errorf("ratelimit: refill_per_second must be > 0, got %v", cfg.RefillPerSecond)
	}
	if cfg.IdleEvictSeconds <= 0 {
		cfg.IdleEvictSeconds = defaultIdleEvictSeconds
	}
	return cfg, nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Stage is a Module implementation, kept decoupled from the orchestrator
// package exactly like the dedupe stage: cmd/sentrycore's serve wiring
// boots it directly and keeps it in sync through
// orchestrator.WatchBuiltinStage.
type Stage struct {
	id string

	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	drops   map[string]int64

	bus       *bus.Bus
	handle    bus.Handle
	logger    *slog.Logger
	stopEvict chan struct{}
	wg        sync.WaitGroup
}

// New constructs a rate-limit Stage for fragment id.
func New(id string, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		id:      id,
		buckets: make(map[string]*bucket),
		drops:   make(map[string]int64),
		logger:  logger.With("component", "ratelimit", "module", id),
	}
}

func (s *Stage) Capability() contracts.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := contracts.Capability{ID: s.id, Category: contracts.CategoryEvent}
	if s.cfg.SourceTopic != "" {
		c.Subscribes = []contracts.Topic{contracts.Topic(s.cfg.SourceTopic)}
	}
	if s.cfg.TargetTopic != "" {
		c.Publishes = []contracts.Topic{contracts.Topic(s.cfg.TargetTopic), contracts.TopicStatusRateLimit}
	}
	return c
}

func (s *Stage) Configure(_ context.Context, fragment config.ModuleFragment) error {
	cfg, err := decodeConfig(fragment.Settings)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *Stage) Start(ctx context.Context, b *bus.Bus) error {
	s.mu.Lock()
	topic := contracts.Topic(s.cfg.SourceTopic)
	s.mu.Unlock()

	handle, err := b.Subscribe(ctx, topic, s.handle1, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		return fmt.Errorf("ratelimit: subscribe %q: %w", topic, err)
	}
	s.bus = b
	s.handle = handle
	s.stopEvict = make(chan struct{})

	s.wg.Add(1)
	go s.evictLoop(ctx)
	return nil
}

func (s *Stage) Stop(_ context.Context) error {
	if s.stopEvict != nil {
		select {
		case <-s.stopEvict:
		default:
			close(s.stopEvict)
		}
	}
	s.wg.Wait()
	if s.bus == nil {
		return nil
	}
	return s.bus.Unsubscribe(s.handle)
}

func (s *Stage) Health(_ context.Context) contracts.HealthStatus {
	s.mu.Lock()
	buckets := len(s.buckets)
	s.mu.Unlock()
	return contracts.HealthStatus{
		ModuleID: s.id,
		State:    contracts.HealthHealthy,
		Detail:   map[string]any{"buckets": buckets},
		LastSeen: time.Now().UnixNano(),
	}
}

// evictLoop periodically drops buckets that have seen no traffic within
// idle_evict_seconds, bounding memory for keys (e.g. decommissioned
// cameras) that stop producing.
func (s *Stage) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(evictSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopEvict:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Stage) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := time.Duration(s.cfg.IdleEvictSeconds) * time.Second
	now := time.Now()
	for key, b := range s.buckets {
		if now.Sub(b.lastUsed) >= idle {
			delete(s.buckets, key)
		}
	}
}

func (s *Stage) handle1(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	attribute := s.cfg.KeyAttribute
	target := contracts.Topic(s.cfg.TargetTopic)
	s.mu.Unlock()

	key, ok := extractKey(env.Payload, attribute)
	if !ok {
		return nil
	}

	limiter := s.limiterFor(key)
	if !limiter.Allow() {
		s.recordDrop(key)
		return s.publishStatus(ctx)
	}

	_, err := s.bus.Publish(ctx, target, env.SchemaVersion, env.Payload, bus.WithCorrelationID(env.CorrelationID))
	return err
}

func (s *Stage) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(s.cfg.RefillPerSecond), s.cfg.Capacity)}
		s.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b.limiter
}

func (s *Stage) recordDrop(key string) {
	s.mu.Lock()
	s.drops[key]++
	s.mu.Unlock()
}

func (s *Stage) publishStatus(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[string]int64, len(s.drops))
	for k, v := range s.drops {
		snapshot[k] = v
	}
	s.mu.Unlock()

	_, err := s.bus.Publish(ctx, contracts.TopicStatusRateLimit, contracts.SchemaVersionRateLimitStatus, contracts.RateLimitStatus{
		StageID: s.id,
		Drops:   snapshot,
	})
	return err
}

// Snapshot returns a copy of the stage's per-key drop counters, for tests
// and the dashboard's status handler.
func (s *Stage) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.drops))
	for k, v := range s.drops {
		out[k] = v
	}
	return out
}

// extractKey pulls attribute out of a known payload kind. Only camera_id
// is meaningful across every payload this stage sees in practice
// (MediaArtifact and DetectionEvent both carry one); any other attribute
// falls back to the payload's free-form metadata/attributes map.
func extractKey(payload any, attribute string) (string, bool) {
	switch p := payload.(type) {
	case contracts.DetectionEvent:
		if attribute == defaultKeyAttribute {
			return p.CameraID, true
		}
		v, ok := p.Attributes[attribute]
		return v, ok
	case contracts.MediaArtifact:
		if attribute == defaultKeyAttribute {
			return p.CameraID, true
		}
		v, ok := p.Metadata[attribute]
		return v, ok
	default:
		return "", false
	}
}

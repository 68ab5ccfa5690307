// Package processor implements spec.md §4.8's processing-category module
// shim: it subscribes to one or more camera frame topics and runs a
// trivial brightness-delta "motion" heuristic over the synthetic
// brightness attribute cameras attach to each Frame. It carries no
// computer-vision logic — that is explicitly out of scope — the point of
// the shim is to exercise the bus and orchestrator contract end to end.
//
// Grounded on the same periodic/event-driven service shape as
// internal/core/services/deduplication.go: per-key running state guarded
// by a mutex, a handler that classifies an inbound message and either
// republishes or drops it, and atomic counters for Health.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const defaultBrightnessDeltaThreshold = 15.0

// Config is the processor shim's settings.
type Config struct {
	SourceTopics             []string `mapstructure:"source_topics"`
	MotionTopic              string   `mapstructure:"motion_topic"`
	BrightnessDeltaThreshold float64  `mapstructure:"brightness_delta_threshold"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{BrightnessDeltaThreshold: defaultBrightnessDeltaThreshold}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("processor: decode settings: %w", err)
	}
	if len(cfg.SourceTopics) == 0 {
		return Config{}, fmt.Errorf("processor: source_topics is required")
	}
	if cfg.MotionTopic == "" {
		return Config{}, fmt.Errorf("processor: motion_topic is required")
	}
	if cfg.BrightnessDeltaThreshold <= 0 {
		cfg.BrightnessDeltaThreshold = defaultBrightnessDeltaThreshold
	}
	return cfg, nil
}

// Stats are the shim's running counters.
type Stats struct {
	FramesSeen       int64
	MotionsPublished int64
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu           sync.Mutex
	cfg          Config
	lastByCamera map[string]float64

	bus     *bus.Bus
	handles []bus.Handle
	logger  *slog.Logger

	framesSeen       atomic.Int64
	motionsPublished atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "processor", "module", id), lastByCamera: make(map[string]float64)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{
		ID:       m.id,
		Category: contracts.CategoryProcess,
	}
	for _, t := range m.cfg.SourceTopics {
		c.Subscribes = append(c.Subscribes, contracts.Topic(t))
	}
	if m.cfg.MotionTopic != "" {
		c.Publishes = []contracts.Topic{contracts.Topic(m.cfg.MotionTopic)}
	}
	return c
}

func (m *Module) Configure(_ context.Context, fragment config.ModuleFragment) error {
	cfg, err := decodeConfig(fragment.Settings)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// Start subscribes to every configured source topic. Adding or removing
// source topics requires a restart, same as a dedupe stage's source_topic;
// brightness_delta_threshold does hot-reload through Configure.
func (m *Module) Start(ctx context.Context, b *bus.Bus) error {
	m.mu.Lock()
	topics := append([]string(nil), m.cfg.SourceTopics...)
	m.mu.Unlock()

	m.bus = b
	for _, t := range topics {
		handle, err := b.Subscribe(ctx, contracts.Topic(t), m.handle1, 0, bus.OverflowDropNewest, nil)
		if err != nil {
			return fmt.Errorf("processor: subscribe %q: %w", t, err)
		}
		m.handles = append(m.handles, handle)
	}
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.bus == nil {
		return nil
	}
	var firstErr error
	for _, h := range m.handles {
		if err := m.bus.Unsubscribe(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail: map[string]any{
			"frames_seen":       m.framesSeen.Load(),
			"motions_published": m.motionsPublished.Load(),
		},
		LastSeen: time.Now().UnixNano(),
	}
}

// handle1 applies the brightness-delta heuristic per camera id: the first
// frame from a camera only seeds the baseline, every frame after that is
// compared against the previous reading.
func (m *Module) handle1(ctx context.Context, env *contracts.Envelope) error {
	frame, ok := env.Payload.(contracts.Frame)
	if !ok {
		return nil
	}
	m.framesSeen.Add(1)

	brightness, ok := parseBrightness(frame)
	if !ok {
		return nil
	}

	m.mu.Lock()
	prev, seen := m.lastByCamera[frame.CameraID]
	m.lastByCamera[frame.CameraID] = brightness
	threshold := m.cfg.BrightnessDeltaThreshold
	target := contracts.Topic(m.cfg.MotionTopic)
	m.mu.Unlock()

	if !seen {
		return nil
	}

	delta := brightness - prev
	if delta < 0 {
		delta = -delta
	}
	if delta < threshold {
		return nil
	}

	detection := contracts.DetectionEvent{
		CameraID:   frame.CameraID,
		Kind:       contracts.DetectionKindMotion,
		Label:      "brightness_delta",
		Confidence: confidenceFor(delta, threshold),
		Attributes: map[string]string{"delta": strconv.FormatFloat(delta, 'f', 2, 64)},
	}

	_, err := m.bus.Publish(ctx, target, contracts.SchemaVersionDetectionEvent, detection, bus.WithCorrelationID(env.CorrelationID))
	if err != nil {
		return err
	}
	m.motionsPublished.Add(1)
	return nil
}

func parseBrightness(frame contracts.Frame) (float64, bool) {
	raw, ok := frame.Attributes["brightness"]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// confidenceFor maps a delta that has already cleared threshold onto
// [0.5, 1], saturating at 2x threshold. A crude stand-in for a real model's
// confidence score.
func confidenceFor(delta, threshold float64) float64 {
	c := delta / (2 * threshold)
	if c > 1 {
		c = 1
	}
	return c
}

// Snapshot returns the shim's current counters, for tests and the
// dashboard's status handler.
func (m *Module) Snapshot() Stats {
	return Stats{FramesSeen: m.framesSeen.Load(), MotionsPublished: m.motionsPublished.Load()}
}

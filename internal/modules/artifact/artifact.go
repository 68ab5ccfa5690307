// Package artifact implements spec.md §4.8's event-category module shim:
// it subscribes to a dedupe stage's "unique" output topic and turns each
// surviving DetectionEvent into a MediaArtifact placeholder — a snapshot
// record with a synthetic handle and size, standing in for a real
// image-encoding pipeline.
//
// Grounded on the EnrichedAlert composition pattern described in
// internal/core/interfaces.go: a builder that takes one upstream event and
// assembles a richer downstream record, with no persistence of its own.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const defaultSnapshotSizeBytes = 32 * 1024

// Config is the artifact builder's settings.
type Config struct {
	SourceTopic       string `mapstructure:"source_topic"`
	TargetTopic       string `mapstructure:"target_topic"`
	SnapshotSizeBytes int64  `mapstructure:"snapshot_size_bytes"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{SnapshotSizeBytes: defaultSnapshotSizeBytes}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("artifact: decode settings: %w", err)
	}
	if cfg.SourceTopic == "" {
		return Config{}, fmt.Errorf("artifact: source_topic is required")
	}
	if cfg.TargetTopic == "" {
		return Config{}, fmt.Errorf("artifact: target_topic is required")
	}
	if cfg.SnapshotSizeBytes <= 0 {
		cfg.SnapshotSizeBytes = defaultSnapshotSizeBytes
	}
	return cfg, nil
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu  sync.Mutex
	cfg Config

	bus    *bus.Bus
	handle bus.Handle
	logger *slog.Logger

	built atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "artifact", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{
		ID:       m.id,
		Category: contracts.CategoryEvent,
	}
	if m.cfg.SourceTopic != "" {
		c.Subscribes = []contracts.Topic{contracts.Topic(m.cfg.SourceTopic)}
	}
	if m.cfg.TargetTopic != "" {
		c.Publishes = []contracts.Topic{contracts.Topic(m.cfg.TargetTopic)}
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

func (m *Module) Start(ctx context.Context, b *bus.Bus) error {
	m.mu.Lock()
	topic := contracts.Topic(m.cfg.SourceTopic)
	m.mu.Unlock()

	handle, err := b.Subscribe(ctx, topic, m.handle1, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		return fmt.Errorf("artifact: subscribe %q: %w", topic, err)
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
		Detail:   map[string]any{"artifacts_built": m.built.Load()},
		LastSeen: time.Now().UnixNano(),
	}
}

func (m *Module) handle1(ctx context.Context, env *contracts.Envelope) error {
	detection, ok := env.Payload.(contracts.DetectionEvent)
	if !ok {
		return nil
	}

	m.mu.Lock()
	target := contracts.Topic(m.cfg.TargetTopic)
	size := m.cfg.SnapshotSizeBytes
	m.mu.Unlock()

	artifact := contracts.MediaArtifact{
		Kind:      contracts.ArtifactKindSnapshot,
		Handle:    fmt.Sprintf("%s-%s-%d", detection.CameraID, detection.Kind, env.Sequence),
		CameraID:  detection.CameraID,
		SizeBytes: size,
		Metadata: map[string]string{
			"label":      detection.Label,
			"confidence": fmt.Sprintf("%.2f", detection.Confidence),
		},
	}

	if _, err := m.bus.Publish(ctx, target, contracts.SchemaVersionMediaArtifact, artifact, bus.WithCorrelationID(env.CorrelationID)); err != nil {
		return err
	}
	m.built.Add(1)
	return nil
}

// Package s3replica implements spec.md §4.8's storage-category replication
// shim: it subscribes to the storage shim's persisted-confirmation topic
// and "replicates" each artifact into a second backend root, standing in
// for a real S3 upload.
//
// No AWS SDK appears in any example repo's go.mod or in other_examples —
// wiring github.com/aws/aws-sdk-go-v2 here would be an ungrounded
// dependency, so this shim reuses the already-wired storage.Backend
// contract for the replica target instead (a second SQLite file, a second
// Postgres schema, or a second in-memory store), documented in DESIGN.md.
package s3replica

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
	"github.com/watchtower-labs/sentrycore/internal/modules/storage"
)

// Config is the replication shim's settings.
type Config struct {
	SourceTopic string `mapstructure:"source_topic"`
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{Driver: "memory"}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("s3replica: decode settings: %w", err)
	}
	if cfg.SourceTopic == "" {
		return Config{}, fmt.Errorf("s3replica: source_topic is required")
	}
	return cfg, nil
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu      sync.Mutex
	cfg     Config
	replica storage.Backend

	bus    *bus.Bus
	handle bus.Handle
	logger *slog.Logger

	replicated atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "s3replica", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{ID: m.id, Category: contracts.CategoryStorage}
	if m.cfg.SourceTopic != "" {
		c.Subscribes = []contracts.Topic{contracts.Topic(m.cfg.SourceTopic)}
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
	cfg := m.cfg
	m.mu.Unlock()

	replica, err := storage.NewBackend(ctx, storage.Config{
		Driver:      cfg.Driver,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	}, m.logger)
	if err != nil {
		return fmt.Errorf("s3replica: build replica backend: %w", err)
	}

	handle, err := b.Subscribe(ctx, contracts.Topic(cfg.SourceTopic), m.handle1, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		replica.Close()
		return fmt.Errorf("s3replica: subscribe %q: %w", cfg.SourceTopic, err)
	}

	m.mu.Lock()
	m.replica = replica
	m.mu.Unlock()
	m.bus = b
	m.handle = handle
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.bus != nil {
		if err := m.bus.Unsubscribe(m.handle); err != nil {
			return err
		}
	}
	m.mu.Lock()
	replica := m.replica
	m.mu.Unlock()
	if replica != nil {
		return replica.Close()
	}
	return nil
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail:   map[string]any{"replicated": m.replicated.Load()},
		LastSeen: time.Now().UnixNano(),
	}
}

func (m *Module) handle1(ctx context.Context, env *contracts.Envelope) error {
	artifact, ok := env.Payload.(contracts.MediaArtifact)
	if !ok {
		return nil
	}

	m.mu.Lock()
	replica := m.replica
	m.mu.Unlock()

	rec := storage.Record{
		Handle:      artifact.Handle,
		CameraID:    artifact.CameraID,
		Kind:        string(artifact.Kind),
		SizeBytes:   artifact.SizeBytes,
		PersistedAt: env.Timestamp,
	}
	if err := replica.Save(ctx, rec); err != nil {
		m.logger.Warn("replication failed", "error", err, "handle", artifact.Handle)
		return nil
	}
	m.replicated.Add(1)
	return nil
}

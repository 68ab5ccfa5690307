package storage

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

// Config is the storage shim's settings. Exactly one of Driver's backends
// is constructed per Start.
type Config struct {
	SourceTopic string `mapstructure:"source_topic"`
	TargetTopic string `mapstructure:"target_topic"`
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{Driver: "memory"}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("storage: decode settings: %w", err)
	}
	if cfg.SourceTopic == "" {
		return Config{}, fmt.Errorf("storage: source_topic is required")
	}
	if cfg.TargetTopic == "" {
		return Config{}, fmt.Errorf("storage: target_topic is required")
	}
	switch cfg.Driver {
	case "", "memory":
		cfg.Driver = "memory"
	case "sqlite":
		if cfg.SQLitePath == "" {
			return Config{}, fmt.Errorf("storage: sqlite_path is required for driver=sqlite")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("storage: postgres_dsn is required for driver=postgres")
		}
	default:
		return Config{}, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	return cfg, nil
}

// NewBackend is the profile switch, grounded on internal/storage/factory.go's
// NewStorage: one function picking among in-process/SQLite/Postgres by
// configuration, returning the shared Backend interface.
func NewBackend(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteBackend(ctx, cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgresBackend(ctx, cfg.PostgresDSN, logger)
	default:
		return NewMemoryBackend(logger), nil
	}
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu      sync.Mutex
	cfg     Config
	backend Backend

	bus    *bus.Bus
	handle bus.Handle
	logger *slog.Logger

	persisted atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "storage", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{
		ID:       m.id,
		Category: contracts.CategoryStorage,
	}
	if m.cfg.SourceTopic != "" {
		c.Subscribes = []contracts.Topic{contracts.Topic(m.cfg.SourceTopic)}
	}
	if m.cfg.TargetTopic != "" {
		c.Publishes = []contracts.Topic{contracts.Topic(m.cfg.TargetTopic)}
	}
	return c
}

// Configure decodes fragment.Settings. The driver and its connection
// parameters are set-once: changing them after Start has no effect until a
// restart, matching every other module shim's subscription-target
// convention.
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

	backend, err := NewBackend(ctx, cfg, m.logger)
	if err != nil {
		return fmt.Errorf("storage: build backend: %w", err)
	}

	handle, err := b.Subscribe(ctx, contracts.Topic(cfg.SourceTopic), m.handle1, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		backend.Close()
		return fmt.Errorf("storage: subscribe %q: %w", cfg.SourceTopic, err)
	}

	m.mu.Lock()
	m.backend = backend
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
	backend := m.backend
	m.mu.Unlock()
	if backend != nil {
		return backend.Close()
	}
	return nil
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail:   map[string]any{"persisted": m.persisted.Load()},
		LastSeen: time.Now().UnixNano(),
	}
}

func (m *Module) handle1(ctx context.Context, env *contracts.Envelope) error {
	artifact, ok := env.Payload.(contracts.MediaArtifact)
	if !ok {
		return nil
	}

	m.mu.Lock()
	backend := m.backend
	target := contracts.Topic(m.cfg.TargetTopic)
	m.mu.Unlock()

	rec := Record{
		Handle:      artifact.Handle,
		CameraID:    artifact.CameraID,
		Kind:        string(artifact.Kind),
		SizeBytes:   artifact.SizeBytes,
		PersistedAt: env.Timestamp,
	}
	if err := backend.Save(ctx, rec); err != nil {
		m.logger.Warn("failed to persist artifact", "error", err, "handle", artifact.Handle)
		return nil
	}
	m.persisted.Add(1)

	_, err := m.bus.Publish(ctx, target, contracts.SchemaVersionMediaArtifact, artifact, bus.WithCorrelationID(env.CorrelationID))
	return err
}

// Package retention implements spec.md §4.8's storage-category retention
// shim: on a schedule, it deletes artifact records older than a configured
// number of days and publishes a sweep result.
//
// It opens its own connection to the same driver/DSN the storage shim
// uses rather than sharing that module's live backend handle, keeping the
// two modules independent of each other's lifecycle (per spec.md §9's
// "no back-pointers" rule: a module never reaches into another module's
// internals, even a sibling's). Grounded on the same
// internal/business/publishing/refresh_worker.go ticker-loop shape used by
// the camera shim.
package retention

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

const (
	defaultRetentionDays        = 30
	defaultSweepIntervalSeconds = 3600
)

// Config is the retention shim's settings.
type Config struct {
	Driver               string `mapstructure:"driver"`
	SQLitePath           string `mapstructure:"sqlite_path"`
	PostgresDSN          string `mapstructure:"postgres_dsn"`
	RetentionDays        int    `mapstructure:"retention_days"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	ResultTopic          string `mapstructure:"result_topic"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{
		Driver:               "memory",
		RetentionDays:        defaultRetentionDays,
		SweepIntervalSeconds: defaultSweepIntervalSeconds,
		ResultTopic:          "storage.retention.swept",
	}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("retention: decode settings: %w", err)
	}
	if cfg.RetentionDays <= 0 {
		return Config{}, fmt.Errorf("retention: retention_days must be > 0, got %d", cfg.RetentionDays)
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	return cfg, nil
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu      sync.Mutex
	cfg     Config
	backend storage.Backend

	bus    *bus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	sweeps  atomic.Int64
	deleted atomic.Int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "retention", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{ID: m.id, Category: contracts.CategoryStorage}
	if m.cfg.ResultTopic != "" {
		c.Publishes = []contracts.Topic{contracts.Topic(m.cfg.ResultTopic)}
	}
	return c
}

// Configure decodes fragment.Settings. retention_days is picked up at
// the next sweep; sweep_interval_seconds is read once, when Start
// launches the sweep loop. driver/sqlite_path/postgres_dsn are set-once,
// applied on Start.
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

	backend, err := storage.NewBackend(ctx, storage.Config{
		Driver:      cfg.Driver,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	}, m.logger)
	if err != nil {
		return fmt.Errorf("retention: build backend: %w", err)
	}

	m.mu.Lock()
	m.backend = backend
	m.mu.Unlock()

	m.bus = b
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

func (m *Module) run(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Module) sweep(ctx context.Context) {
	m.mu.Lock()
	days := m.cfg.RetentionDays
	target := contracts.Topic(m.cfg.ResultTopic)
	backend := m.backend
	m.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := backend.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Warn("retention sweep failed", "error", err)
		return
	}

	m.sweeps.Add(1)
	m.deleted.Add(int64(deleted))

	result := contracts.RetentionSweepResult{ModuleID: m.id, Deleted: deleted, SweptAt: time.Now().UnixNano()}
	if _, err := m.bus.Publish(ctx, target, contracts.SchemaVersionRetentionSweepResult, result); err != nil {
		m.logger.Warn("failed to publish retention sweep result", "error", err)
	}
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

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
		Detail: map[string]any{
			"sweeps":  m.sweeps.Load(),
			"deleted": m.deleted.Load(),
		},
		LastSeen: time.Now().UnixNano(),
	}
}

// Package camera implements spec.md §4.8's input-category module shim: a
// timer-driven publisher of synthetic Frame envelopes, standing in for a
// real capture device.
//
// Grounded on the teacher's periodic-worker shape
// (internal/business/publishing/refresh_worker.go's runBackgroundWorker):
// an optional warmup delay, an immediate first tick, then a ticker loop
// that exits cleanly on context cancellation and signals a WaitGroup.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const defaultFrameIntervalMS = 1000

// Config is the camera shim's settings.
type Config struct {
	FrameIntervalMS int `mapstructure:"frame_interval_ms"`
	Width           int `mapstructure:"width"`
	Height          int `mapstructure:"height"`
}

func decodeConfig(id string, f config.ModuleFragment) Config {
	cfg := Config{FrameIntervalMS: defaultFrameIntervalMS, Width: 640, Height: 480}
	if v, ok := f.Settings["frame_interval_ms"].(float64); ok && v > 0 {
		cfg.FrameIntervalMS = int(v)
	}
	if v, ok := f.Settings["width"].(float64); ok && v > 0 {
		cfg.Width = int(v)
	}
	if v, ok := f.Settings["height"].(float64); ok && v > 0 {
		cfg.Height = int(v)
	}
	return cfg
}

// Module is a Module implementation (duck-typed against
// orchestrator.Module; this package never imports orchestrator).
type Module struct {
	id string

	mu  sync.Mutex
	cfg Config

	bus    *bus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	framesPublished int64
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "camera", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	return contracts.Capability{
		ID:        m.id,
		Category:  contracts.CategoryCamera,
		Publishes: []contracts.Topic{contracts.CameraFrameTopic(m.id)},
	}
}

func (m *Module) Configure(_ context.Context, fragment config.ModuleFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = decodeConfig(m.id, fragment)
	return nil
}

func (m *Module) Start(ctx context.Context, b *bus.Bus) error {
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
	interval := time.Duration(m.cfg.FrameIntervalMS) * time.Millisecond
	m.mu.Unlock()

	m.publishFrame(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishFrame(ctx)
		}
	}
}

// syntheticBrightness stands in for a real sensor reading: a slow sine
// drift plus uniform jitter, so the processor shim's brightness-delta
// heuristic has something to react to without decoding real pixels.
func syntheticBrightness(now time.Time) float64 {
	drift := 128 + 64*math.Sin(float64(now.Unix())/10)
	return drift + rand.Float64()*20
}

func (m *Module) publishFrame(ctx context.Context) {
	m.mu.Lock()
	w, h := m.cfg.Width, m.cfg.Height
	m.mu.Unlock()

	now := time.Now()
	frame := contracts.Frame{
		CameraID: m.id,
		Width:    w,
		Height:   h,
		Handle:   fmt.Sprintf("%s-%d", m.id, now.UnixNano()),
		Attributes: map[string]string{
			"brightness": fmt.Sprintf("%.2f", syntheticBrightness(now)),
		},
	}
	if _, err := m.bus.Publish(ctx, contracts.CameraFrameTopic(m.id), contracts.SchemaVersionFrame, frame); err != nil {
		m.logger.Warn("failed to publish frame", "error", err)
		return
	}
	m.framesPublished++
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail:   map[string]any{"frames_published": m.framesPublished},
		LastSeen: time.Now().UnixNano(),
	}
}

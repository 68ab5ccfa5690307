// Package chaos implements spec.md §4.7's chaos interceptor: a bus.Interceptor
// that injects latency and drop-probability failures into matching topics,
// toggled at runtime by dashboard-issued ControlCommands.
//
// Grounded on the bus's own interceptor-chain contract (internal/bus/interceptor.go,
// §4.2) for the injection mechanism, and on the teacher's
// internal/config.UpdateService's opt-in toggle shape for "accept a command,
// flip a flag, report the transition" (internal/config/update_service.go).
// Glob matching uses the standard library's path.Match rather than a
// dedicated glob package: no go.mod in the pack imports one (gobwas/glob
// and similar only appear under other_examples/, never inside a complete
// example repo's own dependency graph), and a single Match call per
// publish does not justify adding a library with no other use in the tree.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const resilienceToggleCommand = "resilience.toggle"

// Interceptor holds the current set of chaos scenarios and installs itself
// on a Bus as both an Interceptor (to inject) and a subscriber on
// dashboard.control.command (to be toggled).
type Interceptor struct {
	mu        sync.RWMutex
	scenarios map[string]config.ResilienceScenario

	bus           *bus.Bus
	interceptorID bus.Handle
	controlHandle bus.Handle
	logger        *slog.Logger
}

// New constructs an Interceptor with no scenarios loaded.
func New(logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		scenarios: make(map[string]config.ResilienceScenario),
		logger:    logger.With("component", "chaos"),
	}
}

// ApplySnapshot replaces the interceptor's scenario set wholesale from a
// Tree's resilience section. serve calls it once, at boot; later
// config.snapshot broadcasts do not reach it, so after boot the scenario
// set changes only through resilience.toggle control commands.
func (c *Interceptor) ApplySnapshot(tree *config.Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarios = make(map[string]config.ResilienceScenario, len(tree.Resilience.Scenarios))
	for _, sc := range tree.Resilience.Scenarios {
		c.scenarios[sc.ID] = sc
	}
}

// Attach installs the interceptor on b and subscribes it to
// dashboard.control.command for runtime toggles.
func (c *Interceptor) Attach(ctx context.Context, b *bus.Bus) error {
	c.bus = b
	c.interceptorID = b.Intercept(c.intercept)

	handle, err := b.Subscribe(ctx, contracts.TopicDashboardControlCommand, c.handleControl, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		_ = b.RemoveInterceptor(c.interceptorID)
		return fmt.Errorf("chaos: subscribe control topic: %w", err)
	}
	c.controlHandle = handle
	return nil
}

// Detach removes the interceptor and its control subscription.
func (c *Interceptor) Detach() error {
	if c.bus == nil {
		return nil
	}
	if err := c.bus.RemoveInterceptor(c.interceptorID); err != nil {
		return err
	}
	return c.bus.Unsubscribe(c.controlHandle)
}

// intercept is installed on the bus's interceptor chain: for every
// enabled scenario whose topic_glob matches the envelope's topic, it
// applies the worst (longest) latency among the matches and rolls each
// match's drop probability independently, dropping the envelope if any
// roll hits.
func (c *Interceptor) intercept(ctx context.Context, env *contracts.Envelope) bus.InterceptorDecision {
	c.mu.RLock()
	var latency time.Duration
	drop := false
	for _, sc := range c.scenarios {
		if !sc.Enabled {
			continue
		}
		matched, err := path.Match(sc.TopicGlob, string(env.Topic))
		if err != nil || !matched {
			continue
		}
		if ms := time.Duration(sc.LatencyMS) * time.Millisecond; ms > latency {
			latency = ms
		}
		if sc.DropProbability > 0 && rand.Float64() < sc.DropProbability {
			drop = true
		}
	}
	c.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	if drop {
		return bus.Drop
	}
	return bus.Continue
}

// handleControl applies a resilience.toggle ControlCommand and reports the
// transition as a ResilienceEvent.
func (c *Interceptor) handleControl(ctx context.Context, env *contracts.Envelope) error {
	cmd, ok := env.Payload.(contracts.ControlCommand)
	if !ok || cmd.Command != resilienceToggleCommand {
		return nil
	}

	scenarioID, _ := cmd.Arguments["scenario_id"].(string)
	if scenarioID == "" {
		c.logger.Warn("resilience.toggle missing scenario_id, ignoring")
		return nil
	}
	enabled, _ := cmd.Arguments["enabled"].(bool)

	c.mu.Lock()
	sc, exists := c.scenarios[scenarioID]
	if !exists {
		sc = config.ResilienceScenario{ID: scenarioID}
	}
	if v, ok := cmd.Arguments["topic_glob"].(string); ok && v != "" {
		sc.TopicGlob = v
	}
	if v, ok := cmd.Arguments["latency_ms"].(float64); ok {
		sc.LatencyMS = int(v)
	}
	if v, ok := cmd.Arguments["drop_probability"].(float64); ok {
		sc.DropProbability = v
	}
	sc.Enabled = enabled
	c.scenarios[scenarioID] = sc
	c.mu.Unlock()

	action := contracts.ResilienceActionCleared
	if enabled {
		action = contracts.ResilienceActionInjected
	}

	_, err := c.bus.Publish(ctx, contracts.TopicStatusResilienceEvent, contracts.SchemaVersionResilienceEvent, contracts.ResilienceEvent{
		ScenarioID: sc.ID,
		Action:     action,
		TopicGlob:  sc.TopicGlob,
		Parameters: cmd.Arguments,
	})
	return err
}

// Snapshot returns a copy of the current scenario set, for tests and the
// dashboard's status handler.
func (c *Interceptor) Snapshot() map[string]config.ResilienceScenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]config.ResilienceScenario, len(c.scenarios))
	for k, v := range c.scenarios {
		out[k] = v
	}
	return out
}

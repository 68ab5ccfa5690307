package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// shutdownPhase pairs a human-facing phase name (reported in
// ShutdownProgress) with the configuration category it drains.
type shutdownPhase struct {
	name     string
	category string
}

// shutdownPhases lists the staged-shutdown order from spec.md §4.4:
// inputs, processors, event builders, outputs, storage, dashboards.
// Analytics modules have a phase of their own, between storage and
// dashboards.
var shutdownPhases = []shutdownPhase{
	{name: "input", category: "cameras"},
	{name: "process", category: "process"},
	{name: "event", category: "event"},
	{name: "output", category: "outputs"},
	{name: "storage", category: "storage"},
	{name: "analytics", category: "analytics"},
	{name: "dashboard", category: "dashboards"},
}

// Shutdown drives every module through a staged stop in the order
// above, publishing a ShutdownProgress per phase, then tears down the
// orchestrator's own background loops (the "core" phase) and publishes
// a final HealthSummary with every module marked stopped, except that a
// module whose Stop failed or missed its deadline keeps its error health.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	start := time.Now()
	o.stopHealthLoop()
	o.stopDrillLoop()

	for _, phase := range shutdownPhases {
		o.stopCategory(ctx, phase.category)
		if _, err := o.bus.Publish(ctx, contracts.TopicStatusShutdownProgress, contracts.SchemaVersionShutdownProgress, contracts.ShutdownProgress{
			Phase:            phase.name,
			ModulesRemaining: o.countRunning(),
			ElapsedMS:        time.Since(start).Milliseconds(),
		}); err != nil {
			o.logger.Error("failed to publish shutdown progress", "phase", phase.name, "error", err)
		}
	}

	if o.snapshotSub != "" {
		if err := o.bus.Unsubscribe(o.snapshotSub); err != nil && !errors.Is(err, bus.ErrUnknownHandle) {
			o.logger.Warn("failed to unsubscribe config.snapshot during shutdown", "error", err)
		}
	}
	o.markAllStopped()

	if _, err := o.bus.Publish(ctx, contracts.TopicStatusShutdownProgress, contracts.SchemaVersionShutdownProgress, contracts.ShutdownProgress{
		Phase:            "core",
		ModulesRemaining: 0,
		ElapsedMS:        time.Since(start).Milliseconds(),
	}); err != nil {
		o.logger.Error("failed to publish shutdown progress", "phase", "core", "error", err)
	}

	o.publishSummary(ctx)
	o.wg.Wait()
	return nil
}

// stopCategory stops every module in category concurrently, each
// bounded by its own shutdownDeadline, and waits for all of them
// before the phase's ShutdownProgress is published.
func (o *Orchestrator) stopCategory(ctx context.Context, category string) {
	o.mu.Lock()
	var recs []*record
	for _, rec := range o.records {
		if rec.category == category && rec.state != stateStopped {
			recs = append(recs, rec)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(r *record) {
			defer wg.Done()
			o.stopOne(ctx, r)
		}(rec)
	}
	wg.Wait()
}

// stopOne stops a single module bounded by the orchestrator's
// shutdownDeadline. A module that misses its deadline is marked error
// and abandoned rather than waited on further, per spec.md §7's
// ShutdownDeadlineExceeded.
func (o *Orchestrator) stopOne(ctx context.Context, rec *record) {
	stopCtx, cancel := context.WithTimeout(ctx, o.shutdownDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.module.Stop(stopCtx) }()

	select {
	case err := <-done:
		o.mu.Lock()
		defer o.mu.Unlock()
		if err != nil {
			o.logger.Error("module stop returned an error", "module", rec.id, "error", err)
			rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthError, LastSeen: nowNS()}
		} else {
			rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthStopped, LastSeen: nowNS()}
		}
		rec.state = stateStopped
	case <-stopCtx.Done():
		o.logger.Error("module missed its shutdown deadline, abandoning", "module", rec.id, "deadline", o.shutdownDeadline, "error", ErrShutdownDeadlineExceeded)
		o.mu.Lock()
		rec.state = stateStopped
		rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthError, LastSeen: nowNS()}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) countRunning() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, rec := range o.records {
		if rec.state != stateStopped {
			n++
		}
	}
	return n
}

func (o *Orchestrator) markAllStopped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.records {
		rec.state = stateStopped
		if rec.lastHealth.State == contracts.HealthError {
			continue
		}
		rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthStopped, LastSeen: nowNS()}
	}
}

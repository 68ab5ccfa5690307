package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// subscribeModuleHealth lets a module push HealthStatus updates on its
// own "status.<id>.health" topic, as an alternative (or complement) to
// the orchestrator's own poll. Whichever observation is newest by
// LastSeen wins, matching spec.md §4.4's "merges the results with the
// latest HealthStatus messages seen on status.* topics".
func (o *Orchestrator) subscribeModuleHealth(ctx context.Context, rec *record) {
	topic := contracts.Topic(fmt.Sprintf("status.%s.health", rec.id))
	handle, err := o.bus.Subscribe(ctx, topic, func(_ context.Context, env *contracts.Envelope) error {
		status, ok := env.Payload.(contracts.HealthStatus)
		if !ok {
			return nil
		}
		o.mu.Lock()
		if status.LastSeen >= rec.lastHealth.LastSeen {
			rec.lastHealth = status
		}
		o.mu.Unlock()
		return nil
	}, 0, bus.OverflowDropNewest, nil)
	if err != nil {
		o.logger.Warn("failed to subscribe to module health topic", "module", rec.id, "topic", topic, "error", err)
		return
	}
	o.mu.Lock()
	o.healthSubs[rec.id] = handle
	o.mu.Unlock()
}

func (o *Orchestrator) unsubscribeModuleHealth(id string) {
	o.mu.Lock()
	handle, ok := o.healthSubs[id]
	delete(o.healthSubs, id)
	o.mu.Unlock()
	if ok {
		if err := o.bus.Unsubscribe(handle); err != nil {
			o.logger.Warn("failed to unsubscribe module health topic", "module", id, "error", err)
		}
	}
}

// startHealthLoop runs two tickers for the lifetime of the orchestrator:
// one polling every module's Health at healthPollInterval, one
// publishing the aggregated HealthSummary at summaryInterval.
func (o *Orchestrator) startHealthLoop(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		pollTicker := time.NewTicker(o.healthPollInterval)
		summaryTicker := time.NewTicker(o.summaryInterval)
		defer pollTicker.Stop()
		defer summaryTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopHealth:
				return
			case <-pollTicker.C:
				o.pollHealth(ctx)
			case <-summaryTicker.C:
				o.publishSummary(ctx)
			}
		}
	}()
}

func (o *Orchestrator) stopHealthLoop() {
	select {
	case <-o.stopHealth:
	default:
		close(o.stopHealth)
	}
}

// pollHealth samples every registered module's Health and keeps the
// freshest observation per module (poll vs. push, by LastSeen).
func (o *Orchestrator) pollHealth(ctx context.Context) {
	o.mu.Lock()
	recs := make([]*record, 0, len(o.records))
	for _, rec := range o.records {
		recs = append(recs, rec)
	}
	o.mu.Unlock()

	for _, rec := range recs {
		status := rec.module.Health(ctx)
		if status.LastSeen == 0 {
			status.LastSeen = nowNS()
		}
		if status.ModuleID == "" {
			status.ModuleID = rec.id
		}
		o.mu.Lock()
		if status.LastSeen >= rec.lastHealth.LastSeen {
			rec.lastHealth = status
		}
		o.mu.Unlock()
	}
}

// buildSummary aggregates every module's last-known health into the
// worst-of ordering from spec.md §4.4: stopped < error < degraded <
// starting < healthy.
func (o *Orchestrator) buildSummary() contracts.HealthSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	modules := make(map[string]contracts.HealthStatus, len(o.records))
	overall := contracts.HealthHealthy
	for id, rec := range o.records {
		modules[id] = rec.lastHealth
		if rec.lastHealth.State.Worse(overall) {
			overall = rec.lastHealth.State
		}
	}
	if len(modules) == 0 {
		overall = contracts.HealthStopped
	}
	return contracts.HealthSummary{
		Overall:   overall,
		Modules:   modules,
		SampledAt: nowNS(),
	}
}

func (o *Orchestrator) publishSummary(ctx context.Context) {
	summary := o.buildSummary()
	if _, err := o.bus.Publish(ctx, contracts.TopicStatusHealthSummary, contracts.SchemaVersionHealthSummary, summary); err != nil {
		o.logger.Error("failed to publish health summary", "error", err)
	}
}

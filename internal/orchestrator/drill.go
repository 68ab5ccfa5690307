package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// startDrillLoop runs spec.md §4.4's rollback drill at drillInterval
// (0 disables it, which is the default and matches "disabled in tests
// by default"). Each tick performs a no-op apply_changes cycle and
// reports the before/after config fingerprints so dashboards can
// assert recovery KPIs without the drill ever changing behavior.
func (o *Orchestrator) startDrillLoop(ctx context.Context) {
	o.mu.Lock()
	interval := o.drillInterval
	o.mu.Unlock()
	if interval <= 0 {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopDrill:
				return
			case <-ticker.C:
				o.runDrill(ctx)
			}
		}
	}()
}

func (o *Orchestrator) stopDrillLoop() {
	select {
	case <-o.stopDrill:
	default:
		close(o.stopDrill)
	}
}

func (o *Orchestrator) runDrill(ctx context.Context) {
	before := o.configSvc.Current()
	beforeFP, err := config.Fingerprint(before)
	if err != nil {
		o.logger.Error("rollback drill: failed to fingerprint current snapshot", "error", err)
		return
	}

	entry, err := o.configSvc.ApplyChanges(ctx, nil, "rollback-drill")
	if err != nil {
		o.logger.Error("rollback drill: no-op apply_changes failed", "error", err)
		return
	}

	after := o.configSvc.Current()
	afterFP, err := config.Fingerprint(after)
	if err != nil {
		o.logger.Error("rollback drill: failed to fingerprint post-drill snapshot", "error", err)
		return
	}

	if _, pubErr := o.bus.Publish(ctx, contracts.TopicConfigSnapshot, contracts.SchemaVersionConfigRollback, contracts.ConfigRollbackPayload{
		PreviousVersion: entry.Version,
		CurrentVersion:  entry.Version,
		Diagnostics:     []string{fmt.Sprintf("rollback drill fingerprint before=%s after=%s", beforeFP, afterFP)},
	}); pubErr != nil {
		o.logger.Error("rollback drill: failed to publish drill notice", "error", pubErr)
	}
}

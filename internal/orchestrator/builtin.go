package orchestrator

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// ReconfigurableStage is the subset of Module a built-in pipeline stage
// (dedupe, ratelimit) implements. A stage is booted directly by the
// caller rather than through Boot/reconcile, so it carries no record in
// o.records and never passes through reconcile's "changed fragment ->
// Configure" step on its own.
type ReconfigurableStage interface {
	Configure(ctx context.Context, fragment config.ModuleFragment) error
}

// WatchBuiltinStage subscribes to config.snapshot and re-applies id's
// fragment to stage whenever it changes, giving a stage living outside
// the registry the same hot-reload behavior reconcile gives a registered
// module. The returned handle should be released on shutdown the same
// way the stage's own subscription is.
func WatchBuiltinStage(ctx context.Context, b *bus.Bus, configSvc *config.Service, stage ReconfigurableStage, id string, logger *slog.Logger) (bus.Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var last config.ModuleFragment
	if cf, ok := configSvc.Current().FindFragment(id); ok {
		last = cf.Fragment
	}

	return b.Subscribe(ctx, contracts.TopicConfigSnapshot, func(ctx context.Context, env *contracts.Envelope) error {
		if _, ok := env.Payload.(contracts.ConfigSnapshotPayload); !ok {
			return nil
		}
		cf, ok := configSvc.Current().FindFragment(id)
		if !ok || reflect.DeepEqual(cf.Fragment, last) {
			return nil
		}
		if err := stage.Configure(ctx, cf.Fragment); err != nil {
			logger.Error("builtin stage reconfigure failed, keeping prior settings", "stage", id, "error", err)
			return nil
		}
		last = cf.Fragment
		return nil
	}, 0, bus.OverflowBlock, nil)
}

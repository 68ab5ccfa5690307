package orchestrator

import (
	"context"
	"fmt"
	"reflect"

	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// bootModule instantiates, configures, and starts a single module for
// cf, registering its record on success. A Build or Configure failure
// leaves the module out of the records; a Start failure records it as
// stopped with error health. Either way the error is returned and the
// caller (Boot/reconcile) continues with the rest.
func (o *Orchestrator) bootModule(ctx context.Context, cf config.CategoryFragment) error {
	mod, err := o.registry.Build(cf.Fragment)
	if err != nil {
		return err
	}

	rec := &record{
		id:       cf.Fragment.ID,
		category: cf.Category,
		module:   mod,
		fragment: cf.Fragment,
		state:    stateCreated,
		lastHealth: contracts.HealthStatus{
			ModuleID: cf.Fragment.ID,
			State:    contracts.HealthStarting,
			LastSeen: nowNS(),
		},
	}

	if err := mod.Configure(ctx, cf.Fragment); err != nil {
		return fmt.Errorf("%w: module %q: %v", ErrModuleConfigureFailed, cf.Fragment.ID, err)
	}
	rec.state = stateConfigured

	if err := mod.Start(ctx, o.bus); err != nil {
		rec.state = stateStopped
		rec.lastHealth = contracts.HealthStatus{ModuleID: cf.Fragment.ID, State: contracts.HealthError, LastSeen: nowNS()}
		o.putRecord(rec)
		return fmt.Errorf("%w: module %q: %v", ErrModuleStartFailed, cf.Fragment.ID, err)
	}
	rec.state = stateRunning

	o.putRecord(rec)
	o.subscribeModuleHealth(ctx, rec)
	return nil
}

func (o *Orchestrator) putRecord(rec *record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[rec.id] = rec
}

// reconcile implements spec.md §4.4's reconfiguration protocol for a
// freshly broadcast snapshot: new fragments are booted, changed
// fragments trigger a reconfigure, and fragments no longer present are
// stopped and dropped from the registry.
func (o *Orchestrator) reconcile(ctx context.Context, tree *config.Tree) error {
	o.mu.Lock()
	existing := make(map[string]*record, len(o.records))
	for id, rec := range o.records {
		existing[id] = rec
	}
	o.mu.Unlock()

	seen := make(map[string]bool, len(existing))
	for _, cf := range tree.Fragments() {
		seen[cf.Fragment.ID] = true

		rec, ok := existing[cf.Fragment.ID]
		if !ok {
			if err := o.bootModule(ctx, cf); err != nil {
				o.logger.Error("failed to start module introduced by reconfigure", "module", cf.Fragment.ID, "error", err)
			}
			continue
		}
		if fragmentsEqual(rec.fragment, cf.Fragment) {
			continue
		}
		o.reconfigureModule(ctx, rec, cf.Fragment)
	}

	for id, rec := range existing {
		if seen[id] {
			continue
		}
		o.stopOne(ctx, rec)
		o.mu.Lock()
		delete(o.records, id)
		o.mu.Unlock()
		o.unsubscribeModuleHealth(id)
	}
	return nil
}

func fragmentsEqual(a, b config.ModuleFragment) bool {
	return reflect.DeepEqual(a, b)
}

// reconfigureModule applies newFragment to an already-running module.
// On failure it reverts the in-memory fragment, quarantines the
// module, and publishes a module-scoped ConfigRollbackPayload; if the
// module declares RequiresRestartOnConfigureFailure it is additionally
// cycled through stop/configure/start with its prior (known-good)
// fragment.
func (o *Orchestrator) reconfigureModule(ctx context.Context, rec *record, newFragment config.ModuleFragment) {
	if err := rec.module.Configure(ctx, newFragment); err != nil {
		o.logger.Error("module reconfigure failed, reverting to prior fragment", "module", rec.id, "error", err)

		o.mu.Lock()
		rec.quarantined = true
		rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthDegraded, Detail: map[string]any{"reconfigure_error": err.Error()}, LastSeen: nowNS()}
		o.mu.Unlock()

		if _, pubErr := o.bus.Publish(ctx, contracts.TopicConfigSnapshot, contracts.SchemaVersionConfigRollback, contracts.ConfigRollbackPayload{
			ModuleID:    rec.id,
			Diagnostics: []string{err.Error()},
		}); pubErr != nil {
			o.logger.Error("failed to publish module rollback notice", "module", rec.id, "error", pubErr)
		}

		if rec.module.Capability().RequiresRestartOnConfigureFailure {
			o.stopOne(ctx, rec)
			if cfgErr := rec.module.Configure(ctx, rec.fragment); cfgErr != nil {
				o.logger.Error("module failed to reconfigure with its prior fragment during restart", "module", rec.id, "error", cfgErr)
				return
			}
			if startErr := rec.module.Start(ctx, o.bus); startErr != nil {
				o.logger.Error("module failed to restart with its prior fragment", "module", rec.id, "error", startErr)
				return
			}
			o.mu.Lock()
			rec.state = stateRunning
			rec.quarantined = false
			rec.lastHealth = contracts.HealthStatus{ModuleID: rec.id, State: contracts.HealthStarting, LastSeen: nowNS()}
			o.mu.Unlock()
		}
		return
	}

	o.mu.Lock()
	rec.fragment = newFragment
	rec.quarantined = false
	o.mu.Unlock()
}

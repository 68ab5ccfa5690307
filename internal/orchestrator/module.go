// Package orchestrator drives every domain module through its lifecycle
// from a validated configuration snapshot: instantiate via an explicit
// factory registry, configure, start, reconfigure on snapshot changes,
// and stop in staged order. It also owns the health-summary loop and the
// periodic rollback drill.
//
// Grounded on the teacher's internal/config.ConfigUpdateService 4-phase
// reload pipeline (validate -> diff -> apply -> reload) in
// internal/config/update_service.go, generalized from "reload one
// config" to "drive N modules through configure/start/stop", and on
// cmd/server/signal.go's goroutine/sync.WaitGroup shutdown shape.
package orchestrator

import (
	"context"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// Module is the lifecycle contract every domain module (camera,
// processor, artifact, notifier, storage, retention, s3replica,
// dashboard, and the built-in stages) implements. The orchestrator never
// inspects a module beyond this interface plus its static Capability.
type Module interface {
	// Capability is the static descriptor advertised at registration
	// time: category, fragment path, and the topics it touches.
	Capability() contracts.Capability

	// Configure applies fragment. It is idempotent: calling it twice
	// with an identical fragment must leave identical observable state
	// (spec round-trip law "configure(f); configure(f) => same
	// observable state"). Configure may be called while the module is
	// running (a live reconfigure) or before Start (first configure).
	Configure(ctx context.Context, fragment config.ModuleFragment) error

	// Start begins the module's runtime behavior (subscribing to
	// topics, publishing on a timer, serving HTTP, ...), using b to
	// reach the bus. Start is called at most once per module lifetime
	// unless the module is restarted after a quarantine.
	Start(ctx context.Context, b *bus.Bus) error

	// Stop releases everything Start acquired and must return once ctx
	// is done even if cleanup could not complete; the orchestrator
	// treats a Stop that does not return by the per-module deadline as
	// ErrShutdownDeadlineExceeded and abandons the module.
	Stop(ctx context.Context) error

	// Health reports the module's current state for the health loop.
	// It must not block on network or disk I/O; a module with
	// expensive health checks should sample a cached value.
	Health(ctx context.Context) contracts.HealthStatus
}

// ModuleFactory builds a fresh Module instance for one fragment. The
// registry looks factories up by the fragment's Type field, never by
// its Category or ID, per spec.md §9's "factory registry is an explicit
// mapping, not inheritance".
type ModuleFactory func(fragment config.ModuleFragment) (Module, error)

// lifecycleState is the orchestrator's view of one module's progress
// through the state machine in spec.md §4.4:
//
//	created --configure--> configured --start--> running
//	                             ^                  |
//	                             |                  +-- reconfigure --> running
//	                             +----------- stop -----------------> stopped
type lifecycleState string

const (
	stateCreated    lifecycleState = "created"
	stateConfigured lifecycleState = "configured"
	stateRunning    lifecycleState = "running"
	stateStopped    lifecycleState = "stopped"
)

// record is the orchestrator's bookkeeping for one registered module:
// its instance, its current fragment (for diffing against the next
// snapshot), its lifecycle state, and whether it is currently
// quarantined (degraded after a failed reconfigure).
type record struct {
	id          string
	category    string
	module      Module
	fragment    config.ModuleFragment
	state       lifecycleState
	quarantined bool
	lastHealth  contracts.HealthStatus
}

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const (
	defaultHealthPollInterval = 5 * time.Second
	defaultSummaryInterval    = 10 * time.Second
	defaultShutdownDeadline   = 10 * time.Second
	defaultDrillInterval      = 7 * 24 * time.Hour
)

// Orchestrator is the top-level wiring of spec.md §4.4: it owns the
// module registry, drives every module through its lifecycle from the
// current configuration snapshot, reconciles on every config.snapshot
// broadcast, runs the health-summary loop, and performs staged shutdown.
type Orchestrator struct {
	bus       *bus.Bus
	configSvc *config.Service
	registry  *Registry
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	healthPollInterval time.Duration
	summaryInterval    time.Duration
	shutdownDeadline   time.Duration
	drillInterval      time.Duration

	snapshotSub bus.Handle
	healthSubs  map[string]bus.Handle

	stopHealth chan struct{}
	stopDrill  chan struct{}
	wg         sync.WaitGroup
}

// New constructs an Orchestrator. Call Boot once the config service has
// loaded a snapshot.
func New(b *bus.Bus, configSvc *config.Service, registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bus:                b,
		configSvc:          configSvc,
		registry:           registry,
		logger:             logger.With("component", "orchestrator"),
		records:            make(map[string]*record),
		healthSubs:         make(map[string]bus.Handle),
		healthPollInterval: defaultHealthPollInterval,
		summaryInterval:    defaultSummaryInterval,
		shutdownDeadline:   defaultShutdownDeadline,
		stopHealth:         make(chan struct{}),
		stopDrill:          make(chan struct{}),
	}
}

// Configure applies the system fragment's operating parameters (loop
// cadences, shutdown deadline, rollback drill cadence). Boot calls it
// with the current snapshot's system fragment. The health, summary and
// drill loops read their cadence once when Boot starts them, so a later
// call changes only the shutdown deadline.
func (o *Orchestrator) Configure(system config.SystemFragment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if system.HealthPollIntervalSeconds > 0 {
		o.healthPollInterval = time.Duration(system.HealthPollIntervalSeconds) * time.Second
	}
	if system.SummaryIntervalSeconds > 0 {
		o.summaryInterval = time.Duration(system.SummaryIntervalSeconds) * time.Second
	}
	if system.ShutdownDeadlineSeconds > 0 {
		o.shutdownDeadline = time.Duration(system.ShutdownDeadlineSeconds) * time.Second
	}
	o.drillInterval = 0
	if system.RollbackDrillEnabled {
		o.drillInterval = defaultDrillInterval
		if system.RollbackDrillCron != "" {
			if d, err := time.ParseDuration(system.RollbackDrillCron); err == nil && d > 0 {
				o.drillInterval = d
			} else {
				o.logger.Warn("rollback_drill_cron is not a parseable duration, using default cadence", "value", system.RollbackDrillCron, "default", defaultDrillInterval)
			}
		}
	}
}

// Boot instantiates, configures, and starts every module named in the
// config service's current snapshot, then subscribes to config.snapshot
// for live reconfiguration and starts the health and drill loops.
func (o *Orchestrator) Boot(ctx context.Context) error {
	tree := o.configSvc.Current()
	o.Configure(tree.System)

	for _, cf := range tree.Fragments() {
		if err := o.bootModule(ctx, cf); err != nil {
			o.logger.Error("module failed to boot, continuing with the rest", "module", cf.Fragment.ID, "type", cf.Fragment.Type, "error", err)
		}
	}

	handle, err := o.bus.Subscribe(ctx, contracts.TopicConfigSnapshot, o.onSnapshot, 0, bus.OverflowBlock, nil)
	if err != nil {
		return err
	}
	o.snapshotSub = handle

	o.startHealthLoop(ctx)
	o.startDrillLoop(ctx)
	return nil
}

// onSnapshot reconciles the module set against a newly broadcast
// config.snapshot. Rollback notices are published on the same topic
// with a different payload type and are ignored here.
func (o *Orchestrator) onSnapshot(ctx context.Context, env *contracts.Envelope) error {
	if _, ok := env.Payload.(contracts.ConfigSnapshotPayload); !ok {
		return nil
	}
	return o.reconcile(ctx, o.configSvc.Current())
}

// Records returns a copy of every module's last-known HealthStatus,
// keyed by module id, for diagnostics and tests.
func (o *Orchestrator) Records() map[string]contracts.HealthStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]contracts.HealthStatus, len(o.records))
	for id, rec := range o.records {
		out[id] = rec.lastHealth
	}
	return out
}

func nowNS() int64 { return time.Now().UnixNano() }

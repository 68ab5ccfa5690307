package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// fakeModule is a minimal, instrumented Module used across the test
// suite in place of a real camera/processor/dashboard shim.
type fakeModule struct {
	mu sync.Mutex

	id              string
	requiresRestart bool
	health          contracts.HealthState
	stopDelay       time.Duration

	failConfigureOnCall int // 0 disables; otherwise Configure fails exactly on this call number
	startErr            error
	stopErr             error

	configureCalls int
	startCalls     int
	stopCalls      int
	lastFragment   config.ModuleFragment
}

func (f *fakeModule) Capability() contracts.Capability {
	return contracts.Capability{ID: f.id, RequiresRestartOnConfigureFailure: f.requiresRestart}
}

func (f *fakeModule) Configure(_ context.Context, fragment config.ModuleFragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureCalls++
	f.lastFragment = fragment
	if f.failConfigureOnCall != 0 && f.configureCalls == f.failConfigureOnCall {
		return errFakeConfigure
	}
	return nil
}

func (f *fakeModule) Start(_ context.Context, _ *bus.Bus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeModule) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeModule) Health(_ context.Context) contracts.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.health
	if state == "" {
		state = contracts.HealthHealthy
	}
	return contracts.HealthStatus{ModuleID: f.id, State: state, LastSeen: time.Now().UnixNano()}
}

func (f *fakeModule) snapshot() (configureCalls, startCalls, stopCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configureCalls, f.startCalls, f.stopCalls
}

var errFakeConfigure = fakeErr("fake module: configure failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// fakeFactory returns a ModuleFactory that hands out a pre-built
// instance when one exists for the fragment id (so tests can retain a
// pointer to assert on), or a fresh healthy fakeModule otherwise.
func fakeFactory(instances map[string]*fakeModule) ModuleFactory {
	return func(fragment config.ModuleFragment) (Module, error) {
		if m, ok := instances[fragment.ID]; ok {
			return m, nil
		}
		return &fakeModule{id: fragment.ID}, nil
	}
}

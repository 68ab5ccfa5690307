package bus

import (
	"context"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// DefaultTelemetryInterval matches the teacher's dashboard refresh cadence
// (internal/realtime), repurposed here for bus self-reporting.
const DefaultTelemetryInterval = time.Second

// StartTelemetry launches a goroutine that samples the bus's status and
// Prometheus gauges on a fixed interval, publishing a BusStatus envelope to
// contracts.TopicStatusBus on every tick. It returns a function that stops
// the sampler and blocks until its goroutine has exited.
func (b *Bus) StartTelemetry(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultTelemetryInterval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				b.RefreshMetrics()
				status := b.Status()
				if _, err := b.Publish(tickerCtx, contracts.TopicStatusBus, contracts.SchemaVersionBusStatus, status); err != nil {
					b.logger.Warn("failed to publish bus status", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

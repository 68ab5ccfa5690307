// Package bus implements the in-process publish/subscribe backbone every
// other core component communicates over. It is grounded on the teacher's
// internal/realtime.DefaultEventBus (internal/realtime/bus.go):
// a registry of subscribers guarded by a RWMutex, an atomic sequence
// counter, and Prometheus-backed telemetry. The generalization replaces
// "one shared channel fanned out to every subscriber concurrently" with
// "one bounded channel and one dedicated consumer goroutine per
// subscription", so a slow subscriber only ever degrades itself.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// PublishOption customizes a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	correlationID string
	deadline      time.Duration
}

// WithCorrelationID threads a caller-supplied correlation id through the
// envelope instead of minting a new one.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithPublishDeadline overrides the default publish deadline used when a
// block-policy subscription's queue is full.
func WithPublishDeadline(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.deadline = d }
}

const defaultPublishDeadline = time.Second

// Bus is the concrete, process-wide publish/subscribe broker. All methods
// are safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[contracts.Topic][]*subscription
	byHandle      map[Handle]*subscription
	interceptors  []installedInterceptor

	sequence       atomic.Int64
	publishedTotal atomic.Uint64

	logger  *slog.Logger
	metrics *Metrics
}

// New constructs a Bus. metrics may be nil, in which case Prometheus
// collectors are not registered.
func New(logger *slog.Logger, metrics *Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscriptions: make(map[contracts.Topic][]*subscription),
		byHandle:      make(map[Handle]*subscription),
		logger:        logger.With("component", "bus"),
		metrics:       metrics,
	}
}

// Subscribe registers handler to receive every envelope published to topic.
// capacity must be in (0, MaxCapacity]; a capacity of 0 selects
// DefaultCapacity. filter may be nil to accept every envelope on topic.
func (b *Bus) Subscribe(ctx context.Context, topic contracts.Topic, handler Handler, capacity int, policy OverflowPolicy, filter Filter) (Handle, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 || capacity > MaxCapacity {
		return "", ErrCapacityOutOfRange
	}
	if err := topic.Validate(); err != nil {
		return "", err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:       Handle(contracts.NewCorrelationID()),
		topic:    topic,
		handler:  handler,
		filter:   filter,
		policy:   policy,
		capacity: capacity,
		queue:    make(chan *contracts.Envelope, capacity),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	b.byHandle[sub.id] = sub
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscriptionsActive.Inc()
	}

	go sub.run(subCtx, b.onDegrade)

	b.logger.Info("subscription added", "handle", sub.id, "topic", topic, "policy", policy, "capacity", capacity)
	return sub.id, nil
}

// Unsubscribe stops delivery to handle and releases its queue. Envelopes
// already enqueued are discarded.
func (b *Bus) Unsubscribe(handle Handle) error {
	b.mu.Lock()
	sub, ok := b.byHandle[handle]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(b.byHandle, handle)
	list := b.subscriptions[sub.topic]
	for i, s := range list {
		if s.id == handle {
			b.subscriptions[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.cancel()
	<-sub.done

	if b.metrics != nil {
		b.metrics.SubscriptionsActive.Dec()
	}
	b.logger.Info("subscription removed", "handle", handle, "topic", sub.topic)
	return nil
}

// Intercept installs an interceptor at the end of the chain and returns a
// handle for later removal via RemoveInterceptor.
func (b *Bus) Intercept(ic Interceptor) Handle {
	handle := Handle(contracts.NewCorrelationID())
	b.mu.Lock()
	b.interceptors = append(b.interceptors, installedInterceptor{handle: handle, fn: ic})
	b.mu.Unlock()
	return handle
}

// RemoveInterceptor removes a previously installed interceptor.
func (b *Bus) RemoveInterceptor(handle Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ic := range b.interceptors {
		if ic.handle == handle {
			b.interceptors = append(b.interceptors[:i], b.interceptors[i+1:]...)
			return nil
		}
	}
	return ErrUnknownHandle
}

// Publish wraps payload in an Envelope, runs it through the interceptor
// chain, and fans it out to every subscription on topic according to each
// subscription's overflow policy. Publish returns once the envelope has
// been handed to (or dropped by) every subscription's queue; it does not
// wait for handlers to run. A block-policy subscription that times out or
// sees ctx cancelled does not stop the fan-out to the remaining
// subscriptions; Publish then returns the first such error.
func (b *Bus) Publish(ctx context.Context, topic contracts.Topic, schemaVersion contracts.SchemaVersion, payload any, opts ...PublishOption) (*contracts.Envelope, error) {
	options := publishOptions{deadline: defaultPublishDeadline}
	for _, opt := range opts {
		opt(&options)
	}

	correlationID := options.correlationID
	if correlationID == "" {
		correlationID = contracts.NewCorrelationID()
	}

	env := &contracts.Envelope{
		Sequence:      b.sequence.Add(1),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		SchemaVersion: schemaVersion,
		Topic:         topic,
		Payload:       payload,
	}

	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.PublishLatencySeconds.Observe(time.Since(start).Seconds())
		}
	}()

	b.mu.RLock()
	chain := make([]installedInterceptor, len(b.interceptors))
	copy(chain, b.interceptors)
	subs := make([]*subscription, len(b.subscriptions[topic]))
	copy(subs, b.subscriptions[topic])
	b.mu.RUnlock()

	decision := runInterceptors(ctx, chain, env, b.onInterceptorPanic)
	if decision == Drop {
		return env, nil
	}

	b.publishedTotal.Add(1)
	if b.metrics != nil {
		b.metrics.PublishedTotal.Inc()
	}

	var firstErr error
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		if err := b.enqueue(ctx, sub, env, options.deadline); err != nil {
			if err != ErrBusOverflow && firstErr == nil {
				firstErr = err
			}
		}
	}
	return env, firstErr
}

func (b *Bus) enqueue(ctx context.Context, sub *subscription, env *contracts.Envelope, deadline time.Duration) error {
	switch sub.policy {
	case OverflowDropOldest:
		select {
		case sub.queue <- env:
			return nil
		default:
			select {
			case <-sub.queue:
				atomic.AddUint64(&sub.dropped, 1)
				b.recordDrop(sub)
			default:
			}
			select {
			case sub.queue <- env:
				return nil
			default:
				atomic.AddUint64(&sub.dropped, 1)
				b.recordDrop(sub)
				return ErrBusOverflow
			}
		}

	case OverflowBlock:
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case sub.queue <- env:
			return nil
		case <-ctx.Done():
			return ErrPublishCancelled
		case <-timer.C:
			return ErrPublishTimeout
		}

	default: // OverflowDropNewest
		select {
		case sub.queue <- env:
			return nil
		default:
			atomic.AddUint64(&sub.dropped, 1)
			b.recordDrop(sub)
			return ErrBusOverflow
		}
	}
}

func (b *Bus) recordDrop(sub *subscription) {
	if b.metrics != nil {
		b.metrics.DroppedTotal.WithLabelValues(string(sub.topic), string(sub.policy)).Inc()
	}
}

func (b *Bus) onDegrade(sub *subscription) {
	b.logger.Warn("subscription degraded", "handle", sub.id, "topic", sub.topic)
}

func (b *Bus) onInterceptorPanic(handle Handle, r any) {
	b.logger.Error("interceptor panicked, treated as pass-through", "handle", handle, "recovered", r)
	if b.metrics != nil {
		b.metrics.InterceptorPanics.Inc()
	}
}

// RefreshMetrics samples every subscription's cumulative counters into the
// Prometheus gauges. It is cheap enough to call from a periodic ticker
// (see telemetry.go) since it only takes the read lock and copies ints.
func (b *Bus) RefreshMetrics() {
	if b.metrics == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	degraded := 0
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			b.metrics.Delivered.WithLabelValues(string(sub.topic), string(sub.id)).Set(float64(sub.Delivered()))
			if sub.Degraded() {
				degraded++
			}
		}
	}
	b.metrics.SubscriptionsDegraded.Set(float64(degraded))
}

// Status snapshots the bus for telemetry.BusStatus publication.
func (b *Bus) Status() contracts.BusStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	statuses := make([]contracts.SubscriptionStatus, 0, len(b.byHandle))
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			statuses = append(statuses, sub.status())
		}
	}
	return contracts.BusStatus{
		PublishedTotal: b.publishedTotal.Load(),
		Subscriptions:  statuses,
	}
}

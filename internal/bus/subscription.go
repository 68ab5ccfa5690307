package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// OverflowPolicy decides what Publish does when a subscription's queue is
// at capacity.
type OverflowPolicy string

const (
	// OverflowBlock makes the publisher wait until there is room, or until
	// the configured publish deadline elapses, then fail with
	// ErrPublishTimeout.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropNewest discards the message being published for this
	// subscription and increments its drop counter.
	OverflowDropNewest OverflowPolicy = "drop_newest"
	// OverflowDropOldest evicts the head of the queue to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// DefaultCapacity and MaxCapacity bound Subscribe's capacity argument.
const (
	DefaultCapacity = 64
	MaxCapacity     = 4096
)

// Handle is an opaque token identifying a live subscription or interceptor.
type Handle string

// Filter is evaluated inside the subscription before the queue. A filter
// that rejects a message does not count as a drop.
type Filter func(*contracts.Envelope) bool

// Handler processes one delivered envelope. Handlers must not block
// indefinitely; each invocation is bounded by the subscription's handler
// deadline.
type Handler func(ctx context.Context, env *contracts.Envelope) error

// subscription is the bus's bookkeeping record for one Subscribe call,
// grounded on the teacher's per-subscriber dispatch loop
// (internal/realtime.DefaultEventBus.broadcastEvent) generalized from
// "one shared broadcast channel fanned out concurrently" to "one bounded
// channel and one consumer goroutine per subscription".
type subscription struct {
	id       Handle
	topic    contracts.Topic
	handler  Handler
	filter   Filter
	policy   OverflowPolicy
	capacity int

	queue chan *contracts.Envelope

	delivered uint64
	dropped   uint64
	degraded  atomic.Bool

	consecutiveTimeouts int
	lastDelivery        atomic.Int64 // unix nanos

	cancel context.CancelFunc
	done   chan struct{}

	handlerDeadline time.Duration
}

func (s *subscription) Delivered() uint64 { return atomic.LoadUint64(&s.delivered) }
func (s *subscription) Dropped() uint64   { return atomic.LoadUint64(&s.dropped) }
func (s *subscription) Degraded() bool    { return s.degraded.Load() }

func (s *subscription) status() contracts.SubscriptionStatus {
	var oldestAge int64
	if depth := len(s.queue); depth > 0 {
		if last := s.lastDelivery.Load(); last != 0 {
			oldestAge = (time.Now().UnixNano() - last) / int64(time.Millisecond)
		}
	}
	return contracts.SubscriptionStatus{
		SubscriberID: string(s.id),
		Topic:        string(s.topic),
		Depth:        len(s.queue),
		Capacity:     s.capacity,
		Delivered:    s.Delivered(),
		Dropped:      s.Dropped(),
		OldestAgeMS:  oldestAge,
		Degraded:     s.Degraded(),
	}
}

// run is the subscription's dedicated consumer goroutine: it drains the
// queue in FIFO order and invokes the handler serially, never concurrently
// with itself, satisfying the "cooperative single-writer-per-subscription"
// delivery model.
func (s *subscription) run(ctx context.Context, onDegrade func(*subscription)) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.queue:
			if !ok {
				return
			}
			s.deliver(ctx, env, onDegrade)
		}
	}
}

func (s *subscription) deliver(ctx context.Context, env *contracts.Envelope, onDegrade func(*subscription)) {
	deadline := s.handlerDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err := safeInvoke(callCtx, s.handler, env)

	if err != nil {
		s.consecutiveTimeouts++
		if s.consecutiveTimeouts >= 3 && !s.degraded.Load() {
			s.degraded.Store(true)
			if onDegrade != nil {
				onDegrade(s)
			}
		}
		return
	}
	s.consecutiveTimeouts = 0
	atomic.AddUint64(&s.delivered, 1)
	s.lastDelivery.Store(time.Now().UnixNano())
}

// safeInvoke catches handler panics and timeouts so one misbehaving
// handler never tears down its subscription or the bus.
func safeInvoke(ctx context.Context, h Handler, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrHandlerTimeout
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- h(ctx, env)
	}()

	select {
	case <-ctx.Done():
		return ErrHandlerTimeout
	case err = <-done:
		return err
	}
}

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const testTopic contracts.Topic = "event.test.case"

func collectingHandler() (Handler, func() []*contracts.Envelope) {
	var mu sync.Mutex
	var got []*contracts.Envelope
	h := func(_ context.Context, env *contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		return nil
	}
	get := func() []*contracts.Envelope {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*contracts.Envelope, len(got))
		copy(out, got)
		return out
	}
	return h, get
}

func TestBus_SubscribeAndPublish(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	_, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionDetectionEvent, contracts.DetectionEvent{
		CameraID: "cam-1", Kind: contracts.DetectionKindMotion, Label: "person", Confidence: 0.9,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_FIFOOrderingPerSubscription(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	_, err := b.Subscribe(ctx, testTopic, handler, 32, OverflowBlock, nil)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{
			Command: "tick", Arguments: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(events()) == n }, 2*time.Second, 5*time.Millisecond)

	got := events()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Sequence, got[i].Sequence, "envelopes must be delivered in publish order")
	}
}

func TestBus_DropNewestNeverExceedsCapacity(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	handler := func(ctx context.Context, env *contracts.Envelope) error {
		<-block
		return nil
	}
	handle, err := b.Subscribe(ctx, testTopic, handler, 2, OverflowDropNewest, nil)
	require.NoError(t, err)

	var published, dropped int
	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
		require.NoError(t, err)
		published++
	}
	close(block)

	b.mu.RLock()
	sub := b.byHandle[handle]
	b.mu.RUnlock()
	require.Eventually(t, func() bool {
		return int(sub.Delivered())+int(sub.Dropped()) == published
	}, 2*time.Second, 5*time.Millisecond)

	dropped = int(sub.Dropped())
	assert.GreaterOrEqual(t, dropped, 0)
	assert.LessOrEqual(t, len(sub.queue), sub.capacity, "queue must never exceed its configured capacity")
}

func TestBus_SubscriptionDegradesAfterThreeConsecutiveTimeouts(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, env *contracts.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}
	handle, err := b.Subscribe(ctx, testTopic, handler, 4, OverflowDropNewest, nil)
	require.NoError(t, err)

	b.mu.RLock()
	sub := b.byHandle[handle]
	sub.handlerDeadline = 20 * time.Millisecond
	b.mu.RUnlock()

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sub.Degraded() }, 2*time.Second, 10*time.Millisecond)
}

func TestBus_InterceptorCanDropEnvelope(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	_, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	b.Intercept(func(ctx context.Context, env *contracts.Envelope) InterceptorDecision {
		return Drop
	})

	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, events())
}

func TestBus_PanickingInterceptorIsPassThrough(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	_, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	b.Intercept(func(ctx context.Context, env *contracts.Envelope) InterceptorDecision {
		panic("boom")
	})

	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	handle, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(handle))
	assert.ErrorIs(t, b.Unsubscribe(handle), ErrUnknownHandle)

	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, events())
}

func TestBus_TopicFilterExcludesNonMatching(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, events := collectingHandler()
	filter := func(env *contracts.Envelope) bool {
		de, ok := env.Payload.(contracts.DetectionEvent)
		return ok && de.CameraID == "cam-allowed"
	}
	_, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, filter)
	require.NoError(t, err)

	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionDetectionEvent, contracts.DetectionEvent{CameraID: "cam-blocked", Kind: contracts.DetectionKindMotion, Label: "x"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, testTopic, contracts.SchemaVersionDetectionEvent, contracts.DetectionEvent{CameraID: "cam-allowed", Kind: contracts.DetectionKindMotion, Label: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cam-allowed", events()[0].Payload.(contracts.DetectionEvent).CameraID)
}

func TestBus_SubscribeRejectsInvalidCapacity(t *testing.T) {
	b := New(slog.Default(), nil)
	_, err := b.Subscribe(context.Background(), testTopic, func(context.Context, *contracts.Envelope) error { return nil }, MaxCapacity+1, OverflowBlock, nil)
	assert.ErrorIs(t, err, ErrCapacityOutOfRange)
}

func TestBus_StatusReportsPublishedTotal(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, _ := collectingHandler()
	_, err := b.Subscribe(ctx, testTopic, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
		require.NoError(t, err)
	}

	status := b.Status()
	assert.EqualValues(t, 3, status.PublishedTotal)
	require.Len(t, status.Subscriptions, 1)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered atomic.Int64
	handler := func(ctx context.Context, env *contracts.Envelope) error {
		delivered.Add(1)
		return nil
	}
	_, err := b.Subscribe(ctx, testTopic, handler, 256, OverflowBlock, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := b.Publish(ctx, testTopic, contracts.SchemaVersionControlCommand, contracts.ControlCommand{Command: "tick"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return delivered.Load() == 100 }, 2*time.Second, 10*time.Millisecond)
}

func TestBus_TelemetryPublishesBusStatus(t *testing.T) {
	b := New(slog.Default(), NewMetrics(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got *contracts.BusStatus
	handler := func(ctx context.Context, env *contracts.Envelope) error {
		status, ok := env.Payload.(contracts.BusStatus)
		if !ok {
			return errors.New("unexpected payload type")
		}
		mu.Lock()
		got = &status
		mu.Unlock()
		return nil
	}
	_, err := b.Subscribe(ctx, contracts.TopicStatusBus, handler, 0, OverflowBlock, nil)
	require.NoError(t, err)

	stop := b.StartTelemetry(ctx, 10*time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)
}

package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

func newAttached(t *testing.T) (*Interceptor, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, nil)
	c := New(nil)
	require.NoError(t, c.Attach(context.Background(), b))
	t.Cleanup(func() { _ = c.Detach() })
	return c, b
}

func TestApplySnapshot_EnabledScenarioDropsMatchingTopic(t *testing.T) {
	c, b := newAttached(t)
	c.ApplySnapshot(&config.Tree{
		Resilience: config.ResilienceFragment{
			Scenarios: []config.ResilienceScenario{
				{ID: "kill-camera", TopicGlob: "camera.*.frame", DropProbability: 1, Enabled: true},
			},
		},
	})

	received := make(chan struct{}, 1)
	_, err := b.Subscribe(context.Background(), "camera.camA.frame", func(_ context.Context, _ *contracts.Envelope) error {
		received <- struct{}{}
		return nil
	}, 0, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "camera.camA.frame", contracts.SchemaVersionFrame, contracts.Frame{CameraID: "camA", Width: 1, Height: 1, Handle: "h"})
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("message should have been dropped by the chaos interceptor")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApplySnapshot_DisabledScenarioDoesNotMatch(t *testing.T) {
	c, b := newAttached(t)
	c.ApplySnapshot(&config.Tree{
		Resilience: config.ResilienceFragment{
			Scenarios: []config.ResilienceScenario{
				{ID: "kill-camera", TopicGlob: "camera.*.frame", DropProbability: 1, Enabled: false},
			},
		},
	})

	received := make(chan struct{}, 1)
	_, err := b.Subscribe(context.Background(), "camera.camA.frame", func(_ context.Context, _ *contracts.Envelope) error {
		received <- struct{}{}
		return nil
	}, 0, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "camera.camA.frame", contracts.SchemaVersionFrame, contracts.Frame{CameraID: "camA", Width: 1, Height: 1, Handle: "h"})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("message should have passed through a disabled scenario")
	}
}

func TestApplySnapshot_NonMatchingGlobPassesThrough(t *testing.T) {
	c, b := newAttached(t)
	c.ApplySnapshot(&config.Tree{
		Resilience: config.ResilienceFragment{
			Scenarios: []config.ResilienceScenario{
				{ID: "kill-camB", TopicGlob: "camera.camB.*", DropProbability: 1, Enabled: true},
			},
		},
	})

	received := make(chan struct{}, 1)
	_, err := b.Subscribe(context.Background(), "camera.camA.frame", func(_ context.Context, _ *contracts.Envelope) error {
		received <- struct{}{}
		return nil
	}, 0, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "camera.camA.frame", contracts.SchemaVersionFrame, contracts.Frame{CameraID: "camA", Width: 1, Height: 1, Handle: "h"})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("message on a non-matching topic should not have been dropped")
	}
}

func TestHandleControl_TogglesScenarioAndPublishesEvent(t *testing.T) {
	c, b := newAttached(t)
	ctx := context.Background()

	events := make(chan contracts.ResilienceEvent, 1)
	_, err := b.Subscribe(ctx, contracts.TopicStatusResilienceEvent, func(_ context.Context, env *contracts.Envelope) error {
		events <- env.Payload.(contracts.ResilienceEvent)
		return nil
	}, 0, bus.OverflowBlock, nil)
	require.NoError(t, err)

	_, err = b.Publish(ctx, contracts.TopicDashboardControlCommand, contracts.SchemaVersionControlCommand, contracts.ControlCommand{
		Command: "resilience.toggle",
		Arguments: map[string]any{
			"scenario_id":      "latency-event",
			"topic_glob":       "event.*",
			"latency_ms":       50.0,
			"drop_probability": 0.0,
			"enabled":          true,
		},
	})
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, "latency-event", evt.ScenarioID)
		assert.Equal(t, contracts.ResilienceActionInjected, evt.Action)
		assert.Equal(t, "event.*", evt.TopicGlob)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resilience event")
	}

	require.Eventually(t, func() bool {
		sc, ok := c.Snapshot()["latency-event"]
		return ok && sc.Enabled && sc.LatencyMS == 50
	}, time.Second, 10*time.Millisecond)
}

func TestIntercept_InjectsLatencyBeforeDelivery(t *testing.T) {
	c, b := newAttached(t)
	c.ApplySnapshot(&config.Tree{
		Resilience: config.ResilienceFragment{
			Scenarios: []config.ResilienceScenario{
				{ID: "slow-event", TopicGlob: "event.*", LatencyMS: 50, Enabled: true},
			},
		},
	})

	received := make(chan time.Time, 1)
	_, err := b.Subscribe(context.Background(), "event.snapshot.created", func(_ context.Context, _ *contracts.Envelope) error {
		received <- time.Now()
		return nil
	}, 0, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Publish(context.Background(), "event.snapshot.created", contracts.SchemaVersionMediaArtifact, contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, CameraID: "camA", Handle: "h"})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.GreaterOrEqual(t, got.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed delivery")
	}
}

package processor

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

func newModule(t *testing.T, threshold float64) (*Module, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, nil)
	m := New("proc1", nil)
	require.NoError(t, m.Configure(context.Background(), config.ModuleFragment{
		ID:   "proc1",
		Type: "processor",
		Settings: map[string]any{
			"source_topics":              []any{"camera.camA.frame"},
			"motion_topic":               "process.motion.detected",
			"brightness_delta_threshold": threshold,
		},
	}))
	require.NoError(t, m.Start(context.Background(), b))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, b
}

func publishFrame(t *testing.T, b *bus.Bus, cameraID, brightness string) {
	t.Helper()
	_, err := b.Publish(context.Background(), "camera.camA.frame", contracts.SchemaVersionFrame, contracts.Frame{
		CameraID:   cameraID,
		Width:      1,
		Height:     1,
		Handle:     "h",
		Attributes: map[string]string{"brightness": brightness},
	})
	require.NoError(t, err)
}

func TestModule_FirstFrameOnlySeedsBaseline(t *testing.T) {
	_, b := newModule(t, 10)

	detections := make(chan contracts.DetectionEvent, 4)
	_, err := b.Subscribe(context.Background(), "process.motion.detected", func(_ context.Context, env *contracts.Envelope) error {
		detections <- env.Payload.(contracts.DetectionEvent)
		return nil
	}, 4, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	publishFrame(t, b, "camA", "100.00")

	select {
	case <-detections:
		t.Fatal("the first frame from a camera should only seed the baseline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestModule_PublishesMotionWhenBrightnessJumpsPastThreshold(t *testing.T) {
	_, b := newModule(t, 10)

	detections := make(chan contracts.DetectionEvent, 4)
	_, err := b.Subscribe(context.Background(), "process.motion.detected", func(_ context.Context, env *contracts.Envelope) error {
		detections <- env.Payload.(contracts.DetectionEvent)
		return nil
	}, 4, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	publishFrame(t, b, "camA", "100.00")
	publishFrame(t, b, "camA", "140.00")

	select {
	case evt := <-detections:
		assert.Equal(t, contracts.DetectionKindMotion, evt.Kind)
		assert.Equal(t, "camA", evt.CameraID)
		assert.Equal(t, 1.0, evt.Confidence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a motion detection")
	}
}

func TestModule_SmallBrightnessChangeDoesNotPublish(t *testing.T) {
	_, b := newModule(t, 10)

	detections := make(chan contracts.DetectionEvent, 4)
	_, err := b.Subscribe(context.Background(), "process.motion.detected", func(_ context.Context, env *contracts.Envelope) error {
		detections <- env.Payload.(contracts.DetectionEvent)
		return nil
	}, 4, bus.OverflowDropNewest, nil)
	require.NoError(t, err)

	publishFrame(t, b, "camA", "100.00")
	publishFrame(t, b, "camA", "104.00")

	select {
	case <-detections:
		t.Fatal("a delta below threshold should not publish a motion event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDecodeConfig_RequiresSourceTopicsAndMotionTopic(t *testing.T) {
	_, err := decodeConfig(map[string]any{"motion_topic": "process.motion.detected"})
	assert.Error(t, err)

	_, err = decodeConfig(map[string]any{"source_topics": []any{"camera.camA.frame"}})
	assert.Error(t, err)
}

func TestDecodeConfig_AppliesDefaultThreshold(t *testing.T) {
	cfg, err := decodeConfig(map[string]any{
		"source_topics": []any{"camera.camA.frame"},
		"motion_topic":  "process.motion.detected",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultBrightnessDeltaThreshold, cfg.BrightnessDeltaThreshold)
}

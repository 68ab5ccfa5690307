package ratelimit

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

func newStage(t *testing.T, capacity int, refill float64) (*Stage, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, nil)
	s := New("ratelimit", nil)
	ctx := context.Background()
	require.NoError(t, s.Configure(ctx, config.ModuleFragment{
		ID:   "ratelimit",
		Type: "ratelimit",
		Settings: map[string]any{
			"source_topic":      "event.snapshot.created",
			"target_topic":      "event.snapshot.allowed",
			"capacity":          capacity,
			"refill_per_second": refill,
		},
	}))
	require.NoError(t, s.Start(ctx, b))
	t.Cleanup(func() { _ = s.Stop(ctx) })
	return s, b
}

func collectAllowed(t *testing.T, b *bus.Bus) chan contracts.MediaArtifact {
	t.Helper()
	out := make(chan contracts.MediaArtifact, 16)
	_, err := b.Subscribe(context.Background(), "event.snapshot.allowed", func(_ context.Context, env *contracts.Envelope) error {
		out <- env.Payload.(contracts.MediaArtifact)
		return nil
	}, 16, bus.OverflowBlock, nil)
	require.NoError(t, err)
	return out
}

func TestStage_AllowsUpToCapacityThenDrops(t *testing.T) {
	s, b := newStage(t, 1, 0.001)
	out := collectAllowed(t, b)
	ctx := context.Background()

	artifact := contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, CameraID: "camA", Handle: "h1"}
	_, err := b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, artifact)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, artifact)
	require.NoError(t, err)

	select {
	case got := <-out:
		assert.Equal(t, "camA", got.CameraID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first allowed artifact")
	}

	select {
	case <-out:
		t.Fatal("second publish within the same burst should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		drops := s.Snapshot()
		return drops["camA"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStage_SeparateKeysGetIndependentBuckets(t *testing.T) {
	_, b := newStage(t, 1, 0.001)
	out := collectAllowed(t, b)
	ctx := context.Background()

	_, err := b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, CameraID: "camA", Handle: "h1"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, CameraID: "camB", Handle: "h2"})
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-out:
			seen[got.CameraID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for artifact %d", i)
		}
	}
	assert.True(t, seen["camA"])
	assert.True(t, seen["camB"])
}

func TestStage_PublishesStatusOnDrop(t *testing.T) {
	s, b := newStage(t, 1, 0.001)
	_ = collectAllowed(t, b)
	ctx := context.Background()

	status := make(chan contracts.RateLimitStatus, 4)
	_, err := b.Subscribe(ctx, contracts.TopicStatusRateLimit, func(_ context.Context, env *contracts.Envelope) error {
		status <- env.Payload.(contracts.RateLimitStatus)
		return nil
	}, 0, bus.OverflowBlock, nil)
	require.NoError(t, err)

	artifact := contracts.MediaArtifact{Kind: contracts.ArtifactKindSnapshot, CameraID: "camA", Handle: "h1"}
	_, err = b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, artifact)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionMediaArtifact, artifact)
	require.NoError(t, err)

	select {
	case payload := <-status:
		assert.Equal(t, "ratelimit", payload.StageID)
		assert.Equal(t, int64(1), payload.Drops["camA"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rate limit status")
	}

	_ = s
}

func TestDecodeConfig_Defaults(t *testing.T) {
	cfg, err := decodeConfig(map[string]any{
		"source_topic": "event.snapshot.created",
		"target_topic": "event.snapshot.allowed",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultKeyAttribute, cfg.KeyAttribute)
	assert.Equal(t, defaultCapacity, cfg.Capacity)
	assert.Equal(t, defaultRefillPerSecond, cfg.RefillPerSecond)
}

func TestDecodeConfig_RejectsZeroCapacity(t *testing.T) {
	_, err := decodeConfig(map[string]any{
		"source_topic": "event.snapshot.created",
		"target_topic": "event.snapshot.allowed",
		"capacity":     0,
	})
	require.Error(t, err)
}

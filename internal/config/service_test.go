package config

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

func newTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, nil)
	store, err := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	require.NoError(t, err)
	return New(b, store, nil), b
}

func TestService_Load_MintsVersionOneOnFirstBoot(t *testing.T) {
	svc, _ := newTestService(t)
	entry, err := svc.Load(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
}

func TestService_Load_ResumesFromExistingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	store, err := NewStore(path)
	require.NoError(t, err)
	_, err = store.Append(validTree())
	require.NoError(t, err)
	_, err = store.Append(validTree())
	require.NoError(t, err)

	reopened, err := NewStore(path)
	require.NoError(t, err)
	svc := New(bus.New(nil, nil), reopened, nil)

	entry, err := svc.Load(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
}

func TestService_ApplyChanges_CommitsAndBroadcastsSnapshot(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()
	_, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	received := make(chan contracts.ConfigSnapshotPayload, 1)
	_, err = b.Subscribe(ctx, contracts.TopicConfigSnapshot, func(_ context.Context, env *contracts.Envelope) error {
		payload, ok := env.Payload.(contracts.ConfigSnapshotPayload)
		if ok {
			received <- payload
		}
		return nil
	}, 0, bus.OverflowBlock, nil)
	require.NoError(t, err)

	entry, err := svc.ApplyChanges(ctx, []Update{{Path: "system.log_level", Value: "debug"}}, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
	assert.Equal(t, "debug", svc.Current().System.LogLevel)

	select {
	case payload := <-received:
		assert.Equal(t, int64(2), payload.Version)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config.snapshot broadcast")
	}
}

func TestService_ApplyChanges_EmptyBatchIsNoOp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	loaded, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	entry, err := svc.ApplyChanges(ctx, nil, "test")
	require.NoError(t, err)
	assert.Equal(t, loaded.Version, entry.Version)
}

func TestService_ApplyChanges_RejectsInvalidBatchWithoutCommitting(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()
	_, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	_, err = b.Subscribe(ctx, contracts.TopicStatusContract, func(context.Context, *contracts.Envelope) error {
		rejected <- struct{}{}
		return nil
	}, 0, bus.OverflowBlock, nil)
	require.NoError(t, err)

	_, err = svc.ApplyChanges(ctx, []Update{{Path: "system.environment", Value: "not-a-real-env"}}, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	current, ok := svc.store.Current()
	require.True(t, ok)
	assert.Equal(t, int64(1), current.Version)

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status.contract rejection")
	}
}

func TestService_Rollback_RestoresContentUnderNewVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	_, err = svc.ApplyChanges(ctx, []Update{{Path: "system.log_level", Value: "debug"}}, "test")
	require.NoError(t, err)

	entry, err := svc.Rollback(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Version)
	assert.Equal(t, "info", svc.Current().System.LogLevel)
}

func TestService_Rollback_UnknownVersionErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	_, err = svc.Rollback(ctx, 99)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestService_SubscribeUpdates_AppliesIncomingConfigUpdate(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()
	_, err := svc.Load(ctx, "", nil)
	require.NoError(t, err)

	_, err = svc.SubscribeUpdates(ctx)
	require.NoError(t, err)

	_, err = b.Publish(ctx, contracts.TopicConfigUpdate, contracts.SchemaVersionConfigUpdate, contracts.ConfigUpdate{
		Path: "system.log_level", Value: "warn", Requester: "operator",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return svc.Current().System.LogLevel == "warn"
	}, time.Second, 10*time.Millisecond)
}

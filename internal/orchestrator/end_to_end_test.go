package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
	"github.com/watchtower-labs/sentrycore/internal/modules/artifact"
	"github.com/watchtower-labs/sentrycore/internal/modules/camera"
	"github.com/watchtower-labs/sentrycore/internal/modules/notifier"
	"github.com/watchtower-labs/sentrycore/internal/modules/processor"
	"github.com/watchtower-labs/sentrycore/internal/modules/storage"
	"github.com/watchtower-labs/sentrycore/internal/stages/dedupe"
	"github.com/watchtower-labs/sentrycore/internal/stages/ratelimit"
)

// pipeline wires the full camera -> processor -> dedupe -> artifact ->
// ratelimit -> notifier/storage chain against a real bus, config service,
// and orchestrator, the way cmd/sentrycore's runServe does it: the five
// registry-managed module types it registers (camera, processor,
// artifact, notifier, storage) go through Registry/Boot/reconcile, while
// dedupe and ratelimit are booted directly and kept in sync with the
// config service's snapshots via WatchBuiltinStage.
//
// This is the integration harness for the six end-to-end scenarios named
// by the concrete walkthroughs: single-camera motion, dual-camera
// fan-out, drop_newest backpressure, config hot reload, invalid-config
// rejection, and staged shutdown.
type pipeline struct {
	t    *testing.T
	bus  *bus.Bus
	svc  *config.Service
	orch *Orchestrator

	dedupeStage    *dedupe.Stage
	ratelimitStage *ratelimit.Stage

	cameras    map[string]*camera.Module
	processors map[string]*processor.Module
	artifacts  map[string]*artifact.Module
	notifiers  map[string]*notifier.Module
	storages   map[string]*storage.Module

	notifyServer *httptest.Server
	notifyMu     sync.Mutex
	notified     []contracts.AlertNotification
}

// newPipeline constructs the harness and registers factories, but does
// not yet boot anything: callers pick camera ids, dedupe window, and
// rate-limit shape per scenario before calling boot.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := slog.Default()
	b := bus.New(logger, nil)
	store, err := config.NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	require.NoError(t, err)
	svc := config.New(b, store, logger)

	p := &pipeline{
		t:          t,
		bus:        b,
		svc:        svc,
		cameras:    make(map[string]*camera.Module),
		processors: make(map[string]*processor.Module),
		artifacts:  make(map[string]*artifact.Module),
		notifiers:  make(map[string]*notifier.Module),
		storages:   make(map[string]*storage.Module),
	}

	p.notifyServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n contracts.AlertNotification
		_ = json.NewDecoder(r.Body).Decode(&n)
		p.notifyMu.Lock()
		p.notified = append(p.notified, n)
		p.notifyMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(p.notifyServer.Close)

	registry := NewRegistry()
	require.NoError(t, registry.Register("camera", func(f config.ModuleFragment) (Module, error) {
		m := camera.New(f.ID, logger)
		p.cameras[f.ID] = m
		return m, nil
	}))
	require.NoError(t, registry.Register("processor", func(f config.ModuleFragment) (Module, error) {
		m := processor.New(f.ID, logger)
		p.processors[f.ID] = m
		return m, nil
	}))
	require.NoError(t, registry.Register("artifact", func(f config.ModuleFragment) (Module, error) {
		m := artifact.New(f.ID, logger)
		p.artifacts[f.ID] = m
		return m, nil
	}))
	require.NoError(t, registry.Register("notifier", func(f config.ModuleFragment) (Module, error) {
		m := notifier.New(f.ID, logger)
		p.notifiers[f.ID] = m
		return m, nil
	}))
	require.NoError(t, registry.Register("storage", func(f config.ModuleFragment) (Module, error) {
		m := storage.New(f.ID, logger)
		p.storages[f.ID] = m
		return m, nil
	}))

	p.orch = New(b, svc, registry, logger)
	return p
}

// pipelineConfig picks the per-scenario knobs: which camera ids feed the
// shared processor, the dedupe window, and the rate-limit bucket shape.
type pipelineConfig struct {
	cameraIDs          []string
	dedupeWindowSec    float64
	ratelimitCapacity  float64
	ratelimitRefillPS  float64
}

// boot loads a default tree, seeds every category with this scenario's
// fragments via apply_changes (the same path an operator's first
// configuration push takes), boots the orchestrator, then boots and
// hot-reload-wires the two built-in stages exactly as runServe does.
func (p *pipeline) boot(cfg pipelineConfig) {
	t := p.t
	ctx := context.Background()

	_, err := p.svc.Load(ctx, "", nil)
	require.NoError(t, err)

	// Camera fragments are deliberately left out of the tree: a real
	// camera.Module publishes an immediate frame with a random synthetic
	// brightness the instant it starts, which would seed the processor's
	// per-camera baseline with an unpredictable value and make the
	// brightness-delta assertions below flaky. Frames are published
	// directly to each camera's frame topic instead, via publishFrame,
	// which is exactly the contract a camera.Module would otherwise
	// satisfy (contracts.CameraFrameTopic + contracts.Frame).
	var sourceTopics []any
	for _, id := range cfg.cameraIDs {
		sourceTopics = append(sourceTopics, string(contracts.CameraFrameTopic(id)))
	}

	fragments := map[string][]map[string]any{
		"process": {
			{"id": "proc1", "type": "processor", "settings": map[string]any{
				"source_topics":               sourceTopics,
				"motion_topic":                "process.motion.detected",
				"brightness_delta_threshold":  float64(15),
			}},
			{"id": "dedupe-primary", "type": "dedupe", "settings": map[string]any{
				"source_topic":   "process.motion.detected",
				"target_topic":   "process.motion.unique",
				"window_seconds": cfg.dedupeWindowSec,
			}},
		},
		"event": {
			{"id": "artifact1", "type": "artifact", "settings": map[string]any{
				"source_topic": "process.motion.unique",
				"target_topic": "event.snapshot.created",
			}},
			{"id": "ratelimit-primary", "type": "ratelimit", "settings": map[string]any{
				"source_topic":      "event.snapshot.created",
				"target_topic":      "event.snapshot.allowed",
				"key_attribute":     "camera_id",
				"capacity":          cfg.ratelimitCapacity,
				"refill_per_second": cfg.ratelimitRefillPS,
			}},
		},
		"outputs": {
			{"id": "notifier1", "type": "notifier", "settings": map[string]any{
				"source_topic":      "event.snapshot.allowed",
				"webhook_url":       p.notifyServer.URL,
				"capacity":          float64(100),
				"refill_per_second": float64(100),
			}},
		},
		"storage": {
			{"id": "storage1", "type": "storage", "settings": map[string]any{
				"source_topic": "event.snapshot.allowed",
				"target_topic": "storage.snapshot.persisted",
				"driver":       "memory",
			}},
		},
	}

	var batch []config.Update
	for path, value := range fragments {
		batch = append(batch, config.Update{Path: path, Value: value})
	}
	_, err = p.svc.ApplyChanges(ctx, batch, "test-setup")
	require.NoError(t, err)

	require.NoError(t, p.orch.Boot(ctx))

	p.dedupeStage = dedupe.New("dedupe-primary", slog.Default())
	p.ratelimitStage = ratelimit.New("ratelimit-primary", slog.Default())

	dedupeFragment, ok := p.svc.Current().FindFragment("dedupe-primary")
	require.True(t, ok)
	require.NoError(t, p.dedupeStage.Configure(ctx, dedupeFragment.Fragment))
	require.NoError(t, p.dedupeStage.Start(ctx, p.bus))

	ratelimitFragment, ok := p.svc.Current().FindFragment("ratelimit-primary")
	require.True(t, ok)
	require.NoError(t, p.ratelimitStage.Configure(ctx, ratelimitFragment.Fragment))
	require.NoError(t, p.ratelimitStage.Start(ctx, p.bus))

	_, err = WatchBuiltinStage(ctx, p.bus, p.svc, p.dedupeStage, "dedupe-primary", slog.Default())
	require.NoError(t, err)
	_, err = WatchBuiltinStage(ctx, p.bus, p.svc, p.ratelimitStage, "ratelimit-primary", slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.dedupeStage.Stop(context.Background())
		_ = p.ratelimitStage.Stop(context.Background())
		_ = p.orch.Shutdown(context.Background())
	})
}

// publishFrame stands in for a camera device: same topic and schema a
// real camera.Module.publishFrame call would use, with a caller-chosen
// brightness instead of the module's synthetic sine-plus-jitter reading,
// so a test can drive the brightness-delta heuristic deterministically.
func (p *pipeline) publishFrame(t *testing.T, cameraID string, brightness float64) {
	t.Helper()
	_, err := p.bus.Publish(context.Background(), contracts.CameraFrameTopic(cameraID), contracts.SchemaVersionFrame, contracts.Frame{
		CameraID: cameraID,
		Width:    640,
		Height:   480,
		Handle:   fmt.Sprintf("%s-%d", cameraID, time.Now().UnixNano()),
		Attributes: map[string]string{
			"brightness": strconv.FormatFloat(brightness, 'f', 2, 64),
		},
	})
	require.NoError(t, err)
}

func (p *pipeline) notifications() []contracts.AlertNotification {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	out := make([]contracts.AlertNotification, len(p.notified))
	copy(out, p.notified)
	return out
}

// publishDetection bypasses camera/processor entirely and injects a
// DetectionEvent straight onto the dedupe stage's source topic, the way
// scenarios 4 and 5 need to drive dedupe in isolation from the
// brightness-delta heuristic's timing.
func (p *pipeline) publishDetection(t *testing.T, cameraID, label string) {
	t.Helper()
	_, err := p.bus.Publish(context.Background(), "process.motion.detected", contracts.SchemaVersionDetectionEvent, contracts.DetectionEvent{
		CameraID:   cameraID,
		Kind:       contracts.DetectionKindMotion,
		Label:      label,
		Confidence: 0.9,
	})
	require.NoError(t, err)
}

func TestEndToEndScenarios(t *testing.T) {
	t.Run("single-camera motion produces exactly one artifact", func(t *testing.T) {
		p := newPipeline(t)
		p.boot(pipelineConfig{cameraIDs: []string{"camA"}, dedupeWindowSec: 30, ratelimitCapacity: 10, ratelimitRefillPS: 100})

		p.publishFrame(t, "camA", 100) // T=0: seeds the baseline, no detection possible yet
		p.publishFrame(t, "camA", 130) // T=1: delta 30 >= threshold 15, one DetectionEvent
		p.publishFrame(t, "camA", 130) // T=2: delta 0, no new detection

		require.Eventually(t, func() bool {
			return len(p.notifications()) == 1
		}, time.Second, 5*time.Millisecond, "exactly one notification should reach the webhook")

		assert.Eventually(t, func() bool {
			detail := p.storages["storage1"].Health(context.Background()).Detail
			return detail["persisted"].(int64) == 1
		}, time.Second, 5*time.Millisecond, "exactly one artifact should reach storage")

		stats := p.processors["proc1"].Snapshot()
		assert.Equal(t, int64(1), stats.MotionsPublished, "the flat third frame must not trigger a second detection")

		notes := p.notifications()
		require.Len(t, notes, 1)
		assert.Contains(t, notes[0].Caption, "camA")
	})

	t.Run("dual-camera fan-out allows one notification per camera", func(t *testing.T) {
		p := newPipeline(t)
		p.boot(pipelineConfig{cameraIDs: []string{"camA", "camB"}, dedupeWindowSec: 30, ratelimitCapacity: 1, ratelimitRefillPS: 0.1})

		for _, cam := range []string{"camA", "camB"} {
			p.publishFrame(t, cam, 100)
			p.publishFrame(t, cam, 130)
		}

		require.Eventually(t, func() bool {
			return len(p.notifications()) == 2
		}, time.Second, 5*time.Millisecond, "both cameras get their own token bucket and should both be allowed")

		var cams []string
		for _, n := range p.notifications() {
			cams = append(cams, n.Caption)
		}
		assert.Contains(t, cams[0]+cams[1], "camA")
		assert.Contains(t, cams[0]+cams[1], "camB")
	})

	t.Run("drop_newest backpressure drops the overflow and records it on BusStatus", func(t *testing.T) {
		b := bus.New(slog.Default(), nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		release := make(chan struct{})
		var handled int
		var mu sync.Mutex
		handler := func(_ context.Context, _ *contracts.Envelope) error {
			mu.Lock()
			handled++
			mu.Unlock()
			<-release
			return nil
		}

		handle, err := b.Subscribe(ctx, "event.snapshot.created", handler, 2, bus.OverflowDropNewest, nil)
		require.NoError(t, err)

		// All five publish calls land before the handler's first
		// invocation returns: one envelope is pulled straight into the
		// blocked handler, two more fill the capacity-2 queue, and the
		// last two find the queue full and are dropped.
		for i := 0; i < 5; i++ {
			_, err := b.Publish(ctx, "event.snapshot.created", contracts.SchemaVersionDetectionEvent, contracts.DetectionEvent{
				CameraID: "camA", Kind: contracts.DetectionKindMotion, Confidence: 1,
			})
			require.NoError(t, err)
		}
		close(release)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return handled == 3
		}, time.Second, 5*time.Millisecond)

		var subStatus contracts.SubscriptionStatus
		require.Eventually(t, func() bool {
			status := b.Status()
			for _, s := range status.Subscriptions {
				if s.SubscriberID == string(handle) {
					subStatus = s
					return s.Delivered == 3
				}
			}
			return false
		}, time.Second, 5*time.Millisecond, "bus status should report 3 delivered once every unblocked handler call returns")
		assert.EqualValues(t, 2, subStatus.Dropped, "capacity 2 plus the one in-flight handler call admits 3 of 5 publishes")
	})

	t.Run("config hot reload changes the dedupe window without a restart", func(t *testing.T) {
		p := newPipeline(t)
		p.boot(pipelineConfig{cameraIDs: []string{"camA"}, dedupeWindowSec: 30, ratelimitCapacity: 10, ratelimitRefillPS: 100})

		passed := make(chan contracts.Envelope, 8)
		_, err := p.bus.Subscribe(context.Background(), "process.motion.unique", func(_ context.Context, env *contracts.Envelope) error {
			passed <- *env
			return nil
		}, 0, bus.OverflowBlock, nil)
		require.NoError(t, err)

		p.publishDetection(t, "camA", "brightness_delta")
		p.publishDetection(t, "camA", "brightness_delta")

		require.Eventually(t, func() bool { return len(passed) == 1 }, time.Second, 5*time.Millisecond, "the second identical detection should be suppressed inside the 30s window")

		before := p.svc.Current()
		entry, err := p.svc.ApplyChanges(context.Background(), []config.Update{{Path: "dedupe-primary.window_seconds", Value: float64(0)}}, "operator")
		require.NoError(t, err)

		beforeFP, err := config.Fingerprint(before)
		require.NoError(t, err)
		afterFP, err := config.Fingerprint(p.svc.Current())
		require.NoError(t, err)
		assert.NotEqual(t, beforeFP, afterFP, "config.snapshot.version must have advanced")
		assert.Greater(t, entry.Version, int64(0))

		// WatchBuiltinStage's subscription handler runs asynchronously off
		// the config.snapshot publish above; give it a moment to land
		// before the next pair of detections. If it hadn't landed, the
		// second of the next two detections would still fall inside the
		// old 30s window and len(passed) would plateau at 2, so the
		// final assertion below also proves the hot reload took effect.
		time.Sleep(50 * time.Millisecond)

		p.publishDetection(t, "camA", "brightness_delta")
		p.publishDetection(t, "camA", "brightness_delta")

		require.Eventually(t, func() bool { return len(passed) == 3 }, time.Second, 5*time.Millisecond, "window_seconds=0 disables suppression, so both post-update detections pass")
	})

	t.Run("invalid dedupe settings never reach the running stage", func(t *testing.T) {
		p := newPipeline(t)
		p.boot(pipelineConfig{cameraIDs: []string{"camA"}, dedupeWindowSec: 30, ratelimitCapacity: 10, ratelimitRefillPS: 100})

		rejections := make(chan contracts.Envelope, 1)
		_, err := p.bus.Subscribe(context.Background(), contracts.TopicStatusContract, func(_ context.Context, env *contracts.Envelope) error {
			rejections <- *env
			return nil
		}, 0, bus.OverflowBlock, nil)
		require.NoError(t, err)

		// system.log_level has a real oneof schema the tree validates
		// before committing; an update that breaks it must be rejected
		// outright, leaving the current snapshot untouched.
		before := p.svc.Current()
		_, err = p.svc.ApplyChanges(context.Background(), []config.Update{{Path: "system.log_level", Value: "not-a-level"}}, "operator")
		require.Error(t, err)

		select {
		case <-rejections:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for status.contract rejection diagnostic")
		}

		beforeFP, err := config.Fingerprint(before)
		require.NoError(t, err)
		afterFP, err := config.Fingerprint(p.svc.Current())
		require.NoError(t, err)
		assert.Equal(t, beforeFP, afterFP, "a rejected batch must not advance the snapshot")

		// dedupe-primary's own Settings map has no tree-level schema, so
		// the tree accepts window_seconds=-1 and the snapshot does
		// advance. dedupe's own Configure rejects it, and
		// WatchBuiltinStage's error path leaves the previously-applied
		// (valid, 30s) fragment in place rather than tearing the stage
		// down, so duplicate detections keep being suppressed.
		_, err = p.svc.ApplyChanges(context.Background(), []config.Update{{Path: "dedupe-primary.window_seconds", Value: float64(-1)}}, "operator")
		require.NoError(t, err)

		passed := make(chan contracts.Envelope, 8)
		_, err = p.bus.Subscribe(context.Background(), "process.motion.unique", func(_ context.Context, env *contracts.Envelope) error {
			passed <- *env
			return nil
		}, 0, bus.OverflowBlock, nil)
		require.NoError(t, err)

		p.publishDetection(t, "camA", "brightness_delta")
		p.publishDetection(t, "camA", "brightness_delta")

		require.Eventually(t, func() bool { return len(passed) == 1 }, time.Second, 5*time.Millisecond, "the stage must still be running its last-valid 30s window")
	})

	t.Run("staged shutdown visits every phase and drains the pipeline", func(t *testing.T) {
		p := newPipeline(t)
		p.boot(pipelineConfig{cameraIDs: []string{"camA"}, dedupeWindowSec: 30, ratelimitCapacity: 10, ratelimitRefillPS: 100})

		var phases []string
		progressDone := make(chan struct{})
		_, err := p.bus.Subscribe(context.Background(), contracts.TopicStatusShutdownProgress, func(_ context.Context, env *contracts.Envelope) error {
			payload := env.Payload.(contracts.ShutdownProgress)
			phases = append(phases, payload.Phase)
			if payload.Phase == "core" {
				close(progressDone)
			}
			return nil
		}, 16, bus.OverflowBlock, nil)
		require.NoError(t, err)

		var summary contracts.HealthSummary
		summaryReceived := make(chan struct{}, 1)
		_, err = p.bus.Subscribe(context.Background(), contracts.TopicStatusHealthSummary, func(_ context.Context, env *contracts.Envelope) error {
			summary = env.Payload.(contracts.HealthSummary)
			select {
			case summaryReceived <- struct{}{}:
			default:
			}
			return nil
		}, 0, bus.OverflowDropNewest, nil)
		require.NoError(t, err)

		p.publishFrame(t, "camA", 100)

		require.NoError(t, p.orch.Shutdown(context.Background()))
		require.NoError(t, p.dedupeStage.Stop(context.Background()))
		require.NoError(t, p.ratelimitStage.Stop(context.Background()))

		select {
		case <-progressDone:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for core shutdown progress")
		}
		assert.Equal(t, []string{"input", "process", "event", "output", "storage", "analytics", "dashboard", "core"}, phases)

		select {
		case <-summaryReceived:
			assert.Equal(t, contracts.HealthStopped, summary.Overall)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for final health summary")
		}

		framesSeenBefore := p.processors["proc1"].Snapshot().FramesSeen
		p.publishFrame(t, "camA", 200)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, framesSeenBefore, p.processors["proc1"].Snapshot().FramesSeen, "a stopped processor must not observe frames published after shutdown")
	})
}

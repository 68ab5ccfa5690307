package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// Update is one accepted change, matching contracts.ConfigUpdate's shape
// (dotted path, value, requester).
type Update struct {
	Path      string
	Value     any
	Requester string
}

// Service is the ConfigService of spec.md §4.3: a typed, normalized,
// versioned configuration tree with a validate→diff→apply→reload
// pipeline, grounded on the teacher's internal/config/update_service.go
// (DefaultConfigUpdateService's four-phase UpdateConfig), generalized
// from a Postgres-backed single document to this spec's
// category-partitioned, versioned snapshot Store.
type Service struct {
	mu      sync.RWMutex
	current *Tree
	store   *Store
	bus     *bus.Bus
	logger  *slog.Logger
}

// New constructs a Service. Load must be called once before use.
func New(b *bus.Bus, store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: b, logger: logger.With("component", "config_service")}
}

// Load implements spec.md §4.3's load(): defaults → file → env → secrets
// → validate, then resumes from the store's current snapshot if one
// exists, or mints version 1 on first boot.
func (s *Service) Load(_ context.Context, configPath string, resolver SecretsResolver) (SnapshotEntry, error) {
	tree, err := Load(configPath, resolver)
	if err != nil {
		return SnapshotEntry{}, err
	}

	s.mu.Lock()
	s.current = tree
	s.mu.Unlock()

	if existing, ok := s.store.Current(); ok {
		s.logger.Info("resuming from persisted snapshot", "version", existing.Version)
		return existing, nil
	}

	return s.store.Append(tree)
}

// Current returns the live, unsanitized working tree. Callers that intend
// to publish or persist it must go through Sanitize first.
func (s *Service) Current() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// ApplyChanges implements spec.md §4.3's apply_changes(): every update is
// applied to a working copy, the full batch is validated together, and
// the result either commits (atomic swap, version+1, config.snapshot
// broadcast) or is rejected outright, leaving the current snapshot
// untouched. An empty updates slice is a no-op per spec.md §8's
// round-trip law.
func (s *Service) ApplyChanges(ctx context.Context, updates []Update, source string) (SnapshotEntry, error) {
	if len(updates) == 0 {
		if current, ok := s.store.Current(); ok {
			return current, nil
		}
		return SnapshotEntry{}, ErrNoDefaultSnapshot
	}

	s.mu.Lock()
	working := s.current.Clone()
	for _, u := range updates {
		next, err := ApplyUpdate(working, u.Path, u.Value)
		if err != nil {
			s.mu.Unlock()
			s.publishRejection(ctx, source, []string{err.Error()})
			return SnapshotEntry{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		working = next
	}

	if err := Validate(working); err != nil {
		s.mu.Unlock()
		s.publishRejection(ctx, source, []string{err.Error()})
		return SnapshotEntry{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.current = working
	s.mu.Unlock()

	entry, err := s.store.Append(working)
	if err != nil {
		return SnapshotEntry{}, err
	}
	s.publishSnapshot(ctx, entry)
	return entry, nil
}

// Rollback implements spec.md §4.3's rollback(): restores a prior
// version's content from the bounded history under a fresh, higher
// version number (preserving "version is strictly monotonic forward"),
// and emits a ConfigRollbackPayload alongside the usual config.snapshot.
func (s *Service) Rollback(ctx context.Context, version int64) (SnapshotEntry, error) {
	target, ok := s.store.Get(version)
	if !ok {
		return SnapshotEntry{}, ErrVersionNotFound
	}

	s.mu.Lock()
	previous, _ := s.store.Current()
	s.current = target.Payload.Clone()
	restored := s.current
	s.mu.Unlock()

	entry, err := s.store.Append(restored)
	if err != nil {
		return SnapshotEntry{}, err
	}

	if _, pubErr := s.bus.Publish(ctx, contracts.TopicConfigSnapshot, contracts.SchemaVersionConfigRollback, contracts.ConfigRollbackPayload{
		PreviousVersion: previous.Version,
		CurrentVersion:  entry.Version,
		Diagnostics:     []string{fmt.Sprintf("restored content of version %d", version)},
	}); pubErr != nil {
		s.logger.Error("failed to publish rollback notice", "error", pubErr)
	}
	s.publishSnapshot(ctx, entry)
	return entry, nil
}

// SubscribeUpdates implements spec.md §4.3's subscribe_updates(): a single
// consumer on config.update, serializing concurrent ConfigUpdate messages
// per spec.md §9's open-question resolution rather than racing multiple
// handlers over the same working tree.
func (s *Service) SubscribeUpdates(ctx context.Context) (bus.Handle, error) {
	return s.bus.Subscribe(ctx, contracts.TopicConfigUpdate, func(ctx context.Context, env *contracts.Envelope) error {
		update, ok := env.Payload.(contracts.ConfigUpdate)
		if !ok {
			return fmt.Errorf("config: unexpected payload type on config.update")
		}
		_, err := s.ApplyChanges(ctx, []Update{{Path: update.Path, Value: update.Value, Requester: update.Requester}}, update.Requester)
		return err
	}, 0, bus.OverflowBlock, nil)
}

func (s *Service) publishSnapshot(ctx context.Context, entry SnapshotEntry) {
	tree, err := toMap(entry.Payload)
	if err != nil {
		s.logger.Error("failed to flatten snapshot for publication", "version", entry.Version, "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, contracts.TopicConfigSnapshot, contracts.SchemaVersionConfigSnapshot, contracts.ConfigSnapshotPayload{
		Version: entry.Version,
		Tree:    tree,
	}); err != nil {
		s.logger.Error("failed to publish config snapshot", "version", entry.Version, "error", err)
	}
}

func (s *Service) publishRejection(ctx context.Context, source string, diagnostics []string) {
	if _, err := s.bus.Publish(ctx, contracts.TopicStatusContract, contracts.SchemaVersionConfigUpdate, map[string]any{
		"kind":        "ConfigRejected",
		"source":      source,
		"diagnostics": diagnostics,
	}); err != nil {
		s.logger.Error("failed to publish config rejection", "error", err)
	}
}

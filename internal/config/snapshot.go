package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchtower-labs/sentrycore/internal/infrastructure/lock"
)

// MaxSnapshotHistory bounds the persisted version history (spec.md §6).
const MaxSnapshotHistory = 8

// SnapshotEntry is one persisted version, matching spec.md §6's
// "{version, fingerprint, payload, timestamp}" record shape exactly.
type SnapshotEntry struct {
	Version     int64     `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Payload     *Tree     `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store is the versioned snapshot history backing ConfigService. It is
// grounded on the teacher's internal/config/update_storage.go
// (ConfigStorage.Save/Load/GetHistory/Backup against Postgres), replaced
// here with a single `snapshots.json` file per spec.md §6's explicit
// "persisted state layout" requirement — this core has no database of its
// own to lean on.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []SnapshotEntry // oldest first, bounded to MaxSnapshotHistory
	lockMgr *lock.LockManager
}

// NewStore returns a Store backed by path, loading any existing history.
// It guards only against concurrent writers within this process; two
// separate sentrycore processes (or a CLI drill run against a store a
// live serve process also writes) pointed at the same path can still
// race. Use NewStoreWithLock when that matters.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreWithLock returns a Store additionally guarded by a Redis
// distributed lock, built on internal/infrastructure/lock.DistributedLock
// (SET NX acquire, a compare-and-delete Lua script release). Appends
// across multiple processes sharing one snapshots.json path — an
// operator running "rollback-drill" against the same store a live
// "serve" process is writing to, or two replicas during a failover —
// serialize through the lock instead of racing on the rename.
func NewStoreWithLock(path, redisAddr, redisPassword string, redisDB int, logger *slog.Logger) (*Store, error) {
	s, err := NewStore(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword, DB: redisDB})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("config: connect to snapshot store lock: %w", err)
	}

	mgr := lock.NewLockManager(client, &lock.LockConfig{
		TTL:            10 * time.Second,
		MaxRetries:     5,
		RetryInterval:  200 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "sentrycore-snapshot",
	}, logger.With("component", "snapshot_store_lock"))
	s.lockMgr = mgr
	return s, nil
}

// lockKey identifies the cross-process lock guarding this store's path.
func (s *Store) lockKey() string { return "sentrycore:snapshot-store:" + s.path }

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read snapshot store: %w", err)
	}
	var entries []SnapshotEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("config: parse snapshot store: %w", err)
	}
	s.entries = entries
	return nil
}

// persist writes the full history atomically (write to a temp file, then
// rename) with 0600 file mode, matching the secrets file's permission
// discipline.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal snapshot store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshots-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp snapshot file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("config: rename snapshot file: %w", err)
	}
	return nil
}

// Fingerprint hashes the sanitized tree's canonical JSON so secrets never
// factor into (and never leak via) the fingerprint.
func Fingerprint(t *Tree) (string, error) {
	raw, err := json.Marshal(Sanitize(t))
	if err != nil {
		return "", fmt.Errorf("config: fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Append records a new version built from tree, evicting the oldest entry
// once the history exceeds MaxSnapshotHistory, and persists the result.
// The stored payload is always the sanitized tree: snapshots.json is
// world-readable-adjacent operator state, not a secrets store.
func (s *Store) Append(tree *Tree) (SnapshotEntry, error) {
	if s.lockMgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.lockMgr.AcquireLock(ctx, s.lockKey()); err != nil {
			return SnapshotEntry{}, fmt.Errorf("config: acquire snapshot store lock: %w", err)
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer releaseCancel()
			_ = s.lockMgr.ReleaseLock(releaseCtx, s.lockKey())
		}()
		// Another process may have appended since we last loaded; pick up
		// its history before computing the next version.
		if err := s.load(); err != nil {
			return SnapshotEntry{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fp, err := Fingerprint(tree)
	if err != nil {
		return SnapshotEntry{}, err
	}

	var nextVersion int64 = 1
	if len(s.entries) > 0 {
		nextVersion = s.entries[len(s.entries)-1].Version + 1
	}

	entry := SnapshotEntry{
		Version:     nextVersion,
		Fingerprint: fp,
		Payload:     Sanitize(tree),
		Timestamp:   time.Now().UTC(),
	}

	s.entries = append(s.entries, entry)
	if len(s.entries) > MaxSnapshotHistory {
		s.entries = s.entries[len(s.entries)-MaxSnapshotHistory:]
	}

	if err := s.persist(); err != nil {
		return SnapshotEntry{}, err
	}
	return entry, nil
}

// Current returns the most recently appended entry.
func (s *Store) Current() (SnapshotEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return SnapshotEntry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Get returns the entry for a specific version, if still within the
// bounded history.
func (s *Store) Get(version int64) (SnapshotEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Version == version {
			return e, true
		}
	}
	return SnapshotEntry{}, false
}

// History returns every retained entry, oldest first.
func (s *Store) History() []SnapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SnapshotEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

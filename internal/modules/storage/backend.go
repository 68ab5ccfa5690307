// Package storage implements spec.md §4.8's storage-category module shim:
// it subscribes to one configured event topic, persists artifact metadata
// through a pluggable Backend, and republishes a persisted confirmation.
//
// The Backend split (interface here, concrete drivers in memory.go,
// sqlite.go, postgres.go) is grounded on internal/storage/factory.go's
// profile switch over a shared core.AlertStorage interface: one SaveAlert/
// GetAlertByFingerprint/GetAlerts/CleanupOldAlerts contract, three
// interchangeable implementations picked by configuration.
package storage

import (
	"context"
	"time"
)

// Record is the persisted form of a MediaArtifact, keyed by its handle.
type Record struct {
	Handle      string
	CameraID    string
	Kind        string
	SizeBytes   int64
	PersistedAt time.Time
}

// Backend is the storage shim's pluggable persistence contract, narrowed
// from the teacher's core.AlertStorage to what this shim actually needs.
type Backend interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, handle string) (Record, bool, error)
	List(ctx context.Context, limit int) ([]Record, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

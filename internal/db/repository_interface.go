// Package db provides repository interfaces for sync persistence.
package db

import (
	"context"

	"github.com/kimhsiao/memonexus/syncd/internal/dedup"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
)

// CheckpointRepository persists incremental sync windows.
type CheckpointRepository interface {
	// GetCheckpoint returns nil when the provider has never completed a window.
	GetCheckpoint(ctx context.Context, syncType models.SyncType, providerID string) (*models.Checkpoint, error)

	// SaveCheckpoint upserts a provider's checkpoint.
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// HistoryRepository archives finished operations.
type HistoryRepository interface {
	// SaveOperation inserts or updates an operation.
	SaveOperation(ctx context.Context, op *models.SyncOperation) error

	// ListOperations returns recent operations, newest first.
	ListOperations(ctx context.Context, syncType models.SyncType, limit int) ([]*models.SyncOperation, error)
}

// SyncRepository combines everything the orchestrator persists.
type SyncRepository interface {
	dedup.Store
	dedup.Inspector
	CheckpointRepository
	HistoryRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ dedup.Store          = (*Repository)(nil)
	_ dedup.Inspector      = (*Repository)(nil)
	_ CheckpointRepository = (*Repository)(nil)
	_ HistoryRepository    = (*Repository)(nil)
	_ SyncRepository       = (*Repository)(nil)
)

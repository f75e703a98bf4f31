// Package lock owns the per-sync-type mutual exclusion used by the
// orchestrator.
//
// Known limitation: locks have no timeout. An operation that never finishes
// keeps its type locked until it is cancelled or the process restarts.
package lock

import (
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
)

// AcquireResult reports the outcome of TryAcquire.
type AcquireResult struct {
	Acquired bool
	// CurrentHolder is set when Acquired is false.
	CurrentHolder *models.OperationDescriptor
}

type state struct {
	holder     models.OperationDescriptor
	acquiredAt time.Time
}

// Manager holds one non-blocking lock per sync type.
type Manager struct {
	mu    sync.Mutex
	locks map[models.SyncType]*state
	sink  telemetry.Sink
	now   func() time.Time
}

// NewManager creates a Manager with every type unlocked.
func NewManager(sink telemetry.Sink) *Manager {
	return &Manager{
		locks: make(map[models.SyncType]*state),
		sink:  telemetry.OrNop(sink),
		now:   time.Now,
	}
}

// TryAcquire takes the lock for holder.Type if it is free. It never blocks.
func (m *Manager) TryAcquire(holder models.OperationDescriptor) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[holder.Type]; ok {
		h := cur.holder
		return AcquireResult{Acquired: false, CurrentHolder: &h}
	}
	m.locks[holder.Type] = &state{holder: holder, acquiredAt: m.now()}
	m.sink.Breadcrumb(telemetry.CategoryLock, "lock acquired", map[string]interface{}{
		"type":         string(holder.Type),
		"operation_id": holder.OperationID,
	})
	return AcquireResult{Acquired: true}
}

// Release unlocks t. Releasing an unlocked type is a no-op.
func (m *Manager) Release(t models.SyncType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(t)
}

// ReleaseHolder unlocks t only if operationID still holds it. It reports
// whether a release happened.
func (m *Manager) ReleaseHolder(t models.SyncType, operationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[t]
	if !ok || cur.holder.OperationID != operationID {
		return false
	}
	m.releaseLocked(t)
	return true
}

func (m *Manager) releaseLocked(t models.SyncType) {
	cur, ok := m.locks[t]
	if !ok {
		return
	}
	delete(m.locks, t)
	m.sink.Breadcrumb(telemetry.CategoryLock, "lock released", map[string]interface{}{
		"type":         string(t),
		"operation_id": cur.holder.OperationID,
		"held_ms":      m.now().Sub(cur.acquiredAt).Milliseconds(),
	})
}

// IsLocked reports whether t is currently held.
func (m *Manager) IsLocked(t models.SyncType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[t]
	return ok
}

// Holder returns the current holder of t, if any.
func (m *Manager) Holder(t models.SyncType) (models.OperationDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[t]
	if !ok {
		return models.OperationDescriptor{}, false
	}
	return cur.holder, true
}

// Snapshot returns the state of every known sync type.
func (m *Manager) Snapshot() map[models.SyncType]models.LockState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.SyncType]models.LockState, len(models.AllSyncTypes()))
	for _, t := range models.AllSyncTypes() {
		out[t] = models.LockState{}
	}
	for t, cur := range m.locks {
		at := cur.acquiredAt
		out[t] = models.LockState{
			Locked:            true,
			HolderOperationID: cur.holder.OperationID,
			HolderName:        cur.holder.Name,
			AcquiredAt:        &at,
		}
	}
	return out
}

// AnyLocked reports whether any type is held.
func (m *Manager) AnyLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks) > 0
}

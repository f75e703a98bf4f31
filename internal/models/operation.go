package models

import (
	"time"
)

// OperationStatus is the lifecycle state of a SyncOperation.
type OperationStatus string

const (
	OperationQueued    OperationStatus = "queued"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"

	// OperationBlocked is reported for a requested type whose lock is held.
	// It is not part of the operation state machine and never becomes running.
	OperationBlocked OperationStatus = "queued_blocked"
)

// IsTerminal reports whether no further transition is allowed.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// CanTransition reports whether from → to is a legal state machine move.
func CanTransition(from, to OperationStatus) bool {
	switch from {
	case OperationQueued:
		return to == OperationRunning || to == OperationCancelled || to == OperationFailed
	case OperationRunning:
		return to.IsTerminal()
	}
	return false
}

// Progress accumulates pipeline counters.
type Progress struct {
	Fetched   int  `json:"fetched"`
	Stored    int  `json:"stored"`
	Skipped   int  `json:"skipped"`
	Errored   int  `json:"errored"`
	Truncated bool `json:"truncated"`
}

// Add merges other into p.
func (p *Progress) Add(other Progress) {
	p.Fetched += other.Fetched
	p.Stored += other.Stored
	p.Skipped += other.Skipped
	p.Errored += other.Errored
	p.Truncated = p.Truncated || other.Truncated
}

// ProviderResult is one provider's contribution to an operation.
type ProviderResult struct {
	Provider  string   `json:"provider"`
	Progress  Progress `json:"progress"`
	ErrorCode string   `json:"error_code,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Failed reports whether the provider's contribution failed.
func (r ProviderResult) Failed() bool {
	return r.ErrorCode != ""
}

// SyncRequest asks the orchestrator to sync one or more types for a user.
type SyncRequest struct {
	Types       []SyncType `json:"types"`
	UserID      string     `json:"user_id"`
	RequestedAt time.Time  `json:"requested_at"`
	// Full ignores stored checkpoints and fetches the default lookback window.
	Full bool `json:"full,omitempty"`
}

// SyncOperation is the orchestrator's record of one type's sync run.
type SyncOperation struct {
	ID           UUID             `db:"id" json:"id"`
	Type         SyncType         `db:"sync_type" json:"type"`
	UserID       string           `db:"user_id" json:"user_id"`
	Status       OperationStatus  `db:"status" json:"status"`
	StartedAt    time.Time        `db:"started_at" json:"started_at"`
	EndedAt      *time.Time       `db:"ended_at" json:"ended_at,omitempty"`
	Progress     Progress         `json:"progress"`
	Providers    []ProviderResult `json:"providers,omitempty"`
	ErrorCode    string           `db:"error_code" json:"error_code,omitempty"`
	ErrorSummary string           `db:"error_summary" json:"error_summary,omitempty"`
}

// TableName returns the table name for archived SyncOperations.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// Name returns a human-readable operation name.
func (o *SyncOperation) Name() string {
	return string(o.Type) + " sync"
}

// Duration returns how long the operation ran, or has been running.
func (o *SyncOperation) Duration(now time.Time) time.Duration {
	if o.StartedAt.IsZero() {
		return 0
	}
	if o.EndedAt != nil {
		return o.EndedAt.Sub(o.StartedAt)
	}
	return now.Sub(o.StartedAt)
}

// Clone returns a deep copy safe to hand to readers.
func (o *SyncOperation) Clone() *SyncOperation {
	if o == nil {
		return nil
	}
	c := *o
	if o.EndedAt != nil {
		ended := *o.EndedAt
		c.EndedAt = &ended
	}
	if o.Providers != nil {
		c.Providers = append([]ProviderResult(nil), o.Providers...)
	}
	return &c
}

package models

import "time"

// OperationDescriptor names the operation holding a lock.
type OperationDescriptor struct {
	OperationID string   `json:"operation_id"`
	Type        SyncType `json:"type"`
	Name        string   `json:"name"`
}

// LockState is the per-type lock view exposed to the Status API.
type LockState struct {
	Locked            bool       `json:"locked"`
	HolderOperationID string     `json:"holder_operation_id,omitempty"`
	HolderName        string     `json:"holder_name,omitempty"`
	AcquiredAt        *time.Time `json:"acquired_at,omitempty"`
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExternalRecordKey identifies a remote record for deduplication.
type ExternalRecordKey struct {
	Source     SyncType `db:"source" json:"source"`
	ProviderID string   `db:"provider_id" json:"provider_id"`
	ExternalID string   `db:"external_id" json:"external_id"`
}

// String returns the key as source/provider/external.
func (k ExternalRecordKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.ProviderID, k.ExternalID)
}

// Validate checks that all key parts are present.
func (k ExternalRecordKey) Validate() error {
	if !k.Source.Valid() {
		return fmt.Errorf("invalid source %q", k.Source)
	}
	if k.ProviderID == "" {
		return fmt.Errorf("provider id is required")
	}
	if k.ExternalID == "" {
		return fmt.Errorf("external id is required")
	}
	return nil
}

// RawRecord is an opaque provider record yielded by a fetch adapter.
type RawRecord struct {
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StoredRecord is a persisted record.
type StoredRecord struct {
	ID       UUID              `db:"id" json:"id"`
	Key      ExternalRecordKey `json:"key"`
	UserID   string            `db:"user_id" json:"user_id"`
	Payload  json.RawMessage   `db:"payload" json:"payload"`
	RecordAt int64             `db:"record_at" json:"record_at"`
	StoredAt int64             `db:"stored_at" json:"stored_at"`
}

// TableName returns the table name for StoredRecord.
func (StoredRecord) TableName() string {
	return "records"
}

// FetchWindow bounds a single adapter fetch.
type FetchWindow struct {
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	SafetyCap int        `json:"safety_cap"`
}

// Contains reports whether ts falls inside the window. Since is inclusive,
// Until exclusive.
func (w FetchWindow) Contains(ts time.Time) bool {
	if w.Since != nil && ts.Before(*w.Since) {
		return false
	}
	if w.Until != nil && !ts.Before(*w.Until) {
		return false
	}
	return true
}

// Validate checks window bounds.
func (w FetchWindow) Validate() error {
	if w.SafetyCap <= 0 {
		return fmt.Errorf("safety cap must be positive, got %d", w.SafetyCap)
	}
	if w.Since != nil && w.Until != nil && w.Until.Before(*w.Since) {
		return fmt.Errorf("window until %s is before since %s", w.Until, w.Since)
	}
	return nil
}

// Checkpoint records the end of the last complete window for a provider.
type Checkpoint struct {
	Type       SyncType `db:"sync_type" json:"type"`
	ProviderID string   `db:"provider_id" json:"provider_id"`
	Until      int64    `db:"until_ts" json:"until"`
	UpdatedAt  int64    `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Checkpoint.
func (Checkpoint) TableName() string {
	return "sync_checkpoints"
}

// Time returns Until as time.Time.
func (c *Checkpoint) Time() time.Time {
	return time.Unix(c.Until, 0)
}

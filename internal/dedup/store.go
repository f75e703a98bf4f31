// Package dedup defines the persistence contract behind the dedup ledger and
// an in-memory implementation of it.
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/uuid"
)

// Store persists records keyed by their external identity.
//
// Insert must write the record and its ledger entry atomically: either both
// exist afterwards or neither does. Inserting a key that is already in the
// ledger fails with an errors.ErrDuplicate error and writes nothing.
// Implementations must be safe for concurrent use by pipelines of different
// sync types.
type Store interface {
	ExistsByKey(ctx context.Context, key models.ExternalRecordKey) (bool, error)
	Insert(ctx context.Context, userID string, key models.ExternalRecordKey, rec models.RawRecord) error
}

// Inspector is implemented by stores that can report what they hold.
type Inspector interface {
	Count(ctx context.Context, source models.SyncType) (int, error)
	Get(ctx context.Context, key models.ExternalRecordKey) (*models.StoredRecord, error)
}

// MemoryStore is an in-process Store. Each sync type has its own shard and
// lock, so pipelines of different types never contend.
type MemoryStore struct {
	shards map[models.SyncType]*shard
	newID  uuid.Generator
}

type shard struct {
	mu      sync.RWMutex
	records map[models.ExternalRecordKey]*models.StoredRecord
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Inspector = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		shards: make(map[models.SyncType]*shard),
		newID:  uuid.New,
	}
	for _, t := range models.AllSyncTypes() {
		s.shards[t] = &shard{records: make(map[models.ExternalRecordKey]*models.StoredRecord)}
	}
	return s
}

func (s *MemoryStore) shardFor(key models.ExternalRecordKey) (*shard, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid record key", err)
	}
	return s.shards[key.Source], nil
}

// ExistsByKey reports whether key is in the ledger.
func (s *MemoryStore) ExistsByKey(ctx context.Context, key models.ExternalRecordKey) (bool, error) {
	sh, err := s.shardFor(key)
	if err != nil {
		return false, err
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.records[key]
	return ok, nil
}

// Insert stores rec under key.
func (s *MemoryStore) Insert(ctx context.Context, userID string, key models.ExternalRecordKey, rec models.RawRecord) error {
	sh, err := s.shardFor(key)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[key]; ok {
		return errors.New(errors.ErrDuplicate, "record already stored: "+key.String())
	}
	sh.records[key] = &models.StoredRecord{
		ID:       models.UUID(s.newID()),
		Key:      key,
		UserID:   userID,
		Payload:  append([]byte(nil), rec.Payload...),
		RecordAt: rec.Timestamp.Unix(),
		StoredAt: time.Now().Unix(),
	}
	return nil
}

// Count returns how many records are stored for source.
func (s *MemoryStore) Count(ctx context.Context, source models.SyncType) (int, error) {
	sh, ok := s.shards[source]
	if !ok {
		return 0, errors.New(errors.ErrInvalid, "unknown source "+string(source))
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.records), nil
}

// Get returns the stored record for key.
func (s *MemoryStore) Get(ctx context.Context, key models.ExternalRecordKey) (*models.StoredRecord, error) {
	sh, err := s.shardFor(key)
	if err != nil {
		return nil, err
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[key]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "record not found: "+key.String())
	}
	c := *rec
	return &c, nil
}

// Keys returns every stored key for source, sorted by external id.
func (s *MemoryStore) Keys(source models.SyncType) []models.ExternalRecordKey {
	sh, ok := s.shards[source]
	if !ok {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]models.ExternalRecordKey, 0, len(sh.records))
	for k := range sh.records {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

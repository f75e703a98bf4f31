// Package mock provides scripted fetch adapters and store wrappers for tests
// and for the daemon's demo providers.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/dedup"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
)

// Records builds n records named prefix-1..prefix-n, one minute apart.
func Records(prefix string, n int, start time.Time) []models.RawRecord {
	out := make([]models.RawRecord, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		payload, _ := json.Marshal(map[string]interface{}{"id": id, "seq": i})
		out = append(out, models.RawRecord{
			ExternalID: id,
			Payload:    payload,
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

// Adapter serves a fixed record list with optional scripted failures.
type Adapter struct {
	ID      string
	Records []models.RawRecord

	// FetchErrors are returned by successive Fetch calls, one each, before
	// Fetch starts succeeding.
	FetchErrors []error

	// StreamError is returned by Next after StreamErrorAfter records, on the
	// first StreamErrorTimes successful fetches.
	StreamError      error
	StreamErrorAfter int
	StreamErrorTimes int

	// PerRecord delays every Next call.
	PerRecord time.Duration

	// Gate, when set, must yield a value before each record is served.
	Gate <-chan struct{}

	// IgnoreWindow serves every record regardless of the window bounds.
	IgnoreWindow bool

	mu      sync.Mutex
	calls   int
	streams int
	served  int
	windows []models.FetchWindow
}

var _ pipeline.Adapter = (*Adapter)(nil)

// ProviderID implements pipeline.Adapter.
func (a *Adapter) ProviderID() string { return a.ID }

// Fetch implements pipeline.Adapter.
func (a *Adapter) Fetch(ctx context.Context, userID string, window models.FetchWindow) (pipeline.Iterator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.windows = append(a.windows, window)
	if len(a.FetchErrors) > 0 {
		err := a.FetchErrors[0]
		a.FetchErrors = a.FetchErrors[1:]
		return nil, err
	}

	var matched []models.RawRecord
	for _, rec := range a.Records {
		if a.IgnoreWindow || window.Contains(rec.Timestamp) {
			matched = append(matched, rec)
		}
	}

	a.streams++
	it := &iterator{
		adapter: a,
		inner:   pipeline.NewSliceIterator(matched, window.SafetyCap),
	}
	if a.StreamError != nil && a.streams <= a.StreamErrorTimes {
		it.failAfter = a.StreamErrorAfter
		it.failErr = a.StreamError
	}
	return it, nil
}

// Calls returns how many times Fetch was called.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Served returns how many records Next has handed out across all fetches.
func (a *Adapter) Served() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.served
}

// Windows returns every window Fetch was called with.
func (a *Adapter) Windows() []models.FetchWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.FetchWindow(nil), a.windows...)
}

type iterator struct {
	adapter   *Adapter
	inner     *pipeline.SliceIterator
	n         int
	failAfter int
	failErr   error
}

func (it *iterator) Next(ctx context.Context) (models.RawRecord, error) {
	if it.failErr != nil && it.n >= it.failAfter {
		return models.RawRecord{}, it.failErr
	}
	if it.adapter.Gate != nil {
		select {
		case <-ctx.Done():
			return models.RawRecord{}, ctx.Err()
		case <-it.adapter.Gate:
		}
	}
	if it.adapter.PerRecord > 0 {
		timer := time.NewTimer(it.adapter.PerRecord)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.RawRecord{}, ctx.Err()
		case <-timer.C:
		}
	}
	rec, err := it.inner.Next(ctx)
	if err == nil {
		it.n++
		it.adapter.mu.Lock()
		it.adapter.served++
		it.adapter.mu.Unlock()
	}
	return rec, err
}

func (it *iterator) Truncated() bool { return it.inner.Truncated() }
func (it *iterator) Close() error    { return nil }

// NetworkError returns a transient adapter error.
func NetworkError(msg string) error {
	return errors.New(errors.ErrAdapterNetwork, msg)
}

// AuthError returns a permanent adapter error.
func AuthError(msg string) error {
	return errors.New(errors.ErrAdapterAuth, msg)
}

// EOFAdapter yields nothing.
type EOFAdapter struct{ ID string }

// ProviderID implements pipeline.Adapter.
func (a EOFAdapter) ProviderID() string { return a.ID }

// Fetch implements pipeline.Adapter.
func (a EOFAdapter) Fetch(context.Context, string, models.FetchWindow) (pipeline.Iterator, error) {
	return pipeline.NewSliceIterator(nil, 0), nil
}

// FlakyStore wraps a Store and fails Insert for chosen external ids.
type FlakyStore struct {
	dedup.Store
	FailIDs map[string]bool
}

// Insert fails with a persist error when key's external id is in FailIDs.
func (s *FlakyStore) Insert(ctx context.Context, userID string, key models.ExternalRecordKey, rec models.RawRecord) error {
	if s.FailIDs[key.ExternalID] {
		return errors.New(errors.ErrRecordPersist, "simulated write failure for "+key.ExternalID)
	}
	return s.Store.Insert(ctx, userID, key, rec)
}

// Package pipeline implements the fetch-store-dedup algorithm shared by every
// provider.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/kimhsiao/memonexus/syncd/internal/models"
)

// Adapter fetches raw records from one provider source (for example an
// Outlook folder or a Gmail label search).
//
// Fetch owns all provider-specific query construction and authentication.
// Every call starts a fresh, finite sequence; calling Fetch again after a
// failure restarts from the beginning of the window. Adapters classify
// failures with errors.ErrAdapterNetwork (transient) or
// errors.ErrAdapterAuth (permanent).
type Adapter interface {
	ProviderID() string
	Fetch(ctx context.Context, userID string, window models.FetchWindow) (Iterator, error)
}

// Iterator is a lazy sequence of raw records.
type Iterator interface {
	// Next returns the next record, or io.EOF once the sequence is exhausted.
	Next(ctx context.Context) (models.RawRecord, error)
	// Truncated reports whether the sequence stopped at the window's safety
	// cap while the provider still had matching records.
	Truncated() bool
	Close() error
}

// RecordError is returned by Iterator.Next for a single source entry that
// could not be turned into a record. The pipeline counts it as errored and
// keeps reading; it is never retried.
type RecordError struct {
	// Ref names the entry, such as a file name.
	Ref string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Ref, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// SliceIterator serves records from memory, honoring a safety cap.
type SliceIterator struct {
	records   []models.RawRecord
	pos       int
	limit     int
	truncated bool
}

// NewSliceIterator returns at most safetyCap of records. A non-positive cap
// means no cap.
func NewSliceIterator(records []models.RawRecord, safetyCap int) *SliceIterator {
	limit := len(records)
	truncated := false
	if safetyCap > 0 && limit > safetyCap {
		limit = safetyCap
		truncated = true
	}
	return &SliceIterator{records: records, limit: limit, truncated: truncated}
}

// Next implements Iterator.
func (it *SliceIterator) Next(ctx context.Context) (models.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RawRecord{}, err
	}
	if it.pos >= it.limit {
		return models.RawRecord{}, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

// Truncated implements Iterator.
func (it *SliceIterator) Truncated() bool { return it.truncated }

// Close implements Iterator.
func (it *SliceIterator) Close() error { return nil }

// Package db provides repository operations for synced records, dedup
// ledger entries, checkpoints and operation history.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/uuid"
)

// Repository persists sync data in SQLite or PostgreSQL.
type Repository struct {
	db    *DB
	newID uuid.Generator
	now   func() time.Time

	// Prepared statement cache for hot-path queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, newID: uuid.New, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	query = r.db.Rebind(query)
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Record and Ledger Operations
// =====================================================

// ExistsByKey reports whether key is in the dedup ledger.
func (r *Repository) ExistsByKey(ctx context.Context, key models.ExternalRecordKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, errors.Wrap(errors.ErrInvalid, "invalid record key", err)
	}
	stmt, err := r.PrepareStmt(ctx, `
	SELECT 1 FROM dedup_ledger WHERE source = ? AND provider_id = ? AND external_id = ?
	`)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "prepare ledger lookup", err)
	}
	var one int
	err = stmt.QueryRowContext(ctx, string(key.Source), key.ProviderID, key.ExternalID).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "ledger lookup", err)
	}
	return true, nil
}

// Insert writes the record and its ledger entry in one transaction. A key
// already in the ledger leaves both tables untouched and returns an
// errors.ErrDuplicate error.
func (r *Repository) Insert(ctx context.Context, userID string, key models.ExternalRecordKey, rec models.RawRecord) error {
	if err := key.Validate(); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid record key", err)
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	id := r.newID()
	now := r.now().Unix()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "begin record transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
	INSERT INTO records (id, source, provider_id, external_id, user_id, payload, record_at, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), id, string(key.Source), key.ProviderID, key.ExternalID, userID, payload, rec.Timestamp.Unix(), now)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "insert record", err)
	}

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
	INSERT INTO dedup_ledger (source, provider_id, external_id, record_id, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (source, provider_id, external_id) DO NOTHING
	`), string(key.Source), key.ProviderID, key.ExternalID, id, now)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "insert ledger entry", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "insert ledger entry", err)
	} else if n == 0 {
		return errors.New(errors.ErrDuplicate, "record already stored: "+key.String())
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "commit record", err)
	}
	return nil
}

// Count returns how many records are stored for source.
func (r *Repository) Count(ctx context.Context, source models.SyncType) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT COUNT(*) FROM dedup_ledger WHERE source = ?"), string(source)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "count records", err)
	}
	return n, nil
}

// Get returns the stored record for key.
func (r *Repository) Get(ctx context.Context, key models.ExternalRecordKey) (*models.StoredRecord, error) {
	query := `
	SELECT r.id, r.source, r.provider_id, r.external_id, r.user_id, r.payload, r.record_at, r.stored_at
	FROM dedup_ledger l JOIN records r ON r.id = l.record_id
	WHERE l.source = ? AND l.provider_id = ? AND l.external_id = ?
	`
	var rec models.StoredRecord
	var source, payload string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query), string(key.Source), key.ProviderID, key.ExternalID).Scan(
		&rec.ID, &source, &rec.Key.ProviderID, &rec.Key.ExternalID, &rec.UserID, &payload, &rec.RecordAt, &rec.StoredAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "record not found: "+key.String())
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get record", err)
	}
	rec.Key.Source = models.SyncType(source)
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// ListRecords returns up to limit records for source, newest first.
func (r *Repository) ListRecords(ctx context.Context, source models.SyncType, limit int) ([]*models.StoredRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT id, provider_id, external_id, user_id, payload, record_at, stored_at
	FROM records WHERE source = ?
	ORDER BY record_at DESC, id
	LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), string(source), limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list records", err)
	}
	defer rows.Close()

	var out []*models.StoredRecord
	for rows.Next() {
		rec := &models.StoredRecord{Key: models.ExternalRecordKey{Source: source}}
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Key.ProviderID, &rec.Key.ExternalID, &rec.UserID, &payload, &rec.RecordAt, &rec.StoredAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan record", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =====================================================
// Checkpoint Operations
// =====================================================

// GetCheckpoint returns the checkpoint for a provider, or nil if none exists.
func (r *Repository) GetCheckpoint(ctx context.Context, syncType models.SyncType, providerID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{Type: syncType, ProviderID: providerID}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
	SELECT until_ts, updated_at FROM sync_checkpoints WHERE sync_type = ? AND provider_id = ?
	`), string(syncType), providerID).Scan(&cp.Until, &cp.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get checkpoint", err)
	}
	return cp, nil
}

// SaveCheckpoint upserts cp. UpdatedAt is set to now.
func (r *Repository) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	cp.UpdatedAt = r.now().Unix()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
	INSERT INTO sync_checkpoints (sync_type, provider_id, until_ts, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (sync_type, provider_id)
	DO UPDATE SET until_ts = excluded.until_ts, updated_at = excluded.updated_at
	`), string(cp.Type), cp.ProviderID, cp.Until, cp.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "save checkpoint", err)
	}
	return nil
}

// DeleteCheckpoints removes every checkpoint for syncType.
func (r *Repository) DeleteCheckpoints(ctx context.Context, syncType models.SyncType) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM sync_checkpoints WHERE sync_type = ?"), string(syncType))
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete checkpoints", err)
	}
	return nil
}

// =====================================================
// Operation History
// =====================================================

// SaveOperation upserts op into the history archive.
func (r *Repository) SaveOperation(ctx context.Context, op *models.SyncOperation) error {
	providers, err := json.Marshal(op.Providers)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode provider results", err)
	}
	if op.Providers == nil {
		providers = []byte("[]")
	}
	var ended sql.NullInt64
	if op.EndedAt != nil {
		ended = sql.NullInt64{Int64: op.EndedAt.UnixMilli(), Valid: true}
	}
	truncated := 0
	if op.Progress.Truncated {
		truncated = 1
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
	INSERT INTO sync_operations (id, sync_type, user_id, status, started_at, ended_at,
		fetched, stored, skipped, errored, truncated, providers, error_code, error_summary)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status, ended_at = excluded.ended_at,
		fetched = excluded.fetched, stored = excluded.stored,
		skipped = excluded.skipped, errored = excluded.errored,
		truncated = excluded.truncated, providers = excluded.providers,
		error_code = excluded.error_code, error_summary = excluded.error_summary
	`), op.ID, string(op.Type), op.UserID, string(op.Status), op.StartedAt.UnixMilli(), ended,
		op.Progress.Fetched, op.Progress.Stored, op.Progress.Skipped, op.Progress.Errored, truncated,
		string(providers), op.ErrorCode, op.ErrorSummary)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "save operation", err)
	}
	return nil
}

const operationColumns = `id, sync_type, user_id, status, started_at, ended_at,
	fetched, stored, skipped, errored, truncated, providers, error_code, error_summary`

// GetOperation returns an archived operation by ID.
func (r *Repository) GetOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT "+operationColumns+" FROM sync_operations WHERE id = ?"), id)
	op, err := scanOperation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, "operation not found: "+id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get operation", err)
	}
	return op, nil
}

// ListOperations returns up to limit archived operations, newest first. An
// empty syncType lists every type.
func (r *Repository) ListOperations(ctx context.Context, syncType models.SyncType, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + operationColumns + " FROM sync_operations"
	args := []interface{}{}
	if syncType != "" {
		query += " WHERE sync_type = ?"
		args = append(args, string(syncType))
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list operations", err)
	}
	defer rows.Close()

	var out []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan operation", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var syncType, status, providers string
	var started int64
	var ended sql.NullInt64
	var truncated int
	err := row.Scan(&op.ID, &syncType, &op.UserID, &status, &started, &ended,
		&op.Progress.Fetched, &op.Progress.Stored, &op.Progress.Skipped, &op.Progress.Errored, &truncated,
		&providers, &op.ErrorCode, &op.ErrorSummary)
	if err != nil {
		return nil, err
	}
	op.Type = models.SyncType(syncType)
	op.Status = models.OperationStatus(status)
	op.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		op.EndedAt = &t
	}
	op.Progress.Truncated = truncated != 0
	if providers != "" && providers != "null" {
		if err := json.Unmarshal([]byte(providers), &op.Providers); err != nil {
			return nil, fmt.Errorf("decode provider results: %w", err)
		}
	}
	return &op, nil
}

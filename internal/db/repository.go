package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// Repository is the sqlite-backed OfflineRepository.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

var _ OfflineRepository = (*Repository)(nil)

// NewRepository creates a new Repository instance. The schema must already
// be migrated (see Migrate).
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements. The *sql.DB is owned by the
// caller and is not closed.
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

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// =====================================================
// Cache entries
// =====================================================

// PutCacheEntry inserts or overwrites the entry for entry.Key.
func (r *Repository) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	query := `
	INSERT INTO cache_entries (key, payload, content_type, status_code, created_at, schema_version)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		payload = excluded.payload,
		content_type = excluded.content_type,
		status_code = excluded.status_code,
		created_at = excluded.created_at,
		schema_version = excluded.schema_version
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	payload := entry.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = stmt.ExecContext(ctx, entry.Key, payload, entry.ContentType, entry.StatusCode,
		toNanos(entry.CreatedAt), entry.SchemaVersion)
	return err
}

// GetCacheEntry returns ErrNotFound when no entry exists.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	query := `
	SELECT key, payload, content_type, status_code, created_at, schema_version
	FROM cache_entries WHERE key = ?
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	entry, err := scanCacheEntry(stmt.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	var createdAt int64
	if err := row.Scan(&entry.Key, &entry.Payload, &entry.ContentType, &entry.StatusCode,
		&createdAt, &entry.SchemaVersion); err != nil {
		return nil, err
	}
	entry.CreatedAt = fromNanos(createdAt)
	return &entry, nil
}

// DeleteCacheEntry is idempotent.
func (r *Repository) DeleteCacheEntry(ctx context.Context, key string) error {
	stmt, err := r.PrepareStmt(ctx, "DELETE FROM cache_entries WHERE key = ?")
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, key)
	return err
}

// ListCacheEntries returns every entry, oldest first.
func (r *Repository) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT key, payload, content_type, status_code, created_at, schema_version
	FROM cache_entries ORDER BY created_at, key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClearCacheEntries deletes all entries.
func (r *Repository) ClearCacheEntries(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cache_entries")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =====================================================
// Pending changes
// =====================================================

// InsertPendingChange appends change and assigns change.Seq.
func (r *Repository) InsertPendingChange(ctx context.Context, change *models.PendingChange) error {
	query := `
	INSERT INTO pending_changes (id, resource, action, data, enqueued_at)
	VALUES (?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, change.ID, change.Resource, string(change.Action),
		string(change.Data), toNanos(change.EnqueuedAt))
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read change sequence: %w", err)
	}
	change.Seq = seq
	return nil
}

const pendingChangeColumns = "seq, id, resource, action, data, enqueued_at"

func scanPendingChange(row rowScanner) (*models.PendingChange, error) {
	var c models.PendingChange
	var action, data string
	var enqueuedAt int64
	if err := row.Scan(&c.Seq, &c.ID, &c.Resource, &action, &data, &enqueuedAt); err != nil {
		return nil, err
	}
	c.Action = models.Action(action)
	c.Data = []byte(data)
	c.EnqueuedAt = fromNanos(enqueuedAt)
	return &c, nil
}

// ListPendingChanges returns changes in replay order.
func (r *Repository) ListPendingChanges(ctx context.Context) ([]*models.PendingChange, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+pendingChangeColumns+" FROM pending_changes ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		c, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// FirstPendingChange returns the oldest change or ErrNotFound.
func (r *Repository) FirstPendingChange(ctx context.Context) (*models.PendingChange, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+pendingChangeColumns+" FROM pending_changes ORDER BY seq LIMIT 1")
	if err != nil {
		return nil, err
	}
	c, err := scanPendingChange(stmt.QueryRowContext(ctx))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DeletePendingChange is idempotent.
func (r *Repository) DeletePendingChange(ctx context.Context, id models.UUID) error {
	stmt, err := r.PrepareStmt(ctx, "DELETE FROM pending_changes WHERE id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, id)
	return err
}

// ClearPendingChanges deletes all changes.
func (r *Repository) ClearPendingChanges(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM pending_changes")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountPendingChanges returns the queue length.
func (r *Repository) CountPendingChanges(ctx context.Context) (int, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT COUNT(*) FROM pending_changes")
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx).Scan(&n)
	return n, err
}

// =====================================================
// Dead letters
// =====================================================

// MoveToDeadLetter removes the pending change and records the dead letter in
// one transaction.
func (r *Repository) MoveToDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_changes WHERE id = ?", letter.ChangeID); err != nil {
		return fmt.Errorf("failed to remove pending change: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO dead_letters
		(change_id, seq, resource, action, data, enqueued_at, failed_at, status_code, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, letter.ChangeID, letter.Seq, letter.Resource, string(letter.Action), string(letter.Data),
		toNanos(letter.EnqueuedAt), toNanos(letter.FailedAt), letter.StatusCode, letter.Error)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}

	return tx.Commit()
}

// ListDeadLetters returns dead letters in original queue order.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT change_id, seq, resource, action, data, enqueued_at, failed_at, status_code, error
	FROM dead_letters ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var l models.DeadLetter
		var action, data string
		var enqueuedAt, failedAt int64
		if err := rows.Scan(&l.ChangeID, &l.Seq, &l.Resource, &action, &data,
			&enqueuedAt, &failedAt, &l.StatusCode, &l.Error); err != nil {
			return nil, err
		}
		l.Action = models.Action(action)
		l.Data = []byte(data)
		l.EnqueuedAt = fromNanos(enqueuedAt)
		l.FailedAt = fromNanos(failedAt)
		letters = append(letters, &l)
	}
	return letters, rows.Err()
}

// CountDeadLetters returns the number of dead letters.
func (r *Repository) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n)
	return n, err
}

// =====================================================
// Metadata
// =====================================================

// GetMeta returns ErrNotFound when the key was never set.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT value FROM sync_metadata WHERE key = ?")
	if err != nil {
		return "", err
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SetMeta inserts or overwrites key.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, key, value)
	return err
}

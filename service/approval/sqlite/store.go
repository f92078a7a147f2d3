// Package sqlite provides the durable approval Store. A partial unique index
// on pending correlation keys enforces the at-most-one-pending invariant at
// the storage layer and a guarded UPDATE makes Resolve a single
// compare-and-swap, so concurrent deciders get exactly one winner even across
// processes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/service/approval"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS approval_items (
	id              TEXT PRIMARY KEY,
	world_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	correlation_key TEXT,
	urgency         INTEGER NOT NULL DEFAULT 0,
	payload         BLOB,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER,
	status          TEXT NOT NULL DEFAULT 'pending',
	decision        TEXT
);
CREATE INDEX IF NOT EXISTS idx_approval_world_status
	ON approval_items(world_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_pending_correlation
	ON approval_items(world_id, correlation_key)
	WHERE status = 'pending' AND correlation_key IS NOT NULL AND correlation_key != '';
`

// Store is a SQLite-backed approval.Store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (and migrates) a store at the given path. Use ":memory:" for an
// ephemeral database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 { return value.UTC().UnixMilli() }

func fromMillis(value int64) time.Time { return time.UnixMilli(value).UTC() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) Enqueue(ctx context.Context, item *approval.Item) error {
	if item == nil || item.ID == "" {
		return approval.ErrNotFound
	}
	var expiresAt any
	if item.ExpiresAt != nil {
		expiresAt = toMillis(*item.ExpiresAt)
	}
	var correlation any
	if item.CorrelationKey != "" {
		correlation = item.CorrelationKey
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO approval_items
			(id, world_id, kind, correlation_key, urgency, payload, created_at, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
		item.ID, item.WorldID, string(item.Kind), correlation, int(item.Urgency),
		[]byte(item.Payload), toMillis(item.CreatedAt), expiresAt,
	)
	if isUniqueViolation(err) {
		return approval.ErrDuplicatePending
	}
	if err != nil {
		return fmt.Errorf("enqueue item %s: %w", item.ID, err)
	}
	return nil
}

const selectColumns = `id, world_id, kind, COALESCE(correlation_key, ''), urgency, payload, created_at, expires_at, status, decision`

func scanItem(scan func(dest ...any) error) (*approval.Item, error) {
	var (
		item      approval.Item
		kind      string
		status    string
		createdAt int64
		expiresAt sql.NullInt64
		decision  sql.NullString
		payload   []byte
	)
	err := scan(&item.ID, &item.WorldID, &kind, &item.CorrelationKey, &item.Urgency,
		&payload, &createdAt, &expiresAt, &status, &decision)
	if err != nil {
		return nil, err
	}
	item.Kind = approval.Kind(kind)
	item.Status = approval.Status(status)
	item.Payload = json.RawMessage(payload)
	item.CreatedAt = fromMillis(createdAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		item.ExpiresAt = &t
	}
	if decision.Valid && decision.String != "" {
		var d approval.Decision
		if err := json.Unmarshal([]byte(decision.String), &d); err != nil {
			return nil, fmt.Errorf("decode decision of item %s: %w", item.ID, err)
		}
		item.Decision = &d
	}
	return &item, nil
}

func (s *Store) Get(ctx context.Context, id string) (*approval.Item, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approval_items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*approval.Item, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*approval.Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListPending(ctx context.Context, worldID string) ([]*approval.Item, error) {
	items, err := s.list(ctx, `
		SELECT `+selectColumns+` FROM approval_items
		WHERE world_id = ? AND status = 'pending'
		ORDER BY urgency DESC, created_at ASC, id ASC`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list pending for world %s: %w", worldID, err)
	}
	return items, nil
}

func (s *Store) Resolve(ctx context.Context, id string, decision *approval.Decision) (*approval.Item, error) {
	resolved := *decision
	if resolved.DecidedAt.IsZero() {
		resolved.DecidedAt = clock.Now()
	}
	encoded, err := json.Marshal(&resolved)
	if err != nil {
		return nil, fmt.Errorf("encode decision for item %s: %w", id, err)
	}

	// Single guarded UPDATE: at most one concurrent caller flips the status.
	result, err := s.sqlDB.ExecContext(ctx, `
		UPDATE approval_items SET status = ?, decision = ?
		WHERE id = ? AND status = 'pending'`,
		string(resolved.TerminalStatus()), string(encoded), id)
	if err != nil {
		return nil, fmt.Errorf("resolve item %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve item %s: %w", id, err)
	}
	if affected == 0 {
		// Distinguish a lost race from a bad id.
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, approval.ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *Store) ListExpiringBefore(ctx context.Context, worldID string, instant time.Time) ([]*approval.Item, error) {
	items, err := s.list(ctx, `
		SELECT `+selectColumns+` FROM approval_items
		WHERE world_id = ? AND status = 'pending'
			AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY urgency DESC, created_at ASC, id ASC`, worldID, toMillis(instant))
	if err != nil {
		return nil, fmt.Errorf("list expiring for world %s: %w", worldID, err)
	}
	return items, nil
}

func (s *Store) Worlds(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT DISTINCT world_id FROM approval_items
		WHERE status = 'pending' ORDER BY world_id`)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var worlds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		worlds = append(worlds, id)
	}
	return worlds, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM approval_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return approval.ErrNotFound
	}
	return nil
}

var _ approval.Store = (*Store)(nil)

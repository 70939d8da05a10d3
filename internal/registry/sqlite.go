package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"queuewatch/internal/domain"
)

// EnsureSchema creates the watch table and its indexes if they don't exist.
func EnsureSchema(db *sql.DB, table string) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id TEXT PRIMARY KEY,
  queue_name TEXT NOT NULL CHECK(length(trim(queue_name)) > 0),
  enabled INTEGER NOT NULL DEFAULT 1,
  auto_confirm INTEGER NOT NULL DEFAULT 0,
  extra TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(enabled);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(queue_name);
`, quote(table), quote("idx_"+table+"_enabled"), quote("idx_"+table+"_queue_name"))
	_, err := db.Exec(schema)
	return err
}

func quote(ident string) string { return `"` + ident + `"` }

type sqliteRegistry struct {
	db    *sql.DB
	table string
}

// NewSQLite returns a Registry backed by table in db. EnsureSchema must have
// been run; until then queries fail with ErrRegistryUnavailable.
func NewSQLite(db *sql.DB, table string) Registry {
	return &sqliteRegistry{db: db, table: quote(table)}
}

func (r *sqliteRegistry) QueryEnabled(ctx context.Context) ([]domain.WatchRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,queue_name,enabled,auto_confirm,extra,created_at
FROM `+r.table+` WHERE enabled=1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
	}
	defer rows.Close()

	var records []domain.WatchRecord
	for rows.Next() {
		var (
			rec       domain.WatchRecord
			extra     string
			createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.QueueName, &rec.Enabled, &rec.AutoConfirm, &extra, &createdMs); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
		}
		rec.Extra = map[string]any{}
		if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
			return nil, fmt.Errorf("%w: record %s: bad extra: %v", domain.ErrRegistryUnavailable, rec.ID, err)
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
	}
	return records, nil
}

func (r *sqliteRegistry) Insert(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error) {
	if !validQueueName(queueName) {
		return "", domain.ErrInvalidQueueName
	}
	rec := newRecord(queueName, extra, enabled)
	data, err := json.Marshal(rec.Extra)
	if err != nil {
		return "", fmt.Errorf("%w: encode extra: %v", domain.ErrRegistryWrite, err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO `+r.table+` (id,queue_name,enabled,auto_confirm,extra,created_at)
VALUES (?,?,?,?,?,?)`, rec.ID, rec.QueueName, rec.Enabled, rec.AutoConfirm, string(data), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRegistryWrite, err)
	}
	return rec.ID, nil
}

func (r *sqliteRegistry) Exists(ctx context.Context, queueName string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+r.table+` WHERE queue_name=?`, queueName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrRegistryUnavailable, err)
	}
	return n > 0, nil
}

func (r *sqliteRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE `+r.table+` SET enabled=? WHERE id=?`, enabled, id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistryWrite, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

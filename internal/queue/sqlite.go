package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"queuewatch/internal/config"
)

// EnsureSchema creates the local message table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  queue TEXT NOT NULL,
  body BLOB NOT NULL,
  receipt TEXT,
  receive_count INTEGER NOT NULL DEFAULT 0,
  visible_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages(queue, visible_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_receipt ON messages(receipt) WHERE receipt IS NOT NULL;
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteTransport is a single-node queue with SQS-style visibility timeouts,
// stored in the same database as the registry.
type SQLiteTransport struct{ db *sql.DB }

var (
	_ Transport = (*SQLiteTransport)(nil)
	_ Sender    = (*SQLiteTransport)(nil)
)

func NewSQLiteTransport(db *sql.DB) *SQLiteTransport { return &SQLiteTransport{db: db} }

func (t *SQLiteTransport) Open(ctx context.Context, opts config.QueueOptions) (Receiver, error) {
	vis := opts.VisibilityTimeout
	if vis <= 0 {
		vis = 30 * time.Second
	}
	return &sqliteReceiver{db: t.db, queue: opts.Name, visibility: vis}, nil
}

func (t *SQLiteTransport) Send(ctx context.Context, queueName string, body []byte) (string, error) {
	id := "msg_" + uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := t.db.ExecContext(ctx, `
INSERT INTO messages (id,queue,body,visible_at,created_at) VALUES (?,?,?,?,?)`,
		id, queueName, body, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Depth counts the messages stored for a queue, in flight or not.
func (t *SQLiteTransport) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE queue=?`, queueName).Scan(&n)
	return n, err
}

type sqliteReceiver struct {
	db         *sql.DB
	queue      string
	visibility time.Duration
}

func (r *sqliteReceiver) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id,body,receive_count FROM messages
WHERE queue=? AND visible_at <= ?
ORDER BY seq
LIMIT ?`, r.queue, now.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		var m Message
		if err = rows.Scan(&m.ID, &m.Body, &m.ReceiveCount); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	hideUntil := now.Add(r.visibility).UnixMilli()
	for i := range msgs {
		msgs[i].ReceiptHandle = uuid.NewString()
		msgs[i].ReceiveCount++
		_, err = tx.ExecContext(ctx, `
UPDATE messages SET receipt=?, visible_at=?, receive_count=? WHERE id=?`,
			msgs[i].ReceiptHandle, hideUntil, msgs[i].ReceiveCount, msgs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *sqliteReceiver) ChangeVisibility(ctx context.Context, m Message, d time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE messages SET visible_at=? WHERE queue=? AND receipt=?`,
		time.Now().Add(d).UnixMilli(), r.queue, m.ReceiptHandle)
	if err != nil {
		return err
	}
	return requireRow(res, m)
}

func (r *sqliteReceiver) Delete(ctx context.Context, m Message) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE queue=? AND receipt=?`, r.queue, m.ReceiptHandle)
	if err != nil {
		return err
	}
	return requireRow(res, m)
}

func (r *sqliteReceiver) Close() error { return nil }

func requireRow(res sql.Result, m Message) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", ErrReceiptNotFound, m.ID)
	}
	return nil
}

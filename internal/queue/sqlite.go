package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteQueue struct {
	db  *sql.DB
	ids *idGenerator

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite 打开（必要时创建）sqlite 队列文件；path 为 ":memory:" 时用于测试。
func OpenSQLite(path string) (Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	// 单连接：内存库只在同一连接内可见，写入也无需并发
	db.SetMaxOpenConns(1)

	q := &sqliteQueue{db: db}
	if err := q.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	var seed int64
	if err := db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM pending_updates").Scan(&seed); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read max id: %w", err)
	}
	q.ids = newIDGenerator(seed)
	return q, nil
}

func (q *sqliteQueue) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_updates (
			id INTEGER PRIMARY KEY,
			target TEXT NOT NULL,
			method TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_at TEXT NOT NULL
		);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	m, err := normalize(m)
	if err != nil {
		return Mutation{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Mutation{}, ErrClosed
	}

	m.ID, m.EnqueuedAt = q.ids.next()
	_, err = q.db.ExecContext(ctx,
		"INSERT INTO pending_updates (id, target, method, payload, enqueued_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.Target, m.Method, string(m.Payload), m.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Mutation{}, fmt.Errorf("persist mutation %d: %w", m.ID, err)
	}
	return m, nil
}

func (q *sqliteQueue) Pending(ctx context.Context) ([]Mutation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx,
		"SELECT id, target, method, payload, enqueued_at FROM pending_updates ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Mutation
	for rows.Next() {
		var (
			m        Mutation
			payload  string
			enqueued string
		)
		if err := rows.Scan(&m.ID, &m.Target, &m.Method, &payload, &enqueued); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			m.EnqueuedAt = ts
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (q *sqliteQueue) Remove(ctx context.Context, id int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	_, err := q.db.ExecContext(ctx, "DELETE FROM pending_updates WHERE id = ?", id)
	return err
}

func (q *sqliteQueue) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}
	var count int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_updates").Scan(&count)
	return count, err
}

func (q *sqliteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

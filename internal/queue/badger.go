package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// 记录键：m:{id 大端 8 字节}，按字节序迭代即为 ID 升序。
const prefixMutation = "m:"

type badgerQueue struct {
	db  *badgerdb.DB
	ids *idGenerator

	mu     sync.RWMutex
	closed bool
}

// OpenBadger 在 dir 下打开 badger 队列；dir 为空时使用内存模式，进程退出即丢失。
func OpenBadger(dir string) (Queue, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}

	q := &badgerQueue{db: db}
	seed, err := q.maxID()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ids = newIDGenerator(seed)
	return q, nil
}

func mutationKey(id int64) []byte {
	key := make([]byte, len(prefixMutation)+8)
	copy(key, prefixMutation)
	binary.BigEndian.PutUint64(key[len(prefixMutation):], uint64(id))
	return key
}

func (q *badgerQueue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
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
	data, err := json.Marshal(m)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to marshal mutation: %w", err)
	}
	if err := q.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(mutationKey(m.ID), data)
	}); err != nil {
		return Mutation{}, fmt.Errorf("persist mutation %d: %w", m.ID, err)
	}
	return m, nil
}

func (q *badgerQueue) Pending(ctx context.Context) ([]Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	var result []Mutation
	err := q.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMutation)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var m Mutation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode mutation: %w", err)
			}
			result = append(result, m)
		}
		return nil
	})
	return result, err
}

func (q *badgerQueue) Remove(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return q.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(mutationKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (q *badgerQueue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	count := 0
	err := q.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixMutation)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (q *badgerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// maxID 读取已持久化的最大 ID，重启后 ID 仍保持递增。
func (q *badgerQueue) maxID() (int64, error) {
	var max int64
	err := q.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixMutation)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().Key()
			max = int64(binary.BigEndian.Uint64(key[len(prefixMutation):]))
		}
		return nil
	})
	return max, err
}

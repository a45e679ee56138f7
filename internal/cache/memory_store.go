package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内缓存，语义与磁盘实现一致，重启后数据丢失。
func NewMemoryStore() Store {
	return &memoryStore{partitions: make(map[string]map[Key]Snapshot)}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[Key]Snapshot
}

type memoryPartition struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.partitions[name]; !ok {
		s.partitions[name] = make(map[Key]Snapshot)
	}
	s.mu.Unlock()
	return &memoryPartition{store: s, name: name}, nil
}

func (s *memoryStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	names, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range names {
		entries, ok := s.partitions[name]
		if !ok {
			continue
		}
		if snap, ok := entries[key]; ok {
			out := snap.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.partitions[name]
	delete(s.partitions, name)
	return existed, nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Get(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	snap, ok := p.store.partitions[p.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := snap.Clone()
	return &out, nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	return p.PutAll(ctx, []Record{{Key: key, Snapshot: snapshot}})
}

func (p *memoryPartition) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		if err := validateSnapshot(rec.Snapshot); err != nil {
			return fmt.Errorf("%s: %w", rec.Key, err)
		}
	}
	now := time.Now().UTC()

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	entries, ok := p.store.partitions[p.name]
	if !ok {
		// 分区在 Open 之后被 Delete，写入时重新创建
		entries = make(map[Key]Snapshot)
		p.store.partitions[p.name] = entries
	}
	for _, rec := range records {
		snap := rec.Snapshot.Clone()
		if snap.StoredAt.IsZero() {
			snap.StoredAt = now
		}
		entries[rec.Key] = snap
	}
	return nil
}

func (p *memoryPartition) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	delete(p.store.partitions[p.name], key)
	return nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	entries := p.store.partitions[p.name]
	keys := make([]Key, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

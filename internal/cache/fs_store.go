package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".json"

// NewStore 以 basePath 为根目录构建磁盘缓存，整进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；不同 key 之间不加锁，最后写入者胜出。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// diskEntry 是单个条目在磁盘上的 JSON 表示。
type diskEntry struct {
	Key      Key      `json:"key"`
	Snapshot Snapshot `json:"snapshot"`
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	names, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		part := &filePartition{store: s, name: name, dir: filepath.Join(s.basePath, name)}
		snapshot, err := part.Get(ctx, key)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Get(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := p.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var entry diskEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	return &entry.Snapshot, nil
}

func (p *filePartition) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	return p.PutAll(ctx, []Record{{Key: key, Snapshot: snapshot}})
}

// PutAll 先把所有条目写入临时文件，全部成功后再逐个 rename；任何一步失败都会回滚已替换的条目。
func (p *filePartition) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if err := validateSnapshot(rec.Snapshot); err != nil {
			return fmt.Errorf("%s: %w", rec.Key, err)
		}
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	unlock := p.store.lockEntries(p.name, records)
	defer unlock()

	type staged struct {
		temp     string
		target   string
		previous []byte
		existed  bool
	}
	stagedFiles := make([]staged, 0, len(records))
	cleanup := func() {
		for _, s := range stagedFiles {
			os.Remove(s.temp)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		snap := rec.Snapshot.Clone()
		if snap.StoredAt.IsZero() {
			snap.StoredAt = time.Now().UTC()
		}
		payload, err := json.Marshal(diskEntry{Key: rec.Key, Snapshot: snap})
		if err != nil {
			cleanup()
			return err
		}
		temp, err := writeTemp(p.dir, payload)
		if err != nil {
			cleanup()
			return err
		}
		target := p.entryPath(rec.Key)
		previous, readErr := os.ReadFile(target)
		stagedFiles = append(stagedFiles, staged{
			temp:     temp,
			target:   target,
			previous: previous,
			existed:  readErr == nil,
		})
	}

	for i, s := range stagedFiles {
		if err := os.Rename(s.temp, s.target); err != nil {
			for _, done := range stagedFiles[:i] {
				if done.existed {
					_ = os.WriteFile(done.target, done.previous, 0o644)
				} else {
					_ = os.Remove(done.target)
				}
			}
			for _, pending := range stagedFiles[i:] {
				os.Remove(pending.temp)
			}
			return err
		}
	}
	return nil
}

func (p *filePartition) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := p.store.lockEntries(p.name, []Record{{Key: key}})
	defer unlock()

	if err := os.Remove(p.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		var decoded diskEntry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		keys = append(keys, decoded.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (p *filePartition) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

// lockEntries 按固定顺序获取多个条目锁，避免批量写入之间死锁。
func (s *fileStore) lockEntries(partition string, records []Record) func() {
	keys := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		k := partition + "::" + rec.Key.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, s.lockEntry(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func writeTemp(dir string, payload []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

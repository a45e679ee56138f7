package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Store 管理本进程拥有的全部缓存分区。磁盘布局遵循：
//
//	<StoragePath>/caches/<partition>/<sha1(key)>.json
//
// 分区之间互不共享条目，Match 只在本 Store 的分区内查找。
type Store interface {
	// Open 打开指定分区，不存在时创建；重复调用是幂等的。
	Open(ctx context.Context, name string) (Partition, error)

	// Partitions 返回当前存在的分区名，按名称排序。
	Partitions(ctx context.Context) ([]string, error)

	// Match 在所有分区中查找 key 对应的快照，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Delete 删除整个分区，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Partition 是单个命名分区的读写入口。
type Partition interface {
	Name() string

	// Get 读取 key 对应的快照，未命中返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入快照并覆盖旧值。非 2xx 快照返回 ErrNotCacheable 且不落盘。
	Put(ctx context.Context, key Key, snapshot Snapshot) error

	// PutAll 以单个批次写入多个条目：要么全部可见，要么一个都不可见。
	PutAll(ctx context.Context, records []Record) error

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// Keys 返回分区内全部 key，按 String() 排序。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一标识一次可缓存请求，仅允许 GET。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求方法与 URL（只保留 path + query），非 GET 返回 ErrInvalidKey。
func NewKey(method, rawURL string) (Key, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return Key{}, fmt.Errorf("%w: method %s", ErrInvalidKey, method)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return Key{}, fmt.Errorf("%w: relative url %s", ErrInvalidKey, rawURL)
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return Key{Method: method, URL: path}, nil
}

// MustKey 用于固定路径（预缓存清单、离线页），解析失败直接 panic。
func MustKey(rawURL string) Key {
	key, err := NewKey(http.MethodGet, rawURL)
	if err != nil {
		panic(err)
	}
	return key
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Snapshot 是一次成功响应的不可变副本。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回深拷贝，避免调用方修改已存储的 Header/Body。
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

// Record 组合 key 与快照，用于批量写入。
type Record struct {
	Key      Key
	Snapshot Snapshot
}

var (
	// ErrNotFound 表示分区或全局查找均未命中。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示快照状态码不是 2xx，拒绝写入。
	ErrNotCacheable = errors.New("response not cacheable")
	// ErrInvalidKey 表示请求无法作为缓存 key（非 GET 或 URL 非法）。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidPartition 表示分区名为空或包含路径分隔符。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// Cacheable 仅接受 2xx，错误响应永远不会被当作有效数据回放。
func Cacheable(status int) bool {
	return status >= 200 && status < 300
}

// PurgeExcept 删除所有不在 keep 中的分区，返回被删除的分区名。重复执行结果一致。
func PurgeExcept(ctx context.Context, store Store, keep []string) ([]string, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	names, err := store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		existed, err := store.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

func validateSnapshot(snapshot Snapshot) error {
	if !Cacheable(snapshot.Status) {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, snapshot.Status)
	}
	return nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}

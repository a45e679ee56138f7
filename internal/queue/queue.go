// Package queue 持久化离线期间产生的写操作，并在连通后按入队顺序回放。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/furnace-control/offline-hub/internal/config"
)

var (
	// ErrInvalidMutation 表示缺少目标地址或 payload 不是合法 JSON。
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrClosed 表示队列已关闭。
	ErrClosed = errors.New("queue closed")
)

// Mutation 是一条等待回放的写操作。ID 由队列分配，严格递增。
type Mutation struct {
	ID         int64           `json:"id"`
	Target     string          `json:"target"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue 是离线写入队列的存储抽象。
type Queue interface {
	// Enqueue 持久化一条写操作并返回带 ID 的副本；持久化失败时返回错误，调用方不得假定已入队。
	Enqueue(ctx context.Context, m Mutation) (Mutation, error)
	// Pending 按 ID 升序返回全部待回放记录。
	Pending(ctx context.Context) ([]Mutation, error)
	// Remove 删除指定记录，记录不存在时不报错。
	Remove(ctx context.Context, id int64) error
	// Len 返回待回放记录数。
	Len(ctx context.Context) (int, error)
	Close() error
}

// Open 根据配置选择 badger 或 sqlite 后端，数据位于 <StoragePath>/queue 下。
func Open(cfg config.GlobalConfig) (Queue, error) {
	dir := filepath.Join(cfg.StoragePath, "queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	switch cfg.QueueBackend {
	case config.QueueBackendSQLite:
		return OpenSQLite(filepath.Join(dir, "pending.db"))
	case config.QueueBackendBadger, "":
		return OpenBadger(filepath.Join(dir, "badger"))
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
	}
}

// normalize 校验并补齐入队记录，ID 与 EnqueuedAt 由队列填写。
func normalize(m Mutation) (Mutation, error) {
	m.Target = strings.TrimSpace(m.Target)
	if m.Target == "" {
		return m, fmt.Errorf("%w: target required", ErrInvalidMutation)
	}
	m.Method = strings.ToUpper(strings.TrimSpace(m.Method))
	if m.Method == "" {
		m.Method = http.MethodPost
	}
	if len(m.Payload) == 0 || !json.Valid(m.Payload) {
		return m, fmt.Errorf("%w: payload must be json", ErrInvalidMutation)
	}
	m.Payload = append(json.RawMessage(nil), m.Payload...)
	return m, nil
}

// idGenerator 以毫秒时间戳作为 ID，同一毫秒或时钟回拨时取 last+1，保证严格递增。
type idGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newIDGenerator(seed int64) *idGenerator {
	return &idGenerator{last: seed, now: time.Now}
}

func (g *idGenerator) next() (int64, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	id := now.UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id, now.UTC()
}

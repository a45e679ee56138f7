// Package lifecycle 管理离线层的安装、激活与控制消息。进程启动时执行一次安装，
// 激活后才接管页面请求；激活前的请求一律直通上游。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/metrics"
	"github.com/furnace-control/offline-hub/internal/queue"
	"github.com/furnace-control/offline-hub/internal/server"
)

// State 表示 worker 当前所处的生命周期阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText 让状态在 JSON 中以名称输出。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrInstallFailed 表示预缓存清单中至少一项获取失败，worker 进入 redundant。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidState 表示当前阶段不允许该操作。
	ErrInvalidState = errors.New("invalid worker state")
)

// SyncRegistrar 接收一次性同步标签，通常是 syncer.Monitor。
type SyncRegistrar interface {
	Register(tag string)
}

// Options 汇总 Worker 的依赖。Sync、Metrics、Logger 可为空。
type Options struct {
	Worker  config.WorkerConfig
	Store   cache.Store
	Queue   queue.Queue
	Client  *http.Client
	Sync    SyncRegistrar
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Worker 保存生命周期状态。安装失败且本代际没有旧缓存时停在 redundant，
// 之后只能经 RetryInstall 重新安装。
type Worker struct {
	cfg      config.WorkerConfig
	upstream string
	store    cache.Store
	queue    queue.Queue
	client   *http.Client
	sync     SyncRegistrar
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	mu          sync.Mutex
	state       State
	stale       bool
	retrying    bool
	controlling atomic.Bool
}

// NewWorker 构建处于 parsed 阶段的 Worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if strings.TrimSpace(opts.Worker.Upstream) == "" {
		return nil, errors.New("upstream is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{
		cfg:      opts.Worker,
		upstream: strings.TrimRight(opts.Worker.Upstream, "/"),
		store:    opts.Store,
		queue:    opts.Queue,
		client:   client,
		sync:     opts.Sync,
		metrics:  opts.Metrics,
		logger:   logging.Component(opts.Logger, "lifecycle"),
		state:    StateParsed,
	}, nil
}

// State 返回当前阶段。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Controlling 报告是否已接管页面请求，供 proxy.Dispatcher 判断是否走缓存策略。
func (w *Worker) Controlling() bool {
	return w.controlling.Load()
}

// Generation 返回当前缓存代际。
func (w *Worker) Generation() string {
	return w.cfg.Generation
}

// Stale 报告 worker 是否正沿用上次进程留下的同代际缓存，预缓存尚未刷新。
func (w *Worker) Stale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stale
}

// Install 并发拉取预缓存清单，全部 2xx 后一次性写入 static 分区。
// 任一条目失败时不写入任何内容：若当前代际的 static/dynamic 分区已有条目
// （同代际重启且上游不可达），沿用旧缓存直接进入 active 并接管请求，标记为 stale；
// 否则进入 redundant 并返回 ErrInstallFailed。
// 开启 AutoSkipWaiting 时安装成功后立即激活。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed {
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, current)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	err := w.install(ctx)
	if err == nil || !errors.Is(err, ErrInstallFailed) {
		return err
	}
	if w.resumePrevious(ctx) {
		return nil
	}
	return err
}

// RetryInstall 在上游恢复后重做安装。redundant 时从头安装；沿用旧缓存时刷新
// static 分区、清理旧代际分区并清除 stale 标记。其他状态或已有重试在进行时直接返回。
func (w *Worker) RetryInstall(ctx context.Context) error {
	w.mu.Lock()
	if w.retrying {
		w.mu.Unlock()
		return nil
	}
	switch {
	case w.state == StateRedundant:
		w.state = StateInstalling
	case w.state == StateActive && w.stale:
	default:
		w.mu.Unlock()
		return nil
	}
	w.retrying = true
	refresh := w.state == StateActive
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.retrying = false
		w.mu.Unlock()
	}()

	if !refresh {
		return w.install(ctx)
	}

	entries, err := w.precache(ctx)
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"action":    "refresh",
			"partition": w.cfg.StaticPartition(),
		}).WithError(err).Warn("worker_refresh_failed")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	w.mu.Lock()
	w.stale = false
	w.mu.Unlock()

	deleted, err := cache.PurgeExcept(ctx, w.store, w.cfg.CurrentPartitions())
	w.metrics.AddPurged(len(deleted))
	if err != nil {
		w.logger.WithField("action", "refresh").WithError(err).Warn("worker_purge_failed")
	}
	w.logger.WithFields(logrus.Fields{
		"action":    "refresh",
		"partition": w.cfg.StaticPartition(),
		"entries":   entries,
		"purged":    deleted,
	}).Info("worker_refreshed")
	return nil
}

// install 在 installing 阶段执行预缓存，失败进入 redundant。
func (w *Worker) install(ctx context.Context) error {
	started := time.Now()
	entries, err := w.precache(ctx)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logrus.Fields{
			"action":    "install",
			"partition": w.cfg.StaticPartition(),
		}).WithError(err).Error("worker_install_failed")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	w.logger.WithFields(logrus.Fields{
		"action":     "install",
		"partition":  w.cfg.StaticPartition(),
		"entries":    entries,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("worker_installed")

	if w.cfg.AutoSkipWaiting {
		return w.Activate(ctx)
	}
	return nil
}

// precache 拉取清单并整批写入 static 分区，返回写入条数。
func (w *Worker) precache(ctx context.Context) (int, error) {
	records, err := w.fetchManifest(ctx)
	if err != nil {
		return 0, err
	}
	part, err := w.store.Open(ctx, w.cfg.StaticPartition())
	if err == nil {
		err = part.PutAll(ctx, records)
	}
	w.metrics.RecordCacheWrite(w.cfg.StaticPartition(), err)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// resumePrevious 在安装失败后检查当前代际是否留有缓存，有则直接接管。
// 此时不清理分区，旧代际分区在 RetryInstall 刷新成功后再删。
func (w *Worker) resumePrevious(ctx context.Context) bool {
	entries, err := w.previousEntries(ctx)
	if err != nil {
		w.logger.WithField("action", "resume").WithError(err).Warn("worker_resume_check_failed")
		return false
	}
	if entries == 0 {
		return false
	}

	w.mu.Lock()
	if w.state != StateRedundant {
		w.mu.Unlock()
		return false
	}
	w.state = StateActive
	w.stale = true
	w.mu.Unlock()
	w.controlling.Store(true)

	w.logger.WithFields(logrus.Fields{
		"action":     "resume",
		"generation": w.cfg.Generation,
		"entries":    entries,
	}).Warn("worker_resumed_previous_install")
	return true
}

// previousEntries 统计当前代际 static 与 dynamic 分区的条目数，不会创建分区。
func (w *Worker) previousEntries(ctx context.Context) (int, error) {
	names, err := w.store.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	existing := make(map[string]struct{}, len(names))
	for _, name := range names {
		existing[name] = struct{}{}
	}

	total := 0
	for _, name := range []string{w.cfg.StaticPartition(), w.cfg.DynamicPartition()} {
		if _, ok := existing[name]; !ok {
			continue
		}
		part, err := w.store.Open(ctx, name)
		if err != nil {
			return 0, err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return 0, err
		}
		total += len(keys)
	}
	return total, nil
}

// SkipWaiting 让已安装的 worker 立即激活；已激活或正在激活时什么都不做。
func (w *Worker) SkipWaiting(ctx context.Context) error {
	switch w.State() {
	case StateInstalled:
		// 并发的另一次激活已经接手
		if err := w.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			return err
		}
		return nil
	case StateActivating, StateActive:
		return nil
	default:
		return fmt.Errorf("%w: skip waiting from %s", ErrInvalidState, w.State())
	}
}

// Activate 删除所有不属于当前代际的分区，完成后才开始接管请求。
// 清理失败时回到 installed，允许再次尝试。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInstalled {
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, current)
	}
	w.state = StateActivating
	w.mu.Unlock()

	deleted, err := cache.PurgeExcept(ctx, w.store, w.cfg.CurrentPartitions())
	w.metrics.AddPurged(len(deleted))
	if err != nil {
		w.setState(StateInstalled)
		w.logger.WithField("action", "activate").WithError(err).Error("worker_activate_failed")
		return fmt.Errorf("purge stale partitions: %w", err)
	}

	w.setState(StateActive)
	w.controlling.Store(true)
	w.logger.WithFields(logrus.Fields{
		"action":     "activate",
		"generation": w.cfg.Generation,
		"purged":     deleted,
	}).Info("worker_activated")
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) fetchManifest(ctx context.Context) ([]cache.Record, error) {
	records := make([]cache.Record, len(w.cfg.Precache))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, path := range w.cfg.Precache {
		group.Go(func() error {
			key, err := cache.NewKey(http.MethodGet, path)
			if err != nil {
				return err
			}
			snap, err := w.fetch(gctx, key.URL)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			records[i] = cache.Record{Key: key, Snapshot: snap}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (w *Worker) fetch(ctx context.Context, path string) (cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.upstream+path, nil)
	if err != nil {
		return cache.Snapshot{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return cache.Snapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Snapshot{}, err
	}
	if !cache.Cacheable(resp.StatusCode) {
		return cache.Snapshot{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return cache.Snapshot{
		Status: resp.StatusCode,
		Header: server.FilterHeaders(resp.Header),
		Body:   body,
	}, nil
}

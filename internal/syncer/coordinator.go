package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/metrics"
	"github.com/furnace-control/offline-hub/internal/queue"
	"github.com/furnace-control/offline-hub/internal/server"
)

// ErrIncomplete 表示回放后仍有记录留在队列中，调用方应在下次连通时重试。
var ErrIncomplete = errors.New("sync incomplete")

// Dispatcher 接收同步信号，Monitor 与 Scheduler 只依赖这个接口。
type Dispatcher interface {
	Dispatch(ctx context.Context, sig Signal) error
}

// Options 汇总 Coordinator 的依赖。Notifier、Logger、Metrics 可为空。
type Options struct {
	Worker   config.WorkerConfig
	Queue    queue.Queue
	Replayer queue.Replayer
	Store    cache.Store
	Client   *http.Client
	Notifier Notifier
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Coordinator 按标签执行同步：一次性标签回放离线队列，周期标签刷新只读数据。
// 它自身从不轮询，所有执行都由外部信号触发。
type Coordinator struct {
	worker   config.WorkerConfig
	queue    queue.Queue
	replayer queue.Replayer
	store    cache.Store
	client   *http.Client
	notifier Notifier
	logger   *logrus.Entry
	metrics  *metrics.Metrics

	drains singleflight.Group
}

// NewCoordinator 校验依赖并构建 Coordinator。
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Coordinator{
		worker:   opts.Worker,
		queue:    opts.Queue,
		replayer: opts.Replayer,
		store:    opts.Store,
		client:   client,
		notifier: opts.Notifier,
		logger:   logging.Component(opts.Logger, "syncer"),
		metrics:  opts.Metrics,
	}, nil
}

// Dispatch 根据标签选择动作，未知标签只记录日志。
func (c *Coordinator) Dispatch(ctx context.Context, sig Signal) error {
	fields := logrus.Fields{"action": "sync_dispatch", "tag": sig.Tag, "kind": sig.Kind}
	var err error
	switch sig.Tag {
	case c.worker.SyncTag:
		_, err = c.Drain(ctx)
	case c.worker.PeriodicTag:
		err = c.Refresh(ctx)
	default:
		c.logger.WithFields(fields).Info("sync_tag_ignored")
		return nil
	}
	c.metrics.RecordSync(sig.Tag, err)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("sync_failed")
		return err
	}
	c.logger.WithFields(fields).Info("sync_complete")
	return nil
}

// Drain 回放离线队列，并发调用共享同一次执行。
func (c *Coordinator) Drain(ctx context.Context) (queue.DrainResult, error) {
	value, err, shared := c.drains.Do("drain", func() (interface{}, error) {
		return c.drain(ctx)
	})
	if shared {
		c.logger.WithField("action", "queue_drain").Debug("queue_drain_joined")
	}
	result, _ := value.(queue.DrainResult)
	return result, err
}

func (c *Coordinator) drain(ctx context.Context) (queue.DrainResult, error) {
	started := time.Now()
	replayer := queue.ReplayerFunc(func(ctx context.Context, m queue.Mutation) error {
		err := c.replayer.Replay(ctx, m)
		c.metrics.RecordReplay(err)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "queue_replay",
				"id":     m.ID,
				"target": m.Target,
			}).WithError(err).Warn("queue_replay_failed")
		}
		return err
	})

	result, err := queue.Drain(ctx, c.queue, replayer)
	c.metrics.SetQueueDepth(result.Remaining)

	fields := logrus.Fields{
		"action":     "queue_drain",
		"attempted":  result.Attempted,
		"replayed":   len(result.Replayed),
		"failed":     len(result.Failed),
		"remaining":  result.Remaining,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("queue_drain_failed")
		return result, err
	}
	c.logger.WithFields(fields).Info("queue_drain_complete")

	if len(result.Replayed) > 0 {
		c.notify(ctx, Notification{
			Title: defaultTitle,
			Body:  fmt.Sprintf("%d offline update(s) synced", len(result.Replayed)),
			Icon:  defaultIcon,
			Tag:   c.worker.SyncTag,
		})
	}
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d record(s) pending", ErrIncomplete, result.Remaining)
	}
	return result, nil
}

// Refresh 重新拉取配置的只读接口，成功（2xx）时覆盖 dynamic 分区中的快照。
func (c *Coordinator) Refresh(ctx context.Context) error {
	part, err := c.store.Open(ctx, c.worker.DynamicPartition())
	if err != nil {
		return fmt.Errorf("open dynamic partition: %w", err)
	}

	var errs []error
	for _, target := range c.worker.RefreshTargets {
		if err := c.refreshOne(ctx, part, target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) refreshOne(ctx context.Context, part cache.Partition, target string) error {
	key, err := cache.NewKey(http.MethodGet, target)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.worker.Upstream+target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	fields := logrus.Fields{"action": "sync_refresh", "target": target, "status": resp.StatusCode}
	if !cache.Cacheable(resp.StatusCode) {
		c.logger.WithFields(fields).Info("sync_refresh_skipped")
		return nil
	}

	err = part.Put(ctx, key, cache.Snapshot{
		Status: resp.StatusCode,
		Header: server.FilterHeaders(resp.Header),
		Body:   body,
	})
	c.metrics.RecordCacheWrite(part.Name(), err)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	c.logger.WithFields(fields).Info("sync_refresh_stored")
	return nil
}

func (c *Coordinator) notify(ctx context.Context, n Notification) {
	if c.notifier == nil {
		return
	}
	n.ArrivedAt = time.Now().UTC()
	if err := c.notifier.Deliver(ctx, n); err != nil {
		c.logger.WithField("action", "notify").WithError(err).Warn("notify_failed")
	}
}

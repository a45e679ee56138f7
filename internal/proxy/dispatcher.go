// Package proxy 拦截控制面板发出的页面请求，按请求类别选择缓存策略并与上游交互。
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/config"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/metrics"
	"github.com/furnace-control/offline-hub/internal/strategy"
)

// 响应头：实际使用的策略以及是否来自缓存。
const (
	HeaderStrategy = "X-Offline-Hub-Strategy"
	HeaderCacheHit = "X-Offline-Hub-Cache-Hit"
)

// uncontrolled 表示 worker 尚未激活，请求直通上游且不碰缓存。
const uncontrolled = "uncontrolled"

const offlineAPIMessage = "Offline - No cached data available"

// Controller 报告页面是否已被激活的 worker 接管。
type Controller interface {
	Controlling() bool
}

// Reachability 接收每次回源的网络层结果。
type Reachability interface {
	ReportReachable(ok bool)
}

// Options 汇总 Dispatcher 的依赖；Controller、Reachability、Metrics、Logger 可为空。
type Options struct {
	Worker       config.WorkerConfig
	Client       *http.Client
	Store        cache.Store
	Controller   Controller
	Reachability Reachability
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
}

// Dispatcher 实现 server.ProxyHandler：每个请求只走一个策略，路由规则见 strategy.Router。
type Dispatcher struct {
	worker   config.WorkerConfig
	upstream string
	client   *http.Client
	store    cache.Store
	router   *strategy.Router
	gate     Controller
	reach    Reachability
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

// NewDispatcher 校验上游地址并构建 Dispatcher。
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	parsed, err := url.Parse(opts.Worker.Upstream)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", opts.Worker.Upstream)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		worker:   opts.Worker,
		upstream: strings.TrimRight(opts.Worker.Upstream, "/"),
		client:   client,
		store:    opts.Store,
		router:   strategy.NewRouter(opts.Worker),
		gate:     opts.Controller,
		reach:    opts.Reachability,
		metrics:  opts.Metrics,
		logger:   logging.Component(opts.Logger, "proxy"),
	}, nil
}

// Handle 选择策略并执行；策略内部 panic 会被恢复为 500 strategy_panic。
func (d *Dispatcher) Handle(c fiber.Ctx) (err error) {
	ex := d.newExchange(c)
	defer func() {
		if r := recover(); r != nil {
			ex.log(d, 0, false, fmt.Errorf("panic: %v", r), "strategy_panic")
			d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeError, time.Since(ex.started))
			err = d.writeError(c, ex, fiber.StatusInternalServerError, "strategy_panic")
		}
	}()

	if d.gate != nil && !d.gate.Controlling() {
		return d.passthrough(c, ex)
	}

	ex.kind = d.router.Classify(c.Method(), ex.path)
	if meta, ok := strategy.Resolve(ex.kind); ok {
		ex.meta = meta
		ex.partition = meta.Partition(d.worker)
	}

	switch ex.kind {
	case strategy.Passthrough:
		return d.passthrough(c, ex)
	case strategy.CacheFirst:
		return d.cacheFirst(c, ex)
	default:
		return d.networkFirst(c, ex)
	}
}

// passthrough 直接转发，不读写缓存；网络失败返回 502。
func (d *Dispatcher) passthrough(c fiber.Ctx, ex *exchange) error {
	res, err := d.fetch(c, ex)
	if err != nil {
		ex.log(d, 0, false, err, "proxy_failed")
		d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeError, time.Since(ex.started))
		return d.writeError(c, ex, fiber.StatusBadGateway, "upstream_failed")
	}
	ex.log(d, res.status, false, nil, "proxy_complete")
	d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeNetwork, time.Since(ex.started))
	return d.writeResponse(c, ex, res.status, res.header, res.body, false)
}

// networkFirst 先回源，2xx 写入本策略分区；网络失败时在全部分区中查找快照，仍未命中则按策略返回 503。
// 非 2xx 响应照常返回，但不写缓存。
func (d *Dispatcher) networkFirst(c fiber.Ctx, ex *exchange) error {
	res, err := d.fetch(c, ex)
	if err == nil {
		d.save(c, ex, res)
		ex.log(d, res.status, false, nil, "proxy_complete")
		d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeNetwork, time.Since(ex.started))
		return d.writeResponse(c, ex, res.status, res.header, res.body, false)
	}

	if snap := d.match(c, ex, ex.key); snap != nil {
		ex.log(d, snap.Status, true, err, "proxy_served_from_cache")
		d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeCache, time.Since(ex.started))
		return d.writeResponse(c, ex, snap.Status, snap.Header, snap.Body, true)
	}

	ex.log(d, 0, false, err, "proxy_offline")
	d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeOffline, time.Since(ex.started))
	if ex.meta.Fallback == strategy.FallbackOfflineJSON {
		return d.writeOfflineJSON(c, ex)
	}
	return d.writeOfflineText(c, ex)
}

// cacheFirst 命中即返回；未命中时回源并写入 static 分区。
// 网络也失败时，.html 请求返回缓存的离线页，其余返回 503 文本。
func (d *Dispatcher) cacheFirst(c fiber.Ctx, ex *exchange) error {
	if snap := d.match(c, ex, ex.key); snap != nil {
		ex.log(d, snap.Status, true, nil, "proxy_complete")
		d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeCache, time.Since(ex.started))
		return d.writeResponse(c, ex, snap.Status, snap.Header, snap.Body, true)
	}

	res, err := d.fetch(c, ex)
	if err == nil {
		d.save(c, ex, res)
		ex.log(d, res.status, false, nil, "proxy_complete")
		d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeNetwork, time.Since(ex.started))
		return d.writeResponse(c, ex, res.status, res.header, res.body, false)
	}

	ex.log(d, 0, false, err, "proxy_offline")
	d.metrics.RecordRequest(ex.strategyLabel(), metrics.OutcomeOffline, time.Since(ex.started))
	if strings.HasSuffix(ex.path, ".html") && d.worker.OfflinePage != "" {
		if key, keyErr := cache.NewKey(http.MethodGet, d.worker.OfflinePage); keyErr == nil {
			if page := d.match(c, ex, &key); page != nil {
				return d.writeResponse(c, ex, page.Status, page.Header, page.Body, true)
			}
		}
	}
	return d.writeOfflineText(c, ex)
}

// save 把 2xx 回源结果写入当前策略的分区，写入失败只记日志。
func (d *Dispatcher) save(c fiber.Ctx, ex *exchange, res *upstreamResult) {
	if ex.partition == "" || ex.key == nil || !cache.Cacheable(res.status) {
		return
	}
	ctx := requestContext(c)
	part, err := d.store.Open(ctx, ex.partition)
	if err == nil {
		err = part.Put(ctx, *ex.key, cache.Snapshot{
			Status: res.status,
			Header: res.header,
			Body:   res.body,
		})
	}
	d.metrics.RecordCacheWrite(ex.partition, err)
	if err != nil {
		d.logger.WithFields(ex.fields()).WithError(err).Warn("cache_put_failed")
	}
}

// match 在全部分区中查找快照；查找出错按未命中处理。
func (d *Dispatcher) match(c fiber.Ctx, ex *exchange, key *cache.Key) *cache.Snapshot {
	if key == nil {
		return nil
	}
	snap, err := d.store.Match(requestContext(c), *key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			d.logger.WithFields(ex.fields()).WithError(err).Warn("cache_match_failed")
		}
		return nil
	}
	return snap
}

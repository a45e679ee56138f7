package syncer

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/metrics"
)

// MonitorOptions 配置一次性同步的触发器。ProbeInterval 为 0 时不主动探测。
type MonitorOptions struct {
	Dispatcher    Dispatcher
	Lifetime      *Lifetime
	Client        *http.Client
	ProbeURL      string
	ProbeInterval time.Duration
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// Monitor 记录已注册但尚未成功执行的一次性标签，在上游可达时投递给 Dispatcher。
// 同名标签在执行前重复注册只会触发一次；执行失败的标签保留到下次可达时重试。
type Monitor struct {
	dispatcher Dispatcher
	lifetime   *Lifetime
	client     *http.Client
	probeURL   string
	interval   time.Duration
	logger     *logrus.Entry
	metrics    *metrics.Metrics

	mu       sync.Mutex
	online   bool
	pending  map[string]struct{}
	inflight map[string]bool
	hooks    []reconnectHook
}

type reconnectHook struct {
	name string
	fn   func(ctx context.Context)
}

// NewMonitor 创建 Monitor，初始视为在线。
func NewMonitor(opts MonitorOptions) *Monitor {
	lifetime := opts.Lifetime
	if lifetime == nil {
		lifetime = NewLifetime(nil)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	m := &Monitor{
		dispatcher: opts.Dispatcher,
		lifetime:   lifetime,
		client:     client,
		probeURL:   opts.ProbeURL,
		interval:   opts.ProbeInterval,
		logger:     logging.Component(opts.Logger, "monitor"),
		metrics:    opts.Metrics,
		online:     true,
		pending:    make(map[string]struct{}),
		inflight:   make(map[string]bool),
	}
	m.metrics.SetOnline(true)
	return m
}

// Register 登记一次性同步标签；在线时立即触发。
func (m *Monitor) Register(tag string) {
	if tag == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[tag] = struct{}{}
	m.logger.WithFields(logrus.Fields{"action": "sync_register", "tag": tag, "online": m.online}).Info("sync_registered")
	if m.online {
		m.fireLocked(tag)
	}
}

// OnReconnect 登记一个在每次从离线恢复为在线时执行的回调，回调在 Lifetime 中异步运行。
func (m *Monitor) OnReconnect(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, reconnectHook{name: name, fn: fn})
}

// ReportReachable 由拦截层与探测器调用；从离线恢复为在线时触发全部待执行标签与重连回调。
func (m *Monitor) ReportReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.online
	m.online = ok
	if was == ok {
		return
	}
	m.metrics.SetOnline(ok)
	m.logger.WithFields(logrus.Fields{"action": "connectivity", "online": ok}).Info("connectivity_changed")
	if ok {
		for _, hook := range m.hooks {
			m.lifetime.Go("reconnect:"+hook.name, hook.fn)
		}
		m.fireAllLocked()
	}
}

// Online 返回最近一次观测到的可达状态。
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// PendingTags 返回尚未成功执行的标签，按名称排序。
func (m *Monitor) PendingTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Run 在离线或存在待重试标签时周期性探测上游，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 || m.probeURL == "" {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	m.mu.Lock()
	needed := !m.online || len(m.pending) > 0
	m.mu.Unlock()
	if !needed {
		return
	}

	reachable := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	m.ReportReachable(reachable)
	if reachable {
		// 已在线但仍有失败标签时，探测成功即作为重试时机
		m.mu.Lock()
		m.fireAllLocked()
		m.mu.Unlock()
	}
}

// probe 只关心网络层可达性，任何 HTTP 响应都视为可达。
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.WithField("action", "probe").WithError(err).Debug("probe_failed")
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

func (m *Monitor) fireAllLocked() {
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		m.fireLocked(tag)
	}
}

// fireLocked 调用方必须持有 m.mu。
func (m *Monitor) fireLocked(tag string) {
	if m.dispatcher == nil || m.inflight[tag] {
		return
	}
	m.inflight[tag] = true
	delete(m.pending, tag)

	started := m.lifetime.Go("sync:"+tag, func(ctx context.Context) {
		err := m.dispatcher.Dispatch(ctx, Signal{Tag: tag, Kind: OneShot})

		m.mu.Lock()
		defer m.mu.Unlock()
		m.inflight[tag] = false
		if err != nil {
			m.pending[tag] = struct{}{}
			return
		}
		// 执行期间再次注册的标签在成功后立即补发一次
		if _, again := m.pending[tag]; again && m.online {
			m.fireLocked(tag)
		}
	})
	if !started {
		m.inflight[tag] = false
		m.pending[tag] = struct{}{}
	}
}

// Package metrics 汇总离线层的 Prometheus 指标，所有方法对 nil 接收者安全。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 请求结果取值。
const (
	OutcomeNetwork = "network"
	OutcomeCache   = "cache"
	OutcomeOffline = "offline"
	OutcomeError   = "error"
)

// Metrics 使用 offline_hub_ 前缀。
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CacheWrites     *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ReplaysTotal    *prometheus.CounterVec
	SyncEvents      *prometheus.CounterVec
	PurgedTotal     prometheus.Counter
	UpstreamOnline  prometheus.Gauge
}

// NewMetrics 创建并注册全部指标；重复注册到同一 Registerer 时复用已有 collector。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_requests_total",
				Help: "Intercepted requests by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_hub_request_duration_seconds",
				Help:    "Intercepted request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_cache_writes_total",
				Help: "Cache partition writes by partition and result",
			},
			[]string{"partition", "result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline_hub_queue_depth",
				Help: "Mutations waiting for replay",
			},
		),
		ReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_replays_total",
				Help: "Mutation replays by result",
			},
			[]string{"result"},
		),
		SyncEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_sync_events_total",
				Help: "Sync signals handled by tag and result",
			},
			[]string{"tag", "result"},
		),
		PurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_hub_partitions_purged_total",
				Help: "Cache partitions deleted during activation",
			},
		),
		UpstreamOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline_hub_upstream_online",
				Help: "1 when the furnace backend answered the last request",
			},
		),
	}

	m.RequestsTotal = registerOrReuse(reg, m.RequestsTotal).(*prometheus.CounterVec)
	m.RequestDuration = registerOrReuse(reg, m.RequestDuration).(*prometheus.HistogramVec)
	m.CacheWrites = registerOrReuse(reg, m.CacheWrites).(*prometheus.CounterVec)
	m.QueueDepth = registerOrReuse(reg, m.QueueDepth).(prometheus.Gauge)
	m.ReplaysTotal = registerOrReuse(reg, m.ReplaysTotal).(*prometheus.CounterVec)
	m.SyncEvents = registerOrReuse(reg, m.SyncEvents).(*prometheus.CounterVec)
	m.PurgedTotal = registerOrReuse(reg, m.PurgedTotal).(prometheus.Counter)
	m.UpstreamOnline = registerOrReuse(reg, m.UpstreamOnline).(prometheus.Gauge)
	return m
}

// RecordRequest 记录一次拦截请求的结果与耗时。
func (m *Metrics) RecordRequest(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(strategy, outcome).Inc()
	m.RequestDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordCacheWrite 记录分区写入，err 非空时计为 failed。
func (m *Metrics) RecordCacheWrite(partition string, err error) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(partition, resultLabel(err)).Inc()
}

// SetQueueDepth 更新待回放队列长度。
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordReplay 记录单条离线写入的回放结果。
func (m *Metrics) RecordReplay(err error) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordSync 记录同步信号的处理结果。
func (m *Metrics) RecordSync(tag string, err error) {
	if m == nil {
		return
	}
	m.SyncEvents.WithLabelValues(tag, resultLabel(err)).Inc()
}

// AddPurged 累加激活阶段删除的分区数量。
func (m *Metrics) AddPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PurgedTotal.Add(float64(n))
}

// SetOnline 更新上游可达状态。
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.UpstreamOnline.Set(1)
		return
	}
	m.UpstreamOnline.Set(0)
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

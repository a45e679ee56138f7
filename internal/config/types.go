package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 缓存与队列的可选后端。
const (
	CacheBackendDisk   = "disk"
	CacheBackendMemory = "memory"

	QueueBackendBadger = "badger"
	QueueBackendSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	QueueBackend    string   `mapstructure:"QueueBackend"`
}

// WorkerConfig 决定离线层如何拦截页面请求、命名缓存分区以及何时回放离线写入。
type WorkerConfig struct {
	Upstream         string   `mapstructure:"Upstream"`
	CachePrefix      string   `mapstructure:"CachePrefix"`
	Generation       string   `mapstructure:"Generation"`
	APIPrefix        string   `mapstructure:"APIPrefix"`
	StaticDirs       []string `mapstructure:"StaticDirs"`
	StaticSuffixes   []string `mapstructure:"StaticSuffixes"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	Precache         []string `mapstructure:"Precache"`
	AutoSkipWaiting  bool     `mapstructure:"AutoSkipWaiting"`
	ReplayEndpoint   string   `mapstructure:"ReplayEndpoint"`
	ReplayMethod     string   `mapstructure:"ReplayMethod"`
	SyncTag          string   `mapstructure:"SyncTag"`
	PeriodicTag      string   `mapstructure:"PeriodicTag"`
	RefreshTargets   []string `mapstructure:"RefreshTargets"`
	PeriodicInterval Duration `mapstructure:"PeriodicInterval"`
	ProbeInterval    Duration `mapstructure:"ProbeInterval"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// StaticPartition 返回当前代际的静态资源分区名，例如 furnace-static-v1。
func (w WorkerConfig) StaticPartition() string {
	return w.partitionName("static")
}

// DynamicPartition 返回当前代际的动态（API）分区名。
func (w WorkerConfig) DynamicPartition() string {
	return w.partitionName("dynamic")
}

// ControlPartition 返回当前代际的控制分区名，激活时与 static/dynamic 一同保留。
func (w WorkerConfig) ControlPartition() string {
	return w.partitionName("control")
}

// CurrentPartitions 汇总激活阶段需要保留的全部分区名。
func (w WorkerConfig) CurrentPartitions() []string {
	return []string{w.StaticPartition(), w.DynamicPartition(), w.ControlPartition()}
}

func (w WorkerConfig) partitionName(kind string) string {
	return fmt.Sprintf("%s-%s-%s", w.CachePrefix, kind, w.Generation)
}

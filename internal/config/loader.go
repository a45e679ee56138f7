package config

import (
	"fmt"
	"net/http"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPrecache 对应控制面板构建产物的固定清单，安装阶段整体写入静态分区。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/css/theme.css",
	"/js/theme.js",
	"/js/nav.js",
	"/js/utils.js",
	"/js/app.js",
	"/js/programs.js",
	"/js/chart.min.js",
	"/favicon.ico",
	"/setup.html",
	"/settings.html",
	"/programs.html",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheBackend", CacheBackendDisk)
	v.SetDefault("QueueBackend", QueueBackendBadger)

	v.SetDefault("Worker.CachePrefix", "furnace")
	v.SetDefault("Worker.Generation", "v1")
	v.SetDefault("Worker.APIPrefix", "/api/")
	v.SetDefault("Worker.StaticDirs", []string{"/css/", "/js/"})
	v.SetDefault("Worker.StaticSuffixes", []string{".html", ".ico"})
	v.SetDefault("Worker.OfflinePage", "/offline.html")
	v.SetDefault("Worker.Precache", DefaultPrecache)
	v.SetDefault("Worker.AutoSkipWaiting", true)
	v.SetDefault("Worker.ReplayEndpoint", "/api/updateTemp")
	v.SetDefault("Worker.ReplayMethod", http.MethodPost)
	v.SetDefault("Worker.SyncTag", "temperature-update")
	v.SetDefault("Worker.PeriodicTag", "temperature-sync")
	v.SetDefault("Worker.RefreshTargets", []string{"/api/templog"})
	v.SetDefault("Worker.PeriodicInterval", "5m")
	v.SetDefault("Worker.ProbeInterval", "15s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = CacheBackendDisk
	}
	g.QueueBackend = strings.ToLower(strings.TrimSpace(g.QueueBackend))
	if g.QueueBackend == "" {
		g.QueueBackend = QueueBackendBadger
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Upstream = strings.TrimRight(strings.TrimSpace(w.Upstream), "/")
	w.ReplayMethod = strings.ToUpper(strings.TrimSpace(w.ReplayMethod))
	if w.ReplayMethod == "" {
		w.ReplayMethod = http.MethodPost
	}
	if w.APIPrefix != "" && !strings.HasPrefix(w.APIPrefix, "/") {
		w.APIPrefix = "/" + w.APIPrefix
	}
	if w.PeriodicInterval.DurationValue() < 0 {
		w.PeriodicInterval = Duration(0)
	}
	if w.ProbeInterval.DurationValue() < 0 {
		w.ProbeInterval = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

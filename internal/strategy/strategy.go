// Package strategy 描述离线层对每类请求采用的缓存策略，以及请求到策略的分类规则。
package strategy

import (
	"net/http"
	"strings"

	"github.com/furnace-control/offline-hub/internal/config"
)

// Kind 是策略的唯一键，同时写入响应头 X-Offline-Hub-Strategy。
type Kind string

const (
	// Passthrough 直接转发，不读不写缓存。
	Passthrough Kind = "passthrough"
	// NetworkFirstAPI 先走网络写入 dynamic，失败时回退缓存，再失败返回 JSON 503。
	NetworkFirstAPI Kind = "network-first-api"
	// CacheFirst 先查缓存，未命中再走网络并写入 static。
	CacheFirst Kind = "cache-first"
	// NetworkFirst 与 NetworkFirstAPI 相同的读写顺序，但离线时返回纯文本 503。
	NetworkFirst Kind = "network-first"
)

// Role 指明策略写入哪类分区。
type Role string

const (
	RoleNone    Role = "none"
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
)

// Fallback 描述网络与缓存都不可用时的响应形态。
type Fallback string

const (
	FallbackUpstreamError Fallback = "502-upstream-failed"
	FallbackOfflineJSON   Fallback = "503-offline-json"
	FallbackOfflinePage   Fallback = "offline-page-or-503"
	FallbackOfflineText   Fallback = "503-offline-text"
)

// Metadata 记录一个策略的静态信息，供分发器与诊断端使用。
type Metadata struct {
	Key         Kind     `json:"key"`
	Description string   `json:"description"`
	Role        Role     `json:"partition_role"`
	Fallback    Fallback `json:"fallback"`
}

// Partition 根据 Role 解析出当前代际下的分区名；RoleNone 返回空串。
func (m Metadata) Partition(cfg config.WorkerConfig) string {
	switch m.Role {
	case RoleStatic:
		return cfg.StaticPartition()
	case RoleDynamic:
		return cfg.DynamicPartition()
	default:
		return ""
	}
}

func init() {
	MustRegister(Metadata{
		Key:         Passthrough,
		Description: "Non-GET requests go straight to the furnace and are never cached",
		Role:        RoleNone,
		Fallback:    FallbackUpstreamError,
	})
	MustRegister(Metadata{
		Key:         NetworkFirstAPI,
		Description: "API reads prefer fresh data and fall back to the last stored snapshot",
		Role:        RoleDynamic,
		Fallback:    FallbackOfflineJSON,
	})
	MustRegister(Metadata{
		Key:         CacheFirst,
		Description: "Static assets are served from cache and fetched once when missing",
		Role:        RoleStatic,
		Fallback:    FallbackOfflinePage,
	})
	MustRegister(Metadata{
		Key:         NetworkFirst,
		Description: "Other reads prefer the network and fall back to any stored snapshot",
		Role:        RoleDynamic,
		Fallback:    FallbackOfflineText,
	})
}

// Router 把请求方法与路径分类到唯一策略，规则按顺序匹配，先命中者生效。
type Router struct {
	apiPrefix      string
	staticDirs     []string
	staticSuffixes []string
}

// NewRouter 根据 Worker 配置构建分类器。
func NewRouter(cfg config.WorkerConfig) *Router {
	return &Router{
		apiPrefix:      cfg.APIPrefix,
		staticDirs:     append([]string(nil), cfg.StaticDirs...),
		staticSuffixes: append([]string(nil), cfg.StaticSuffixes...),
	}
}

// Classify 返回请求对应的策略键。path 只应包含路径部分，不含查询串。
func (r *Router) Classify(method, path string) Kind {
	if !strings.EqualFold(method, http.MethodGet) {
		return Passthrough
	}
	if r.apiPrefix != "" && strings.HasPrefix(path, r.apiPrefix) {
		return NetworkFirstAPI
	}
	if r.IsStatic(path) {
		return CacheFirst
	}
	return NetworkFirst
}

// IsStatic 判断路径是否落在静态目录下或带有静态后缀。
func (r *Router) IsStatic(path string) bool {
	for _, dir := range r.staticDirs {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	for _, suffix := range r.staticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

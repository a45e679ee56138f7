package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// 分区名会直接落到磁盘目录，限制字符集避免路径穿越。
var partitionToken = regexp.MustCompile(`^[A-Za-z0-9._]+$`)

var replayMethods = map[string]struct{}{
	http.MethodPost:  {},
	http.MethodPut:   {},
	http.MethodPatch: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	switch g.CacheBackend {
	case CacheBackendDisk, CacheBackendMemory:
	default:
		return newFieldError("Global.CacheBackend", "仅支持 disk/memory")
	}
	switch g.QueueBackend {
	case QueueBackendBadger, QueueBackendSQLite:
	default:
		return newFieldError("Global.QueueBackend", "仅支持 badger/sqlite")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if err := validateUpstream(w.Upstream); err != nil {
		return fmt.Errorf("%s: %w", workerField("Upstream"), err)
	}
	if !partitionToken.MatchString(w.CachePrefix) {
		return newFieldError(workerField("CachePrefix"), "只能包含字母、数字、点和下划线")
	}
	if !partitionToken.MatchString(w.Generation) {
		return newFieldError(workerField("Generation"), "只能包含字母、数字、点和下划线")
	}
	if w.APIPrefix == "" || w.APIPrefix == "/" {
		return newFieldError(workerField("APIPrefix"), "不能为空或根路径")
	}
	for _, dir := range w.StaticDirs {
		if !strings.HasPrefix(dir, "/") {
			return newFieldError(workerField("StaticDirs"), fmt.Sprintf("必须以 / 开头: %s", dir))
		}
	}
	for _, suffix := range w.StaticSuffixes {
		if !strings.HasPrefix(suffix, ".") {
			return newFieldError(workerField("StaticSuffixes"), fmt.Sprintf("必须以 . 开头: %s", suffix))
		}
	}
	if w.OfflinePage != "" && !strings.HasPrefix(w.OfflinePage, "/") {
		return newFieldError(workerField("OfflinePage"), "必须是绝对路径")
	}
	for _, p := range w.Precache {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(workerField("Precache"), fmt.Sprintf("必须是绝对路径: %s", p))
		}
	}
	if !strings.HasPrefix(w.ReplayEndpoint, "/") {
		return newFieldError(workerField("ReplayEndpoint"), "必须是绝对路径")
	}
	if _, ok := replayMethods[w.ReplayMethod]; !ok {
		return newFieldError(workerField("ReplayMethod"), "仅支持 POST/PUT/PATCH")
	}
	if strings.TrimSpace(w.SyncTag) == "" {
		return newFieldError(workerField("SyncTag"), "不能为空")
	}
	if strings.TrimSpace(w.PeriodicTag) == "" {
		return newFieldError(workerField("PeriodicTag"), "不能为空")
	}
	if w.SyncTag == w.PeriodicTag {
		return newFieldError(workerField("PeriodicTag"), "不能与 SyncTag 相同")
	}
	for _, target := range w.RefreshTargets {
		if !strings.HasPrefix(target, "/") {
			return newFieldError(workerField("RefreshTargets"), fmt.Sprintf("必须是绝对路径: %s", target))
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

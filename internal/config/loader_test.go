package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失 Upstream 的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[Worker]
Upstream = "http://furnace.local"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadNormalizesWorkerFields(t *testing.T) {
	cfg := `
StoragePath = "./data"
QueueBackend = "SQLite"

[Worker]
Upstream = "http://furnace.local/"
APIPrefix = "api/"
ReplayMethod = "put"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Worker.Upstream != "http://furnace.local" {
		t.Fatalf("Upstream 末尾斜杠应被去除: %s", loaded.Worker.Upstream)
	}
	if loaded.Worker.APIPrefix != "/api/" {
		t.Fatalf("APIPrefix 应补齐前导斜杠: %s", loaded.Worker.APIPrefix)
	}
	if loaded.Worker.ReplayMethod != "PUT" {
		t.Fatalf("ReplayMethod 应转为大写: %s", loaded.Worker.ReplayMethod)
	}
	if loaded.Global.QueueBackend != QueueBackendSQLite {
		t.Fatalf("QueueBackend 应转为小写: %s", loaded.Global.QueueBackend)
	}
}

package strategy

import (
	"net/http"
	"testing"

	"github.com/furnace-control/offline-hub/internal/config"
)

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		CachePrefix:    "furnace",
		Generation:     "v1",
		APIPrefix:      "/api/",
		StaticDirs:     []string{"/css/", "/js/"},
		StaticSuffixes: []string{".html", ".ico"},
	}
}

func TestRouterClassify(t *testing.T) {
	router := NewRouter(testWorkerConfig())

	cases := []struct {
		method string
		path   string
		want   Kind
	}{
		{http.MethodPost, "/api/updateTemp", Passthrough},
		{http.MethodPut, "/index.html", Passthrough},
		{http.MethodHead, "/css/theme.css", Passthrough},
		{http.MethodGet, "/api/templog", NetworkFirstAPI},
		{http.MethodGet, "/api/status.html", NetworkFirstAPI},
		{"get", "/api/programs", NetworkFirstAPI},
		{http.MethodGet, "/css/theme.css", CacheFirst},
		{http.MethodGet, "/js/app.js", CacheFirst},
		{http.MethodGet, "/settings.html", CacheFirst},
		{http.MethodGet, "/favicon.ico", CacheFirst},
		{http.MethodGet, "/", NetworkFirst},
		{http.MethodGet, "/manifest.json", NetworkFirst},
		{http.MethodGet, "/fonts/css/x.woff", NetworkFirst},
	}
	for _, tc := range cases {
		if got := router.Classify(tc.method, tc.path); got != tc.want {
			t.Fatalf("%s %s: expected %s got %s", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestBuiltinStrategiesRegistered(t *testing.T) {
	list := List()
	if len(list) != 4 {
		t.Fatalf("expected 4 builtin strategies, got %d", len(list))
	}
	cfg := testWorkerConfig()

	api, ok := Resolve(NetworkFirstAPI)
	if !ok {
		t.Fatalf("network-first-api should resolve")
	}
	if api.Partition(cfg) != "furnace-dynamic-v1" {
		t.Fatalf("unexpected api partition: %s", api.Partition(cfg))
	}
	static, _ := Resolve(CacheFirst)
	if static.Partition(cfg) != "furnace-static-v1" {
		t.Fatalf("unexpected static partition: %s", static.Partition(cfg))
	}
	pass, _ := Resolve(Passthrough)
	if pass.Partition(cfg) != "" {
		t.Fatalf("passthrough should not own a partition")
	}
}

func replaceRegistry(t *testing.T) func() {
	t.Helper()
	prev := globalRegistry
	globalRegistry = newRegistry()
	return func() { globalRegistry = prev }
}

func TestRegisterResolveAndList(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Metadata{Key: "beta"}); err != nil {
		t.Fatalf("register beta failed: %v", err)
	}
	if err := Register(Metadata{Key: "alpha"}); err != nil {
		t.Fatalf("register alpha failed: %v", err)
	}
	if _, ok := Resolve("BETA"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}
	list := List()
	if len(list) != 2 || list[0].Key != "alpha" || list[1].Key != "beta" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Metadata{Key: "custom"}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := Register(Metadata{Key: "custom"}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := Register(Metadata{Key: "  "}); err == nil {
		t.Fatalf("empty key should fail")
	}
}

package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/crate-hub/crate-hub/internal/cache"
	"github.com/crate-hub/crate-hub/internal/config"
	"github.com/crate-hub/crate-hub/internal/proxy"
	"github.com/crate-hub/crate-hub/internal/server"
	"github.com/crate-hub/crate-hub/internal/server/routes"
	"github.com/crate-hub/crate-hub/internal/upstream"
)

// registryStub 模拟稀疏索引与下载两类上游，记录每条路径的命中次数。
type registryStub struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

func newRegistryStub(t *testing.T) *registryStub {
	t.Helper()
	stub := &registryStub{hits: map[string]int{}}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	return stub
}

func (s *registryStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	switch r.URL.Path {
	case "/config.json":
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"dl":"https://crates.io/api/v1/crates","api":"https://crates.io"}`)
	case "/se/rd/serde":
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, `{"name":"serde","vers":"1.0.188","cksum":"ab"}`+"\n")
	case "/api/v1/crates/serde/1.0.188/download":
		w.Header().Set("Content-Type", "application/x-tar")
		io.WriteString(w, strings.Repeat("crate-archive", 64))
	default:
		http.NotFound(w, r)
	}
}

func (s *registryStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// buildApp 按 main.go 的装配顺序把全部组件接起来。
func buildApp(t *testing.T, cfg *config.Config) (*fiber.App, *proxy.Handler) {
	t.Helper()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置校验失败: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cfg.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	fetcher := upstream.NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg.MaxFetchSize)
	handler := proxy.NewHandler(fetcher, logger, store, cfg)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.ListenPort,
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	routes.RegisterStatusRoutes(app, handler, cfg)
	return app, handler
}

func newTestConfig(storageDir, upstreamURL string) *config.Config {
	return &config.Config{
		ListenPort:       3080,
		LogLevel:         "info",
		StoragePath:      storageDir,
		IndexTTL:         config.Duration(10 * time.Minute),
		UpstreamTimeout:  config.Duration(5 * time.Second),
		MaxFetchSize:     16 << 20,
		IndexUpstream:    upstreamURL,
		DownloadUpstream: upstreamURL,
		ProxyURL:         "http://proxy.local:3080",
	}
}

func doGet(t *testing.T, app *fiber.App, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读响应失败: %v", err)
	}
	resp.Body.Close()
	return resp, body
}

// TestFullRegistrySession 走一遍 cargo 客户端的典型序列：
// config.json → 索引条目 → crate 下载，随后复用同一缓存目录重建进程验证持久化。
func TestFullRegistrySession(t *testing.T) {
	stub := newRegistryStub(t)
	defer stub.Close()

	storageDir := t.TempDir()
	app, handler := buildApp(t, newTestConfig(storageDir, stub.URL))

	// 1. config.json：dl 必须指回代理自身。
	resp, body := doGet(t, app, "http://proxy.local/index/config.json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config.json expected 200, got %d", resp.StatusCode)
	}
	var configDoc map[string]string
	if err := json.Unmarshal(body, &configDoc); err != nil {
		t.Fatalf("config.json 解析失败: %v", err)
	}
	if configDoc["dl"] != "http://proxy.local:3080/api/v1/crates" {
		t.Fatalf("dl 未指向代理: %q", configDoc["dl"])
	}

	// 2. 索引条目：按分片规则落盘。
	resp, body = doGet(t, app, "http://proxy.local/index/se/rd/serde")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"vers":"1.0.188"`) {
		t.Fatalf("索引正文不符: %s", string(body))
	}
	if _, err := os.Stat(filepath.Join(storageDir, "se", "rd", "serde")); err != nil {
		t.Fatalf("索引缓存文件缺失: %v", err)
	}

	// 3. crate 下载。
	resp, body = doGet(t, app, "http://proxy.local/api/v1/crates/serde/1.0.188/download")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download expected 200, got %d", resp.StatusCode)
	}
	if len(body) == 0 || resp.Header.Get("Content-Type") != "application/x-tar" {
		t.Fatalf("crate 响应不符: ct=%q len=%d", resp.Header.Get("Content-Type"), len(body))
	}

	// 4. 同一会话内重复请求全部命中缓存。
	doGet(t, app, "http://proxy.local/index/se/rd/serde")
	doGet(t, app, "http://proxy.local/api/v1/crates/serde/1.0.188/download")
	if stub.hitCount("/se/rd/serde") != 1 {
		t.Fatalf("索引重复请求不应回源, hits=%d", stub.hitCount("/se/rd/serde"))
	}
	if stub.hitCount("/api/v1/crates/serde/1.0.188/download") != 1 {
		t.Fatalf("crate 重复请求不应回源, hits=%d", stub.hitCount("/api/v1/crates/serde/1.0.188/download"))
	}

	snapshot := handler.Stats()
	if snapshot.CacheHits != 2 {
		t.Fatalf("缓存命中数应为 2, got %d", snapshot.CacheHits)
	}

	// 5. 重建全部组件（模拟重启），crate 仍从磁盘命中。
	app2, _ := buildApp(t, newTestConfig(storageDir, stub.URL))
	resp, _ = doGet(t, app2, "http://proxy.local/api/v1/crates/serde/1.0.188/download")
	if state := resp.Header.Get("X-Crate-Hub-Cache"); state != "hit" {
		t.Fatalf("重启后 crate 应命中持久缓存, got %q", state)
	}
	if stub.hitCount("/api/v1/crates/serde/1.0.188/download") != 1 {
		t.Fatalf("重启后不应重复下载 crate")
	}
}

// TestStaleFallbackAcrossRestart 验证上游故障时的陈旧兜底在重启后依然可用。
func TestStaleFallbackAcrossRestart(t *testing.T) {
	stub := newRegistryStub(t)

	storageDir := t.TempDir()
	app, _ := buildApp(t, newTestConfig(storageDir, stub.URL))

	if resp, _ := doGet(t, app, "http://proxy.local/index/se/rd/serde"); resp.StatusCode != http.StatusOK {
		t.Fatalf("首次索引请求失败: %d", resp.StatusCode)
	}

	// 把条目回拨为陈旧，同时关闭上游。
	entryPath := filepath.Join(storageDir, "se", "rd", "serde")
	staleTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(entryPath, staleTime, staleTime); err != nil {
		t.Fatalf("回拨 mtime 失败: %v", err)
	}
	stub.Close()

	app2, _ := buildApp(t, newTestConfig(storageDir, stub.URL))
	resp, body := doGet(t, app2, "http://proxy.local/index/se/rd/serde")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("上游宕机应回退旧内容, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"name":"serde"`) {
		t.Fatalf("回退正文不符: %s", string(body))
	}
	if state := resp.Header.Get("X-Crate-Hub-Cache"); state != "stale" {
		t.Fatalf("expected stale, got %q", state)
	}
}

// TestDiagnosticsEndpoint 验证 /-/status 在完整装配下可用且计数随流量变化。
func TestDiagnosticsEndpoint(t *testing.T) {
	stub := newRegistryStub(t)
	defer stub.Close()

	app, _ := buildApp(t, newTestConfig(t.TempDir(), stub.URL))

	doGet(t, app, "http://proxy.local/index/se/rd/serde")

	resp, body := doGet(t, app, "http://proxy.local/-/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Stats struct {
			IndexRequests uint64 `json:"index_requests"`
			UpstreamCalls uint64 `json:"upstream_calls"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("状态响应解析失败: %v", err)
	}
	if payload.Stats.IndexRequests != 1 || payload.Stats.UpstreamCalls != 1 {
		t.Fatalf("计数不符: %+v", payload.Stats)
	}
}

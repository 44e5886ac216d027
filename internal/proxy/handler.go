package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/crate-hub/crate-hub/internal/cache"
	"github.com/crate-hub/crate-hub/internal/config"
	"github.com/crate-hub/crate-hub/internal/logging"
	"github.com/crate-hub/crate-hub/internal/registry"
	"github.com/crate-hub/crate-hub/internal/server"
	"github.com/crate-hub/crate-hub/internal/upstream"
)

// 缓存状态标记，同时用于日志字段与 X-Crate-Hub-Cache 响应头。
const (
	cacheStateHit         = "hit"
	cacheStateMiss        = "miss"
	cacheStateStale       = "stale"
	cacheStateRevalidated = "revalidated"
)

// errCacheWrite 区分缓存写盘失败与上游传输失败，前者不触发陈旧回退。
var errCacheWrite = errors.New("cache write failed")

// Handler 负责 orchestrate “缓存命中 → 回源 → 原子写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 Fetcher 与磁盘缓存。
type Handler struct {
	fetcher    *upstream.Fetcher
	logger     *logrus.Logger
	store      cache.Store
	cfg        *config.Config
	validators sync.Map // key: cache path, value: validatorEntry
	flight     singleflight.Group
	stats      stats
}

// validatorEntry 记录上游校验器，仅驻留内存，进程重启后丢失。
type validatorEntry struct {
	etag         string
	lastModified time.Time
}

// fetchOutcome 是一次回源 + 落盘的归一化结果，在 singleflight 并发请求间共享。
type fetchOutcome struct {
	success     bool
	notModified bool
	notFound    bool
	status      int
	body        []byte
	contentType string
}

// NewHandler constructs a proxy handler with shared fetcher/logger/store.
func NewHandler(fetcher *upstream.Fetcher, logger *logrus.Logger, store cache.Store, cfg *config.Config) *Handler {
	return &Handler{
		fetcher: fetcher,
		logger:  logger,
		store:   store,
		cfg:     cfg,
	}
}

// HandleIndex 处理 /index/** 入口：config.json 或分片索引条目。
func (h *Handler) HandleIndex(c fiber.Ctx) error {
	key, err := registry.ParseIndexPath(c.Params("*"))
	if err != nil {
		return h.writeClientError(c, key, err)
	}
	return h.serve(c, key)
}

// HandleDownload 处理 /api/v1/crates/{name}/{version}/download 入口。
func (h *Handler) HandleDownload(c fiber.Ctx) error {
	key, err := registry.NewCrate(c.Params("name"), c.Params("version"))
	if err != nil {
		return h.writeClientError(c, registry.ResourceKey{Kind: registry.KindCrate}, err)
	}
	return h.serve(c, key)
}

// serve 执行单个请求的状态机：新鲜命中直接返回，否则回源，
// 上游失败时在存在陈旧条目的情况下回退为旧内容。
func (h *Handler) serve(c fiber.Ctx, key registry.ResourceKey) error {
	started := time.Now()
	requestID := server.RequestID(c)
	h.stats.recordRequest(key)

	locator := cache.Locator{Path: key.CachePath()}
	ttl := h.ttlFor(key)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cached, err := h.store.Get(ctx, locator)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		h.logger.WithError(err).
			WithFields(logrus.Fields{"resource": key.ResourceLabel(), "cache_path": locator.Path}).
			Warn("cache_get_failed")
		cached = nil
	}

	if cached != nil && !cached.Entry.Expired(ttl, time.Now()) {
		defer cached.Reader.Close()
		h.stats.recordHit()
		return h.serveCached(c, key, cached, cacheStateHit, requestID, started)
	}

	outcome, fetchErr := h.fetchShared(ctx, key, locator, cached)
	if fetchErr != nil {
		if cached != nil && !errors.Is(fetchErr, errCacheWrite) {
			defer cached.Reader.Close()
			h.stats.recordStaleServed()
			h.logStaleFallback(key, locator, fetchErr, requestID)
			return h.serveCached(c, key, cached, cacheStateStale, requestID, started)
		}
		if cached != nil {
			cached.Reader.Close()
		}
		return h.writeGatewayError(c, key, locator, fetchErr, requestID, started)
	}

	switch {
	case outcome.notModified:
		if cached == nil {
			// 理论上不可达：无缓存不会发条件请求。
			return h.writeGatewayError(c, key, locator, errors.New("not modified without cached entry"), requestID, started)
		}
		defer cached.Reader.Close()
		return h.serveCached(c, key, cached, cacheStateRevalidated, requestID, started)

	case outcome.notFound:
		if cached != nil {
			cached.Reader.Close()
		}
		return h.writeNotFound(c, key, locator, requestID, started)

	case outcome.success:
		if cached != nil {
			cached.Reader.Close()
		}
		return h.serveFetched(c, key, locator, outcome, requestID, started)

	default:
		// 上游 4xx/5xx：有陈旧条目则回退，没有则透出网关错误。
		if cached != nil {
			defer cached.Reader.Close()
			h.stats.recordStaleServed()
			h.logStaleFallback(key, locator, fmt.Errorf("upstream status %d", outcome.status), requestID)
			return h.serveCached(c, key, cached, cacheStateStale, requestID, started)
		}
		return h.writeGatewayError(c, key, locator, fmt.Errorf("upstream status %d", outcome.status), requestID, started)
	}
}

// fetchShared 以缓存路径为键合并并发回源；结果（含落盘）在所有等待者间共享。
func (h *Handler) fetchShared(ctx context.Context, key registry.ResourceKey, locator cache.Locator, cached *cache.ReadResult) (*fetchOutcome, error) {
	cond := h.conditionalFor(key, locator, cached)

	value, err, _ := h.flight.Do(locator.Path, func() (interface{}, error) {
		return h.fetchAndCommit(ctx, key, locator, cond)
	})
	if err != nil {
		return nil, err
	}
	return value.(*fetchOutcome), nil
}

// fetchAndCommit 执行单次上游 GET、可选的 config.json 重写与原子落盘。
func (h *Handler) fetchAndCommit(ctx context.Context, key registry.ResourceKey, locator cache.Locator, cond upstream.Conditional) (*fetchOutcome, error) {
	h.stats.recordFetch()

	result, err := h.fetcher.Fetch(ctx, h.originFor(key), key.UpstreamPath(), cond)
	if err != nil {
		h.stats.recordUpstreamError()
		return nil, err
	}

	switch {
	case result.NotModified:
		// 内容未变，仅刷新 TTL 时钟。
		if touchErr := h.store.Touch(ctx, locator, time.Now().UTC()); touchErr != nil {
			h.logger.WithError(touchErr).
				WithFields(logrus.Fields{"resource": key.ResourceLabel(), "cache_path": locator.Path}).
				Warn("cache_touch_failed")
		}
		return &fetchOutcome{notModified: true, status: result.Status}, nil

	case result.NotFound():
		// 负结果不缓存：尚未发布的 crate 之后可能出现。
		h.forgetValidators(locator)
		return &fetchOutcome{notFound: true, status: result.Status}, nil

	case !result.Success():
		h.stats.recordUpstreamError()
		return &fetchOutcome{status: result.Status}, nil
	}

	body := result.Body
	if key.Kind == registry.KindConfigJSON {
		rewritten, rewriteErr := RewriteConfigJSON(body, h.cfg.ProxyBaseURL())
		if rewriteErr != nil {
			h.logger.WithError(rewriteErr).
				WithFields(logrus.Fields{"action": "config_rewrite", "cache_path": locator.Path}).
				Warn("config_rewrite_failed")
		} else {
			body = rewritten
		}
	}

	// mtime 取写入时间：TTL 以落盘时刻起算，上游 Last-Modified 仅作校验器。
	if _, err := h.store.Put(ctx, locator, bytes.NewReader(body), cache.PutOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %v", errCacheWrite, err)
	}
	h.rememberValidators(locator, result)

	return &fetchOutcome{
		success:     true,
		status:      result.Status,
		body:        body,
		contentType: contentTypeFor(key, result.ContentType),
	}, nil
}

func (h *Handler) serveCached(c fiber.Ctx, key registry.ResourceKey, result *cache.ReadResult, state, requestID string, started time.Time) error {
	if _, err := result.Reader.Seek(0, io.SeekStart); err != nil {
		return h.writeGatewayError(c, key, result.Entry.Locator, fmt.Errorf("seek cache: %w", err), requestID, started)
	}

	c.Set("Content-Type", contentTypeFor(key, ""))
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set("X-Crate-Hub-Cache", state)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(key, result.Entry.Locator, state, fiber.StatusOK, requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) serveFetched(c fiber.Ctx, key registry.ResourceKey, locator cache.Locator, outcome *fetchOutcome, requestID string, started time.Time) error {
	c.Set("Content-Type", outcome.contentType)
	c.Response().Header.SetContentLength(len(outcome.body))
	c.Set("X-Crate-Hub-Cache", cacheStateMiss)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	_, err := c.Response().BodyWriter().Write(outcome.body)
	h.logResult(key, locator, cacheStateMiss, fiber.StatusOK, requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// conditionalFor 仅对可过期资源、且存在陈旧条目时构造条件请求；
// 进程重启后校验器丢失，退化为以文件 mtime 作 If-Modified-Since。
func (h *Handler) conditionalFor(key registry.ResourceKey, locator cache.Locator, cached *cache.ReadResult) upstream.Conditional {
	if key.Immutable() || cached == nil {
		return upstream.Conditional{}
	}
	if value, ok := h.validators.Load(locator.Path); ok {
		if entry, ok := value.(validatorEntry); ok {
			return upstream.Conditional{ETag: entry.etag, LastModified: entry.lastModified}
		}
	}
	return upstream.Conditional{LastModified: cached.Entry.ModTime}
}

func (h *Handler) rememberValidators(locator cache.Locator, result *upstream.Result) {
	if result.ETag == "" && result.LastModified.IsZero() {
		return
	}
	h.validators.Store(locator.Path, validatorEntry{
		etag:         result.ETag,
		lastModified: result.LastModified,
	})
}

func (h *Handler) forgetValidators(locator cache.Locator) {
	h.validators.Delete(locator.Path)
}

func (h *Handler) ttlFor(key registry.ResourceKey) time.Duration {
	if key.Immutable() {
		return 0
	}
	return h.cfg.IndexTTL.DurationValue()
}

func (h *Handler) originFor(key registry.ResourceKey) *url.URL {
	if key.Kind == registry.KindCrate {
		return h.cfg.DownloadUpstreamURL()
	}
	return h.cfg.IndexUpstreamURL()
}

// contentTypeFor 给出响应 Content-Type：命中路径无持久化的类型信息，
// 按资源类别使用固定值；回源路径优先沿用上游声明。
func contentTypeFor(key registry.ResourceKey, upstreamType string) string {
	if upstreamType != "" {
		return upstreamType
	}
	switch key.Kind {
	case registry.KindCrate:
		return "application/x-tar"
	case registry.KindConfigJSON:
		return "application/json; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (h *Handler) writeClientError(c fiber.Ctx, key registry.ResourceKey, err error) error {
	// 输入错误不计入系统故障日志，保留 debug 级别便于排查客户端。
	h.logger.WithFields(logrus.Fields{
		"action":   "classify",
		"resource": key.ResourceLabel(),
		"path":     string(c.Request().URI().Path()),
	}).Debug(err.Error())

	if key.Kind == registry.KindCrate {
		return writeCratesError(c, fiber.StatusBadRequest, "invalid crate name or version")
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_path"})
}

func (h *Handler) writeNotFound(c fiber.Ctx, key registry.ResourceKey, locator cache.Locator, requestID string, started time.Time) error {
	h.logResult(key, locator, cacheStateMiss, fiber.StatusNotFound, requestID, started, nil)
	if key.Kind == registry.KindCrate {
		return writeCratesError(c, fiber.StatusNotFound, fmt.Sprintf("crate %s not found", key))
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
}

func (h *Handler) writeGatewayError(c fiber.Ctx, key registry.ResourceKey, locator cache.Locator, err error, requestID string, started time.Time) error {
	h.logResult(key, locator, cacheStateMiss, fiber.StatusBadGateway, requestID, started, err)
	if key.Kind == registry.KindCrate {
		return writeCratesError(c, fiber.StatusBadGateway, "upstream fetch failed")
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
}

// writeCratesError 按 crates 下载 API 的惯例输出 JSON 错误正文。
func writeCratesError(c fiber.Ctx, status int, detail string) error {
	c.Set("Content-Type", "application/json; charset=utf-8")
	return c.Status(status).JSON(fiber.Map{
		"errors": []fiber.Map{{"detail": detail}},
	})
}

func (h *Handler) logStaleFallback(key registry.ResourceKey, locator cache.Locator, err error, requestID string) {
	fields := logging.RequestFields(key.ResourceLabel(), locator.Path, cacheStateStale)
	fields["action"] = "stale_fallback"
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithError(err).WithFields(fields).Warn("serving stale entry, upstream degraded")
}

func (h *Handler) logResult(key registry.ResourceKey, locator cache.Locator, state string, status int, requestID string, started time.Time, err error) {
	fields := logging.RequestFields(key.ResourceLabel(), locator.Path, state)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

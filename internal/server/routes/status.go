package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/crate-hub/crate-hub/internal/config"
	"github.com/crate-hub/crate-hub/internal/proxy"
	"github.com/crate-hub/crate-hub/internal/version"
)

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供 SRE 查询运行配置与缓存计数。
func RegisterStatusRoutes(app *fiber.App, handler *proxy.Handler, cfg *config.Config) {
	if app == nil || handler == nil || cfg == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version:          version.Full(),
			IndexUpstream:    cfg.IndexUpstreamURL().String(),
			DownloadUpstream: cfg.DownloadUpstreamURL().String(),
			ProxyURL:         cfg.ProxyBaseURL().String(),
			StoragePath:      cfg.StoragePath,
			IndexTTLSeconds:  int64(cfg.IndexTTL.DurationValue() / time.Second),
			Stats:            handler.Stats(),
		})
	})
}

type statusPayload struct {
	Version          string              `json:"version"`
	IndexUpstream    string              `json:"index_upstream"`
	DownloadUpstream string              `json:"download_upstream"`
	ProxyURL         string              `json:"proxy_url"`
	StoragePath      string              `json:"storage_path"`
	IndexTTLSeconds  int64               `json:"index_ttl_seconds"`
	Stats            proxy.StatsSnapshot `json:"stats"`
}

package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务，
// 并缓存解析后的上游/代理 URL 供请求路径复用。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if c.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if c.IndexTTL.DurationValue() <= 0 {
		return newFieldError("IndexTTL", "必须大于 0")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if c.MaxFetchSize <= 0 {
		return newFieldError("MaxFetchSize", "必须大于 0")
	}

	var err error
	if c.indexUpstreamURL, err = parseOrigin(c.IndexUpstream); err != nil {
		return fmt.Errorf("IndexUpstream: %w", err)
	}
	if c.downloadUpstreamURL, err = parseOrigin(c.DownloadUpstream); err != nil {
		return fmt.Errorf("DownloadUpstream: %w", err)
	}
	if c.proxyURL, err = parseOrigin(c.ProxyURL); err != nil {
		return fmt.Errorf("ProxyURL: %w", err)
	}

	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return parsed, nil
}

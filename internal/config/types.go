package config

import (
	"fmt"
	"net/url"
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Config 是 TOML 文件映射的整体结构，进程启动后视为只读。
type Config struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath     string   `mapstructure:"StoragePath"`
	IndexTTL        Duration `mapstructure:"IndexTTL"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxFetchSize    int64    `mapstructure:"MaxFetchSize"`

	IndexUpstream    string `mapstructure:"IndexUpstream"`
	DownloadUpstream string `mapstructure:"DownloadUpstream"`
	ProxyURL         string `mapstructure:"ProxyURL"`

	// Validate 成功后填充，避免每个请求重复解析。
	indexUpstreamURL    *url.URL
	downloadUpstreamURL *url.URL
	proxyURL            *url.URL
}

// IndexUpstreamURL 返回解析后的稀疏索引上游地址。
func (c *Config) IndexUpstreamURL() *url.URL {
	return c.indexUpstreamURL
}

// DownloadUpstreamURL 返回解析后的 crate 下载上游地址。
func (c *Config) DownloadUpstreamURL() *url.URL {
	return c.downloadUpstreamURL
}

// ProxyBaseURL 返回代理对外可见的基础地址，用于 config.json 的 dl 重写。
func (c *Config) ProxyBaseURL() *url.URL {
	return c.proxyURL
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrTooLarge 表示上游正文超过配置的大小上限，禁止部分缓存。
var ErrTooLarge = errors.New("upstream body exceeds size limit")

// Conditional 携带再验证请求的校验器，空值表示无条件请求。
type Conditional struct {
	ETag         string
	LastModified time.Time
}

// Result 描述一次上游 GET 的分类结果。传输层失败（连接/DNS/TLS/超时）
// 以 error 形式返回，不会产生 Result。
type Result struct {
	Status       int
	Body         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	NotModified  bool
}

// Success 报告上游是否返回 2xx。
func (r *Result) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// NotFound 报告资源在上游是否不存在。410 表示已被移除，等同处理。
func (r *Result) NotFound() bool {
	return r.Status == http.StatusNotFound || r.Status == http.StatusGone
}

// Fetcher 对上游源执行单次 GET，不做重试；重试策略归上层编排器决定。
type Fetcher struct {
	client      *http.Client
	maxBodySize int64
}

// NewFetcher 构造 Fetcher。client 的超时即请求超时上限，maxBodySize 为正文上限。
func NewFetcher(client *http.Client, maxBodySize int64) *Fetcher {
	return &Fetcher{
		client:      client,
		maxBodySize: maxBodySize,
	}
}

// Fetch 向 origin 下的 relPath 发起 GET 并完整读取正文。
// cond 提供校验器时附带 If-None-Match / If-Modified-Since，
// 上游返回 304 时 Result.NotModified 为 true 且正文为空。
func (f *Fetcher) Fetch(ctx context.Context, origin *url.URL, relPath string, cond Conditional) (*Result, error) {
	target := origin.JoinPath(strings.Split(relPath, "/")...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if !cond.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", cond.LastModified.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			Status:      resp.StatusCode,
			NotModified: true,
		}, nil
	}

	if length := resp.Header.Get("Content-Length"); length != "" {
		declared, parseErr := strconv.ParseInt(length, 10, 64)
		if parseErr == nil && f.maxBodySize > 0 && declared > f.maxBodySize {
			return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, declared)
		}
	}

	body, err := f.readBounded(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:       resp.StatusCode,
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         normalizeETag(resp.Header.Get("Etag")),
		LastModified: parseLastModified(resp.Header.Get("Last-Modified")),
	}, nil
}

// readBounded 完整读取正文，超过上限即失败，保证不会缓存截断内容。
func (f *Fetcher) readBounded(body io.Reader) ([]byte, error) {
	if f.maxBodySize <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, f.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, f.maxBodySize)
	}
	return data, nil
}

func parseLastModified(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func normalizeETag(value string) string {
	return strings.TrimSpace(value)
}

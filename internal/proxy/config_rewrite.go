package proxy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// RewriteConfigJSON 将注册表配置文档的 dl 字段替换为代理自身的下载端点，
// 其余字段的值保持不变。这是让客户端后续 crate 下载继续经过本代理的机制。
// Cargo 无法处理 config.json 中的尾部斜杠，重写值必须去掉。
func RewriteConfigJSON(body []byte, proxyBase *url.URL) ([]byte, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if root == nil {
		root = map[string]json.RawMessage{}
	}

	dl := strings.TrimSuffix(proxyBase.JoinPath("api", "v1", "crates").String(), "/")
	encoded, err := json.Marshal(dl)
	if err != nil {
		return nil, fmt.Errorf("encode dl url: %w", err)
	}
	root["dl"] = encoded

	rewritten, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode config.json: %w", err)
	}
	return rewritten, nil
}

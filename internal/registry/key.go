package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 区分稀疏注册表协议定义的三类资源，集合由协议固定。
type Kind int

const (
	// KindIndexEntry 表示单个 crate 的稀疏索引文件。
	KindIndexEntry Kind = iota
	// KindConfigJSON 表示索引根部的注册表配置文档。
	KindConfigJSON
	// KindCrate 表示某个 name+version 的不可变 crate 包。
	KindCrate
)

// 配置文档在索引根部的固定文件名。
const configJSONName = "config.json"

// maxComponentLen 限制 name/version 长度，避免构造病态文件名。
const maxComponentLen = 64

// ErrMalformedPath 表示请求路径无法解析为任何已知资源。
var ErrMalformedPath = errors.New("malformed registry path")

// ResourceKey 唯一标识一个注册表资源。Name/Version 在构造时已通过校验，
// 不包含路径分隔符或 `..` 片段，可安全用于拼接缓存路径。
type ResourceKey struct {
	Kind    Kind
	Name    string
	Version string
}

// ConfigJSON 返回注册表配置文档的键。
func ConfigJSON() ResourceKey {
	return ResourceKey{Kind: KindConfigJSON}
}

// NewIndexEntry 校验 crate 名称并构造索引条目键。
func NewIndexEntry(name string) (ResourceKey, error) {
	if err := validateComponent("crate name", name); err != nil {
		return ResourceKey{}, err
	}
	return ResourceKey{Kind: KindIndexEntry, Name: name}, nil
}

// NewCrate 校验名称与版本并构造 crate 包键。
func NewCrate(name, version string) (ResourceKey, error) {
	if err := validateComponent("crate name", name); err != nil {
		return ResourceKey{}, err
	}
	if err := validateComponent("crate version", version); err != nil {
		return ResourceKey{}, err
	}
	return ResourceKey{Kind: KindCrate, Name: name, Version: version}, nil
}

// ParseIndexPath 将 /index/ 前缀之后的相对路径解析为资源键。
// 根部的 config.json 是特例；其余路径按分片规则反推 crate 名称，
// 并要求客户端提供的路径与规范分片路径逐字节一致，防止缓存投毒。
func ParseIndexPath(rest string) (ResourceKey, error) {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return ResourceKey{}, ErrMalformedPath
	}
	if rest == configJSONName {
		return ConfigJSON(), nil
	}

	segments := strings.Split(rest, "/")
	name := segments[len(segments)-1]

	key, err := NewIndexEntry(name)
	if err != nil {
		return ResourceKey{}, err
	}
	if rest != key.ShardPath() {
		return ResourceKey{}, fmt.Errorf("%w: %q is not the canonical path for crate %q", ErrMalformedPath, rest, name)
	}
	return key, nil
}

// ShardPath 返回上游稀疏索引协议规定的分片路径，逐字节保持原始大小写。
// 规则：长度 1 → 1/{name}；长度 2 → 2/{name}；长度 3 → 3/{首字符}/{name}；
// 长度 ≥ 4 → {前两字符}/{第 3-4 字符}/{name}。
func (k ResourceKey) ShardPath() string {
	name := k.Name
	switch len(name) {
	case 0:
		return ""
	case 1, 2:
		return fmt.Sprintf("%d/%s", len(name), name)
	case 3:
		return fmt.Sprintf("3/%s/%s", name[:1], name)
	default:
		return fmt.Sprintf("%s/%s/%s", name[0:2], name[2:4], name)
	}
}

// CachePath 返回该资源在缓存根目录下的规范相对路径。
// 索引条目与 config.json 沿用索引布局；crate 包按 crates/{name}/{name}-{version}.crate
// 存放，版本不可变所以无需进一步分片。
func (k ResourceKey) CachePath() string {
	switch k.Kind {
	case KindConfigJSON:
		return configJSONName
	case KindCrate:
		return fmt.Sprintf("crates/%s/%s-%s.crate", k.Name, k.Name, k.Version)
	default:
		return k.ShardPath()
	}
}

// UpstreamPath 返回该资源在对应上游源下的请求路径。索引类资源挂在索引源下，
// crate 包使用下载源的 crates API 路径。
func (k ResourceKey) UpstreamPath() string {
	switch k.Kind {
	case KindConfigJSON:
		return configJSONName
	case KindCrate:
		return fmt.Sprintf("api/v1/crates/%s/%s/download", k.Name, k.Version)
	default:
		return k.ShardPath()
	}
}

// Immutable 报告该资源内容是否永不变化。crate 包按协议约定一经发布不可更改，
// 因此缓存命中无需任何 TTL 检查。
func (k ResourceKey) Immutable() bool {
	return k.Kind == KindCrate
}

// ResourceLabel 返回用于日志与统计的资源类别名。
func (k ResourceKey) ResourceLabel() string {
	switch k.Kind {
	case KindConfigJSON:
		return "config"
	case KindCrate:
		return "crate"
	default:
		return "index"
	}
}

func (k ResourceKey) String() string {
	switch k.Kind {
	case KindConfigJSON:
		return configJSONName
	case KindCrate:
		return fmt.Sprintf("%s v%s", k.Name, k.Version)
	default:
		return k.Name
	}
}

// validateComponent 是硬性安全校验：空串、超长、字符集外字符、
// 前导点以及 ".." 片段一律拒绝，杜绝目录穿越。
func validateComponent(what, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedPath, what)
	}
	if len(value) > maxComponentLen {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrMalformedPath, what, maxComponentLen)
	}
	if value == ".." || strings.HasPrefix(value, ".") {
		return fmt.Errorf("%w: %s %q must not start with a dot", ErrMalformedPath, what, value)
	}
	for i := 0; i < len(value); i++ {
		if !isAllowedByte(value[i]) {
			return fmt.Errorf("%w: %s contains disallowed character %q", ErrMalformedPath, what, value[i])
		}
	}
	return nil
}

func isAllowedByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '.' || b == '-':
		return true
	default:
		return false
	}
}

package registry

import (
	"errors"
	"testing"
)

func TestShardPathBoundaries(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"a", "1/a"},
		{"ab", "2/ab"},
		{"abc", "3/a/abc"},
		{"abcd", "ab/cd/abcd"},
		{"serde_json", "se/rd/serde_json"},
		{"Mixed-Case", "Mi/xe/Mixed-Case"},
	}
	for _, tc := range cases {
		key, err := NewIndexEntry(tc.name)
		if err != nil {
			t.Fatalf("NewIndexEntry(%q) error: %v", tc.name, err)
		}
		if got := key.ShardPath(); got != tc.want {
			t.Fatalf("ShardPath(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestParseIndexPathAcceptsCanonicalForms(t *testing.T) {
	cases := []struct {
		path string
		name string
	}{
		{"1/a", "a"},
		{"2/ab", "ab"},
		{"3/a/abc", "abc"},
		{"ab/cd/abcd", "abcd"},
		{"/se/rd/serde_json/", "serde_json"},
	}
	for _, tc := range cases {
		key, err := ParseIndexPath(tc.path)
		if err != nil {
			t.Fatalf("ParseIndexPath(%q) error: %v", tc.path, err)
		}
		if key.Kind != KindIndexEntry || key.Name != tc.name {
			t.Fatalf("ParseIndexPath(%q) = %+v, want index entry %q", tc.path, key, tc.name)
		}
	}
}

func TestParseIndexPathConfigJSON(t *testing.T) {
	key, err := ParseIndexPath("config.json")
	if err != nil {
		t.Fatalf("config.json 应被识别: %v", err)
	}
	if key.Kind != KindConfigJSON {
		t.Fatalf("expected config document, got %+v", key)
	}
	if key.CachePath() != "config.json" {
		t.Fatalf("config document 缓存路径错误: %s", key.CachePath())
	}
}

func TestParseIndexPathRejectsNonCanonicalShards(t *testing.T) {
	rejected := []string{
		"",
		"abc",
		"a/bc",
		"1/ab",
		"2/a",
		"3/b/abc",
		"xx/yy/abcd",
		"ab/cd/abcd/extra",
		"3/a/abc/config.json",
	}
	for _, path := range rejected {
		if _, err := ParseIndexPath(path); err == nil {
			t.Fatalf("非规范路径 %q 应被拒绝", path)
		}
	}
}

func TestParseIndexPathRejectsTraversal(t *testing.T) {
	rejected := []string{
		"..",
		"../config.json",
		"1/..",
		"3/./abc",
		"ab/cd/ab..cd/..",
		"2/a b",
	}
	for _, path := range rejected {
		if _, err := ParseIndexPath(path); err == nil {
			t.Fatalf("穿越路径 %q 应被拒绝", path)
		}
	}
}

func TestValidateComponentRules(t *testing.T) {
	if _, err := NewIndexEntry(".hidden"); err == nil {
		t.Fatalf("前导点名称应被拒绝")
	}
	if _, err := NewIndexEntry("has/slash"); err == nil {
		t.Fatalf("包含路径分隔符应被拒绝")
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewIndexEntry(string(long)); err == nil {
		t.Fatalf("超长名称应被拒绝")
	}
	if _, err := NewCrate("abc", "1.0.0+build"); err == nil {
		t.Fatalf("版本号字符集外字符应被拒绝")
	}
	if _, err := NewCrate("abc", "..1"); err == nil {
		t.Fatalf("前导点版本应被拒绝")
	}
	if _, err := NewCrate("serde", "1.0.188"); err != nil {
		t.Fatalf("合法 name+version 不应报错: %v", err)
	}
}

func TestErrMalformedPathWrapping(t *testing.T) {
	_, err := ParseIndexPath("1/ab")
	if !errors.Is(err, ErrMalformedPath) {
		t.Fatalf("解析错误应可用 errors.Is 匹配 ErrMalformedPath: %v", err)
	}
}

func TestCratePaths(t *testing.T) {
	key, err := NewCrate("serde", "1.0.188")
	if err != nil {
		t.Fatalf("NewCrate error: %v", err)
	}
	if got := key.CachePath(); got != "crates/serde/serde-1.0.188.crate" {
		t.Fatalf("CachePath = %q", got)
	}
	if got := key.UpstreamPath(); got != "api/v1/crates/serde/1.0.188/download" {
		t.Fatalf("UpstreamPath = %q", got)
	}
	if !key.Immutable() {
		t.Fatalf("crate 包应被视为不可变资源")
	}

	index, _ := NewIndexEntry("serde")
	if index.Immutable() {
		t.Fatalf("索引条目不应被视为不可变资源")
	}
	if index.CachePath() != index.ShardPath() {
		t.Fatalf("索引缓存路径应与分片路径一致")
	}
}

func TestCachePathInjective(t *testing.T) {
	seen := map[string]string{}
	names := []string{"a", "ab", "abc", "abcd", "ab-cd", "ab_cd"}
	for _, name := range names {
		key, err := NewIndexEntry(name)
		if err != nil {
			t.Fatalf("NewIndexEntry(%q) error: %v", name, err)
		}
		path := key.CachePath()
		if prev, dup := seen[path]; dup {
			t.Fatalf("缓存路径冲突: %q 与 %q 均映射到 %q", prev, name, path)
		}
		seen[path] = name
	}
}

func TestVersionIsCaseAndDotFriendly(t *testing.T) {
	// 1.0.0-alpha.1 这类语义化版本必须通过校验。
	if _, err := NewCrate("tokio", "1.0.0-alpha.1"); err != nil {
		t.Fatalf("语义化预发布版本应通过: %v", err)
	}
}

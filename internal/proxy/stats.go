package proxy

import (
	"sync/atomic"

	"github.com/crate-hub/crate-hub/internal/registry"
)

// stats 维护进程内请求计数器，供诊断端点输出；不落盘，重启清零。
type stats struct {
	indexRequests  atomic.Uint64
	configRequests atomic.Uint64
	crateRequests  atomic.Uint64
	cacheHits      atomic.Uint64
	staleServed    atomic.Uint64
	upstreamCalls  atomic.Uint64
	upstreamErrors atomic.Uint64
}

// StatsSnapshot 是计数器的一致性快照，字段名与诊断 JSON 对齐。
type StatsSnapshot struct {
	IndexRequests  uint64 `json:"index_requests"`
	ConfigRequests uint64 `json:"config_requests"`
	CrateRequests  uint64 `json:"crate_requests"`
	CacheHits      uint64 `json:"cache_hits"`
	StaleServed    uint64 `json:"stale_served"`
	UpstreamCalls  uint64 `json:"upstream_calls"`
	UpstreamErrors uint64 `json:"upstream_errors"`
}

func (s *stats) recordRequest(key registry.ResourceKey) {
	switch key.Kind {
	case registry.KindConfigJSON:
		s.configRequests.Add(1)
	case registry.KindCrate:
		s.crateRequests.Add(1)
	default:
		s.indexRequests.Add(1)
	}
}

func (s *stats) recordHit()           { s.cacheHits.Add(1) }
func (s *stats) recordStaleServed()   { s.staleServed.Add(1) }
func (s *stats) recordFetch()         { s.upstreamCalls.Add(1) }
func (s *stats) recordUpstreamError() { s.upstreamErrors.Add(1) }

// Stats 返回当前计数器快照。
func (h *Handler) Stats() StatsSnapshot {
	return StatsSnapshot{
		IndexRequests:  h.stats.indexRequests.Load(),
		ConfigRequests: h.stats.configRequests.Load(),
		CrateRequests:  h.stats.crateRequests.Load(),
		CacheHits:      h.stats.cacheHits.Load(),
		StaleServed:    h.stats.staleServed.Load(),
		UpstreamCalls:  h.stats.upstreamCalls.Load(),
		UpstreamErrors: h.stats.upstreamErrors.Load(),
	}
}

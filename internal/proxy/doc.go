// Package proxy orchestrates the per-request state machine: classify the
// path into a registry resource, decide hit/stale/miss against the disk
// cache, fetch from the configured upstream on demand and commit the result
// atomically. Concurrent fetches for the same resource are collapsed through
// singleflight; correctness never depends on it because cache writes are
// atomic on their own.
package proxy

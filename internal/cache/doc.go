// Package cache defines the disk-backed store that maps registry cache paths
// to files under the storage root. Entries carry no sidecar metadata: the
// body file is the entry, and freshness is derived from its modification
// time. Writes go through a temp file plus rename so concurrent readers
// never observe a partially written entry, and a crash mid-write leaves the
// previous entry (or nothing) in place.
package cache

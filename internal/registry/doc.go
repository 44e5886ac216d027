// Package registry models the resources a sparse crate registry exposes:
// per-crate index entries, the root config.json document and immutable crate
// archives. It owns the security-sensitive path handling: crate names and
// versions are validated against a strict character set, and incoming index
// paths are only accepted when they match the canonical sharded layout
// re-derived from the embedded crate name. Higher layers use ResourceKey to
// compute cache paths and upstream request paths from one source of truth.
package registry

// Package cache owns the on-disk side of the download manager: the storage
// Layout (one quota-bounded directory per cache path plus a scratch area for
// in-progress downloads) and the Index, a persisted URL → entry map that
// enforces per-path byte quotas through LRU eviction ordered by a strictly
// increasing cache value.
//
// The Index has a single writer. The dispatcher loop is the only caller of its
// mutating methods, so it carries no locks; fetch handlers report results and
// never touch it directly. The index document itself is guarded by an
// advisory file lock so that only one process manages a storage root.
package cache

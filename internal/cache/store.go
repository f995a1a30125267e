package cache

import (
	"errors"

	"github.com/weblite/weblite/internal/protocol"
)

// Entry 是缓存索引中的一条记录，与 wire Response 共用同一组字段。
type Entry = protocol.Record

// Quota 是某个存储目录的配额快照：Total 来自配置，Used 为存活条目 TotalBytes 之和。
type Quota struct {
	Path  string `json:"cache_path"`
	Total int64  `json:"total_bytes"`
	Used  int64  `json:"used_bytes"`
}

// Free 返回剩余字节数，配额超卖时为负数。
func (q Quota) Free() int64 {
	return q.Total - q.Used
}

var (
	// ErrNotFound 表示索引中不存在该 URL。
	ErrNotFound = errors.New("cache entry not found")
	// ErrLocked 表示存储根目录已被另一个进程持有。
	ErrLocked = errors.New("cache index locked by another process")
	// ErrInvalidEntry 表示条目缺少 URL 或字节数不为正，无法入库。
	ErrInvalidEntry = errors.New("invalid cache entry")
)

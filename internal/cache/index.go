package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/metrics"
)

// Options 控制 Index 的依赖注入。
type Options struct {
	// IndexFile 是索引文档的绝对路径。
	IndexFile string
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	// InUse 报告某个 URL 是否仍有活跃 Handler，活跃条目不会被淘汰。
	InUse func(url string) bool
}

// Index 是持久化的 URL → Entry 映射，按存储目录执行配额与 LRU 淘汰。
type Index struct {
	layout  *Layout
	file    string
	lock    *flock.Flock
	entries map[string]*Entry
	used    map[string]int64
	seq     int64
	inUse   func(url string) bool
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// Open 获取索引文件锁并加载索引，加载时会丢弃文件缺失或大小不符的条目。
func Open(layout *Layout, opts Options) (*Index, error) {
	if layout == nil {
		return nil, errors.New("layout required")
	}
	if opts.IndexFile == "" {
		return nil, errors.New("index file required")
	}

	lock := flock.New(opts.IndexFile + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache index: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	ix := &Index{
		layout:  layout,
		file:    opts.IndexFile,
		lock:    lock,
		entries: make(map[string]*Entry),
		used:    make(map[string]int64),
		inUse:   opts.InUse,
		logger:  logging.Component(opts.Logger, "cache"),
		metrics: opts.Metrics,
	}
	if err := ix.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	ix.publishQuotas()
	return ix, nil
}

// Close 持久化索引并释放文件锁。
func (ix *Index) Close() error {
	err := ix.Persist()
	if unlockErr := ix.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// SetInUse 替换活跃判断函数，Dispatcher 在构造完成后注入。
func (ix *Index) SetInUse(fn func(url string) bool) {
	ix.inUse = fn
}

// Layout 返回索引使用的存储布局。
func (ix *Index) Layout() *Layout {
	return ix.layout
}

// Query 纯查询，不修改 cacheValue。
func (ix *Index) Query(url string) (Entry, bool) {
	entry, ok := ix.entries[url]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Verify 在使用缓存副本前复查正文文件，文件缺失或大小不符时删除条目。
func (ix *Index) Verify(url string) (Entry, bool) {
	entry, ok := ix.entries[url]
	if !ok {
		return Entry{}, false
	}
	if err := checkBackingFile(*entry); err != nil {
		ix.logger.WithFields(logging.CacheFields("cache_verify", url, entry.CachePath, entry.TotalBytes)).
			WithError(err).Warn("cache_entry_dropped")
		ix.drop(entry)
		ix.persistLogged()
		return Entry{}, false
	}
	return *entry, true
}

// Add 将一次成功传输写入索引：计算存储目录、释放空间、分配新的 cacheValue 并持久化。
// 已存在的同 URL 条目会被覆盖，返回的 Entry 携带新分配的 cacheValue。
func (ix *Index) Add(entry Entry) (Entry, error) {
	if entry.URL == "" || entry.TotalBytes <= 0 {
		return Entry{}, ErrInvalidEntry
	}
	entry.CachePath = ix.layout.PathFor(entry.ContentType)

	if old, exists := ix.entries[entry.URL]; exists {
		ix.used[old.CachePath] -= old.TotalBytes
		delete(ix.entries, old.URL)
		if old.Filename != entry.Filename {
			ix.removeFile(old.Filename)
		}
	}

	ix.FreeSpace(entry.CachePath, entry.TotalBytes, entry.URL)

	ix.seq++
	entry.CacheValue = ix.seq
	stored := entry
	ix.entries[entry.URL] = &stored
	ix.used[entry.CachePath] += entry.TotalBytes
	ix.publishQuota(entry.CachePath)

	ix.logger.WithFields(logging.CacheFields("cache_add", entry.URL, entry.CachePath, entry.TotalBytes)).
		WithField("cache_value", entry.CacheValue).
		Debug("cache_entry_stored")

	ix.persistLogged()
	return stored, nil
}

// FreeSpace 在 path 剩余空间不足 needed 时按 cacheValue 从旧到新淘汰条目。
// 仍有活跃 Handler 的条目以及 excludeURL 不参与淘汰；候选耗尽时允许超出配额。
func (ix *Index) FreeSpace(path string, needed int64, excludeURL string) []Entry {
	total := ix.layout.Quota(path)
	if total-ix.used[path] >= needed {
		return nil
	}

	candidates := make([]*Entry, 0, len(ix.entries))
	for url, entry := range ix.entries {
		if entry.CachePath != path || url == excludeURL {
			continue
		}
		if ix.inUse != nil && ix.inUse(url) {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CacheValue < candidates[j].CacheValue
	})

	var evicted []Entry
	for _, entry := range candidates {
		if total-ix.used[path] >= needed {
			break
		}
		evicted = append(evicted, *entry)
		ix.drop(entry)
		ix.metrics.Evicted(entry.TotalBytes)
		ix.logger.WithFields(logging.CacheFields("cache_evict", entry.URL, path, entry.TotalBytes)).
			WithField("cache_value", entry.CacheValue).
			Info("cache_entry_evicted")
	}

	if free := total - ix.used[path]; free < needed {
		ix.logger.WithFields(logrus.Fields{
			"action":     "cache_evict",
			"cache_path": path,
			"needed":     humanize.IBytes(uint64(needed)),
			"free":       free,
		}).Warn("cache_quota_overshoot")
	}
	return evicted
}

// Remove 删除条目及其正文文件。
func (ix *Index) Remove(url string) error {
	entry, ok := ix.entries[url]
	if !ok {
		return ErrNotFound
	}
	ix.drop(entry)
	ix.persistLogged()
	return nil
}

// Entries 返回按 cacheValue 升序排列的条目副本。
func (ix *Index) Entries() []Entry {
	result := make([]Entry, 0, len(ix.entries))
	for _, entry := range ix.entries {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CacheValue < result[j].CacheValue
	})
	return result
}

// Quotas 返回所有存储目录的配额快照。
func (ix *Index) Quotas() []Quota {
	specs := ix.layout.Paths()
	result := make([]Quota, 0, len(specs))
	for _, spec := range specs {
		result = append(result, Quota{Path: spec.Name, Total: spec.Quota, Used: ix.used[spec.Name]})
	}
	return result
}

// LastValue 返回最近分配的 cacheValue。
func (ix *Index) LastValue() int64 {
	return ix.seq
}

// drop 删除正文文件与内存条目，并同步已用空间。
func (ix *Index) drop(entry *Entry) {
	ix.removeFile(entry.Filename)
	delete(ix.entries, entry.URL)
	ix.used[entry.CachePath] -= entry.TotalBytes
	ix.publishQuota(entry.CachePath)
}

func (ix *Index) publishQuotas() {
	for _, spec := range ix.layout.Paths() {
		ix.publishQuota(spec.Name)
	}
}

func (ix *Index) publishQuota(path string) {
	ix.metrics.SetQuota(path, ix.used[path], ix.layout.Quota(path))
}

func checkBackingFile(entry Entry) error {
	info, err := os.Stat(entry.Filename)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", entry.Filename)
	}
	if info.Size() != entry.TotalBytes {
		return fmt.Errorf("size mismatch: file=%d index=%d", info.Size(), entry.TotalBytes)
	}
	return nil
}

// removeFile 只删除存储根目录内的文件。
func (ix *Index) removeFile(name string) {
	if name == "" || !ix.layout.Contains(name) {
		return
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		ix.logger.WithError(err).WithField("file", name).Warn("cache_file_remove_failed")
	}
}

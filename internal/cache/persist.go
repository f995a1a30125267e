package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/logging"
)

// indexDocument 是磁盘索引的扁平文档结构。
type indexDocument struct {
	Sequence int64   `json:"sequence,omitempty"`
	Items    []Entry `json:"items"`
}

// Persist 以临时文件 + rename 的方式原子写入索引文档。
func (ix *Index) Persist() error {
	doc := indexDocument{Sequence: ix.seq, Items: ix.Entries()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}

	dir := filepath.Dir(ix.file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if syncErr := tempFile.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, ix.file); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (ix *Index) persistLogged() {
	if err := ix.Persist(); err != nil {
		ix.logger.WithError(err).WithField("action", "cache_persist").Warn("cache_persist_failed")
	}
}

// load 读取索引文档并逐条校验正文文件，随后清理未被引用的孤儿文件。
func (ix *Index) load() error {
	data, err := os.ReadFile(ix.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			ix.sweepOrphans()
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		ix.logger.WithError(err).WithField("action", "cache_load").Warn("cache_index_corrupt")
		doc = indexDocument{}
	}

	ix.seq = doc.Sequence
	dropped := 0
	for i := range doc.Items {
		item := doc.Items[i]
		if item.CacheValue > ix.seq {
			ix.seq = item.CacheValue
		}
		if reason := ix.rejectReason(item); reason != "" {
			dropped++
			ix.logger.WithFields(logging.CacheFields("cache_load", item.URL, item.CachePath, item.TotalBytes)).
				WithField("reason", reason).
				Info("cache_entry_dropped")
			ix.removeFile(item.Filename)
			continue
		}
		if !ix.layout.Has(item.CachePath) {
			item.CachePath = ix.layout.PathFor(item.ContentType)
		}
		if existing, ok := ix.entries[item.URL]; ok {
			if existing.CacheValue >= item.CacheValue {
				dropped++
				continue
			}
			ix.used[existing.CachePath] -= existing.TotalBytes
		}
		stored := item
		ix.entries[item.URL] = &stored
		ix.used[item.CachePath] += item.TotalBytes
	}

	swept := ix.sweepOrphans()
	ix.logger.WithFields(logrus.Fields{
		"action":  "cache_load",
		"entries": len(ix.entries),
		"dropped": dropped,
		"swept":   swept,
	}).Info("cache_index_loaded")

	if dropped > 0 {
		return ix.Persist()
	}
	return nil
}

func (ix *Index) rejectReason(item Entry) string {
	switch {
	case item.URL == "":
		return "missing_url"
	case item.TotalBytes <= 0:
		return "empty"
	case !ix.layout.Contains(item.Filename):
		return "outside_storage"
	}
	if err := checkBackingFile(item); err != nil {
		return "backing_file: " + err.Error()
	}
	return ""
}

// sweepOrphans 删除存储目录里不属于任何条目的文件及残留的临时下载。
func (ix *Index) sweepOrphans() int {
	referenced := make(map[string]struct{}, len(ix.entries))
	for _, entry := range ix.entries {
		referenced[entry.Filename] = struct{}{}
	}
	orphans := ix.layout.orphans(referenced)
	for _, name := range orphans {
		ix.removeFile(name)
	}
	return len(orphans)
}

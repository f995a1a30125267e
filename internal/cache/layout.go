package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const tempDirName = ".tmp"

// PathSpec 描述一个存储目录：名称、配额与路由到它的 MIME 前缀。
type PathSpec struct {
	Name         string
	Quota        int64
	ContentTypes []string
}

// Layout 把缓存路径映射到 basePath 下的目录，并负责文件命名。
// 构造完成后只读，可被多个 Handler goroutine 并发使用。
type Layout struct {
	basePath    string
	specs       []PathSpec
	byName      map[string]PathSpec
	defaultPath string
}

// NewLayout 以 basePath 为根目录创建所有存储目录及临时目录。
func NewLayout(basePath string, specs []PathSpec) (*Layout, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one cache path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	l := &Layout{
		basePath: abs,
		byName:   make(map[string]PathSpec, len(specs)),
	}
	for _, spec := range specs {
		if spec.Name == "" || strings.ContainsAny(spec.Name, `/\`) || strings.HasPrefix(spec.Name, ".") {
			return nil, fmt.Errorf("invalid cache path name %q", spec.Name)
		}
		if _, exists := l.byName[spec.Name]; exists {
			return nil, fmt.Errorf("duplicate cache path %q", spec.Name)
		}
		if len(spec.ContentTypes) == 0 {
			if l.defaultPath != "" {
				return nil, fmt.Errorf("cache paths %q and %q are both default", l.defaultPath, spec.Name)
			}
			l.defaultPath = spec.Name
		}
		l.byName[spec.Name] = spec
		l.specs = append(l.specs, spec)
	}
	if l.defaultPath == "" {
		return nil, errors.New("a default cache path without content types is required")
	}

	dirs := []string{filepath.Join(abs, tempDirName)}
	for _, spec := range l.specs {
		dirs = append(dirs, filepath.Join(abs, spec.Name))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return l, nil
}

// Base 返回存储根目录的绝对路径。
func (l *Layout) Base() string {
	return l.basePath
}

// Paths 返回按配置顺序排列的存储目录。
func (l *Layout) Paths() []PathSpec {
	return append([]PathSpec(nil), l.specs...)
}

// Has 判断 name 是否为已配置的存储目录。
func (l *Layout) Has(name string) bool {
	_, ok := l.byName[name]
	return ok
}

// Quota 返回存储目录的配额字节数，未知目录返回 0。
func (l *Layout) Quota(name string) int64 {
	return l.byName[name].Quota
}

// DefaultPath 返回兜底存储目录名称。
func (l *Layout) DefaultPath() string {
	return l.defaultPath
}

// PathFor 根据 Content-Type 选择存储目录，最长前缀优先，未命中时回退默认目录。
func (l *Layout) PathFor(contentType string) string {
	mediaType := normalizeMediaType(contentType)
	if mediaType == "" {
		return l.defaultPath
	}
	best, bestLen := l.defaultPath, 0
	for _, spec := range l.specs {
		for _, prefix := range spec.ContentTypes {
			if strings.HasPrefix(mediaType, prefix) && len(prefix) > bestLen {
				best, bestLen = spec.Name, len(prefix)
			}
		}
	}
	return best
}

// FileFor 返回 URL 在指定存储目录中的最终文件路径：<base>/<path>/<sha1(url)><ext>。
func (l *Layout) FileFor(rawURL, cachePath string) string {
	if !l.Has(cachePath) {
		cachePath = l.defaultPath
	}
	sum := sha1.Sum([]byte(rawURL))
	name := hex.EncodeToString(sum[:]) + urlExtension(rawURL)
	return filepath.Join(l.basePath, cachePath, name)
}

// TempFile 在临时目录创建一个下载中的工作文件。
func (l *Layout) TempFile() (*os.File, error) {
	return os.CreateTemp(filepath.Join(l.basePath, tempDirName), "download-*")
}

// Contains 判断 filename 是否位于存储根目录之内。
func (l *Layout) Contains(filename string) bool {
	rel, err := filepath.Rel(l.basePath, filename)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// orphans 列出存储目录中未被 referenced 引用的文件，以及临时目录的全部残留。
func (l *Layout) orphans(referenced map[string]struct{}) []string {
	var result []string
	for _, spec := range l.specs {
		dir := filepath.Join(l.basePath, spec.Name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			full := filepath.Join(dir, entry.Name())
			if _, ok := referenced[full]; !ok {
				result = append(result, full)
			}
		}
	}
	tmp := filepath.Join(l.basePath, tempDirName)
	if entries, err := os.ReadDir(tmp); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				result = append(result, filepath.Join(tmp, entry.Name()))
			}
		}
	}
	sort.Strings(result)
	return result
}

func normalizeMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(mediaType)
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// urlExtension 保留短小的字母数字扩展名，便于外部工具识别文件类型。
func urlExtension(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

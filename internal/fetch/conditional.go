package fetch

import (
	"mime"
	"strings"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/metrics"
	"github.com/weblite/weblite/internal/protocol"
)

// heuristicTypes 列出允许按大小判定未变化的媒体类型前缀。
var heuristicTypes = []string{"image/", "audio/", "video/"}

// shouldUseCache 判断探测结果是否足以复用已缓存文件，并返回命中原因。
func shouldUseCache(cached *cache.Entry, probe probeResult) (string, bool) {
	if cached == nil {
		return "", false
	}
	if probe.notModified {
		return metrics.HitNotModified, true
	}
	if probe.skipped {
		return "", false
	}
	if !cached.LastModified.IsZero() && !probe.lastModified.IsZero() &&
		!probe.lastModified.After(cached.LastModified) {
		return metrics.HitNotModified, true
	}
	if probe.length >= 0 && probe.length == cached.TotalBytes && isHeuristicType(probe.contentType) {
		return metrics.HitHeuristic, true
	}
	return "", false
}

func isHeuristicType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	for _, prefix := range heuristicTypes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// fromCache 把缓存条目转换为 Complete 终态。
func (h *Handler) fromCache() protocol.Response {
	resp := protocol.Response{
		Record:      *h.opts.Cached,
		LoadedBytes: h.opts.Cached.TotalBytes,
		Status:      protocol.StatusComplete,
	}
	resp.URL = h.url
	h.setState(StateComplete)
	return resp
}

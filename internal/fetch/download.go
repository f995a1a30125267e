package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/protocol"
)

// partSuffix 是 Direct 模式覆盖已有缓存时使用的工作文件后缀。
const partSuffix = ".part"

// download 发送 GET 并把响应体流式写入缓存目录，每个数据块上报一次进度。
func (h *Handler) download(ctx context.Context, probe probeResult) (protocol.Response, error) {
	resp, err := h.send(ctx, http.MethodGet, probe.target, probe.absoluteForm)
	if err != nil {
		return protocol.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.Response{}, httpStatusError(resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = probe.contentType
	}
	lastModified := parseLastModified(resp.Header)
	if lastModified.IsZero() {
		lastModified = probe.lastModified
	}
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	layout := h.opts.Layout
	cachePath := layout.PathFor(contentType)
	final := layout.FileFor(h.url, cachePath)

	record := protocol.Record{
		URL:          h.url,
		Filename:     final,
		ContentType:  contentType,
		TotalBytes:   total,
		LastModified: lastModified,
		CachePath:    cachePath,
	}

	h.setState(StateBeginningDownload)
	h.emit(Event{Response: protocol.Response{Record: record, Status: protocol.StatusBeginningDownload}})

	target, file, err := h.openTarget(final)
	if err != nil {
		return protocol.Response{}, &fetchError{code: protocol.ErrorIO, err: err}
	}

	written, copyErr := copyWithProgress(ctx, file, resp.Body, func(loaded int64) {
		h.setState(StateSomeData)
		h.emit(Event{Response: protocol.Response{Record: record, LoadedBytes: loaded, Status: protocol.StatusSomeData}})
	})
	closeErr := file.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = &fetchError{code: protocol.ErrorIO, err: closeErr}
	}
	if copyErr != nil {
		_ = os.Remove(target)
		return protocol.Response{}, copyErr
	}
	if err := commit(ctx, target, final); err != nil {
		return protocol.Response{}, err
	}

	h.opts.Metrics.Downloaded(written)
	h.logger.WithFields(logrus.Fields{
		"action":     "fetch_download",
		"cache_path": cachePath,
		"bytes":      written,
		"size":       humanize.IBytes(uint64(written)),
		"elapsed_ms": time.Since(h.started).Milliseconds(),
	}).Info("fetch_complete")

	record.TotalBytes = written
	h.setState(StateComplete)
	return protocol.Response{Record: record, LoadedBytes: written, Status: protocol.StatusComplete}, nil
}

// openTarget 选择下载写入的文件。普通模式写临时目录，Direct 模式写最终路径；
// 已有缓存副本时 Direct 模式先写同目录的 .part 文件，完成后再覆盖。
func (h *Handler) openTarget(final string) (string, *os.File, error) {
	var (
		file *os.File
		err  error
	)
	switch {
	case !h.opts.Direct:
		file, err = h.opts.Layout.TempFile()
	case h.opts.Cached != nil:
		file, err = os.Create(final + partSuffix)
	default:
		file, err = os.Create(final)
	}
	if err != nil {
		return "", nil, err
	}
	return file.Name(), file, nil
}

// commit 把完整写入的 target 移到 final；会话已取消时丢弃 target，final 保持不变。
func commit(ctx context.Context, target, final string) error {
	if err := ctx.Err(); err != nil {
		_ = os.Remove(target)
		return err
	}
	if target == final {
		return nil
	}
	if err := os.Rename(target, final); err != nil {
		_ = os.Remove(target)
		return &fetchError{code: protocol.ErrorIO, err: err}
	}
	return nil
}

// copyWithProgress 在复制过程中检查 ctx 取消，并在每次成功写入后回调累计字节数。
// 写入失败归类为 IO 错误，读取失败保留原始错误供分类。
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progress func(int64)) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, &fetchError{code: protocol.ErrorIO, err: wErr}
			}
			if w < n {
				return copied, &fetchError{code: protocol.ErrorIO, err: io.ErrShortWrite}
			}
			if progress != nil {
				progress(copied)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

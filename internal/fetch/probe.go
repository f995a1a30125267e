package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/protocol"
)

// probeResult 是 HEAD 探测的结论。
type probeResult struct {
	target       *url.URL
	absoluteForm bool
	notModified  bool
	// skipped 表示上游不支持 HEAD，只能直接下载。
	skipped      bool
	contentType  string
	length       int64
	lastModified time.Time
}

// converse 执行完整会话：探测 → 条件判断 → 下载。
func (h *Handler) converse(ctx context.Context) (protocol.Response, error) {
	h.setState(StateConnectingToHost)
	h.emit(Event{Response: h.response(protocol.StatusConnectingToHost)})

	probe, err := h.probe(ctx)
	if err != nil {
		return protocol.Response{}, err
	}

	if reason, ok := shouldUseCache(h.opts.Cached, probe); ok {
		h.setState(StateNotModified)
		h.cacheHit = reason
		h.opts.Metrics.CacheHit(reason)
		h.logger.WithFields(logrus.Fields{"action": "fetch_probe", "reason": reason}).Debug("fetch_use_cache")
		return h.fromCache(), nil
	}

	h.setState(StateProbeOK)
	return h.download(ctx, probe)
}

// probe 发送 HEAD 并处理跳转；首次请求使用 origin-form，遇到 400/404 时改用
// absolute-form 重试一次。每个新的跳转目标重新获得一次重试机会。
func (h *Handler) probe(ctx context.Context) (probeResult, error) {
	target, err := url.Parse(h.url)
	if err != nil {
		return probeResult{}, &fetchError{code: protocol.ErrorBadRequest, err: err}
	}

	firstTry := true
	hops := 0
	for {
		h.setState(StateProbeSent)
		resp, err := h.send(ctx, http.MethodHead, target, !firstTry)
		if err != nil {
			return probeResult{}, err
		}
		resp.Body.Close()

		status := resp.StatusCode
		switch {
		case isRedirect(status):
			location := resp.Header.Get("Location")
			if location == "" {
				return probeResult{}, httpStatusError(status)
			}
			next, err := target.Parse(location)
			if err != nil {
				return probeResult{}, &fetchError{code: protocol.ErrorBadRequest, status: status, err: err}
			}
			hops++
			if h.opts.MaxRedirects > 0 && hops > h.opts.MaxRedirects {
				return probeResult{}, &fetchError{code: protocol.ErrorTooManyRedirects, status: status}
			}
			h.setState(StateRedirect)
			h.logger.WithFields(logrus.Fields{
				"action":   "fetch_redirect",
				"status":   status,
				"location": next.String(),
			}).Debug("fetch_redirect")
			target = next
			firstTry = true
		case status == http.StatusNotModified:
			return probeResult{target: target, absoluteForm: !firstTry, notModified: true, length: -1}, nil
		case (status == http.StatusBadRequest || status == http.StatusNotFound) && firstTry:
			firstTry = false
		case status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented:
			return probeResult{target: target, absoluteForm: !firstTry, skipped: true, length: -1}, nil
		case status >= 200 && status < 300:
			return probeResult{
				target:       target,
				absoluteForm: !firstTry,
				contentType:  resp.Header.Get("Content-Type"),
				length:       resp.ContentLength,
				lastModified: parseLastModified(resp.Header),
			}, nil
		default:
			return probeResult{}, httpStatusError(status)
		}
	}
}

// send 构造并发送一次请求；absolute 为 true 时 request-target 使用绝对 URI。
func (h *Handler) send(ctx context.Context, method string, target *url.URL, absolute bool) (*http.Response, error) {
	reqURL := *target
	if absolute {
		reqURL.Opaque = "//" + target.Host + target.EscapedPath()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), http.NoBody)
	if err != nil {
		return nil, &fetchError{code: protocol.ErrorBadRequest, err: err}
	}
	if absolute {
		req.URL = &reqURL
	}
	req.Host = target.Host
	req.Header.Set("Accept-Encoding", "identity")
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	if cached := h.opts.Cached; cached != nil && !cached.LastModified.IsZero() && method == http.MethodHead {
		req.Header.Set("If-Modified-Since", cached.LastModified.UTC().Format(http.TimeFormat))
	}
	return h.opts.Client.Do(req)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func parseLastModified(header http.Header) time.Time {
	if last := strings.TrimSpace(header.Get("Last-Modified")); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func httpStatusError(status int) error {
	code := protocol.ErrorHTTPStatus
	switch status {
	case http.StatusNotFound, http.StatusGone:
		code = protocol.ErrorNotFound
	case http.StatusBadRequest:
		code = protocol.ErrorBadRequest
	}
	return &fetchError{code: code, status: status, err: errors.New(http.StatusText(status))}
}

// fetchError 携带已经确定的协议错误码。
type fetchError struct {
	code   protocol.ErrorCode
	status int
	err    error
}

func (e *fetchError) Error() string {
	msg := e.code.String()
	if e.status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.status)
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *fetchError) Unwrap() error {
	return e.err
}

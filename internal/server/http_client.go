package server

import (
	"net"
	"net/http"
	"time"

	"github.com/weblite/weblite/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DisableCompression:    true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回所有 Handler 共享的 http.Client。
// 跳转由 Handler 自己跟随（需要逐跳重新探测），因此客户端不自动跟随。
// UpstreamTimeout 只约束建连与响应头，正文下载时长不设上限。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil {
		if timeout := cfg.Global.UpstreamTimeout.DurationValue(); timeout > 0 {
			transport.ResponseHeaderTimeout = timeout
			transport.DialContext = (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext
		}
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

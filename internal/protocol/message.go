package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status 描述一次加载在某一时刻的进度状态。
type Status int

const (
	StatusRequestAcknowledged Status = iota
	StatusConnectingToHost
	StatusBeginningDownload
	StatusSomeData
	StatusComplete
	StatusError
	StatusAborted
	StatusOfflineData
)

var statusNames = map[Status]string{
	StatusRequestAcknowledged: "request_acknowledged",
	StatusConnectingToHost:    "connecting_to_host",
	StatusBeginningDownload:   "beginning_download",
	StatusSomeData:            "some_data",
	StatusComplete:            "complete",
	StatusError:               "error",
	StatusAborted:             "aborted",
	StatusOfflineData:         "offline_data",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid 判断状态值是否属于协议定义的 8 种取值。
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal 表示该状态之后同一 clientId 不会再收到任何响应。
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusAborted, StatusOfflineData:
		return true
	}
	return false
}

// ErrorCode 是 Response.Error 字段的取值。
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorConnection
	ErrorHostNotFound
	ErrorTimeout
	ErrorAborted
	ErrorNotFound
	ErrorBadRequest
	ErrorHTTPStatus
	ErrorIO
	ErrorOffline
	ErrorUnsupportedScheme
	ErrorTooManyRedirects
	ErrorNetwork
)

var errorNames = map[ErrorCode]string{
	ErrorNone:              "none",
	ErrorConnection:        "connection",
	ErrorHostNotFound:      "host_not_found",
	ErrorTimeout:           "timeout",
	ErrorAborted:           "aborted",
	ErrorNotFound:          "not_found",
	ErrorBadRequest:        "bad_request",
	ErrorHTTPStatus:        "http_status",
	ErrorIO:                "io",
	ErrorOffline:           "offline",
	ErrorUnsupportedScheme: "unsupported_scheme",
	ErrorTooManyRedirects:  "too_many_redirects",
	ErrorNetwork:           "network",
}

func (c ErrorCode) String() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error(%d)", int(c))
}

// Record 是 wire Response 与磁盘索引共用的固定字段集合。
type Record struct {
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content-type"`
	TotalBytes   int64     `json:"total-size"`
	LastModified time.Time `json:"last-modified"`
	CachePath    string    `json:"cache-path"`
	CacheValue   int64     `json:"cache-value"`
}

// Request 请求加载一个 URL。
type Request struct {
	ClientID           uuid.UUID `json:"clientId"`
	URL                string    `json:"url"`
	BackgroundDownload bool      `json:"backgroundDownload"`
	Direct             bool      `json:"direct"`
}

// Response 是 Dispatcher 发往某个 clientId 的进度或结果。
type Response struct {
	ClientID uuid.UUID `json:"clientId"`
	Record
	LoadedBytes int64     `json:"loadedBytes"`
	Status      Status    `json:"status"`
	Error       ErrorCode `json:"error"`
}

// Abort 取消某个 clientId 的加载。
type Abort struct {
	ClientID uuid.UUID `json:"clientId"`
}

// ForClient 返回改写了 clientId 的副本，用于扇出。
func (r Response) ForClient(id uuid.UUID) Response {
	r.ClientID = id
	return r
}

// Failed 判断响应是否为需要上报的真实错误（取消不算）。
func (r Response) Failed() bool {
	return r.Status == StatusError && r.Error != ErrorAborted
}

// Peer 接收 Dispatcher 投递的响应，实现方不得长时间阻塞。
type Peer interface {
	Deliver(Response)
}

// PeerFunc adapts a function to the Peer interface.
type PeerFunc func(Response)

// Deliver makes PeerFunc satisfy Peer.
func (f PeerFunc) Deliver(resp Response) {
	f(resp)
}

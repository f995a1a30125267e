// Package client implements the requester-side stub of the download manager.
// A Stub turns load/abort calls into wire messages, tracks the local status of
// its current request and masks lost messages with a resend timer. An optional
// watchdog aborts requests that stop making progress.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/protocol"
)

// DefaultResendInterval 是 Initializing 状态下重发请求的间隔。
const DefaultResendInterval = 2 * time.Second

// Status 是 Stub 视角下当前请求的状态。
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusLoading
	StatusSomeData
	StatusDone
	StatusError
)

var statusNames = [...]string{"idle", "initializing", "loading", "some_data", "done", "error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// InFlight 判断状态是否表示仍有请求在途。
func (s Status) InFlight() bool {
	return s == StatusInitializing || s == StatusLoading || s == StatusSomeData
}

// Router 接收编码后的 wire 消息，Dispatcher 实现了该接口。
type Router interface {
	HandleMessage(data []byte, peer protocol.Peer) error
}

// Options 控制 Stub 的计时器与回调。
type Options struct {
	// ResendInterval 为 0 时使用 DefaultResendInterval。
	ResendInterval time.Duration
	// AbortTimeout 是 Loading/SomeData 状态下允许的最长静默时间，0 表示关闭看门狗。
	AbortTimeout time.Duration
	// OnUpdate 在每个被接受的响应之后调用，调用方不得阻塞。
	OnUpdate func(protocol.Response)
	Logger   *logrus.Logger
}

// Stub 是单个请求方的门面，同一时刻只有一个在途请求。
type Stub struct {
	router Router
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	gen      uint64
	status   Status
	request  protocol.Request
	encoded  []byte
	last     protocol.Response
	resend   *time.Timer
	watchdog *time.Timer
}

// New 创建空闲的 Stub。
func New(router Router, opts Options) (*Stub, error) {
	if router == nil {
		return nil, errors.New("client stub requires a router")
	}
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = DefaultResendInterval
	}
	return &Stub{
		router: router,
		opts:   opts,
		logger: logging.Component(opts.Logger, "client"),
	}, nil
}

// Load 发起新的请求，先中止上一个在途请求，返回新分配的 clientId。
func (s *Stub) Load(rawURL string, background, direct bool) (uuid.UUID, error) {
	return s.Send(protocol.Request{
		URL:                rawURL,
		BackgroundDownload: background,
		Direct:             direct,
	})
}

// Send 与 Load 相同，但允许调用方预先指定 clientId；为空时自动分配。
func (s *Stub) Send(req protocol.Request) (uuid.UUID, error) {
	if req.ClientID == uuid.Nil {
		req.ClientID = uuid.New()
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	previous, hadPrevious := s.resetLocked()
	s.gen++
	gen := s.gen
	s.status = StatusInitializing
	s.request = req
	s.encoded = data
	s.last = protocol.Response{}
	s.resend = time.AfterFunc(s.opts.ResendInterval, func() { s.onResend(gen) })
	s.mu.Unlock()

	if hadPrevious {
		s.sendAbort(previous)
	}
	if err := s.router.HandleMessage(data, s); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.resetLocked()
		}
		s.mu.Unlock()
		return uuid.Nil, err
	}
	s.logger.WithFields(logging.FetchFields("load", req.ClientID, req.URL, req.BackgroundDownload)).Debug("request_sent")
	return req.ClientID, nil
}

// Abort 中止当前请求；任何状态下调用都是安全的，重复调用无副作用。
func (s *Stub) Abort() {
	s.mu.Lock()
	id, ok := s.resetLocked()
	s.mu.Unlock()
	if ok {
		s.sendAbort(id)
	}
}

// Deliver 实现 protocol.Peer；不属于当前 clientId 的响应被忽略。
func (s *Stub) Deliver(resp protocol.Response) {
	s.mu.Lock()
	if !s.status.InFlight() || resp.ClientID != s.request.ClientID {
		s.mu.Unlock()
		return
	}

	switch resp.Status {
	case protocol.StatusRequestAcknowledged, protocol.StatusConnectingToHost, protocol.StatusBeginningDownload:
		if s.status == StatusInitializing {
			s.status = StatusLoading
		}
		s.stopResendLocked()
		s.armWatchdogLocked()
	case protocol.StatusSomeData:
		s.status = StatusSomeData
		s.stopResendLocked()
		s.armWatchdogLocked()
	case protocol.StatusComplete, protocol.StatusOfflineData:
		s.status = StatusDone
		s.stopTimersLocked()
	case protocol.StatusError:
		s.status = StatusError
		s.stopTimersLocked()
	case protocol.StatusAborted:
		s.status = StatusIdle
		s.stopTimersLocked()
	}
	s.last = resp
	onUpdate := s.opts.OnUpdate
	s.mu.Unlock()

	if onUpdate != nil {
		onUpdate(resp)
	}
}

// Status 返回当前状态。
func (s *Stub) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Filename 返回最近一次响应中的本地文件名。
func (s *Stub) Filename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Filename
}

// Response 返回最近一次被接受的响应。
func (s *Stub) Response() protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ClientID 返回当前请求的 clientId，空闲时为 uuid.Nil。
func (s *Stub) ClientID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request.ClientID
}

func (s *Stub) onResend(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusInitializing {
		s.mu.Unlock()
		return
	}
	data := s.encoded
	id := s.request.ClientID
	s.resend = time.AfterFunc(s.opts.ResendInterval, func() { s.onResend(gen) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"action": "resend", "client_id": id.String()}).Debug("request_resent")
	if err := s.router.HandleMessage(data, s); err != nil {
		s.logger.WithError(err).WithField("action", "resend").Warn("request_resend_failed")
	}
}

func (s *Stub) onWatchdog(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || (s.status != StatusLoading && s.status != StatusSomeData) {
		s.mu.Unlock()
		return
	}
	id := s.request.ClientID
	resp := protocol.Response{
		ClientID:    id,
		Record:      protocol.Record{URL: s.request.URL},
		LoadedBytes: s.last.LoadedBytes,
		Status:      protocol.StatusError,
		Error:       protocol.ErrorTimeout,
	}
	s.stopTimersLocked()
	s.status = StatusError
	s.last = resp
	onUpdate := s.opts.OnUpdate
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":    "watchdog",
		"client_id": id.String(),
		"url":       resp.URL,
		"timeout":   s.opts.AbortTimeout.String(),
	}).Warn("request_timed_out")
	s.sendAbort(id)
	if onUpdate != nil {
		onUpdate(resp)
	}
}

// resetLocked 停止计时器并回到 Idle，返回需要发送 Abort 的 clientId。
func (s *Stub) resetLocked() (uuid.UUID, bool) {
	s.stopTimersLocked()
	if !s.status.InFlight() {
		return uuid.Nil, false
	}
	id := s.request.ClientID
	s.status = StatusIdle
	s.gen++
	return id, true
}

func (s *Stub) armWatchdogLocked() {
	if s.opts.AbortTimeout <= 0 {
		return
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	gen := s.gen
	s.watchdog = time.AfterFunc(s.opts.AbortTimeout, func() { s.onWatchdog(gen) })
}

func (s *Stub) stopResendLocked() {
	if s.resend != nil {
		s.resend.Stop()
		s.resend = nil
	}
}

func (s *Stub) stopTimersLocked() {
	s.stopResendLocked()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Stub) sendAbort(id uuid.UUID) {
	data, err := protocol.EncodeAbort(protocol.Abort{ClientID: id})
	if err == nil {
		err = s.router.HandleMessage(data, s)
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "abort", "client_id": id.String()}).
			Warn("abort_send_failed")
	}
}

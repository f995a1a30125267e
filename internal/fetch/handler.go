// Package fetch implements the per-URL fetch handler: one HTTP conversation
// (HEAD probe, redirect following, conditional decision, streamed download)
// whose events are reported to the dispatcher and fanned out to every client
// interested in the URL.
//
// The conversation runs on its own goroutine and only talks to the outside
// through Options.Emit. The subscriber set (Join/Leave/Broadcast) belongs to
// the dispatcher goroutine and must only be touched from there.
package fetch

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/metrics"
	"github.com/weblite/weblite/internal/protocol"
)

// State 是 Handler 会话所处的阶段。
type State int32

const (
	StateIdle State = iota
	StateConnectingToHost
	StateProbeSent
	StateRedirect
	StateNotModified
	StateProbeOK
	StateBeginningDownload
	StateSomeData
	StateComplete
	StateError
	StateClosed
)

var stateNames = [...]string{
	"idle", "connecting_to_host", "probe_sent", "redirect", "not_modified",
	"probe_ok", "beginning_download", "some_data", "complete", "error", "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event 是 Handler 发往 Dispatcher 的事件。Closed 事件总是最后一个。
type Event struct {
	Handler  *Handler
	Response protocol.Response
	// Closed 表示会话已结束，Handler goroutine 即将退出。
	Closed bool
	// Aborted 表示会话因取消而结束，没有发出终态响应。
	Aborted bool
	// CacheHit 记录终态来自缓存时的命中原因。
	CacheHit string
}

// Options 注入 Handler 的依赖与请求参数。
type Options struct {
	Client *http.Client
	Layout *cache.Layout
	// Cached 是创建 Handler 时索引中该 URL 的条目快照，用于条件判断。
	Cached *cache.Entry
	// Direct 为 true 时直接写入最终缓存文件，否则先写临时文件再 rename。
	Direct bool
	// MaxRedirects 为 0 时不限制跳转次数。
	MaxRedirects int
	UserAgent    string
	Emit         func(Event)
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
}

// Handler 拥有某个 URL 的唯一一次在途传输，并记录所有关心结果的 clientId。
type Handler struct {
	url     string
	opts    Options
	logger  *logrus.Entry
	state   atomic.Int32
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	// cacheHit 只在会话 goroutine 中写入。
	cacheHit string

	clients map[uuid.UUID]protocol.Peer
	latest  protocol.Response
	hasLast bool
}

// New 创建尚未启动的 Handler。
func New(rawURL string, opts Options) *Handler {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Emit == nil {
		opts.Emit = func(Event) {}
	}
	return &Handler{
		url:     rawURL,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "fetch").WithField("url", rawURL),
		done:    make(chan struct{}),
		clients: make(map[uuid.UUID]protocol.Peer),
	}
}

// URL 返回 Handler 负责的原始 URL。
func (h *Handler) URL() string {
	return h.url
}

// State 返回会话当前阶段，可在任意 goroutine 读取。
func (h *Handler) State() State {
	return State(h.state.Load())
}

// Started 返回会话启动时间。
func (h *Handler) Started() time.Time {
	return h.started
}

// Start 在独立 goroutine 中开始 HTTP 会话。
func (h *Handler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.started = time.Now()
	go h.run(ctx)
}

// Cancel 中止会话，取消不会以 Error 事件上报。
func (h *Handler) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done 在 Handler goroutine 退出后关闭。
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Join 把 clientId 加入订阅集合，返回 Handler 最近一次广播的响应（若有）。
func (h *Handler) Join(id uuid.UUID, peer protocol.Peer) (protocol.Response, bool) {
	h.clients[id] = peer
	if !h.hasLast {
		return protocol.Response{}, false
	}
	return h.latest.ForClient(id), true
}

// Leave 移除 clientId 并返回剩余订阅数。
func (h *Handler) Leave(id uuid.UUID) int {
	delete(h.clients, id)
	return len(h.clients)
}

// Has 判断 clientId 是否仍在订阅集合中。
func (h *Handler) Has(id uuid.UUID) bool {
	_, ok := h.clients[id]
	return ok
}

// ClientCount 返回订阅数。
func (h *Handler) ClientCount() int {
	return len(h.clients)
}

// Clients 返回订阅的 clientId 列表。
func (h *Handler) Clients() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast 记录最新响应并逐个投递给所有订阅者。
func (h *Handler) Broadcast(resp protocol.Response) {
	h.latest = resp
	h.hasLast = true
	for id, peer := range h.clients {
		peer.Deliver(resp.ForClient(id))
	}
}

// Send 只向单个订阅者投递响应。
func (h *Handler) Send(id uuid.UUID, resp protocol.Response) bool {
	peer, ok := h.clients[id]
	if ok {
		peer.Deliver(resp.ForClient(id))
	}
	return ok
}

// Latest 返回最近一次广播的响应。
func (h *Handler) Latest() (protocol.Response, bool) {
	return h.latest, h.hasLast
}

// Release 在终态广播后清空订阅集合。
func (h *Handler) Release() {
	for id := range h.clients {
		delete(h.clients, id)
	}
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.done)

	resp, err := h.converse(ctx)
	aborted := false
	if err != nil {
		code := classifyError(err)
		if ctx.Err() != nil || code == protocol.ErrorAborted {
			aborted = true
			h.logger.WithField("action", "fetch_abort").Debug("fetch_aborted")
		} else {
			h.setState(StateError)
			resp = h.response(protocol.StatusError)
			resp.Error = code
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action": "fetch",
				"error":  code.String(),
			}).Warn("fetch_failed")
		}
	}
	if !aborted {
		h.emit(Event{Response: resp, CacheHit: h.cacheHit})
	}

	h.opts.Metrics.ObserveFetch(time.Since(h.started))
	h.setState(StateClosed)
	h.opts.Emit(Event{Handler: h, Closed: true, Aborted: aborted})
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
}

// response 构造不带 clientId 的基础响应，扇出时再填充。
func (h *Handler) response(status protocol.Status) protocol.Response {
	return protocol.Response{
		Record: protocol.Record{URL: h.url},
		Status: status,
	}
}

func (h *Handler) emit(ev Event) {
	ev.Handler = h
	h.opts.Emit(ev)
}
